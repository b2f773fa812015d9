package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arelio/slipbridge/internal/catalog"
)

func validateCmd() *cobra.Command {
	var catalogDirs string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load catalog sources and report validation results without starting network I/O",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if catalogDirs == "" {
				return fmt.Errorf("--catalog is required")
			}

			sources := make([]catalog.Source, 0)
			for _, dir := range strings.Split(catalogDirs, ",") {
				dir = strings.TrimSpace(dir)
				if dir == "" {
					continue
				}
				sources = append(sources, catalog.Source{Path: dir})
			}

			cat, err := catalog.LoadFromSources(sources)
			if err != nil {
				return fmt.Errorf("catalog invalid: %w", err)
			}

			fmt.Printf("catalog valid: %d packet(s) declared\n", len(cat.Packets()))
			for _, p := range cat.Packets() {
				fmt.Printf("  %-24s fields=%-3d size=%-4d topic=%q\n",
					p.Name, len(p.Fields), p.TotalSize(), p.Template.Topic)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&catalogDirs, "catalog", "", "comma-separated catalog source directories")

	return cmd
}
