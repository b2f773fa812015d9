package commands

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/frame"
	"github.com/arelio/slipbridge/internal/scan"
	"github.com/arelio/slipbridge/internal/tmpl"
)

func scanCmd() *cobra.Command {
	var catalogDir string
	var hexFrame string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Decode one SLIP-framed hex string and run it through the scan/match and template pipeline",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if catalogDir == "" || hexFrame == "" {
				return fmt.Errorf("--catalog and --hex are both required")
			}

			cat, err := catalog.LoadFromSources([]catalog.Source{{Path: catalogDir}})
			if err != nil {
				return fmt.Errorf("catalog invalid: %w", err)
			}

			raw, err := hex.DecodeString(strings.TrimSpace(hexFrame))
			if err != nil {
				return fmt.Errorf("decode --hex: %w", err)
			}

			var decodedFrames [][]byte
			decoder := frame.NewDecoder()
			if err := decoder.Write(raw, func(f []byte) {
				decodedFrames = append(decodedFrames, append([]byte(nil), f...))
			}); err != nil {
				return fmt.Errorf("decode slip frame: %w", err)
			}
			if len(decodedFrames) == 0 {
				return fmt.Errorf("--hex contained no complete SLIP frame")
			}

			for i, f := range decodedFrames {
				if err := scanOneFrame(cat, i, f); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&catalogDir, "catalog", "", "catalog source directory")
	cmd.Flags().StringVar(&hexFrame, "hex", "", "hex-encoded, SLIP-framed bytes")

	return cmd
}

func scanOneFrame(cat *catalog.PacketCatalog, index int, f []byte) error {
	env := make(map[string]string)
	var matched *catalog.PacketDesc

	scan.Scan(cat, f, func(v scan.FieldView, pkt catalog.PacketDesc) {
		if matched == nil {
			p := pkt
			matched = &p
		}
		env[v.Desc.Name] = v.Value.String()
		fmt.Printf("frame[%d]: field %-16s = %s\n", index, v.Desc.Name, v.Value.String())
	})

	if matched == nil {
		fmt.Printf("frame[%d]: no packet matched\n", index)
		return nil
	}

	topic, payload, err := tmpl.Render(matched.Template, env)
	if err != nil {
		return fmt.Errorf("frame[%d]: render template for packet %q: %w", index, matched.Name, err)
	}

	fmt.Printf("frame[%d]: matched %q -> topic=%q payload=%q\n", index, matched.Name, topic, payload)
	return nil
}
