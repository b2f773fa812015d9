// slipbridged is the SLIP/TCP-to-MQTT bridge daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arelio/slipbridge/internal/config"
	"github.com/arelio/slipbridge/internal/daemon"
	appversion "github.com/arelio/slipbridge/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logger := daemon.NewLogger(cfg.Log)
	logger.Info("slipbridged starting",
		slog.String("version", appversion.Version),
		slog.String("tcp_addr", cfg.TCP.Addr()),
		slog.String("mqtt_broker", cfg.MQTT.URL()),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg, logger); err != nil {
		logger.Error("slipbridged exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("slipbridged stopped")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.DefaultConfig(), nil
}
