// Package daemon wires C8 through C12 together into one runnable
// server: catalog load, MQTT sink, TCP ingress, and metrics. Both
// cmd/slipbridged and "slipbridgectl run" share this startup path
// (the teacher keeps a thin cmd/gobfd next to a fuller cmd/gobfdctl;
// this repo keeps the same split).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	sysdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/config"
	"github.com/arelio/slipbridge/internal/ingress"
	bridgemetrics "github.com/arelio/slipbridge/internal/metrics"
	"github.com/arelio/slipbridge/internal/mqttsink"
)

const shutdownTimeout = 10 * time.Second

// Run loads the catalog, connects to the broker, and serves TCP
// ingress plus a Prometheus metrics endpoint until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded", slog.Int("packets", len(cat.Packets())))

	reg := prometheus.NewRegistry()
	collector := bridgemetrics.NewCollector(reg)

	sink, err := mqttsink.New(cfg.MQTT, logger)
	if err != nil {
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}
	defer closeSink(sink, logger)

	srv := ingress.New(cfg.TCP.Addr(), cat, sink, logger, collector, collector)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	g.Go(func() error {
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return shutdownMetricsServer(metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

func loadCatalog(cfg *config.Config) (*catalog.PacketCatalog, error) {
	sources := make([]catalog.Source, 0, len(cfg.Catalog.Sources))
	for _, s := range cfg.Catalog.Sources {
		sources = append(sources, catalog.Source{Path: s.Path, Patterns: s.Patterns})
	}
	cat, err := catalog.LoadFromSources(sources)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}

func closeSink(sink *mqttsink.Client, logger *slog.Logger) {
	if err := sink.Close(shutdownTimeout); err != nil {
		logger.Warn("failed to close mqtt sink", slog.String("error", err.Error()))
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func shutdownMetricsServer(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := sysdaemon.SdNotify(false, sysdaemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd, at half
// the configured watchdog interval. A no-op if the watchdog isn't
// configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := sysdaemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := sysdaemon.SdNotify(false, sysdaemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// NewLogger builds the daemon's structured logger per cfg.Log.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	level := config.ParseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
