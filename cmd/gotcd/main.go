// gotcd daemon -- SMPTE timecode synchronization server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gotc/internal/config"
	tcmetrics "github.com/dantte-lp/gotc/internal/metrics"
	"github.com/dantte-lp/gotc/internal/server"
	"github.com/dantte-lp/gotc/internal/session"
	appversion "github.com/dantte-lp/gotc/internal/version"
)

// metricsShutdownTimeout is the maximum time to wait for the metrics
// HTTP server to drain during graceful shutdown. The TCP server drain
// is bounded separately by server.shutdown_timeout.
const metricsShutdownTimeout = 10 * time.Second

// Process exit codes. Startup failures are split so supervisors can
// tell a bad configuration from an unavailable listen address.
const (
	exitOK          = 0
	exitBindFailure = 1
	exitBadConfig   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	noStatus := flag.Bool("no-status", false, "disable the periodic status reporter")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("gotcd"))

		return exitOK
	}

	// 2. Load config and apply flag overrides.
	cfg, err := loadConfig(*configPath, *host, *port, *noStatus)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)

		return exitBadConfig
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gotcd starting",
		slog.String("version", appversion.Version),
		slog.String("addr", cfg.Server.Addr()),
		slog.Bool("metrics", cfg.Metrics.Enabled),
	)

	// 4. Create the metrics reporter: Prometheus when enabled, no-op
	// otherwise.
	var (
		reg      *prometheus.Registry
		reporter session.MetricsReporter = session.NopMetrics()
	)

	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reporter = tcmetrics.NewCollector(reg)
	}

	// 5. Create the session registry and the TCP server.
	registry := session.NewRegistry(logger,
		session.WithMetrics(reporter),
		session.WithEmptySessionGC(cfg.Session.GCEmpty),
	)

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr(),
		MaxLineBytes:    cfg.Server.MaxLineBytes,
		SendBuffer:      cfg.Server.SendBuffer,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, registry, logger, reporter)

	// Bind up front so a taken port is a distinct startup failure.
	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind listener",
			slog.String("addr", cfg.Server.Addr()),
			slog.String("error", err.Error()),
		)

		return exitBindFailure
	}

	// 6. Run until signalled.
	if err := runDaemon(cfg, srv, registry, reg, logLevel, *configPath, logger); err != nil {
		logger.Error("gotcd exited with error",
			slog.String("error", err.Error()),
		)

		return exitBindFailure
	}

	logger.Info("gotcd stopped")

	return exitOK
}

// runDaemon runs the TCP server and auxiliary goroutines using an
// errgroup with a signal-aware context for graceful shutdown.
func runDaemon(
	cfg *config.Config,
	srv *server.Server,
	registry *session.Registry,
	reg *prometheus.Registry,
	logLevel *slog.LevelVar,
	configPath string,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// TCP server: Serve performs its own graceful drain when gCtx is
	// cancelled (registry shutdown, handler drain, force close).
	g.Go(func() error {
		return srv.Serve(gCtx)
	})

	// Metrics endpoint.
	var metricsSrv *http.Server

	if cfg.Metrics.Enabled {
		metricsSrv = newMetricsServer(cfg.Metrics, reg)

		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)

			lc := net.ListenConfig{}

			return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
		})
	}

	// Periodic status reporter.
	if cfg.Status.Enabled {
		g.Go(func() error {
			registry.RunStatusReporter(gCtx, cfg.Status.Interval)

			return nil
		})
	}

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()

		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}

	return nil
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)

		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)

		return
	}

	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)

		return
	}

	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)

		return nil
	}

	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")

		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Only the log level can change at runtime; listener and session
// parameters require a restart. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

// reloadLogLevel loads a fresh configuration and applies its log
// level via the shared LevelVar. Errors during reload are logged but
// do not stop the daemon; the previous configuration remains in
// effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)

		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the metrics HTTP
// server. The TCP server performs its own drain inside Serve, bounded
// by server.shutdown_timeout.
//
// The parent context is already cancelled when this function is
// called; context.WithoutCancel detaches from it so the metrics drain
// gets its own deadline.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if metricsSrv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}

	return nil
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and
// serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}

	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// loadConfig loads configuration (file + env + defaults) and applies
// CLI flag overrides, re-validating the result.
func loadConfig(path, host string, port int, noStatus bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if host != "" {
		cfg.Server.Host = host
	}

	if port != 0 {
		cfg.Server.Port = port
	}

	if noStatus {
		cfg.Status.Enabled = false
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
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
