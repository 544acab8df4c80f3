// Tracklink daemon -- JT/T 808-2013 to MQTT telematics gateway.
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

	"github.com/wolfguard/tracklink/internal/bus"
	"github.com/wolfguard/tracklink/internal/config"
	"github.com/wolfguard/tracklink/internal/gateway"
	gwmetrics "github.com/wolfguard/tracklink/internal/metrics"
	appversion "github.com/wolfguard/tracklink/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// cliFlags holds the command line overrides applied on top of the
// loaded configuration.
type cliFlags struct {
	configPath string
	host       string
	port       int
	busHost    string
	busPort    int
	verbose    bool
}

func main() {
	os.Exit(run())
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "path to configuration file (YAML or JSON)")
	flag.StringVar(&f.host, "host", "", "JT808 listen host override")
	flag.IntVar(&f.port, "port", 0, "JT808 listen port override")
	flag.StringVar(&f.busHost, "bus-host", "", "message bus host override")
	flag.IntVar(&f.busPort, "bus-port", 0, "message bus port override")
	flag.BoolVar(&f.verbose, "verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("tracklinkd"))
		os.Exit(0)
	}

	return f
}

func run() int {
	flags := parseFlags()

	// Load config and apply CLI overrides.
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}
	applyOverrides(cfg, flags)

	// Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.LogLevel))
	if flags.verbose {
		logLevel.Set(slog.LevelDebug)
	}
	logger := newLoggerWithLevel(cfg.LogFormat, logLevel)

	logger.Info("tracklinkd starting",
		slog.String("version", appversion.Version),
		slog.String("jt808_addr", fmt.Sprintf("%s:%d", cfg.JT808Host, cfg.JT808Port)),
		slog.String("bus_addr", fmt.Sprintf("%s:%d", cfg.BusHost, cfg.BusPort)),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	// Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := gwmetrics.NewCollector(reg)

	// Message bus connection.
	pub, err := bus.Dial(bus.Options{
		Host:     cfg.BusHost,
		Port:     cfg.BusPort,
		User:     cfg.BusUser,
		Password: cfg.BusPassword,
		TLS:      cfg.BusTLS,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to message bus",
			slog.String("error", err.Error()),
		)
		return 1
	}
	defer pub.Close()

	if err := runServers(cfg, pub, collector, reg, logger, flags.configPath, logLevel); err != nil {
		logger.Error("tracklinkd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("tracklinkd stopped")
	return 0
}

// applyOverrides layers the CLI flags over the loaded configuration.
func applyOverrides(cfg *config.Config, flags cliFlags) {
	if flags.host != "" {
		cfg.JT808Host = flags.host
	}
	if flags.port != 0 {
		cfg.JT808Port = flags.port
	}
	if flags.busHost != "" {
		cfg.BusHost = flags.busHost
	}
	if flags.busPort != 0 {
		cfg.BusPort = flags.busPort
	}
}

// runServers runs the JT808 listener and the metrics HTTP server using
// an errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	pub bus.Publisher,
	collector *gwmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	srv := gateway.NewServer(cfg, pub, collector, logger)
	g.Go(func() error {
		return srv.Run(gCtx)
	})

	metricsSrv := newMetricsServer(cfg.MetricsAddr, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.MetricsAddr))
		return listenAndServe(gCtx, metricsSrv, cfg.MetricsAddr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration
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
// SIGHUP Reload
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Only the log level is applied dynamically; listener and bus settings
// require a restart. Blocks until the context is cancelled.
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
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration and updates the dynamic log
// level. Errors during reload are logged but do not stop the daemon --
// the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.LogLevel)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and shuts down the metrics server.
// The JT808 listener drains itself when its context is cancelled.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using a ListenConfig and serves
// HTTP requests until the server is shut down.
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

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
