// Package commands implements the tracklink-sim CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wolfguard/tracklink/internal/config"
	"github.com/wolfguard/tracklink/internal/simulator"
)

var (
	// configPath is the optional configuration file, layered under the flags.
	configPath string

	// serverAddr / serverPort point at the gateway's JT808 listener.
	serverAddr string
	serverPort int

	// deviceID overrides the simulated terminal's device identifier.
	deviceID string

	// locationInterval is the seconds between location reports.
	locationInterval int

	// batchSize enables batch mode when > 0: reports accumulate and are
	// sent as a single bulk upload once the batch fills.
	batchSize int

	// static disables the random-walk movement model.
	static bool

	verbose bool
)

// rootCmd runs the device simulator until interrupted.
var rootCmd = &cobra.Command{
	Use:   "tracklink-sim",
	Short: "JT808 terminal simulator for the tracklink gateway",
	Long: "tracklink-sim connects to a tracklink gateway as a JT808 terminal,\n" +
		"performs the registration and authentication handshake, and streams\n" +
		"heartbeats and simulated location reports.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		applyFlags(cfg, cmd)

		level := config.ParseLogLevel(cfg.LogLevel)
		if verbose {
			level = slog.LevelDebug
		}
		logger := newLogger(cfg.LogFormat, level)

		ctx, stop := signal.NotifyContext(
			context.Background(),
			syscall.SIGINT,
			syscall.SIGTERM,
		)
		defer stop()

		sim := simulator.New(cfg, logger)
		if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("run simulator: %w", err)
		}
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML or JSON)")
	rootCmd.Flags().StringVar(&serverAddr, "server", "",
		"gateway host to connect to")
	rootCmd.Flags().IntVar(&serverPort, "port", 0,
		"gateway JT808 port")
	rootCmd.Flags().StringVar(&deviceID, "device", "",
		"simulated device identifier (up to 12 digits)")
	rootCmd.Flags().IntVar(&locationInterval, "interval", 0,
		"seconds between location reports")
	rootCmd.Flags().IntVar(&batchSize, "batch", 0,
		"accumulate reports and send bulk uploads of this size")
	rootCmd.Flags().BoolVar(&static, "static", false,
		"report a fixed position instead of a random walk")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(versionCmd())
}

// applyFlags layers explicitly-set flags over the loaded configuration.
func applyFlags(cfg *config.Config, cmd *cobra.Command) {
	if serverAddr != "" {
		cfg.JT808Host = serverAddr
	}
	if serverPort != 0 {
		cfg.JT808Port = serverPort
	}
	if deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if locationInterval > 0 {
		cfg.LocationInterval = locationInterval
	}
	if cmd.Flags().Changed("batch") {
		cfg.BatchEnabled = batchSize > 0
		if batchSize > 0 {
			cfg.BatchSize = batchSize
		}
	}
	if static {
		cfg.Move = false
	}
}

func newLogger(format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
