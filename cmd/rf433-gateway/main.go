// Command rf433-gateway serves RF-433 switch control to network clients
// through a Bluetooth LE connected radio gateway.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/rf433-gateway/internal/config"
	"github.com/chaz8081/rf433-gateway/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "rf433-gateway",
		Short: "Control RF-433 switches through a BLE radio gateway",
		Long: `rf433-gateway connects to an RF-433 radio gateway over Bluetooth LE
and lets network clients learn, rename and transmit switch codes over a
line-delimited JSON protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/rf433-gateway/config.yaml)")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		scanCmd(&configPath),
		connectCmd(&configPath),
		initConfigCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	cfg := config.Default()
	cfg.ApplyEnv()
	return cfg, nil
}

// setup loads and validates the config and installs the process logger.
func setup(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}
	logger := logging.New(cfg.Logging, version)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "=== rf433-gateway ===")
	fmt.Fprintf(os.Stderr, "  Service:   %s on %s\n", cfg.Service.Name, cfg.Service.Listen)
	if cfg.BLE.Enabled {
		device := cfg.BLE.DeviceMAC
		if device == "" {
			device = "(saved)"
		}
		fmt.Fprintf(os.Stderr, "  BLE:       enabled, gateway %s\n", device)
	} else {
		fmt.Fprintln(os.Stderr, "  BLE:       disabled")
	}
	fmt.Fprintf(os.Stderr, "  Catalog:   %s %s\n", cfg.Catalog.Backend, cfg.Catalog.Path)
	fmt.Fprintf(os.Stderr, "  Discovery: %s\n", cfg.Discovery.Backend)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(os.Stderr, "  Metrics:   %s\n", cfg.Metrics.Listen)
	}
	fmt.Fprintf(os.Stderr, "  Log:       %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)
	fmt.Fprintln(os.Stderr, "=====================")
}
