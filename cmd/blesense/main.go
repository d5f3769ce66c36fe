package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/config"
	"github.com/chaz8081/blesense/internal/logging"
	"github.com/chaz8081/blesense/internal/sink"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitConfig      = 2
	exitUnavailable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// CLI flags
	flags := pflag.NewFlagSet("blesense", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to config file (default: ~/.config/blesense/config.yaml)")
	initConfig := flags.Bool("init-config", false, "write the default config file and exit")
	scanTimeout := flags.Duration("scan-timeout", 0, "override scan.timeout (0 scans until interrupted)")
	attempts := flags.Int("attempts", 0, "override retry.attempts")
	readOrder := flags.String("read-order", "", `override connection.read_order ("fifo" or "lifo")`)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return exitConfig
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return exitOK
	}

	// Load configuration
	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	if flags.Changed("scan-timeout") {
		cfg.Scan.Timeout = *scanTimeout
	}
	if flags.Changed("attempts") {
		cfg.Retry.Attempts = *attempts
	}
	if flags.Changed("read-order") {
		cfg.Connection.ReadOrder = *readOrder
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		return exitConfig
	}

	logger, logCloser, err := logging.New(cfg.LogOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return exitConfig
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	printBanner(cfg, source)

	desc, err := cfg.Descriptor()
	if err != nil {
		logger.Error("invalid service descriptor", "error", err)
		return exitConfig
	}

	schema := cfg.Schema()
	collector := &sink.Collector{}
	sinks := sink.Multi{sink.NewLog(logger, schema), collector}
	if cfg.Output.ReadingsFile != "" {
		file, err := sink.NewRotatingFile(cfg.Output.ReadingsFile, sink.RotateOptions{
			MaxSizeMB:  cfg.Output.MaxSizeMB,
			MaxBackups: cfg.Output.MaxBackups,
			MaxAgeDays: cfg.Output.MaxAgeDays,
			Compress:   cfg.Output.Compress,
		}, schema)
		if err != nil {
			logger.Error("failed to open readings file", "path", cfg.Output.ReadingsFile, "error", err)
			return exitConfig
		}
		defer file.Close()
		sinks = append(sinks, file)
	}

	acquirer, err := ble.NewAcquirer(ble.NewHostAdapter(cfg.Adapter.ID), desc, sinks, cfg.AcquireOptions(logger))
	if err != nil {
		logger.Error("failed to create acquirer", "error", err)
		return exitConfig
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := acquirer.RunWithRetry(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)

	switch {
	case err == nil:
		logger.Info("acquisition complete", "device", res.Device.Address, "readings", collector.Len(), "elapsed", elapsed)
		return exitOK
	case errors.Is(err, ble.ErrAdapterUnavailable):
		logger.Error("Bluetooth adapter unavailable", "adapter", cfg.Adapter.ID)
		return exitUnavailable
	case ctx.Err() != nil:
		logger.Info("interrupted, shutting down", "readings", collector.Len())
		return exitFailed
	default:
		logger.Error("acquisition failed",
			"error", err,
			"state", res.State,
			"readings", collector.Len(),
			"remaining", res.Remaining,
			"elapsed", elapsed)
		return exitFailed
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also reports where
// the config came from.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	return config.Default(), "built-in defaults", nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, source string) {
	fmt.Println("=== blesense ===")
	fmt.Printf("  Config:  %s\n", source)
	fmt.Printf("  Adapter: %s\n", cfg.Adapter.ID)
	fmt.Printf("  Service: %s (%d characteristics, %s)\n", cfg.Service.UUID, len(cfg.Service.Characteristics), cfg.Connection.ReadOrder)
	fmt.Printf("  Scan:    %s, %s match, timeout %s\n", cfg.Scan.Mode, cfg.Scan.MatchMode, cfg.Scan.Timeout)
	fmt.Printf("  Retry:   %d attempt(s)\n", cfg.Retry.Attempts)
	if cfg.Output.ReadingsFile != "" {
		fmt.Printf("  Output:  %s\n", cfg.Output.ReadingsFile)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
