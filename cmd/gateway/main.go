package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/zgw-gateway/internal/config"
	"github.com/wudi/zgw-gateway/internal/gateway"
	"github.com/wudi/zgw-gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("zgw-gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
		Rotation: logging.Rotation{
			MaxSize:    cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			Compress:   cfg.Logging.Rotation.Compress,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	logging.Info("Starting zgw-gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("backends", len(cfg.Backends)),
		zap.Int("routes", len(cfg.Routes)),
	)

	// The global logger skips one frame for its wrappers; components log directly.
	server, err := gateway.NewServer(cfg, logger.WithOptions(zap.AddCallerSkip(-1)))
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
