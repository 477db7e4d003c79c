package cli

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/guardian/internal/control"
	"github.com/vietddude/guardian/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
	apiAddr string
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian self-healing service",
	Long:  `Guardian monitors services, classifies their problems and applies healing strategies, with circuit breakers, rate limits and fallbacks for outbound calls.`,
	Run:   runGuardian,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "", "guardian API address (default http://localhost:<server.port>)")
}

// loadConfig reads the config file. A missing default file runs with defaults.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, string, error) {
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, cfgPath, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		slog.Warn("Config file not found, using defaults", "path", cfgPath)
		return config.Default(), "", nil
	}
	return nil, "", err
}

func runGuardian(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	// Load Configuration
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Guardian
	app, err := control.NewGuardian(ctx, cfg, path)
	if err != nil {
		slog.Error("Failed to initialize Guardian", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Guardian", "error", err)
		os.Exit(1)
	}

	slog.Info("Guardian started", "config", path, "services", len(cfg.Services), "port", cfg.Server.Port)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
