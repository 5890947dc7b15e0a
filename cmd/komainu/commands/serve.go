package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/app"
	"github.com/shizukutanaka/Komainu/internal/config"
	"github.com/shizukutanaka/Komainu/internal/logging"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission service",
	Long: `Start the admission service with the specified configuration.

Examples:
  # Start with default config
  komainu serve

  # Start with a specific config file
  komainu serve --config /etc/komainu/config.yaml

  # Override the listen address
  KOMAINU_API_LISTEN_ADDR=:9090 komainu serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	factory, err := logging.NewLoggerFactory(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := factory.GetLogger("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting Komainu",
		zap.String("version", Version),
		zap.String("config", cfgFile),
	)

	application, err := app.New(ctx, factory, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	if err := application.Shutdown(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("Komainu stopped")
	return nil
}
