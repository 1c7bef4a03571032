package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"ai-serving/config"
	"ai-serving/core/repository"
	"ai-serving/providers/aws"
	"ai-serving/storage"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "aiserving",
	Short: "Asynchronous multi-stage model serving",
	Long: `aiserving registers packaged Python models, runs one worker process per model
and moves submitted jobs through preprocess, inference and postprocess stages.

Configuration comes from environment variables, an optional .env file and the
YAML file named by AISERVING_CONFIG.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig reads the configuration and installs the process logger
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openDB(cfg *config.Config) (*repository.DB, error) {
	if cfg.Database.Driver == repository.DriverSQLite {
		if err := os.MkdirAll(cfg.Runtime.Root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create runtime root: %w", err)
		}
	}
	db, err := repository.NewDB(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return aws.NewS3Store(ctx, aws.S3Options{
			Bucket:       cfg.Storage.S3Bucket,
			Region:       cfg.Storage.AWSRegion,
			Endpoint:     cfg.Storage.S3Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
		})
	default:
		return storage.NewLocalStore(cfg.Storage.LocalDir)
	}
}
