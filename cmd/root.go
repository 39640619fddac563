// Package cmd defines and implements the CLI commands for the imagevault
// executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/app"
	"github.com/JakeFAU/imagevault/internal/config"
	"github.com/JakeFAU/imagevault/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const (
	appKey    appKeyType = "app"
	configKey appKeyType = "config"
)

// skipAppAnnotation marks commands that only need configuration.
const skipAppAnnotation = "imagevault/skip-app"

// appFactory builds the application from loaded configuration. Tests replace
// it to run commands against in-memory backends.
type appFactory func(ctx context.Context, cfg config.Config) (*app.App, error)

// configLoader reads configuration from an optional file path.
type configLoader func(path string) (config.Config, error)

func defaultFactory(ctx context.Context, cfg config.Config) (*app.App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return app.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd(load configLoader, build appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "imagevault",
		Short: "Scrape, store, and organize images from collection pages.",
		Long: `imagevault extracts candidate images from web pages, stores them
content-addressed in an object store, tracks them in a relational index, and
maintains the processed image layout used by labeling workflows.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if cmd.Annotations[skipAppAnnotation] == "" {
				appInstance, err := build(ctx, cfg)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				return appInstance.Close(cmd.Context())
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the IMAGEVAULT_ prefix)")

	cmd.AddCommand(
		newScrapeCmd(),
		newLabelCmd(),
		newCollectionCmd(),
		newStoreCmd(),
		newReclaimCmd(),
		newMigrateCmd(),
		newDBMigrateCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(config.Load, defaultFactory).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// printJSON writes v to the command's output as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
