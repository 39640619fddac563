package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/imagevault/internal/logging"
	"github.com/JakeFAU/imagevault/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move legacy processed images into label partitions",
		Long: `Moves every processed/<name> object whose embedded label exists into
processed/<label>/<name> and repoints its index row. Reruns are safe; a dry
run reports the moves without touching storage or the index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := a.Service().MigrateLayout(cmd.Context(), dryRun)
			if err != nil {
				return fmt.Errorf("migrate layout: %w", err)
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report moves without applying them")
	return cmd
}

// newDBMigrateCmd manages the relational schema. It does not build the app
// so it can run against an empty database.
func newDBMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "db-migrate",
		Short:       "Manage the index database schema",
		Annotations: map[string]string{skipAppAnnotation: "true"},
	}

	dsn := func(cmd *cobra.Command) (string, error) {
		cfg, err := resolveConfig(cmd.Context())
		if err != nil {
			return "", err
		}
		if cfg.DB.DSN == "" {
			return "", errors.New("db.dsn is required")
		}
		return cfg.DB.DSN, nil
	}

	up := &cobra.Command{
		Use:         "up",
		Short:       "Apply all pending schema migrations",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(false)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			return postgres.MigrateUp(d, logger)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:         "down",
		Short:       "Roll back schema migrations",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(false)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			return postgres.MigrateDown(d, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:         "version",
		Short:       "Print the current schema version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn(cmd)
			if err != nil {
				return err
			}
			v, dirty, err := postgres.SchemaVersion(d)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"version": v, "dirty": dirty})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
