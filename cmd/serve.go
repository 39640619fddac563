package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/imagevault/internal/api"
	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.Config()
			handler := api.NewServer(a.Service(), api.Config{
				AuthEnabled:    cfg.Auth.Enabled,
				APIKey:         cfg.Auth.APIKey,
				MetricsEnabled: cfg.Metrics.Enabled,
				MetricsPath:    cfg.Metrics.Path,
				DefaultPreset:  catalog.SizePreset(cfg.Scrape.DefaultPreset),
				DefaultMode:    catalog.ExtractionMode(cfg.Scrape.DefaultMode),
			}, a.Logger().Named("api")).Handler()
			return server.Run(cmd.Context(), handler, server.Config{Port: cfg.Server.Port}, a.Logger().Named("server"))
		},
	}
}
