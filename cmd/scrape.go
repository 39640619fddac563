package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/config"
)

type scrapeFlags struct {
	preset string
	mode   string
}

func (f *scrapeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.preset, "preset", "", "size preset: small, medium, large, or all (defaults to scrape.default_preset)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "extraction mode: light or heavy (defaults to scrape.default_mode)")
}

func (f *scrapeFlags) resolve(cfg config.Config) (catalog.SizePreset, catalog.ExtractionMode, error) {
	rawPreset, rawMode := f.preset, f.mode
	if rawPreset == "" {
		rawPreset = cfg.Scrape.DefaultPreset
	}
	if rawMode == "" {
		rawMode = cfg.Scrape.DefaultMode
	}
	preset, err := catalog.ParseSizePreset(rawPreset)
	if err != nil {
		return "", "", err
	}
	mode, err := catalog.ParseExtractionMode(rawMode)
	if err != nil {
		return "", "", err
	}
	return preset, mode, nil
}

// newScrapeCmd previews the merged candidate images for one or more pages
// without persisting anything.
func newScrapeCmd() *cobra.Command {
	var flags scrapeFlags
	cmd := &cobra.Command{
		Use:   "scrape URL [URL...]",
		Short: "Preview candidate images extracted from pages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			preset, mode, err := flags.resolve(a.Config())
			if err != nil {
				return err
			}
			result, err := a.Service().Scrape(cmd.Context(), args, preset, mode)
			if err != nil {
				return fmt.Errorf("scrape: %w", err)
			}
			return printJSON(cmd, result)
		},
	}
	flags.register(cmd)
	return cmd
}
