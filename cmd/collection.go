package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLabelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Manage labels",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add NAME",
			Short: "Create a label",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				label, err := a.Service().AddLabel(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("add label: %w", err)
				}
				return printJSON(cmd, label)
			},
		},
		&cobra.Command{
			Use:   "sync LABEL_ID",
			Short: "Reconcile processed images for a label with the index",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				result, err := a.Service().SyncLabel(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("sync label: %w", err)
				}
				return printJSON(cmd, result)
			},
		},
	)
	return cmd
}

func newCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collection",
		Aliases: []string{"collections"},
		Short:   "Manage collection pages and their scrapes",
	}

	var labels []string
	add := &cobra.Command{
		Use:   "add URL",
		Short: "Register a collection page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ref, err := a.Service().AddCollection(cmd.Context(), args[0], labels)
			if err != nil {
				return fmt.Errorf("add collection: %w", err)
			}
			return printJSON(cmd, ref)
		},
	}
	add.Flags().StringSliceVar(&labels, "label", nil, "label id to attach (repeatable)")

	var flags scrapeFlags
	scrape := &cobra.Command{
		Use:   "scrape PAGE_ID",
		Short: "Scrape a collection page and replace its previous scrape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			preset, mode, err := flags.resolve(a.Config())
			if err != nil {
				return err
			}
			detail, err := a.Service().ScrapeCollection(cmd.Context(), args[0], preset, mode)
			if err != nil {
				return fmt.Errorf("scrape collection: %w", err)
			}
			return printJSON(cmd, detail)
		},
	}
	flags.register(scrape)

	show := &cobra.Command{
		Use:   "show PAGE_ID",
		Short: "Show the current scrape of a collection page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := a.Service().GetCollectionScrape(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get collection scrape: %w", err)
			}
			return printJSON(cmd, detail)
		},
	}

	del := &cobra.Command{
		Use:   "delete PAGE_ID",
		Short: "Delete a collection page and reclaim assets nothing else references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := a.Service().DeleteCollection(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("delete collection: %w", err)
			}
			return printJSON(cmd, result)
		},
	}

	cmd.AddCommand(add, scrape, show, del)
	return cmd
}

func newStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store SCRAPE_ID",
		Short: "Download and store every image of a scrape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := a.Service().Store(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			return printJSON(cmd, result)
		},
	}
}

func newReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim ASSET_ID [ASSET_ID...]",
		Short: "Delete assets that are no longer referenced",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := a.Service().ReclaimOrphans(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("reclaim: %w", err)
			}
			return printJSON(cmd, result)
		},
	}
}
