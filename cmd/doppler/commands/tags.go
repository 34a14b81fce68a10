package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/doppler-ln/doppler/pkg/stores"
)

func newTagsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "List tagged channels and preimages",
		Long: `List the values scripts stored with TAG: channel points of opened
channels and preimages of hold invoices. A later run can close or settle
them by tag.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			tags, err := store.ListTags(ctx)
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no tags"))
				return nil
			}

			rows := make([][]string, 0, len(tags))
			for _, t := range tags {
				run := ""
				if t.RunID != nil {
					run = *t.RunID
				}
				rows = append(rows, []string{
					t.Name, string(t.Kind), t.Node, t.Peer, t.Value, run,
					t.UpdatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"TAG", "KIND", "NODE", "PEER", "VALUE", "RUN", "UPDATED"}, rows))
			return nil
		},
	}

	cmd.AddCommand(newTagsDeleteCommand())
	return cmd
}

func newTagsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tag>...",
		Short: "Delete tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, name := range args {
				if err := store.DeleteTag(ctx, name); err != nil {
					if errors.Is(err, stores.ErrNotFound) {
						return fmt.Errorf("tag %s not found", name)
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ ")+"deleted "+name)
			}
			return nil
		},
	}
}
