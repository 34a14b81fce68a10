package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newResetCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Tear down the cluster and remove its files",
		Long: `Stop and remove every container of the cluster, then delete the data
directory, the manifest and the aliases script.

The tag store is kept unless --all is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer env.close()

			settings := env.cfg.Settings()
			if _, err := os.Stat(settings.ComposePath); err == nil {
				if err := env.runtime.Down(ctx, settings.ComposePath); err != nil {
					return fmt.Errorf("failed to stop cluster: %w", err)
				}
				log.Info().Str("manifest", settings.ComposePath).Msg("Cluster stopped")
			} else {
				log.Info().Str("manifest", settings.ComposePath).Msg("No manifest found, nothing to stop")
			}

			paths := []string{settings.DataDir, settings.ComposePath, settings.AliasesPath}
			if all {
				paths = append(paths, env.cfg.Store.Path, env.cfg.Store.Path+"-wal", env.cfg.Store.Path+"-shm")
			}
			for _, p := range paths {
				if err := os.RemoveAll(p); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("failed to remove %s: %w", p, err)
				}
				log.Debug().Str("path", p).Msg("Removed")
			}

			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ ")+"cluster reset")
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "also delete the tag store")

	return cmd
}
