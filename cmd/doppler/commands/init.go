package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/doppler-ln/doppler/pkg/config"
)

const exampleScript = `# One miner, two LND nodes and a Core Lightning node.
BITCOIND_MINER miner 10 s
LND alice PAIR miner
LND bob PAIR miner
CORELN carol PAIR miner
UP

alice OPEN_CHANNEL bob AMT 500000 TAG ab
miner MINE_BLOCKS 6
bob OPEN_CHANNEL carol AMT 500000
miner MINE_BLOCKS 6

LOOP 10 EVERY 5 s
    alice SEND_LN carol AMT 1000
    alice SEND_LN bob AMT 500 KEYSEND
END

alice CLOSE_CHANNEL bob TAG ab
`

func newInitCommand() *cobra.Command {
	var (
		force       bool
		examplePath string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a doppler workspace",
		Long: `Initialize a workspace in the current directory: a default configuration,
the tag store and an example script.

Existing files are left alone unless --force is given.`,
		Example: `  # Initialize with defaults
  doppler init

  # Write the configuration somewhere else
  doppler init --config ci.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath
			}
			out := cmd.OutOrStdout()

			cfg := config.DefaultConfig()
			if err := writeUnlessExists(path, force, func() error { return config.Write(path, cfg) }); err != nil {
				return err
			}
			fmt.Fprintln(out, okStyle.Render("✓ ")+"config "+path)

			store, err := openStore(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close store")
			}
			fmt.Fprintln(out, okStyle.Render("✓ ")+"tag store "+cfg.Store.Path)

			if examplePath != "" {
				err := writeUnlessExists(examplePath, force, func() error {
					return os.WriteFile(examplePath, []byte(exampleScript), 0644)
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out, okStyle.Render("✓ ")+"example script "+examplePath)
			}

			printBanner(out, "workspace initialized",
				"run a script with",
				mutedStyle.Render("  doppler run "+examplePath))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().StringVar(&examplePath, "example", "example.doppler", "where to write the example script, empty to skip")

	return cmd
}

func writeUnlessExists(path string, force bool, write func() error) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
	return write()
}
