package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/doppler-ln/doppler/pkg/script"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [script]",
		Short: "Validate the configuration and a script",
		Long: `Validate the configuration file and, when given, a script.

This command checks:
  - configuration keys, values and the network layout
  - script syntax
  - node pairings and references
  - loop nesting and placement relative to UP`,
		Example: `  # Validate doppler.yaml only
  doppler validate

  # Validate a script against a custom config
  doppler validate --config ci.yaml channels.doppler`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info().Str("network", cfg.Network.Name).Str("lnd", cfg.Lnd.ControlPlane).Msg("Configuration is valid")

			if len(args) == 0 {
				return nil
			}
			path := args[0]
			directives, err := script.ParseFile(path)
			if err != nil {
				return err
			}
			if err := script.Check(directives); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("✗ "+path))
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ "+path))
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"DIRECTIVE", "COUNT"}, summarize(directives)))
			return nil
		},
	}

	return cmd
}

// summarize counts nodes by kind and actions by name.
func summarize(directives []script.Directive) [][]string {
	counts := make(map[string]int)
	for _, d := range directives {
		switch d.Kind {
		case script.DirectiveNode, script.DirectiveNodeMiner, script.DirectiveNodePair:
			counts[d.Node.Kind]++
		case script.DirectiveLnAction, script.DirectiveBtcAction:
			counts[d.Command.Action]++
		case script.DirectiveLoopStart:
			counts["LOOP"]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return rows
}
