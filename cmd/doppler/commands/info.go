package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/doppler-ln/doppler/pkg/engine"
)

func newInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the nodes of the running cluster",
		Long: `Load the manifest of the running cluster and list its nodes with their
addresses, published ports and pairings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer env.close()

			state, err := env.newState("")
			if err != nil {
				return err
			}
			if err := state.Reload(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"NAME", "KIND", "CONTAINER", "IP", "PORTS", "ENDPOINT", "PAIR"},
				nodeRows(state),
			))
			return nil
		},
	}

	return cmd
}

func nodeRows(state *engine.ClusterState) [][]string {
	manifest := state.Manifest()
	ports := func(container string) string {
		if svc, ok := manifest.Service(container); ok {
			return strings.Join(svc.Ports, " ")
		}
		return ""
	}

	var rows [][]string
	for _, n := range state.L1Nodes() {
		kind, _ := engine.NodeKindFromContainer(n.ContainerName())
		rows = append(rows, []string{
			n.Name(), string(kind), n.ContainerName(), n.IP(), ports(n.ContainerName()),
			"rpc " + n.RPCPort(), "",
		})
	}
	for _, n := range state.L2Nodes() {
		kind, _ := engine.NodeKindFromContainer(n.ContainerName())
		rows = append(rows, []string{
			n.Name(), string(kind), n.ContainerName(), n.IP(), ports(n.ContainerName()),
			n.ServerURL(), n.Pair(),
		})
	}
	return rows
}
