package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/script"
	"github.com/doppler-ln/doppler/pkg/stores"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		rest    bool
		noPause bool
	)

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Build a cluster from a script and run its actions",
		Long: `Run a doppler script.

Node definitions are turned into a docker compose manifest and per-node
configuration under the data directory. UP starts the cluster, pairs and
funds the nodes, and waits for Enter before the actions run. SKIP_CONF
attaches to a cluster a previous run left up.

Loops and miners run in the background until they finish or the process
receives SIGINT or SIGTERM.`,
		Example: `  # Run a script against a fresh cluster
  doppler run channels.doppler

  # Drive LND over REST instead of lncli, without waiting for Enter
  doppler run --rest --no-pause channels.doppler`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			ctx := cmd.Context()

			directives, err := script.ParseFile(path)
			if err != nil {
				return err
			}
			if err := script.Check(directives); err != nil {
				return fmt.Errorf("invalid script %s: %w", path, err)
			}

			env, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer env.close()
			if rest {
				env.cfg.Lnd.ControlPlane = "rest"
			}

			run := &stores.Run{
				ID:         uuid.New().String(),
				ScriptPath: path,
				Status:     stores.RunStatusRunning,
				StartedAt:  time.Now(),
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			}
			if err := env.store.CreateRun(ctx, run); err != nil {
				return err
			}

			var extra []engine.Option
			if noPause {
				extra = append(extra, engine.WithStdin(strings.NewReader("\n")))
			}
			state, err := env.newState(run.ID, extra...)
			if err != nil {
				return err
			}
			env.telemetry.Events.Subscribe(func(event telemetry.Event) {
				switch event.Type {
				case telemetry.EventTypeClusterUp, telemetry.EventTypeClusterLoaded:
					printClusterBanner(state, event)
				}
			})

			log.Info().Str("script", path).Str("run", run.ID).Msg("Running script")
			runErr := engine.RunWorkflowUntilStop(ctx, state, directives)

			status, msg := runOutcome(ctx, runErr)
			// ctx may already be cancelled; the run record still needs closing.
			finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := env.store.FinishRun(finishCtx, run.ID, status, msg); err != nil {
				log.Warn().Err(err).Msg("failed to record run outcome")
			}
			if status == stores.RunStatusCancelled {
				return nil
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&rest, "rest", false, "drive LND nodes over REST instead of lncli")
	cmd.Flags().BoolVar(&noPause, "no-pause", false, "continue after UP without waiting for Enter")

	return cmd
}

// runOutcome maps the result of a run to the status it is stored with.
// A run stopped by a signal is cancelled, whatever directive it was on.
func runOutcome(ctx context.Context, runErr error) (stores.RunStatus, *string) {
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return stores.RunStatusCancelled, nil
	case runErr != nil:
		msg := runErr.Error()
		return stores.RunStatusFailed, &msg
	}
	return stores.RunStatusCompleted, nil
}

func printClusterBanner(state *engine.ClusterState, event telemetry.Event) {
	lines := []string{event.Message, ""}
	for _, n := range state.L2Nodes() {
		lines = append(lines, fmt.Sprintf("%s %s", okStyle.Render(n.Name()), mutedStyle.Render(n.ServerURL())))
	}
	if path, ok := state.ComposePath(); ok {
		lines = append(lines, "", mutedStyle.Render("manifest "+path))
	}
	if event.Type == telemetry.EventTypeClusterUp {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("source %s for node shell aliases", state.Settings().AliasesPath)))
	}
	printBanner(os.Stderr, "doppler cluster is up", lines...)
}
