package engine

import (
	"context"
	"time"

	"github.com/doppler-ln/doppler/pkg/script"
)

// pollInterval is how often RunWorkflowUntilStop checks for completion.
var pollInterval = time.Second

// RunWorkflowUntilStop processes every directive and then waits until the
// loops are done or ctx is cancelled. Miner workers keep a run alive until
// ctx is cancelled. On return mainActive is false and every worker has
// exited.
func RunWorkflowUntilStop(ctx context.Context, state *ClusterState, directives []script.Directive) error {
	err := state.ProcessDirectives(ctx, directives)
	if err != nil {
		state.logger.WithError(err).Error("stopping run")
		state.shutdown()
		return err
	}

	if state.SpawnedWorkers() == 0 && state.LoopCount() == 0 {
		state.Stop()
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !state.finished() {
		select {
		case <-ctx.Done():
			state.logger.Info("received shutdown signal")
			state.shutdown()
			return nil
		case <-ticker.C:
		}
	}

	state.logger.Info("all loops finished")
	state.shutdown()
	return nil
}

func (s *ClusterState) finished() bool {
	return s.LoopCount() == 0 && s.EndOfInput() && s.activeWorkers(WorkerKindMiner) == 0
}

func (s *ClusterState) shutdown() {
	s.Stop()
	s.logger.Debugf("waiting for %d workers to exit", len(s.Workers()))
	s.JoinWorkers()
}
