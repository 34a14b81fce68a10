package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// StartMiner mines one block every interval on node until shutdown. Nodes
// without a mining interval are ignored.
func (s *ClusterState) StartMiner(ctx context.Context, node L1Node) {
	interval := node.MinerInterval()
	if interval == nil {
		return
	}

	w := Worker{
		ID:       uuid.New().String(),
		Kind:     WorkerKindMiner,
		Name:     node.Name(),
		Interval: interval.Duration(),
	}
	_ = s.telemetry.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeMinerStarted,
		Node:    node.Name(),
		Message: "mining a block every " + interval.String(),
		Level:   telemetry.EventLevelInfo,
	})
	s.spawn(w, func() { s.runMiner(ctx, node, w) })
}

func (s *ClusterState) runMiner(ctx context.Context, node L1Node, w Worker) {
	log := s.logger.NewComponentLogger("miner").WithNode(node.Name())
	if err := node.CreateWallet(ctx); err != nil {
		log.WithError(err).Error("failed to create or load wallet")
	}
	log.Infof("mining a block every %s", w.Interval)

	for {
		s.clock.Sleep(w.Interval)
		if !s.Active() {
			log.Debug("cluster stopped, miner exiting")
			return
		}
		if s.Paused() {
			continue
		}
		if err := node.MineBlocks(ctx, 1); err != nil {
			log.WithError(err).Error("failed to mine block")
			continue
		}
		s.telemetry.Metrics.RecordBlocksMined(node.Name(), 1)
	}
}
