package engine

import (
	"context"
	"fmt"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// Up writes the manifest, starts the cluster and bootstraps it. It then
// pauses the workers until a line is read from stdin.
func (s *ClusterState) Up(ctx context.Context) error {
	if _, ok := s.ComposePath(); ok {
		return NewScriptError("cluster is already running")
	}
	if s.runtime == nil {
		return NewDependencyError("no container runtime configured")
	}

	path := s.settings.ComposePath
	if err := s.manifest.Save(path); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	s.logger.Debugf("saved cluster config to %s", path)

	if err := s.runtime.Up(ctx, path, s.settings.DataDir); err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}
	s.setComposePath(path)
	s.logger.Debug("started cluster")

	s.bootstrap(ctx)

	_ = s.telemetry.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeClusterUp,
		Message: fmt.Sprintf("%d bitcoind and %d payment nodes up", len(s.L1Nodes()), len(s.L2Nodes())),
		Level:   telemetry.EventLevelInfo,
	})

	s.logger.Info("doppler cluster has been created, please press enter to continue the script")
	s.Pause()
	err := s.waitForEnter(ctx)
	s.Resume()
	return err
}

// waitForEnter returns once a line is read or ctx is done. A read left
// pending by a cancelled ctx ends with the process.
func (s *ClusterState) waitForEnter(ctx context.Context) error {
	read := make(chan error, 1)
	go func() {
		_, err := s.stdin.ReadString('\n')
		read <- err
	}()

	select {
	case err := <-read:
		if err != nil {
			s.logger.Debugf("stopped waiting for input: %v", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bootstrap brings a freshly started cluster to a usable state. Each step
// logs its failures and the next one still runs.
func (s *ClusterState) bootstrap(ctx context.Context) {
	log := s.logger.NewComponentLogger("bootstrap")
	s.clock.Sleep(s.settings.StartupWait)

	snap := s.Snapshot()
	s.pairL1Nodes(ctx, snap, log)

	miner, err := snap.Miner()
	if err != nil {
		log.Error("at least one miner is required to be setup for this cluster to run")
	} else {
		if err := miner.CreateWallet(ctx); err != nil {
			log.WithNode(miner.Name()).WithError(err).Error("failed to create miner wallet")
		}
		if err := miner.MineBlocks(ctx, s.settings.InitialBlocks); err != nil {
			log.WithNode(miner.Name()).WithError(err).Error("failed to mine initial blocks")
		} else {
			s.telemetry.Metrics.RecordBlocksMined(miner.Name(), s.settings.InitialBlocks)
		}
	}

	for _, node := range snap.L2Nodes() {
		if _, err := node.Pubkey(ctx); err != nil {
			log.WithNode(node.Name()).WithError(err).Warn("failed to resolve pubkey")
		}
	}

	s.connectL2Nodes(ctx, snap, log)

	if miner != nil {
		for _, node := range snap.L2Nodes() {
			txid, err := FundFromMiner(ctx, node, miner, s.settings.FundingConfirmations)
			if err != nil {
				log.WithNode(node.Name()).WithError(err).Error("failed to fund node")
				continue
			}
			log.WithNode(node.Name()).Infof("container: %s funded in %s", node.ContainerName(), txid)
		}
	}

	if err := s.writeAliases(snap); err != nil {
		log.WithError(err).Error("failed to write aliases")
	}

	for _, node := range snap.L1Nodes() {
		s.StartMiner(ctx, node)
	}
}

// pairL1Nodes points every base-layer node at all the others.
func (s *ClusterState) pairL1Nodes(ctx context.Context, snap *Snapshot, log *telemetry.Logger) {
	nodes := snap.L1Nodes()
	for _, node := range nodes {
		for _, peer := range nodes {
			if peer.ContainerName() == node.ContainerName() {
				continue
			}
			if err := node.AddNode(ctx, peer); err != nil {
				log.WithNode(node.Name()).WithError(err).Warnf("failed to add peer %s", peer.Name())
			}
		}
	}
}

// connectL2Nodes connects the payment nodes in a ring, each to the next.
func (s *ClusterState) connectL2Nodes(ctx context.Context, snap *Snapshot, log *telemetry.Logger) {
	nodes := snap.L2Nodes()
	if len(nodes) < 2 {
		return
	}
	for i, node := range nodes {
		peer := nodes[(i+1)%len(nodes)]
		if len(nodes) == 2 && i == 1 {
			break
		}
		if err := node.ConnectPeer(ctx, peer); err != nil {
			log.WithNode(node.Name()).WithError(err).Warnf("failed to connect to %s", peer.Name())
		}
	}
}

func (s *ClusterState) writeAliases(snap *Snapshot) error {
	path, ok := s.ComposePath()
	if !ok {
		return ErrClusterNotStarted
	}
	var aliases []compose.Alias
	for _, node := range snap.L2Nodes() {
		aliases = append(aliases, node.ShellAlias())
	}
	for _, node := range snap.L1Nodes() {
		aliases = append(aliases, node.ShellAlias())
	}
	if err := compose.WriteAliases(s.settings.AliasesPath, s.runtime.DockerCommand(), path, aliases); err != nil {
		return err
	}
	s.logger.Debugf("wrote aliases script @ %s", s.settings.AliasesPath)
	return nil
}
