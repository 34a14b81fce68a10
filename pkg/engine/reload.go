package engine

import (
	"context"
	"fmt"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// Reload rebuilds the node records from the manifest of a cluster that is
// already running, instead of creating and starting a new one.
func (s *ClusterState) Reload(ctx context.Context) error {
	if _, ok := s.ComposePath(); ok {
		return NewScriptError("cluster is already running")
	}

	path := s.settings.ComposePath
	manifest, err := compose.Load(path)
	if err != nil {
		return NewDependencyError(fmt.Sprintf("failed to load cluster from %s: %v", path, err))
	}
	s.manifest = manifest
	s.setComposePath(path)

	names := manifest.ServiceNames()

	// Base-layer nodes first so payment nodes can resolve their pair.
	for _, l1Pass := range []bool{true, false} {
		for _, container := range names {
			kind, ok := NodeKindFromContainer(container)
			if !ok {
				s.logger.Debugf("skipping unknown service %s", container)
				continue
			}
			if kind.IsL1() != l1Pass {
				continue
			}
			if err := s.reloadNode(ctx, kind, container, manifest); err != nil {
				return err
			}
		}
	}

	_ = s.telemetry.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeClusterLoaded,
		Message: fmt.Sprintf("%d bitcoind and %d payment nodes loaded", len(s.L1Nodes()), len(s.L2Nodes())),
		Level:   telemetry.EventLevelInfo,
	})
	s.logger.Info("doppler cluster has been found and loaded, continuing with script")
	return nil
}

func (s *ClusterState) reloadNode(ctx context.Context, kind NodeKind, container string, manifest *compose.Manifest) error {
	reload, err := s.registry.Reloader(kind)
	if err != nil {
		s.logger.WithError(err).Warnf("skipping service %s", container)
		return nil
	}

	svc, _ := manifest.Service(container)
	rc := &ReloadContext{
		Kind:     kind,
		Name:     NodeNameFromContainer(container),
		Service:  svc,
		Settings: s.settings,
		Executor: s,
		Metrics:  s.telemetry.Metrics,
	}

	if !kind.IsL1() {
		l1 := s.L1Nodes()
		if len(l1) == 0 {
			return NewDependencyError(fmt.Sprintf("no bitcoind node found for %s", container))
		}
		rc.Pair = l1[0]
		if len(svc.DependsOn) > 0 {
			for _, n := range l1 {
				if n.ContainerName() == svc.DependsOn[0] {
					rc.Pair = n
					break
				}
			}
		}
	}

	built, err := reload(ctx, rc)
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", container, err)
	}
	switch {
	case built.L1 != nil:
		s.addL1(built.L1)
	case built.L2 != nil:
		s.addL2(built.L2)
	default:
		return NewPermanentError(fmt.Sprintf("%s reloader returned no node", kind), nil)
	}
	s.logger.WithNode(rc.Name).Debugf("reloaded %s node %s", kind, container)
	return nil
}
