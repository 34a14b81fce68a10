package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// StartLoop runs spec on a loop worker against the nodes defined so far.
func (s *ClusterState) StartLoop(ctx context.Context, spec *LoopSpec) {
	snap := s.Snapshot()
	log := s.logger.NewComponentLogger("loop").WithLoop(spec.ID)

	iterations := "forever"
	if spec.Iterations != nil {
		iterations = fmt.Sprintf("%d times", *spec.Iterations)
	}
	log.Infof("starting loop of %d actions, %s every %s", len(spec.Body), iterations, spec.Sleep())
	_ = s.telemetry.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeLoopStarted,
		LoopID:  spec.ID,
		Message: fmt.Sprintf("loop of %d actions started", len(spec.Body)),
		Level:   telemetry.EventLevelInfo,
	})

	w := Worker{
		ID:       spec.ID,
		Kind:     WorkerKindLoop,
		Name:     fmt.Sprintf("loop %s", spec.ID[:8]),
		Interval: spec.Sleep(),
	}
	s.spawn(w, func() { s.runLoop(ctx, snap, spec, log) })
}

// runLoop is the loop worker. Each pass checks shutdown, then whether the
// iterations are spent, then pause; only a pass that runs the body sleeps
// the interval and consumes an iteration. A paused loop polls every second.
func (s *ClusterState) runLoop(ctx context.Context, snap *Snapshot, spec *LoopSpec, log *telemetry.Logger) {
	var remaining int64 = -1
	if spec.Iterations != nil {
		remaining = *spec.Iterations
	}

	for {
		if !s.Active() {
			log.Debug("cluster stopped, leaving loop")
			return
		}
		if spec.Iterations != nil && remaining <= 0 {
			s.loopCount.Add(-1)
			log.Info("loop finished")
			_ = s.telemetry.Events.Publish(telemetry.Event{
				Type:    telemetry.EventTypeLoopFinished,
				LoopID:  spec.ID,
				Message: "loop finished",
				Level:   telemetry.EventLevelInfo,
			})
			return
		}
		if s.Paused() {
			s.clock.Sleep(time.Second)
			continue
		}

		iterCtx, span := s.telemetry.Tracer.StartLoopIterationSpan(ctx, spec.ID, remaining)
		var failed error
		for _, cmd := range spec.Body {
			if err := s.runCommand(iterCtx, snap, cmd, spec.ID); err != nil && failed == nil {
				failed = err
			}
		}
		telemetry.End(span, failed)

		s.clock.Sleep(spec.Sleep())
		if spec.Iterations != nil {
			remaining--
		}
	}
}
