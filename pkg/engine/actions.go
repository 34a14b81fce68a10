package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doppler-ln/doppler/pkg/script"
	"github.com/doppler-ln/doppler/pkg/stores"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// Amounts used when a command names none, in sats.
const (
	DefaultChannelAmount int64 = 100000
	DefaultPaymentAmount int64 = 1000
	DefaultMineBlocks    int64 = 1
)

var knownActions = map[string]bool{
	script.ActionOpenChannel:       true,
	script.ActionSendLn:            true,
	script.ActionSendOnChain:       true,
	script.ActionCloseChannel:      true,
	script.ActionForceCloseChannel: true,
	script.ActionStopLn:            true,
	script.ActionStartLn:           true,
	script.ActionSendHoldLn:        true,
	script.ActionSettleHoldLn:      true,
	script.ActionMineBlocks:        true,
	script.ActionStopBtc:           true,
	script.ActionStartBtc:          true,
}

// RunCommand executes one action against the current nodes.
func (s *ClusterState) RunCommand(ctx context.Context, cmd NodeCommand) error {
	return s.runCommand(ctx, s.Snapshot(), cmd, "")
}

// runCommand executes cmd against snap and reports the outcome to metrics,
// tracing, events and the action log. Failures are logged here; callers
// only decide whether to abort.
func (s *ClusterState) runCommand(ctx context.Context, snap *Snapshot, cmd NodeCommand, loopID string) error {
	log := s.logger.WithAction(cmd.Action).WithNode(cmd.From)
	if loopID != "" {
		log = log.WithLoop(loopID)
	}

	if !knownActions[cmd.Action] {
		log.Warn("command not supported yet")
		return nil
	}

	ctx, span := s.telemetry.Tracer.StartActionSpan(ctx, cmd.Action, cmd.From, cmd.To)
	start := time.Now()
	err := s.execute(ctx, snap, cmd, log)
	duration := time.Since(start)
	telemetry.End(span, err)

	s.telemetry.Metrics.RecordAction(cmd.Action, err, duration)
	if err != nil {
		s.telemetry.Metrics.RecordError(string(ClassOf(err)))
		log.WithError(err).Error("action failed")
	} else {
		log.Debugf("action completed in %s", duration)
	}
	_ = s.telemetry.Events.PublishAction(cmd.Action, cmd.From, cmd.To, err, duration)
	s.recordAction(ctx, cmd, loopID, err, duration)
	return err
}

func (s *ClusterState) execute(ctx context.Context, snap *Snapshot, cmd NodeCommand, log *telemetry.Logger) error {
	switch cmd.Action {
	case script.ActionMineBlocks:
		btc, err := snap.L1(cmd.From)
		if err != nil {
			return err
		}
		n := cmd.AmountOr(DefaultMineBlocks)
		if err := btc.MineBlocks(ctx, n); err != nil {
			return err
		}
		s.telemetry.Metrics.RecordBlocksMined(btc.Name(), n)
		return nil

	case script.ActionStopBtc, script.ActionStartBtc:
		btc, err := snap.L1(cmd.From)
		if err != nil {
			return err
		}
		if cmd.Action == script.ActionStopBtc {
			return btc.Stop(ctx)
		}
		return btc.Start(ctx)

	case script.ActionStopLn, script.ActionStartLn:
		node, err := snap.L2(cmd.From)
		if err != nil {
			return err
		}
		if cmd.Action == script.ActionStopLn {
			return node.Stop(ctx)
		}
		return node.Start(ctx)
	}

	from, err := snap.L2(cmd.From)
	if err != nil {
		return err
	}

	switch cmd.Action {
	case script.ActionOpenChannel:
		to, err := snap.L2(cmd.To)
		if err != nil {
			return err
		}
		channel, err := from.OpenChannel(ctx, to, cmd.AmountOr(DefaultChannelAmount))
		if err != nil {
			return err
		}
		log.Infof("opened channel %s to %s", channel, to.Name())
		if cmd.Tag != "" {
			if channel == "" {
				return NewPermanentError(fmt.Sprintf("no channel point to tag %s", cmd.Tag), nil)
			}
			return s.putTag(ctx, cmd.Tag, stores.TagKindChannel, channel, from.Name(), to.Name())
		}
		return nil

	case script.ActionCloseChannel, script.ActionForceCloseChannel:
		var peer L2Node
		if cmd.To != "" {
			if peer, err = snap.L2(cmd.To); err != nil {
				return err
			}
		}
		var channel string
		if cmd.Tag != "" {
			if channel, err = s.lookupTag(ctx, cmd.Tag); err != nil {
				return err
			}
		}
		return from.CloseChannel(ctx, peer, channel, cmd.Action == script.ActionForceCloseChannel)

	case script.ActionSendLn:
		to, err := snap.L2(cmd.To)
		if err != nil {
			return err
		}
		return SendPayment(ctx, from, to, cmd, cmd.Timeout(s.settings.PaymentTimeout))

	case script.ActionSendOnChain:
		to, err := snap.L2(cmd.To)
		if err != nil {
			return err
		}
		txid, err := SendOnChain(ctx, from, to, cmd.AmountOr(DefaultPaymentAmount))
		if err != nil {
			return err
		}
		log.Infof("on-chain payment to %s sent in %s", to.Name(), txid)
		return nil

	case script.ActionSendHoldLn:
		to, err := snap.L2(cmd.To)
		if err != nil {
			return err
		}
		return s.sendHold(ctx, from, to, cmd)

	case script.ActionSettleHoldLn:
		preimage, err := s.lookupTag(ctx, cmd.Tag)
		if err != nil {
			return err
		}
		return from.SettleHoldInvoice(ctx, preimage)
	}

	return NewUnsupportedError("doppler", cmd.Action)
}

// sendHold adds a hold invoice on to for a hash from's wallet produced and
// pays it from a payment worker, since the payment only returns once the
// invoice is settled or the timeout passes.
func (s *ClusterState) sendHold(ctx context.Context, from, to L2Node, cmd NodeCommand) error {
	amount := cmd.AmountOr(DefaultPaymentAmount)
	hash, preimage, err := from.PaymentHashAndPreimage(ctx, amount)
	if err != nil {
		return err
	}
	if hash == "" || preimage == "" {
		return NewPermanentError("no payment hash for hold invoice", nil).WithResource(from.Name())
	}
	invoice, err := to.CreateHoldInvoice(ctx, hash, amount)
	if err != nil {
		return err
	}
	if invoice == "" {
		return NewPermanentError("hold invoice was not created", nil).WithResource(to.Name())
	}
	if cmd.Tag != "" {
		if err := s.putTag(ctx, cmd.Tag, stores.TagKindPreimage, preimage, to.Name(), from.Name()); err != nil {
			return err
		}
	}

	timeout := cmd.Timeout(s.settings.PaymentTimeout)
	log := s.logger.WithAction(cmd.Action).WithNode(from.Name())
	w := Worker{
		ID:       uuid.New().String(),
		Kind:     WorkerKindPayment,
		Name:     fmt.Sprintf("%s->%s", from.Name(), to.Name()),
		Interval: timeout,
	}
	payCtx := context.WithoutCancel(ctx)
	s.spawn(w, func() {
		if err := from.PayInvoice(payCtx, invoice, timeout); err != nil {
			log.WithError(err).Warn("hold invoice payment did not complete")
			return
		}
		log.Infof("hold invoice to %s paid", to.Name())
	})
	return nil
}

// putTag remembers value under name for the rest of the run and, when a
// store is configured, for later runs.
func (s *ClusterState) putTag(ctx context.Context, name string, kind stores.TagKind, value, node, peer string) error {
	s.tagsMu.Lock()
	s.tags[name] = value
	s.tagsMu.Unlock()

	if s.store == nil {
		return nil
	}
	tag := &stores.Tag{Name: name, Kind: kind, Value: value, Node: node, Peer: peer}
	if s.runID != "" {
		runID := s.runID
		tag.RunID = &runID
	}
	if err := s.store.PutTag(ctx, tag); err != nil {
		return fmt.Errorf("failed to store tag %s: %w", name, err)
	}
	return nil
}

// lookupTag resolves a tag from this run first, then from the store.
func (s *ClusterState) lookupTag(ctx context.Context, name string) (string, error) {
	s.tagsMu.Lock()
	value, ok := s.tags[name]
	s.tagsMu.Unlock()
	if ok {
		return value, nil
	}

	if s.store != nil {
		tag, err := s.store.GetTag(ctx, name)
		if err == nil {
			return tag.Value, nil
		}
		if !errors.Is(err, stores.ErrNotFound) {
			return "", fmt.Errorf("failed to read tag %s: %w", name, err)
		}
	}
	return "", newError(ErrorClassLookup, "tag not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(name)
}

func (s *ClusterState) recordAction(ctx context.Context, cmd NodeCommand, loopID string, err error, duration time.Duration) {
	if s.store == nil || s.runID == "" {
		return
	}
	record := &stores.ActionRecord{
		ID:         uuid.New().String(),
		RunID:      s.runID,
		Action:     cmd.Action,
		FromNode:   cmd.From,
		ToNode:     cmd.To,
		LoopID:     loopID,
		Status:     "success",
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		msg := err.Error()
		record.Status = "failed"
		record.Error = &msg
	}
	if err := s.store.RecordAction(context.WithoutCancel(ctx), record); err != nil {
		s.logger.WithError(err).Warn("failed to record action")
	}
}
