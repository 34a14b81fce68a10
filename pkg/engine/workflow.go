package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/doppler-ln/doppler/pkg/script"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// interpreter walks the directive sequence once, in order. It owns the
// loop block being collected; everything else lives in ClusterState.
type interpreter struct {
	state *ClusterState
	log   *telemetry.Logger

	open     *LoopSpec
	openLine int
}

// ProcessDirectives runs every directive in order. It returns on the first
// fatal error: a script error, a failed node build or a failed bring-up.
// Action failures are logged and the run continues.
func (s *ClusterState) ProcessDirectives(ctx context.Context, directives []script.Directive) error {
	in := &interpreter{
		state: s,
		log:   s.logger.NewComponentLogger("interpreter"),
	}
	for _, d := range directives {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := in.process(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (in *interpreter) process(ctx context.Context, d script.Directive) error {
	ctx, span := in.state.telemetry.Tracer.StartDirectiveSpan(ctx, d.Kind.String(), d.Line)
	err := in.dispatch(ctx, d)
	telemetry.End(span, err)
	if err != nil && d.Line > 0 {
		return fmt.Errorf("line %d: %w", d.Line, err)
	}
	return err
}

func (in *interpreter) dispatch(ctx context.Context, d script.Directive) error {
	if in.open != nil {
		switch d.Kind {
		case script.DirectiveLnAction, script.DirectiveBtcAction:
			return in.collect(d)
		case script.DirectiveLoopStart:
			return NewScriptError("nested loops are not supported")
		case script.DirectiveLoopEnd:
			return in.closeLoop(ctx)
		case script.DirectiveEOI:
			return NewScriptError(fmt.Sprintf("loop opened on line %d is never closed", in.openLine))
		default:
			return NewScriptError(fmt.Sprintf("%s is not allowed inside a loop", d.Kind))
		}
	}

	switch d.Kind {
	case script.DirectiveImage:
		return in.registerImage(d.Image)
	case script.DirectiveNode, script.DirectiveNodeMiner, script.DirectiveNodePair:
		return in.defineNode(ctx, d.Node)
	case script.DirectiveUp:
		return in.state.Up(ctx)
	case script.DirectiveSkipConf:
		return in.state.Reload(ctx)
	case script.DirectiveLnAction, script.DirectiveBtcAction:
		err := in.state.RunCommand(ctx, *d.Command)
		if err != nil && IsFatal(err) {
			return err
		}
		return nil
	case script.DirectiveLoopStart:
		return in.openLoop(d)
	case script.DirectiveLoopEnd:
		return NewScriptError("END without an open LOOP")
	case script.DirectiveEOI:
		in.state.endOfInput.Store(true)
		return nil
	}
	return NewScriptError(fmt.Sprintf("unknown directive %s", d.Kind))
}

func (in *interpreter) registerImage(img *script.ImageDef) error {
	kind, err := NodeKindFromScript(img.Kind)
	if err != nil {
		return err
	}
	in.state.named[imageKey(kind, img.Name)] = img.Reference()
	in.log.Debugf("registered %s image %s as %s", kind, img.Name, img.Reference())
	return nil
}

func imageKey(kind NodeKind, name string) string {
	if kind == NodeKindBitcoindMiner {
		kind = NodeKindBitcoind
	}
	return string(kind) + "/" + name
}

// resolveImage maps what a script wrote for a node image to a reference.
// Empty means the kind default, which may itself be empty to let the
// builder choose.
func (s *ClusterState) resolveImage(kind NodeKind, name string) (string, error) {
	if name == "" {
		if kind == NodeKindBitcoindMiner {
			return s.images[NodeKindBitcoind], nil
		}
		return s.images[kind], nil
	}
	if ref, ok := s.named[imageKey(kind, name)]; ok {
		return ref, nil
	}
	if strings.ContainsAny(name, ":/") {
		return name, nil
	}
	return "", NewScriptError(fmt.Sprintf("unknown %s image %q", kind, name))
}

func (in *interpreter) defineNode(ctx context.Context, def *script.NodeDef) error {
	s := in.state
	kind, err := NodeKindFromScript(def.Kind)
	if err != nil {
		return err
	}
	if kind == NodeKindVisualizer {
		in.log.Warnf("visualizer %s is not supported, skipping", def.Name)
		return nil
	}

	snap := s.Snapshot()
	spec := NodeSpec{
		Kind:            kind,
		Name:            def.Name,
		Miner:           def.Miner,
		StartingBalance: def.StartingBalance,
	}
	if spec.StartingBalance == 0 {
		spec.StartingBalance = DefaultStartingBalance
	}

	if kind.IsL1() {
		if _, err := snap.L1(def.Name); err == nil || IsDuplicate(err) {
			return NewScriptError(fmt.Sprintf("bitcoind node %s is defined twice", def.Name)).
				WithCode(ErrCodeDuplicateName)
		}
	} else {
		l1 := snap.L1Nodes()
		if len(l1) == 0 {
			return NewDependencyError("bitcoind nodes need to be defined before lnd nodes can be setup")
		}
		if _, err := snap.L2(def.Name); err == nil || IsDuplicate(err) {
			return NewScriptError(fmt.Sprintf("node %s is defined twice", def.Name)).
				WithCode(ErrCodeDuplicateName)
		}
		spec.Pair = pickPair(l1, def.Pair)
	}

	spec.Image, err = s.resolveImage(kind, def.Image)
	if err != nil {
		return err
	}

	build, err := s.registry.Builder(kind)
	if err != nil {
		return err
	}
	built, err := build(ctx, &BuildContext{
		Spec:      spec,
		Settings:  s.settings,
		Allocator: s.allocator,
		Executor:  s,
		Metrics:   s.telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build %s node %s: %w", kind, def.Name, err)
	}

	return s.register(kind, built)
}

// register adds a built or reloaded node to the manifest and the node
// collections.
func (s *ClusterState) register(kind NodeKind, built *Built) error {
	var container string
	switch {
	case built.L1 != nil:
		container = built.L1.ContainerName()
	case built.L2 != nil:
		container = built.L2.ContainerName()
	default:
		return NewPermanentError(fmt.Sprintf("%s builder returned no node", kind), nil)
	}

	if built.Service != nil {
		if err := s.manifest.AddService(built.Service); err != nil {
			return NewScriptError(err.Error()).WithCode(ErrCodeDuplicateName)
		}
	}

	if built.L1 != nil {
		s.addL1(built.L1)
		s.logger.WithNode(built.L1.Name()).Debugf("added %s node %s", kind, container)
	} else {
		s.addL2(built.L2)
		s.logger.WithNode(built.L2.Name()).Debugf("added %s node %s paired with %s", kind, container, built.L2.Pair())
	}
	return nil
}

// pickPair resolves the base-layer node named by a PAIR clause. Names match
// case-insensitively; no match falls back to the first node.
func pickPair(l1 []L1Node, name string) L1Node {
	for _, n := range l1 {
		if strings.EqualFold(n.Name(), name) {
			return n
		}
	}
	return l1[0]
}

func (in *interpreter) openLoop(d script.Directive) error {
	spec := &LoopSpec{ID: uuid.New().String()}
	if d.Loop != nil {
		spec.Iterations = d.Loop.Iterations
		spec.Interval = d.Loop.Every
	}
	in.open = spec
	in.openLine = d.Line
	in.state.loopCount.Add(1)
	return nil
}

func (in *interpreter) collect(d script.Directive) error {
	cmd := *d.Command
	if !loopActions[cmd.Action] {
		return NewScriptError(fmt.Sprintf("%s is not allowed inside a loop", cmd.Action))
	}
	in.open.Body = append(in.open.Body, cmd)
	return nil
}

func (in *interpreter) closeLoop(ctx context.Context) error {
	spec := in.open
	in.open = nil
	in.openLine = 0
	in.state.StartLoop(ctx, spec)
	return nil
}
