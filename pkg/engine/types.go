package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/doppler-ln/doppler/pkg/script"
)

// NodeKind identifies a node builder.
type NodeKind string

const (
	NodeKindBitcoind      NodeKind = "bitcoind"
	NodeKindBitcoindMiner NodeKind = "bitcoind_miner"
	NodeKindLnd           NodeKind = "lnd"
	NodeKindCln           NodeKind = "cln"
	NodeKindEclair        NodeKind = "eclair"
	NodeKindVisualizer    NodeKind = "visualizer"
)

// IsL1 reports whether the kind builds a base-layer node.
func (k NodeKind) IsL1() bool {
	return k == NodeKindBitcoind || k == NodeKindBitcoindMiner
}

// NodeKindFromScript maps a script keyword to a node kind.
func NodeKindFromScript(keyword string) (NodeKind, error) {
	switch keyword {
	case script.KindBitcoind:
		return NodeKindBitcoind, nil
	case script.KindBitcoindMiner:
		return NodeKindBitcoindMiner, nil
	case script.KindLnd:
		return NodeKindLnd, nil
	case script.KindCoreLn:
		return NodeKindCln, nil
	case script.KindEclair:
		return NodeKindEclair, nil
	case script.KindVisualizer:
		return NodeKindVisualizer, nil
	}
	return "", NewScriptError(fmt.Sprintf("unknown node kind %q", keyword))
}

// containerKinds maps the kind segment of a container name to its kind.
var containerKinds = map[string]NodeKind{
	"bitcoind": NodeKindBitcoind,
	"lnd":      NodeKindLnd,
	"cln":      NodeKindCln,
	"eclair":   NodeKindEclair,
}

// kindSegment returns the index of the first kind segment of a container
// name that is followed by a node name, or -1.
func kindSegment(parts []string) int {
	for i, part := range parts[:len(parts)-1] {
		if _, ok := containerKinds[part]; ok {
			return i
		}
	}
	return -1
}

// NodeKindFromContainer infers the kind from a container name such as
// doppler-lnd-alice. Miners cannot be told apart from plain bitcoind nodes
// by name and come back as NodeKindBitcoind.
func NodeKindFromContainer(container string) (NodeKind, bool) {
	parts := strings.Split(container, "-")
	if i := kindSegment(parts); i >= 0 {
		return containerKinds[parts[i]], true
	}
	switch {
	case strings.Contains(container, "bitcoind"):
		return NodeKindBitcoind, true
	case strings.Contains(container, "lnd"):
		return NodeKindLnd, true
	case strings.Contains(container, "cln"):
		return NodeKindCln, true
	case strings.Contains(container, "eclair"):
		return NodeKindEclair, true
	}
	return "", false
}

// NodeNameFromContainer returns what follows the kind segment, so names
// may contain '-'. Without a kind segment it falls back to the last
// '-' separated segment.
func NodeNameFromContainer(container string) string {
	parts := strings.Split(container, "-")
	if i := kindSegment(parts); i >= 0 {
		return strings.Join(parts[i+1:], "-")
	}
	if i := strings.LastIndexByte(container, '-'); i >= 0 {
		return container[i+1:]
	}
	return container
}

// ContainerName builds the container name of a node.
func ContainerName(network string, kind NodeKind, name string) string {
	k := kind
	if k == NodeKindBitcoindMiner {
		k = NodeKindBitcoind
	}
	return fmt.Sprintf("%s-%s-%s", network, k, name)
}

// DefaultStartingBalance is funded to each paired payment node, in sats.
const DefaultStartingBalance int64 = 10000000

// NodeSpec is what a builder needs to create a node.
type NodeSpec struct {
	Kind  NodeKind
	Name  string
	Image string

	// Miner is the mining interval of a BITCOIND_MINER.
	Miner *script.Interval

	// Pair is the resolved base-layer node of a payment node.
	Pair L1Node

	StartingBalance int64
}

// NodeCommand is one action against a node.
type NodeCommand = script.Command

// LoopSpec is a closed loop block ready to be scheduled.
type LoopSpec struct {
	ID string

	// Iterations is nil for a loop that runs until shutdown.
	Iterations *int64

	Interval *script.Interval

	Body []NodeCommand
}

// Sleep returns the pause between iterations.
func (l *LoopSpec) Sleep() time.Duration {
	if l.Interval == nil {
		return 0
	}
	return l.Interval.Duration()
}

// Loop bodies may only contain these actions.
var loopActions = map[string]bool{
	script.ActionMineBlocks:        true,
	script.ActionOpenChannel:       true,
	script.ActionSendLn:            true,
	script.ActionSendOnChain:       true,
	script.ActionCloseChannel:      true,
	script.ActionForceCloseChannel: true,
}

// WorkerKind names the kind of a background worker.
type WorkerKind string

const (
	WorkerKindLoop    WorkerKind = "loop"
	WorkerKindMiner   WorkerKind = "miner"
	WorkerKindPayment WorkerKind = "payment"
)

// Worker describes a spawned background worker.
type Worker struct {
	ID        string
	Kind      WorkerKind
	Name      string
	Interval  time.Duration
	StartedAt time.Time
}

// Settings holds the fixed parameters of a run.
type Settings struct {
	NetworkName string
	Subnet      string
	Gateway     string
	PortSeed    int
	IPSeed      string

	ComposePath string
	DataDir     string
	AliasesPath string

	// StartupWait is slept after the cluster comes up, before bootstrap.
	StartupWait time.Duration

	InitialBlocks        int64
	FundingConfirmations int64

	// PaymentTimeout bounds payments that carry no TIMEOUT.
	PaymentTimeout time.Duration
}

// DefaultSettings returns the settings doppler runs with out of the box.
func DefaultSettings() Settings {
	return Settings{
		NetworkName:          "doppler",
		Subnet:               "10.5.0.0/16",
		Gateway:              "10.5.0.1",
		PortSeed:             9089,
		IPSeed:               "10.5.0.2",
		ComposePath:          "doppler-cluster.yaml",
		DataDir:              "data",
		AliasesPath:          "aliases.sh",
		StartupWait:          6 * time.Second,
		InitialBlocks:        200,
		FundingConfirmations: 6,
		PaymentTimeout:       60 * time.Second,
	}
}

// Snapshot is an immutable view of the node collections, handed to
// workers at spawn time.
type Snapshot struct {
	l1 []L1Node
	l2 []L2Node
}

// NewSnapshot copies the given collections.
func NewSnapshot(l1 []L1Node, l2 []L2Node) *Snapshot {
	return &Snapshot{
		l1: append([]L1Node(nil), l1...),
		l2: append([]L2Node(nil), l2...),
	}
}

// L1Nodes returns the base-layer nodes in definition order.
func (s *Snapshot) L1Nodes() []L1Node {
	return append([]L1Node(nil), s.l1...)
}

// L2Nodes returns the payment nodes in definition order.
func (s *Snapshot) L2Nodes() []L2Node {
	return append([]L2Node(nil), s.l2...)
}

// L1 resolves a base-layer node by name. A missing or ambiguous name is a
// lookup error.
func (s *Snapshot) L1(name string) (L1Node, error) {
	var found L1Node
	for _, n := range s.l1 {
		if n.Name() != name {
			continue
		}
		if found != nil {
			return nil, NewLookupError("bitcoind", name).WithCode(ErrCodeDuplicateName)
		}
		found = n
	}
	if found == nil {
		return nil, NewLookupError("bitcoind", name)
	}
	return found, nil
}

// L2 resolves a payment node by name. A missing or ambiguous name is a
// lookup error.
func (s *Snapshot) L2(name string) (L2Node, error) {
	var found L2Node
	for _, n := range s.l2 {
		if n.Name() != name {
			continue
		}
		if found != nil {
			return nil, NewLookupError("payment", name).WithCode(ErrCodeDuplicateName)
		}
		found = n
	}
	if found == nil {
		return nil, NewLookupError("payment", name)
	}
	return found, nil
}

// Miner returns the base-layer node whose container name contains
// "miner", falling back to the first node with a mining interval.
func (s *Snapshot) Miner() (L1Node, error) {
	for _, n := range s.l1 {
		if strings.Contains(n.ContainerName(), "miner") {
			return n, nil
		}
	}
	for _, n := range s.l1 {
		if n.MinerInterval() != nil {
			return n, nil
		}
	}
	return nil, NewLookupError("miner", "miner")
}
