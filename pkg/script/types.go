// Package script parses doppler scripts into an ordered sequence of typed
// directives. It knows the shape of each line but nothing about clusters:
// ordering rules such as loop nesting are enforced by the engine.
package script

import (
	"fmt"
	"time"
)

// DirectiveKind identifies the kind of a parsed line.
type DirectiveKind int

const (
	DirectiveImage DirectiveKind = iota
	DirectiveNode
	DirectiveNodeMiner
	DirectiveNodePair
	DirectiveUp
	DirectiveSkipConf
	DirectiveLnAction
	DirectiveBtcAction
	DirectiveLoopStart
	DirectiveLoopEnd
	DirectiveEOI
)

var directiveNames = map[DirectiveKind]string{
	DirectiveImage:     "image",
	DirectiveNode:      "node",
	DirectiveNodeMiner: "node_miner",
	DirectiveNodePair:  "node_pair",
	DirectiveUp:        "up",
	DirectiveSkipConf:  "skip_conf",
	DirectiveLnAction:  "ln_action",
	DirectiveBtcAction: "btc_action",
	DirectiveLoopStart: "loop_start",
	DirectiveLoopEnd:   "loop_end",
	DirectiveEOI:       "eoi",
}

func (k DirectiveKind) String() string {
	if name, ok := directiveNames[k]; ok {
		return name
	}
	return fmt.Sprintf("directive(%d)", int(k))
}

// Node kind keywords as written in scripts.
const (
	KindBitcoind      = "BITCOIND"
	KindBitcoindMiner = "BITCOIND_MINER"
	KindLnd           = "LND"
	KindCoreLn        = "CORELN"
	KindEclair        = "ECLAIR"
	KindVisualizer    = "VISUALIZER"
)

// Action names.
const (
	ActionOpenChannel       = "OPEN_CHANNEL"
	ActionSendLn            = "SEND_LN"
	ActionSendOnChain       = "SEND_ON_CHAIN"
	ActionCloseChannel      = "CLOSE_CHANNEL"
	ActionForceCloseChannel = "FORCE_CLOSE_CHANNEL"
	ActionStopLn            = "STOP_LN"
	ActionStartLn           = "START_LN"
	ActionSendHoldLn        = "SEND_HOLD_LN"
	ActionSettleHoldLn      = "SETTLE_HOLD_LN"
	ActionMineBlocks        = "MINE_BLOCKS"
	ActionStopBtc           = "STOP_BTC"
	ActionStartBtc          = "START_BTC"
)

// SubcommandKeysend selects keysend instead of the invoice path on SEND_LN.
const SubcommandKeysend = "KEYSEND"

// Directive is one parsed script line.
type Directive struct {
	Kind DirectiveKind
	Line int
	Text string

	Node    *NodeDef
	Image   *ImageDef
	Command *Command
	Loop    *LoopDef
}

func (d Directive) String() string {
	if d.Text != "" {
		return fmt.Sprintf("%d: %s", d.Line, d.Text)
	}
	return d.Kind.String()
}

// NodeDef defines one node.
type NodeDef struct {
	Kind  string
	Name  string
	Image string

	// Miner is set for BITCOIND_MINER.
	Miner *Interval

	// Pair names the base-layer node a payment node pairs with.
	Pair string

	// StartingBalance is the amount in sats funded to a paired node. Zero
	// means the default.
	StartingBalance int64
}

// ImageDef registers a named image for a node kind.
type ImageDef struct {
	Kind string
	Name string
	Tag  string
}

// Reference returns the image reference. A tag containing '/' or ':' is
// taken as a full reference.
func (i ImageDef) Reference() string {
	for _, c := range i.Tag {
		if c == '/' || c == ':' {
			return i.Tag
		}
	}
	return i.Name + ":" + i.Tag
}

// Command is an action against a node, executed immediately or as part of
// a loop body. It is immutable once parsed.
type Command struct {
	Action     string
	From       string
	To         string
	Amount     *int64
	Subcommand string
	Tag        string

	// TimeoutSeconds bounds payment calls. Nil means the default.
	TimeoutSeconds *int64
}

// AmountOr returns the amount or def when none was given.
func (c Command) AmountOr(def int64) int64 {
	if c.Amount == nil {
		return def
	}
	return *c.Amount
}

// Timeout returns the payment timeout or def when none was given.
func (c Command) Timeout(def time.Duration) time.Duration {
	if c.TimeoutSeconds == nil {
		return def
	}
	return time.Duration(*c.TimeoutSeconds) * time.Second
}

// LoopDef opens a loop block.
type LoopDef struct {
	// Iterations is nil for a loop that runs until shutdown.
	Iterations *int64
	Every      *Interval
}

// Interval is an amount of seconds, minutes or hours.
type Interval struct {
	Amount uint64
	Unit   byte
}

// Duration converts the interval. Unknown units are treated as seconds.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Amount) * unitDuration(i.Unit)
}

func unitDuration(unit byte) time.Duration {
	switch unit {
	case 'm':
		return time.Minute
	case 'h':
		return time.Hour
	default:
		return time.Second
	}
}

func (i Interval) String() string {
	return fmt.Sprintf("%d%c", i.Amount, i.Unit)
}

// ParseError reports a malformed line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}
