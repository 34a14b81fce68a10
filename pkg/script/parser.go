package script

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

var nodeKinds = map[string]bool{
	KindBitcoind:      true,
	KindBitcoindMiner: true,
	KindLnd:           true,
	KindCoreLn:        true,
	KindEclair:        true,
	KindVisualizer:    true,
}

var btcActions = map[string]bool{
	ActionMineBlocks: true,
	ActionStopBtc:    true,
	ActionStartBtc:   true,
}

// Actions that cannot run without a destination node.
var needsDestination = map[string]bool{
	ActionOpenChannel: true,
	ActionSendLn:      true,
	ActionSendOnChain: true,
	ActionSendHoldLn:  true,
}

// ParseFile parses the script at path.
func ParseFile(path string) ([]Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// ParseString parses script text.
func ParseString(text string) ([]Directive, error) {
	return Parse(strings.NewReader(text))
}

// Parse reads a script line by line. Blank lines and '#' comments are
// skipped. The returned sequence always ends with a DirectiveEOI.
func Parse(r io.Reader) ([]Directive, error) {
	var directives []Directive
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		d, err := parseLine(strings.Fields(text))
		if err != nil {
			return nil, &ParseError{Line: lineNo, Msg: err.Error()}
		}
		d.Line = lineNo
		d.Text = text
		directives = append(directives, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	directives = append(directives, Directive{Kind: DirectiveEOI, Line: lineNo + 1})
	return directives, nil
}

func parseLine(fields []string) (Directive, error) {
	head := fields[0]
	switch {
	case head == "UP":
		if len(fields) != 1 {
			return Directive{}, fmt.Errorf("UP takes no arguments")
		}
		return Directive{Kind: DirectiveUp}, nil
	case head == "SKIP_CONF":
		if len(fields) != 1 {
			return Directive{}, fmt.Errorf("SKIP_CONF takes no arguments")
		}
		return Directive{Kind: DirectiveSkipConf}, nil
	case head == "END":
		if len(fields) != 1 {
			return Directive{}, fmt.Errorf("END takes no arguments")
		}
		return Directive{Kind: DirectiveLoopEnd}, nil
	case head == "LOOP" || head == "LOOP_EVERY":
		return parseLoop(fields)
	case nodeKinds[head]:
		return parseNode(fields)
	}

	if len(fields) < 2 {
		return Directive{}, fmt.Errorf("unrecognised line %q", strings.Join(fields, " "))
	}
	if btcActions[fields[1]] {
		return parseBtcAction(fields)
	}
	return parseLnAction(fields)
}

func parseNode(fields []string) (Directive, error) {
	kind := fields[0]
	args := fields[1:]
	if len(args) == 0 {
		return Directive{}, fmt.Errorf("%s needs a name", kind)
	}

	if len(args) == 3 && args[0] == "IMAGE" {
		return Directive{
			Kind:  DirectiveImage,
			Image: &ImageDef{Kind: kind, Name: args[1], Tag: args[2]},
		}, nil
	}

	def := &NodeDef{Kind: kind, Name: args[0]}
	rest := args[1:]

	switch kind {
	case KindVisualizer:
		if len(rest) != 0 {
			return Directive{}, fmt.Errorf("VISUALIZER takes only a name")
		}
		return Directive{Kind: DirectiveNode, Node: def}, nil

	case KindBitcoindMiner:
		interval, remaining, err := parseTrailingInterval(rest)
		if err != nil {
			return Directive{}, err
		}
		if len(remaining) > 1 {
			return Directive{}, fmt.Errorf("unexpected %q", strings.Join(remaining[1:], " "))
		}
		if len(remaining) == 1 {
			def.Image = remaining[0]
		}
		def.Miner = interval
		return Directive{Kind: DirectiveNodeMiner, Node: def}, nil

	case KindBitcoind:
		if len(rest) > 1 {
			return Directive{}, fmt.Errorf("unexpected %q", strings.Join(rest[1:], " "))
		}
		if len(rest) == 1 {
			def.Image = rest[0]
		}
		return Directive{Kind: DirectiveNode, Node: def}, nil
	}

	// Payment nodes: <name> [<image>] [PAIR <btc> [<amount>]]
	pairAt := -1
	for i, f := range rest {
		if f == "PAIR" {
			pairAt = i
			break
		}
	}
	before := rest
	if pairAt >= 0 {
		before = rest[:pairAt]
	}
	if len(before) > 1 {
		return Directive{}, fmt.Errorf("unexpected %q", strings.Join(before[1:], " "))
	}
	if len(before) == 1 {
		def.Image = before[0]
	}
	if pairAt < 0 {
		return Directive{Kind: DirectiveNode, Node: def}, nil
	}

	after := rest[pairAt+1:]
	if len(after) == 0 {
		return Directive{}, fmt.Errorf("PAIR needs a base-layer node name")
	}
	if len(after) > 2 {
		return Directive{}, fmt.Errorf("unexpected %q", strings.Join(after[2:], " "))
	}
	def.Pair = after[0]
	if len(after) == 2 {
		amount, err := parsePositive(after[1])
		if err != nil {
			return Directive{}, fmt.Errorf("invalid starting balance: %w", err)
		}
		def.StartingBalance = amount
	}
	return Directive{Kind: DirectiveNodePair, Node: def}, nil
}

// parseTrailingInterval reads "<n> <unit>" or "<n><unit>" from the end of
// fields and returns what precedes it.
func parseTrailingInterval(fields []string) (*Interval, []string, error) {
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("missing mining interval")
	}
	last := fields[len(fields)-1]
	if iv, err := parseCompactInterval(last); err == nil {
		return iv, fields[:len(fields)-1], nil
	}
	if len(fields) < 2 {
		return nil, nil, fmt.Errorf("invalid interval %q", last)
	}
	iv, err := parseInterval(fields[len(fields)-2], last)
	if err != nil {
		return nil, nil, err
	}
	return iv, fields[:len(fields)-2], nil
}

func parseCompactInterval(s string) (*Interval, error) {
	if len(s) < 2 {
		return nil, fmt.Errorf("invalid interval %q", s)
	}
	return parseInterval(s[:len(s)-1], s[len(s)-1:])
}

func parseInterval(amount, unit string) (*Interval, error) {
	n, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid interval amount %q", amount)
	}
	if unit == "" {
		return nil, fmt.Errorf("missing interval unit")
	}
	u := strings.ToLower(unit)[0]
	if u != 's' && u != 'm' && u != 'h' {
		return nil, fmt.Errorf("invalid interval unit %q", unit)
	}
	if n > uint64(math.MaxInt64/int64(unitDuration(u))) {
		return nil, fmt.Errorf("interval %s%c is too long", amount, u)
	}
	return &Interval{Amount: n, Unit: u}, nil
}

func parseLoop(fields []string) (Directive, error) {
	def := &LoopDef{}
	args := fields[1:]

	if fields[0] == "LOOP_EVERY" {
		args = append([]string{"EVERY"}, args...)
		if len(args) == 2 {
			args = append(args, "s")
		}
	}

	if len(args) > 0 && args[0] != "EVERY" {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n < 0 {
			return Directive{}, fmt.Errorf("invalid loop count %q", args[0])
		}
		def.Iterations = &n
		args = args[1:]
	}

	if len(args) > 0 {
		if args[0] != "EVERY" {
			return Directive{}, fmt.Errorf("expected EVERY, got %q", args[0])
		}
		var iv *Interval
		var err error
		switch len(args) {
		case 2:
			iv, err = parseCompactInterval(args[1])
		case 3:
			iv, err = parseInterval(args[1], args[2])
		default:
			err = fmt.Errorf("EVERY needs an amount and a unit")
		}
		if err != nil {
			return Directive{}, err
		}
		def.Every = iv
	}

	if def.Iterations == nil && def.Every == nil {
		return Directive{}, fmt.Errorf("LOOP needs a count, an interval or both")
	}
	return Directive{Kind: DirectiveLoopStart, Loop: def}, nil
}

func parseBtcAction(fields []string) (Directive, error) {
	cmd := &Command{From: fields[0], Action: fields[1]}
	args := fields[2:]

	if cmd.Action == ActionMineBlocks {
		if len(args) != 1 {
			return Directive{}, fmt.Errorf("MINE_BLOCKS needs a block count")
		}
		n, err := parsePositive(args[0])
		if err != nil {
			return Directive{}, fmt.Errorf("invalid block count: %w", err)
		}
		cmd.Amount = &n
	} else if len(args) != 0 {
		return Directive{}, fmt.Errorf("%s takes no arguments", cmd.Action)
	}
	return Directive{Kind: DirectiveBtcAction, Command: cmd}, nil
}

func parseLnAction(fields []string) (Directive, error) {
	cmd := &Command{From: fields[0], Action: fields[1]}
	args := fields[2:]

	for i := 0; i < len(args); i++ {
		tok := args[i]
		switch tok {
		case "AMT":
			if i+1 >= len(args) {
				return Directive{}, fmt.Errorf("AMT needs an amount")
			}
			i++
			n, err := parsePositive(args[i])
			if err != nil {
				return Directive{}, fmt.Errorf("invalid amount: %w", err)
			}
			cmd.Amount = &n
		case SubcommandKeysend:
			cmd.Subcommand = SubcommandKeysend
		case "TAG":
			if i+1 >= len(args) {
				return Directive{}, fmt.Errorf("TAG needs a name")
			}
			i++
			cmd.Tag = args[i]
		case "TIMEOUT":
			if i+1 >= len(args) {
				return Directive{}, fmt.Errorf("TIMEOUT needs seconds")
			}
			i++
			n, err := parsePositive(args[i])
			if err != nil {
				return Directive{}, fmt.Errorf("invalid timeout: %w", err)
			}
			if n > math.MaxInt64/int64(time.Second) {
				return Directive{}, fmt.Errorf("timeout %d is too long", n)
			}
			cmd.TimeoutSeconds = &n
		default:
			if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
				if cmd.Amount != nil {
					return Directive{}, fmt.Errorf("amount given twice")
				}
				if n <= 0 {
					return Directive{}, fmt.Errorf("amount must be positive")
				}
				cmd.Amount = &n
				continue
			}
			if cmd.To != "" {
				return Directive{}, fmt.Errorf("unexpected %q", tok)
			}
			cmd.To = tok
		}
	}

	if needsDestination[cmd.Action] && cmd.To == "" {
		return Directive{}, fmt.Errorf("%s needs a destination node", cmd.Action)
	}
	if (cmd.Action == ActionCloseChannel || cmd.Action == ActionForceCloseChannel) && cmd.To == "" && cmd.Tag == "" {
		return Directive{}, fmt.Errorf("%s needs a peer or a TAG", cmd.Action)
	}
	if cmd.Action == ActionSettleHoldLn && cmd.Tag == "" {
		return Directive{}, fmt.Errorf("SETTLE_HOLD_LN needs a TAG")
	}
	return Directive{Kind: DirectiveLnAction, Command: cmd}, nil
}

func parsePositive(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d must be positive", n)
	}
	return n, nil
}
