package script

import (
	"errors"
	"fmt"
)

// Check reports the ordering mistakes a script can be rejected for before
// any node is built: unbalanced or nested loops, duplicate names, pairs
// and actions naming undefined nodes, and actions before UP. A script that
// reloads a running cluster with SKIP_CONF may name nodes it never defines.
func Check(directives []Directive) error {
	var errs []error
	fail := func(d Directive, format string, args ...any) {
		errs = append(errs, &ParseError{Line: d.Line, Msg: fmt.Sprintf(format, args...)})
	}

	defined := make(map[string]string)
	reloaded := false
	up := false
	openLine := 0

	for _, d := range directives {
		switch d.Kind {
		case DirectiveNode, DirectiveNodeMiner, DirectiveNodePair:
			n := d.Node
			if n.Kind == KindVisualizer {
				continue
			}
			if _, dup := defined[n.Name]; dup {
				fail(d, "node %s is defined twice", n.Name)
			}
			if n.Pair != "" {
				kind, ok := defined[n.Pair]
				switch {
				case !ok:
					fail(d, "%s pairs with %s, which is not defined before it", n.Name, n.Pair)
				case kind != KindBitcoind && kind != KindBitcoindMiner:
					fail(d, "%s pairs with %s, which is not a bitcoind node", n.Name, n.Pair)
				}
			}
			if up {
				fail(d, "node %s is defined after the cluster is up", n.Name)
			}
			defined[n.Name] = n.Kind
		case DirectiveUp:
			if up || reloaded {
				fail(d, "cluster is already up")
			}
			up = true
		case DirectiveSkipConf:
			if up || reloaded {
				fail(d, "cluster is already up")
			}
			reloaded = true
		case DirectiveLnAction, DirectiveBtcAction:
			if openLine == 0 && !up && !reloaded {
				fail(d, "%s before UP or SKIP_CONF", d.Command.Action)
			}
			if reloaded {
				continue
			}
			for _, name := range []string{d.Command.From, d.Command.To} {
				if name == "" {
					continue
				}
				if _, ok := defined[name]; !ok {
					fail(d, "node %s is not defined", name)
				}
			}
		case DirectiveLoopStart:
			if openLine != 0 {
				fail(d, "nested loops are not supported")
				continue
			}
			if !up && !reloaded {
				fail(d, "LOOP before UP or SKIP_CONF")
			}
			openLine = d.Line
		case DirectiveLoopEnd:
			if openLine == 0 {
				fail(d, "END without an open LOOP")
			}
			openLine = 0
		case DirectiveEOI:
			if openLine != 0 {
				fail(d, "loop opened on line %d is never closed", openLine)
			}
		}
	}
	return errors.Join(errs...)
}
