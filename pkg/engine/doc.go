// Package engine runs doppler scripts against a containerized regtest
// Lightning cluster.
//
// # Overview
//
// A run takes the directives produced by package script and processes them
// once, in order:
//
//  1. Nodes - Build node records, allocate ports and addresses, and add
//     their services to the compose manifest (Registry, Allocator)
//  2. Up - Save the manifest, start the cluster and bootstrap it, or
//     reload an existing cluster with SKIP_CONF (ClusterState.Up, Reload)
//  3. Actions - Execute channel, payment and mining actions immediately
//     (ClusterState.RunCommand)
//  4. Loops - Hand LOOP blocks to background workers (LoopSpec)
//  5. Wait - Keep the process alive until the loops are done or the run is
//     interrupted (RunWorkflowUntilStop)
//
// # Nodes
//
// Base-layer daemons implement L1Node and payment nodes implement L2Node.
// The engine does not know any vendor: providers register a Builder and a
// Reloader per NodeKind, and nodes reach their containers through the
// Executor that ClusterState implements.
//
// # Workers
//
// Loop, miner and hold-payment workers are goroutines tracked by the
// ClusterState worker registry. They get a Snapshot of the nodes when they
// are spawned and observe two flags:
//
//   - mainActive: cleared once on shutdown; workers exit at their next check
//   - mainPaused: set while the cluster waits for the user after UP; workers
//     skip their work without consuming loop iterations
//
// # Error Classification
//
// Errors are classified so callers know whether to retry, continue or abort:
//
//   - Transient: The node is not ready yet; retried by Retry
//   - Permanent: The call failed; logged and the run continues
//   - Script: The script is invalid; the run aborts
//   - Lookup: A node or tag name did not resolve
//   - Unsupported: The vendor does not offer the operation
//
// Use the error helper functions to classify and inspect errors:
//
//	if IsFatal(err) {
//	    return err
//	}
//
// # Example Usage
//
//	directives, err := script.ParseFile("scripts/basic.doppler")
//	state, err := engine.NewClusterState(logger,
//	    engine.WithRuntime(compose.NewRuntime(local.NewRunner(""), "docker compose")),
//	    engine.WithRegistry(registry),
//	)
//	err = engine.RunWorkflowUntilStop(ctx, state, directives)
package engine
