package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/doppler-ln/doppler/pkg/compose"
)

func TestProcessDirectivesBuildsNodes(t *testing.T) {
	env := newTestEnv(t)
	directives := mustParse(t, `
BITCOIND miner
BITCOIND backup
LND alice PAIR BACKUP
LND bob PAIR nobody 500000
`)

	if err := env.state.ProcessDirectives(context.Background(), directives); err != nil {
		t.Fatalf("Failed to process directives: %v", err)
	}

	if len(env.state.L1Nodes()) != 2 || len(env.state.L2Nodes()) != 2 {
		t.Fatalf("Expected 2 L1 and 2 L2 nodes, got %d and %d", len(env.state.L1Nodes()), len(env.state.L2Nodes()))
	}

	alice := env.nodes.L2("alice")
	if alice.Pair() != "backup" {
		t.Errorf("Expected alice paired case-insensitively with backup, got %s", alice.Pair())
	}
	bob := env.nodes.L2("bob")
	if bob.Pair() != "miner" {
		t.Errorf("Expected bob to fall back to the first bitcoind, got %s", bob.Pair())
	}
	if bob.StartingBalance() != 500000 {
		t.Errorf("Expected bob starting balance 500000, got %d", bob.StartingBalance())
	}
	if alice.StartingBalance() != DefaultStartingBalance {
		t.Errorf("Expected default starting balance, got %d", alice.StartingBalance())
	}

	names := env.state.Manifest().ServiceNames()
	expected := []string{"doppler-bitcoind-backup", "doppler-bitcoind-miner", "doppler-lnd-alice", "doppler-lnd-bob"}
	if strings.Join(names, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected services %v, got %v", expected, names)
	}

	if ports := env.state.Allocator().Ports(); len(ports) != 4 || ports[0] != 9090 {
		t.Errorf("Expected 4 ports starting at 9090, got %v", ports)
	}
}

func TestProcessDirectivesErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
		check   func(error) bool
	}{
		{
			name:    "payment node before bitcoind",
			script:  "LND alice\n",
			wantErr: "bitcoind nodes need to be defined before lnd nodes can be setup",
			check:   IsFatal,
		},
		{
			name:    "duplicate bitcoind",
			script:  "BITCOIND miner\nBITCOIND miner\n",
			wantErr: "defined twice",
			check:   IsDuplicate,
		},
		{
			name:    "duplicate payment node",
			script:  "BITCOIND miner\nLND alice\nLND alice\n",
			wantErr: "defined twice",
			check:   IsScript,
		},
		{
			name:    "nested loop",
			script:  "BITCOIND miner\nLOOP 2\nLOOP 3\nEND\nEND\n",
			wantErr: "nested loops",
			check:   IsScript,
		},
		{
			name:    "end without loop",
			script:  "END\n",
			wantErr: "END without an open LOOP",
			check:   IsScript,
		},
		{
			name:    "unclosed loop",
			script:  "BITCOIND miner\nLOOP 2\nminer MINE_BLOCKS 1\n",
			wantErr: "never closed",
			check:   IsScript,
		},
		{
			name:    "action not allowed in loop",
			script:  "BITCOIND miner\nLOOP 2\nminer STOP_BTC\nEND\n",
			wantErr: "STOP_BTC is not allowed inside a loop",
			check:   IsScript,
		},
		{
			name:    "node inside loop",
			script:  "BITCOIND miner\nLOOP 2\nBITCOIND other\nEND\n",
			wantErr: "not allowed inside a loop",
			check:   IsScript,
		},
		{
			name:    "unknown image",
			script:  "BITCOIND miner custom\n",
			wantErr: "unknown bitcoind image",
			check:   IsScript,
		},
		{
			name:    "kind without builder",
			script:  "BITCOIND miner\nECLAIR carol\n",
			wantErr: "no builder registered",
			check:   IsScript,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			err := env.state.ProcessDirectives(context.Background(), mustParse(t, tt.script))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
			if !tt.check(err) {
				t.Errorf("Expected error to be classified, got %v (class %s)", err, ClassOf(err))
			}
		})
	}
}

func TestProcessDirectivesImages(t *testing.T) {
	env := newTestEnv(t, WithDefaultImages(map[NodeKind]string{
		NodeKindBitcoind: "polarlightning/bitcoind:26.0",
		NodeKindLnd:      "polarlightning/lnd:0.17.0-beta",
	}))
	directives := mustParse(t, `
LND IMAGE old 0.16.0-beta
BITCOIND_MINER miner 10 s
LND alice old PAIR miner
LND bob
`)
	// A miner worker is only spawned on UP.
	if err := env.state.ProcessDirectives(context.Background(), directives); err != nil {
		t.Fatalf("Failed to process directives: %v", err)
	}

	tests := map[string]string{
		"doppler-bitcoind-miner": "polarlightning/bitcoind:26.0",
		"doppler-lnd-alice":      "old:0.16.0-beta",
		"doppler-lnd-bob":        "polarlightning/lnd:0.17.0-beta",
	}
	for container, want := range tests {
		svc, ok := env.state.Manifest().Service(container)
		if !ok {
			t.Fatalf("Expected service %s", container)
		}
		if svc.Image != want {
			t.Errorf("Expected %s image %s, got %s", container, want, svc.Image)
		}
	}
}

func TestUnknownActionIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	directives := mustParse(t, `
BITCOIND miner
LND alice
LND bob
alice FLY_TO_MOON bob
`)
	if err := env.state.ProcessDirectives(context.Background(), directives); err != nil {
		t.Fatalf("Expected unknown actions to be skipped, got %v", err)
	}
	if !env.state.EndOfInput() {
		t.Error("Expected end of input to be recorded")
	}
}

func TestControlPlaneBeforeUp(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.state.Exec(context.Background(), "doppler-lnd-alice", "", []string{"lncli", "getinfo"})
	if err != ErrClusterNotStarted {
		t.Errorf("Expected ErrClusterNotStarted, got %v", err)
	}
	if err := env.state.StopService(context.Background(), "doppler-lnd-alice"); err != ErrClusterNotStarted {
		t.Errorf("Expected ErrClusterNotStarted, got %v", err)
	}
}

func TestUpBootstrapsCluster(t *testing.T) {
	env := newTestEnv(t)
	directives := mustParse(t, `
BITCOIND miner
BITCOIND backup
LND alice
LND bob
LND carol
UP
`)
	if err := env.state.ProcessDirectives(context.Background(), directives); err != nil {
		t.Fatalf("Failed to process directives: %v", err)
	}

	if _, ok := env.state.ComposePath(); !ok {
		t.Fatal("Expected compose path to be set")
	}
	if env.state.Paused() {
		t.Error("Expected workers to be resumed after the confirmation")
	}
	if calls := env.runtime.Calls(); len(calls) != 1 || calls[0] != "up doppler-cluster.yaml" {
		t.Errorf("Expected one up call, got %v", calls)
	}

	loaded, err := compose.Load(env.state.Settings().ComposePath)
	if err != nil {
		t.Fatalf("Failed to load saved manifest: %v", err)
	}
	if len(loaded.Services) != 5 {
		t.Errorf("Expected 5 services in saved manifest, got %d", len(loaded.Services))
	}

	miner := env.nodes.L1("miner")
	if !contains(miner.Calls(), "addnode backup") || !contains(env.nodes.L1("backup").Calls(), "addnode miner") {
		t.Error("Expected bitcoind nodes to be paired both ways")
	}
	if !contains(miner.Calls(), "createwallet") {
		t.Error("Expected miner wallet to be created")
	}
	if !contains(miner.Calls(), "mine 200") {
		t.Errorf("Expected 200 initial blocks, got %v", miner.Calls())
	}

	ring := map[string]string{"alice": "bob", "bob": "carol", "carol": "alice"}
	for from, to := range ring {
		node := env.nodes.L2(from)
		if !contains(node.Calls(), "connect "+to) {
			t.Errorf("Expected %s to connect to %s, got %v", from, to, node.Calls())
		}
		if node.CachedPubkey() == "" {
			t.Errorf("Expected %s pubkey to be resolved", from)
		}
		if !contains(miner.Calls(), "send bcrt1q"+from+" 10000000") {
			t.Errorf("Expected %s to be funded by the miner", from)
		}
	}
	if !contains(miner.Calls(), "mine 6") {
		t.Error("Expected funding confirmations to be mined")
	}

	aliases, err := os.ReadFile(env.state.Settings().AliasesPath)
	if err != nil {
		t.Fatalf("Failed to read aliases: %v", err)
	}
	for _, name := range []string{"alice()", "bob()", "carol()", "miner()", "backup()"} {
		if !strings.Contains(string(aliases), name) {
			t.Errorf("Expected alias %s in script", name)
		}
	}
}

func TestUpTwiceIsAnError(t *testing.T) {
	env := newTestEnv(t, WithStdin(strings.NewReader("\n\n")))
	err := env.state.ProcessDirectives(context.Background(), mustParse(t, "BITCOIND miner\nUP\nUP\n"))
	if err == nil || !IsScript(err) {
		t.Errorf("Expected script error on second UP, got %v", err)
	}
}

func TestUpPromptHonoursCancellation(t *testing.T) {
	stdin, writer := io.Pipe()
	t.Cleanup(func() { _ = writer.Close() })
	env := newTestEnv(t, WithStdin(stdin))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	directives := mustParse(t, "BITCOIND miner\nUP\nminer MINE_BLOCKS 1\n")
	done := make(chan error, 1)
	go func() {
		done <- env.state.ProcessDirectives(ctx, directives)
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the prompt to return on cancellation")
	}
	if env.state.Paused() {
		t.Error("Expected workers to be resumed")
	}
	if contains(env.nodes.L1("miner").Calls(), "mine 1") {
		t.Error("Expected no directives after a cancelled prompt")
	}
}
