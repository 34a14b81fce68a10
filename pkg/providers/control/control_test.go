package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports"
)

// Mock executor for testing
type mockExec struct {
	mu      sync.Mutex
	results []*transports.Result
	calls   [][]string
	users   []string
}

func (m *mockExec) Exec(ctx context.Context, container, user string, argv []string) (*transports.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, argv)
	m.users = append(m.users, user)
	if len(m.results) == 0 {
		return &transports.Result{Success: true}, nil
	}
	r := m.results[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
	}
	return r, nil
}

func (m *mockExec) StartService(ctx context.Context, service string) error   { return nil }
func (m *mockExec) StopService(ctx context.Context, service string) error    { return nil }
func (m *mockExec) RestartService(ctx context.Context, service string) error { return nil }

func TestCallerRetries(t *testing.T) {
	exec := &mockExec{results: []*transports.Result{
		{Success: false, Stderr: []byte("error code: -28\nLoading block index...")},
		{Success: true, Stdout: []byte(`{"address":"bcrt1qxyz"}`)},
	}}
	before := 0
	c := &Caller{
		Exec:      exec,
		Container: "doppler-bitcoind-miner",
		User:      "1000:1000",
		Prefix:    []string{"bitcoin-cli", "--datadir=/home/bitcoin/.bitcoin"},
		Vendor:    "bitcoind",
		Policy:    engine.RetryPolicy{Attempts: 3},
		Classify:  Classifier("bitcoin-cli", "Loading block index"),
		Logger:    telemetry.Nop(),
		BeforeRetry: func(ctx context.Context, result *transports.Result) {
			before++
		},
	}

	result, err := c.Run(context.Background(), "getnewaddress")
	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if len(exec.calls) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(exec.calls))
	}
	if before != 1 {
		t.Errorf("Expected 1 BeforeRetry call, got %d", before)
	}
	if got := strings.Join(exec.calls[0], " "); got != "bitcoin-cli --datadir=/home/bitcoin/.bitcoin getnewaddress" {
		t.Errorf("Unexpected argv %q", got)
	}
	if exec.users[0] != "1000:1000" {
		t.Errorf("Expected user 1000:1000, got %q", exec.users[0])
	}
	if got := Field(telemetry.Nop(), result, "address"); got != "bcrt1qxyz" {
		t.Errorf("Expected address, got %q", got)
	}
}

func TestCallerPermanentFailure(t *testing.T) {
	exec := &mockExec{results: []*transports.Result{{Success: false, ExitCode: 1, Stderr: []byte("Insufficient funds")}}}
	c := &Caller{
		Exec:      exec,
		Container: "doppler-bitcoind-miner",
		Policy:    engine.RetryPolicy{Attempts: 5},
		Classify:  Classifier("bitcoin-cli", "Loading block index"),
		Logger:    telemetry.Nop(),
	}
	_, err := c.Run(context.Background(), "sendtoaddress", "x", "1")
	if !engine.IsPermanent(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Insufficient funds") {
		t.Errorf("Expected stderr in error, got %q", err.Error())
	}
	if len(exec.calls) != 1 {
		t.Errorf("Expected a single call, got %d", len(exec.calls))
	}
}

func TestAccepting(t *testing.T) {
	classify := Accepting(Classifier("connect"), "already connected")
	tests := []struct {
		name    string
		result  *transports.Result
		wantErr bool
	}{
		{"success", &transports.Result{Success: true}, false},
		{"accepted failure", &transports.Result{Stderr: []byte("peer is already connected")}, false},
		{"other failure", &transports.Result{Stderr: []byte("dial tcp: refused")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.result)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %t, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFieldMissing(t *testing.T) {
	tests := []struct {
		name   string
		output string
		key    string
		want   string
	}{
		{"present", `{"txid":"abc"}`, "txid", "abc"},
		{"number", `{"block_height":812}`, "block_height", "812"},
		{"missing", `{"other":"x"}`, "txid", ""},
		{"not json", `oops`, "txid", ""},
		{"empty", ``, "txid", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Field(telemetry.Nop(), &transports.Result{Success: true, Stdout: []byte(tt.output)}, tt.key)
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestText(t *testing.T) {
	if got := Text(&transports.Result{Stdout: []byte("\"bcrt1qabc\"\n")}); got != "bcrt1qabc" {
		t.Errorf("Expected unquoted string, got %q", got)
	}
	if got := Text(&transports.Result{Stdout: []byte("deadbeef\n")}); got != "deadbeef" {
		t.Errorf("Expected trimmed text, got %q", got)
	}
}

func TestSatsToBTC(t *testing.T) {
	tests := []struct {
		sats int64
		want string
	}{
		{10000000, "0.10000000"},
		{1, "0.00000001"},
		{250000000, "2.50000000"},
		{-5, "-0.00000005"},
	}
	for _, tt := range tests {
		if got := SatsToBTC(tt.sats); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}

func TestCallerClusterNotStarted(t *testing.T) {
	c := &Caller{
		Exec:      &notStarted{},
		Container: "doppler-lnd-alice",
		Policy:    engine.RetryPolicy{Attempts: 3},
		Classify:  Classifier("lncli"),
		Logger:    telemetry.Nop(),
	}
	_, err := c.Run(context.Background(), "getinfo")
	if !errors.Is(err, engine.ErrClusterNotStarted) {
		t.Errorf("Expected ErrClusterNotStarted, got %v", err)
	}
}

type notStarted struct{ mockExec }

func (*notStarted) Exec(ctx context.Context, container, user string, argv []string) (*transports.Result, error) {
	return nil, engine.ErrClusterNotStarted
}
