package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/script"
	"github.com/doppler-ln/doppler/pkg/stores"
	"github.com/doppler-ln/doppler/pkg/transports"
)

// Mock base-layer node for testing
type mockL1 struct {
	mu        sync.Mutex
	name      string
	container string
	miner     *script.Interval
	calls     []string
	mined     int64
	mineErr   error
}

func newMockL1(name string) *mockL1 {
	return &mockL1{name: name, container: "doppler-bitcoind-" + name}
}

func (m *mockL1) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockL1) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockL1) Mined() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mined
}

func (m *mockL1) Name() string                    { return m.name }
func (m *mockL1) ContainerName() string           { return m.container }
func (m *mockL1) DataDir() string                 { return "data/" + m.name }
func (m *mockL1) IP() string                      { return "10.5.0.3" }
func (m *mockL1) RPCUser() string                 { return "admin" }
func (m *mockL1) RPCPassword() string             { return "1234" }
func (m *mockL1) RPCPort() string                 { return "18443" }
func (m *mockL1) P2PPort() string                 { return "18444" }
func (m *mockL1) ZMQBlockEndpoint() string        { return "tcp://" + m.container + ":28332" }
func (m *mockL1) ZMQTxEndpoint() string           { return "tcp://" + m.container + ":28333" }
func (m *mockL1) MinerInterval() *script.Interval { return m.miner }

func (m *mockL1) Start(ctx context.Context) error { m.record("start"); return nil }
func (m *mockL1) Stop(ctx context.Context) error  { m.record("stop"); return nil }

func (m *mockL1) CreateWallet(ctx context.Context) error {
	m.record("createwallet")
	return nil
}

func (m *mockL1) CreateAddress(ctx context.Context) (string, error) {
	m.record("getnewaddress")
	return "bcrt1q" + m.name, nil
}

func (m *mockL1) MineBlocks(ctx context.Context, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("mine %d", n))
	if m.mineErr != nil {
		return m.mineErr
	}
	m.mined += n
	return nil
}

func (m *mockL1) MineToAddress(ctx context.Context, n int64, address string) error {
	m.record(fmt.Sprintf("mineto %d %s", n, address))
	return nil
}

func (m *mockL1) SendToAddress(ctx context.Context, address string, amount int64) (string, error) {
	m.record(fmt.Sprintf("send %s %d", address, amount))
	return "txid-" + address, nil
}

func (m *mockL1) AddNode(ctx context.Context, peer L1Node) error {
	m.record("addnode " + peer.Name())
	return nil
}

func (m *mockL1) ShellAlias() compose.Alias {
	return compose.Alias{Name: m.name, Container: m.container, User: "1000:1000", Command: []string{"bitcoin-cli"}}
}

// Mock payment node for testing
type mockL2 struct {
	mu      sync.Mutex
	name    string
	pair    string
	balance int64
	pubkey  string
	calls   []string
	openErr error
	payWait chan struct{}
}

func newMockL2(name, pair string) *mockL2 {
	return &mockL2{name: name, pair: pair, balance: DefaultStartingBalance}
}

func (m *mockL2) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockL2) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockL2) Name() string           { return m.name }
func (m *mockL2) Alias() string          { return m.name }
func (m *mockL2) ContainerName() string  { return "doppler-lnd-" + m.name }
func (m *mockL2) ServerURL() string      { return "localhost:10000" }
func (m *mockL2) P2PPort() string        { return "9735" }
func (m *mockL2) IP() string             { return "10.5.0.4" }
func (m *mockL2) Pair() string           { return m.pair }
func (m *mockL2) StartingBalance() int64 { return m.balance }

func (m *mockL2) CachedPubkey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pubkey
}

func (m *mockL2) Pubkey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pubkey = "pub-" + m.name
	return m.pubkey, nil
}

func (m *mockL2) Start(ctx context.Context) error { m.record("start"); return nil }
func (m *mockL2) Stop(ctx context.Context) error  { m.record("stop"); return nil }

func (m *mockL2) ConnectPeer(ctx context.Context, peer L2Node) error {
	m.record("connect " + peer.Name())
	return nil
}

func (m *mockL2) OpenChannel(ctx context.Context, peer L2Node, amount int64) (string, error) {
	m.record(fmt.Sprintf("open %s %d", peer.Name(), amount))
	if m.openErr != nil {
		return "", m.openErr
	}
	return "chan-" + m.name + "-" + peer.Name() + ":0", nil
}

func (m *mockL2) CloseChannel(ctx context.Context, peer L2Node, channel string, force bool) error {
	peerName := ""
	if peer != nil {
		peerName = peer.Name()
	}
	m.record(fmt.Sprintf("close %s %s %t", peerName, channel, force))
	return nil
}

func (m *mockL2) CreateInvoice(ctx context.Context, amount int64, memo string) (string, error) {
	m.record(fmt.Sprintf("invoice %d", amount))
	return "lnbcrt-" + m.name, nil
}

func (m *mockL2) PayInvoice(ctx context.Context, invoice string, timeout time.Duration) error {
	m.record("pay " + invoice)
	if m.payWait != nil {
		<-m.payWait
	}
	return nil
}

func (m *mockL2) CreateAddress(ctx context.Context) (string, error) {
	return "bcrt1q" + m.name, nil
}

func (m *mockL2) SendOnChain(ctx context.Context, address string, amount int64) (string, error) {
	m.record(fmt.Sprintf("sendonchain %s %d", address, amount))
	return "txid-onchain", nil
}

func (m *mockL2) PaymentHashAndPreimage(ctx context.Context, amount int64) (string, string, error) {
	m.record("hash")
	return "hash-" + m.name, "preimage-" + m.name, nil
}

func (m *mockL2) CreateHoldInvoice(ctx context.Context, hash string, amount int64) (string, error) {
	m.record(fmt.Sprintf("holdinvoice %s %d", hash, amount))
	return "lnbcrt-hold-" + m.name, nil
}

func (m *mockL2) SettleHoldInvoice(ctx context.Context, preimage string) error {
	m.record("settle " + preimage)
	return nil
}

func (m *mockL2) Keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error {
	m.record(fmt.Sprintf("keysend %s %d %s", pubkey, amount, timeout))
	return nil
}

func (m *mockL2) ShellAlias() compose.Alias {
	return compose.Alias{Name: m.name, Container: m.ContainerName(), User: "1000:1000", Command: []string{"lncli"}}
}

// Mock container runtime for testing
type mockRuntime struct {
	mu    sync.Mutex
	calls []string
	upErr error
}

func (m *mockRuntime) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockRuntime) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockRuntime) Up(ctx context.Context, manifestPath, dataDir string) error {
	m.record("up " + filepath.Base(manifestPath))
	return m.upErr
}

func (m *mockRuntime) Down(ctx context.Context, manifestPath string) error {
	m.record("down")
	return nil
}

func (m *mockRuntime) Restart(ctx context.Context, manifestPath, service string) error {
	m.record("restart " + service)
	return nil
}

func (m *mockRuntime) Stop(ctx context.Context, manifestPath, service string) error {
	m.record("stop " + service)
	return nil
}

func (m *mockRuntime) Start(ctx context.Context, manifestPath, service string) error {
	m.record("start " + service)
	return nil
}

func (m *mockRuntime) Exec(ctx context.Context, manifestPath, container, user string, argv []string) (*transports.Result, error) {
	m.record("exec " + container + " " + strings.Join(argv, " "))
	return &transports.Result{Success: true}, nil
}

func (m *mockRuntime) DockerCommand() string { return "docker compose" }

// Mock tag store for testing
type mockStore struct {
	mu      sync.Mutex
	tags    map[string]*stores.Tag
	actions []*stores.ActionRecord
}

func newMockStore() *mockStore {
	return &mockStore{tags: make(map[string]*stores.Tag)}
}

func (m *mockStore) PutTag(ctx context.Context, tag *stores.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[tag.Name] = tag
	return nil
}

func (m *mockStore) GetTag(ctx context.Context, name string) (*stores.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tag, ok := m.tags[name]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return tag, nil
}

func (m *mockStore) RecordAction(ctx context.Context, record *stores.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, record)
	return nil
}

func (m *mockStore) Actions() []*stores.ActionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*stores.ActionRecord(nil), m.actions...)
}

// fakeClock advances instantly. Each Sleep also yields briefly so polling
// workers do not spin.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	time.Sleep(time.Millisecond)
}

// testNodes collects the nodes the test registry builds.
type testNodes struct {
	mu sync.Mutex
	l1 map[string]*mockL1
	l2 map[string]*mockL2
}

func (n *testNodes) L1(name string) *mockL1 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.l1[name]
}

func (n *testNodes) L2(name string) *mockL2 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.l2[name]
}

func testRegistry() (*Registry, *testNodes) {
	nodes := &testNodes{l1: make(map[string]*mockL1), l2: make(map[string]*mockL2)}
	reg := NewRegistry()

	buildL1 := func(ctx context.Context, bc *BuildContext) (*Built, error) {
		n := newMockL1(bc.Spec.Name)
		n.miner = bc.Spec.Miner
		port := bc.Allocator.AllocatePort()
		svc := &compose.Service{
			Image:         bc.Spec.Image,
			ContainerName: ContainerName(bc.Settings.NetworkName, bc.Spec.Kind, bc.Spec.Name),
			Ports:         []string{fmt.Sprintf("%d:18443", port)},
			Networks: map[string]*compose.ServiceNetwork{
				bc.Settings.NetworkName: {IPv4Address: bc.Allocator.AllocateIPv4()},
			},
		}
		nodes.mu.Lock()
		nodes.l1[n.name] = n
		nodes.mu.Unlock()
		return &Built{L1: n, Service: svc}, nil
	}
	reloadL1 := func(ctx context.Context, rc *ReloadContext) (*Built, error) {
		n := newMockL1(rc.Name)
		nodes.mu.Lock()
		nodes.l1[n.name] = n
		nodes.mu.Unlock()
		return &Built{L1: n, Service: rc.Service}, nil
	}
	buildL2 := func(ctx context.Context, bc *BuildContext) (*Built, error) {
		n := newMockL2(bc.Spec.Name, bc.Spec.Pair.Name())
		n.balance = bc.Spec.StartingBalance
		svc := &compose.Service{
			Image:         bc.Spec.Image,
			ContainerName: ContainerName(bc.Settings.NetworkName, bc.Spec.Kind, bc.Spec.Name),
			Ports:         []string{fmt.Sprintf("%d:8080", bc.Allocator.AllocatePort())},
			DependsOn:     []string{bc.Spec.Pair.ContainerName()},
		}
		nodes.mu.Lock()
		nodes.l2[n.name] = n
		nodes.mu.Unlock()
		return &Built{L2: n, Service: svc}, nil
	}
	reloadL2 := func(ctx context.Context, rc *ReloadContext) (*Built, error) {
		n := newMockL2(rc.Name, rc.Pair.Name())
		nodes.mu.Lock()
		nodes.l2[n.name] = n
		nodes.mu.Unlock()
		return &Built{L2: n, Service: rc.Service}, nil
	}

	reg.Register(NodeKindBitcoind, buildL1, reloadL1)
	reg.Register(NodeKindBitcoindMiner, buildL1, nil)
	reg.Register(NodeKindLnd, buildL2, reloadL2)
	return reg, nodes
}

type testEnv struct {
	state   *ClusterState
	nodes   *testNodes
	runtime *mockRuntime
	clock   *fakeClock
	store   *mockStore
	dir     string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	settings := DefaultSettings()
	settings.ComposePath = filepath.Join(dir, "doppler-cluster.yaml")
	settings.DataDir = filepath.Join(dir, "data")
	settings.AliasesPath = filepath.Join(dir, "aliases.sh")
	settings.StartupWait = 0

	reg, nodes := testRegistry()
	env := &testEnv{
		nodes:   nodes,
		runtime: &mockRuntime{},
		clock:   newFakeClock(),
		store:   newMockStore(),
		dir:     dir,
	}
	all := append([]Option{
		WithSettings(settings),
		WithRegistry(reg),
		WithRuntime(env.runtime),
		WithClock(env.clock),
		WithStdin(strings.NewReader("\n")),
		WithTagStore(env.store),
		WithRunID("run-1"),
	}, opts...)

	state, err := NewClusterState(nil, all...)
	if err != nil {
		t.Fatalf("Failed to create cluster state: %v", err)
	}
	env.state = state
	return env
}

func mustParse(t *testing.T, src string) []script.Directive {
	t.Helper()
	directives, err := script.ParseString(src)
	if err != nil {
		t.Fatalf("Failed to parse script: %v", err)
	}
	return directives
}

func contains(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
