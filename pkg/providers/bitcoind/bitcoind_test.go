package bitcoind

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/control/controltest"
	"github.com/doppler-ln/doppler/pkg/providers/nodeconf"
	"github.com/doppler-ln/doppler/pkg/script"
)

var fastPolicy = Options{Policy: engine.RetryPolicy{Attempts: 3, Delay: time.Millisecond}}

func testSettings(t *testing.T) engine.Settings {
	t.Helper()
	dir := t.TempDir()
	settings := engine.DefaultSettings()
	settings.ComposePath = filepath.Join(dir, "doppler-cluster.yaml")
	settings.DataDir = filepath.Join(dir, "data")
	return settings
}

func buildNode(t *testing.T, exec engine.Executor, settings engine.Settings) (*Node, *compose.Service) {
	t.Helper()
	alloc, err := engine.NewAllocator(settings.PortSeed, settings.IPSeed)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}
	built, err := Build(fastPolicy)(context.Background(), &engine.BuildContext{
		Spec: engine.NodeSpec{
			Kind:  engine.NodeKindBitcoindMiner,
			Name:  "miner",
			Miner: &script.Interval{Amount: 10, Unit: 's'},
		},
		Settings:  settings,
		Allocator: alloc,
		Executor:  exec,
	})
	if err != nil {
		t.Fatalf("Failed to build node: %v", err)
	}
	return built.L1.(*Node), built.Service
}

func TestBuild(t *testing.T) {
	settings := testSettings(t)
	node, svc := buildNode(t, controltest.New(), settings)

	if node.ContainerName() != "doppler-bitcoind-miner" {
		t.Errorf("Expected container doppler-bitcoind-miner, got %s", node.ContainerName())
	}
	if node.IP() != "10.5.0.3" {
		t.Errorf("Expected ip 10.5.0.3, got %s", node.IP())
	}
	if node.P2PPort() != "9090" || node.RPCPort() != "9091" {
		t.Errorf("Expected ports 9090 and 9091, got %s and %s", node.P2PPort(), node.RPCPort())
	}
	if node.ZMQBlockEndpoint() != "tcp://10.5.0.3:9092" || node.ZMQTxEndpoint() != "tcp://10.5.0.3:9093" {
		t.Errorf("Unexpected zmq endpoints %s %s", node.ZMQBlockEndpoint(), node.ZMQTxEndpoint())
	}
	if node.MinerInterval() == nil || node.MinerInterval().Duration() != 10*time.Second {
		t.Errorf("Expected 10s miner interval, got %v", node.MinerInterval())
	}

	if svc.Image != DefaultImage {
		t.Errorf("Expected default image, got %s", svc.Image)
	}
	if svc.IPv4() != "10.5.0.3" {
		t.Errorf("Expected service ip 10.5.0.3, got %s", svc.IPv4())
	}
	if len(svc.Volumes) != 1 || svc.Volumes[0] != "./data/miner/.bitcoin:"+HomeDir+":rw" {
		t.Errorf("Unexpected volumes %v", svc.Volumes)
	}
	if port, ok := svc.PublishedPort("9091"); !ok || port != "9091" {
		t.Errorf("Expected rpc port published, got %s", port)
	}

	conf, err := nodeconf.Load(filepath.Join(settings.DataDir, "miner", ".bitcoin", "bitcoin.conf"))
	if err != nil {
		t.Fatalf("Failed to load bitcoin.conf: %v", err)
	}
	tests := []struct {
		section string
		key     string
		want    string
	}{
		{section: nodeconf.Global, key: "regtest", want: "1"},
		{section: nodeconf.Global, key: "fallbackfee", want: "0.0002"},
		{section: "regtest", key: "bind", want: "10.5.0.3"},
		{section: "regtest", key: "rpcport", want: "9091"},
		{section: "regtest", key: "rpcuser", want: "admin"},
		{section: "regtest", key: "zmqpubrawtx", want: "tcp://10.5.0.3:9093"},
	}
	for _, tt := range tests {
		if got := conf.Get(tt.section, tt.key); got != tt.want {
			t.Errorf("Expected %s=%s, got %q", tt.key, tt.want, got)
		}
	}
}

func TestReload(t *testing.T) {
	settings := testSettings(t)
	built, svc := buildNode(t, controltest.New(), settings)

	exec := controltest.New()
	reloaded, err := Reload(fastPolicy)(context.Background(), &engine.ReloadContext{
		Kind:     engine.NodeKindBitcoind,
		Name:     "miner",
		Service:  svc,
		Settings: settings,
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	node := reloaded.L1.(*Node)
	if node.RPCPort() != built.RPCPort() || node.P2PPort() != built.P2PPort() {
		t.Errorf("Expected ports to survive reload, got %s and %s", node.RPCPort(), node.P2PPort())
	}
	if node.ZMQBlockEndpoint() != built.ZMQBlockEndpoint() {
		t.Errorf("Expected %s, got %s", built.ZMQBlockEndpoint(), node.ZMQBlockEndpoint())
	}
	if node.RPCPassword() != "1234" {
		t.Errorf("Expected rpc password 1234, got %s", node.RPCPassword())
	}
	if node.MinerInterval() != nil {
		t.Error("Expected reloaded node to have no miner interval")
	}

	_, err = Reload(fastPolicy)(context.Background(), &engine.ReloadContext{
		Name:     "ghost",
		Service:  &compose.Service{ContainerName: "doppler-bitcoind-ghost"},
		Settings: settings,
		Executor: exec,
	})
	if err == nil || !engine.IsFatal(err) {
		t.Errorf("Expected dependency error for a missing conf, got %v", err)
	}
}

func TestCommands(t *testing.T) {
	peer := NewNode(Config{Name: "backup", IP: "10.5.0.4", P2PPort: "9094"}, controltest.New(), nil, fastPolicy)

	tests := []struct {
		name string
		run  func(ctx context.Context, n *Node) error
		want string
	}{
		{
			name: "mine blocks",
			run:  func(ctx context.Context, n *Node) error { return n.MineBlocks(ctx, 6) },
			want: "bitcoin-cli --datadir=/home/bitcoin/.bitcoin generatetoaddress 6 bcrt1qminer",
		},
		{
			name: "send to address",
			run: func(ctx context.Context, n *Node) error {
				txid, err := n.SendToAddress(ctx, "bcrt1qalice", 10000000)
				if err == nil && txid != "abcd" {
					t.Errorf("Expected txid abcd, got %s", txid)
				}
				return err
			},
			want: "-rpcwallet=doppler-bitcoind-miner sendtoaddress bcrt1qalice 0.10000000",
		},
		{
			name: "add node",
			run:  func(ctx context.Context, n *Node) error { return n.AddNode(ctx, peer) },
			want: "addnode 10.5.0.4:9094 add",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := controltest.New().
				On("getnewaddress", controltest.OK("bcrt1qminer\n")).
				On("sendtoaddress", controltest.OK("abcd\n"))
			n := NewNode(Config{Name: "miner", Container: "doppler-bitcoind-miner"}, exec, nil, fastPolicy)

			if err := tt.run(context.Background(), n); err != nil {
				t.Fatalf("Expected success, got %v", err)
			}
			if !exec.Called(tt.want) {
				t.Errorf("Expected call %q, got %v", tt.want, exec.Calls())
			}
			for _, u := range exec.Users() {
				if u != User {
					t.Errorf("Expected user %s, got %s", User, u)
				}
			}
		})
	}
}

func TestCreateWallet(t *testing.T) {
	tests := []struct {
		name     string
		create   string
		wantLoad bool
	}{
		{name: "fresh", create: "{}"},
		{name: "exists", create: "Wallet file verification failed. Failed to create database path. Database already exists.", wantLoad: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			create := controltest.OK(tt.create)
			if tt.wantLoad {
				create = controltest.Fail(tt.create)
			}
			exec := controltest.New().
				On("createwallet", create).
				On("loadwallet", controltest.Fail("Wallet \"doppler-bitcoind-miner\" is already loaded."))
			n := NewNode(Config{Name: "miner", Container: "doppler-bitcoind-miner"}, exec, nil, fastPolicy)

			if err := n.CreateWallet(context.Background()); err != nil {
				t.Fatalf("Expected success, got %v", err)
			}
			if exec.Called("loadwallet") != tt.wantLoad {
				t.Errorf("Expected loadwallet %v, got calls %v", tt.wantLoad, exec.Calls())
			}
		})
	}
}

func TestRetriesWhileLoading(t *testing.T) {
	exec := controltest.New().On("getnewaddress",
		controltest.Fail("error code: -28\nerror message:\nLoading block index..."),
		controltest.OK("bcrt1qminer"),
	)
	n := NewNode(Config{Name: "miner", Container: "doppler-bitcoind-miner"}, exec, nil, fastPolicy)

	address, err := n.CreateAddress(context.Background())
	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if address != "bcrt1qminer" {
		t.Errorf("Expected bcrt1qminer, got %s", address)
	}
	if len(exec.Calls()) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(exec.Calls()))
	}
}

func TestMineBlocksWithoutAddress(t *testing.T) {
	exec := controltest.New().On("getnewaddress", controltest.OK(""))
	n := NewNode(Config{Name: "miner", Container: "doppler-bitcoind-miner"}, exec, nil, fastPolicy)

	err := n.MineBlocks(context.Background(), 1)
	if err == nil || !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if exec.Called("generatetoaddress") {
		t.Error("Expected no mining without an address")
	}
}

func TestLifecycleAndAlias(t *testing.T) {
	exec := controltest.New()
	n := NewNode(Config{Name: "miner", Container: "doppler-bitcoind-miner"}, exec, nil, fastPolicy)

	_ = n.Stop(context.Background())
	_ = n.Start(context.Background())
	if got := strings.Join(exec.Services(), ","); got != "stop doppler-bitcoind-miner,start doppler-bitcoind-miner" {
		t.Errorf("Unexpected lifecycle calls %s", got)
	}

	alias := n.ShellAlias()
	if alias.Name != "miner" || alias.User != User || alias.Command[0] != "bitcoin-cli" {
		t.Errorf("Unexpected alias %+v", alias)
	}
}
