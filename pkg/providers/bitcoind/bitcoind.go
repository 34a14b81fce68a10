// Package bitcoind drives Bitcoin Core regtest daemons through bitcoin-cli
// inside their containers, and writes their bitcoin.conf.
package bitcoind

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/control"
	"github.com/doppler-ln/doppler/pkg/providers/nodeconf"
	"github.com/doppler-ln/doppler/pkg/script"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

const (
	// DefaultImage is used when a script names no image.
	DefaultImage = "polarlightning/bitcoind:26.0"

	// HomeDir is the data directory inside the container.
	HomeDir = "/home/bitcoin/.bitcoin"

	// User runs bitcoin-cli so files keep the daemon's ownership.
	User = "1000:1000"

	DefaultRPCUser     = "admin"
	DefaultRPCPassword = "1234"

	confFile = "bitcoin.conf"
	network  = "regtest"
	vendor   = "bitcoind"
)

var transientSignatures = []string{
	"Loading block index",
	"Verifying blocks",
	"Loading wallet",
	"Rescanning",
	"is not running container",
}

// DefaultPolicy is the retry budget of every bitcoin-cli call.
var DefaultPolicy = engine.RetryPolicy{Attempts: 8, Delay: time.Second}

// Options configures the builder and reloader.
type Options struct {
	Logger *telemetry.Logger

	// Policy overrides DefaultPolicy when Attempts is set.
	Policy engine.RetryPolicy
}

func (o Options) policy() engine.RetryPolicy {
	if o.Policy.Attempts > 0 {
		return o.Policy
	}
	return DefaultPolicy
}

func (o Options) logger() *telemetry.Logger {
	if o.Logger == nil {
		return telemetry.Nop()
	}
	return o.Logger
}

// Node is one bitcoind container.
type Node struct {
	name      string
	container string
	ip        string
	dataDir   string

	rpcUser     string
	rpcPassword string
	rpcPort     string
	p2pPort     string
	zmqBlock    string
	zmqTx       string

	miner *script.Interval

	exec engine.Executor
	cli  *control.Caller
	log  *telemetry.Logger
}

var _ engine.L1Node = (*Node)(nil)

// Config holds what a Node is created from.
type Config struct {
	Name        string
	Container   string
	IP          string
	DataDir     string
	RPCUser     string
	RPCPassword string
	RPCPort     string
	P2PPort     string
	ZMQBlock    string
	ZMQTx       string
	Miner       *script.Interval
}

// NewNode creates a node that runs its commands through exec.
func NewNode(cfg Config, exec engine.Executor, metrics *telemetry.Metrics, opts Options) *Node {
	log := opts.logger().NewComponentLogger(vendor).WithNode(cfg.Name)
	return &Node{
		name:        cfg.Name,
		container:   cfg.Container,
		ip:          cfg.IP,
		dataDir:     cfg.DataDir,
		rpcUser:     cfg.RPCUser,
		rpcPassword: cfg.RPCPassword,
		rpcPort:     cfg.RPCPort,
		p2pPort:     cfg.P2PPort,
		zmqBlock:    cfg.ZMQBlock,
		zmqTx:       cfg.ZMQTx,
		miner:       cfg.Miner,
		exec:        exec,
		log:         log,
		cli: &control.Caller{
			Exec:      exec,
			Container: cfg.Container,
			User:      User,
			Prefix:    []string{"bitcoin-cli", "--datadir=" + HomeDir},
			Vendor:    vendor,
			Policy:    opts.policy(),
			Classify:  control.Classifier("bitcoin-cli", transientSignatures...),
			Metrics:   metrics,
			Logger:    log,
		},
	}
}

func (n *Node) Name() string                    { return n.name }
func (n *Node) ContainerName() string           { return n.container }
func (n *Node) DataDir() string                 { return n.dataDir }
func (n *Node) IP() string                      { return n.ip }
func (n *Node) RPCUser() string                 { return n.rpcUser }
func (n *Node) RPCPassword() string             { return n.rpcPassword }
func (n *Node) RPCPort() string                 { return n.rpcPort }
func (n *Node) P2PPort() string                 { return n.p2pPort }
func (n *Node) ZMQBlockEndpoint() string        { return endpoint(n.ip, n.zmqBlock) }
func (n *Node) ZMQTxEndpoint() string           { return endpoint(n.ip, n.zmqTx) }
func (n *Node) MinerInterval() *script.Interval { return n.miner }

func endpoint(host, port string) string {
	return fmt.Sprintf("tcp://%s:%s", host, port)
}

func (n *Node) Start(ctx context.Context) error {
	return n.exec.StartService(ctx, n.container)
}

func (n *Node) Stop(ctx context.Context) error {
	return n.exec.StopService(ctx, n.container)
}

// wallet is named after the container.
func (n *Node) wallet() string {
	return n.container
}

func (n *Node) CreateWallet(ctx context.Context) error {
	result, err := n.cli.RunWith(ctx, control.Accepting(n.cli.Classify, "already exists"), "createwallet", n.wallet())
	if err != nil {
		return err
	}
	if result.Success {
		n.log.Debugf("created wallet %s", n.wallet())
		return nil
	}
	_, err = n.cli.RunWith(ctx, control.Accepting(n.cli.Classify, "already loaded"), "loadwallet", n.wallet())
	return err
}

func (n *Node) CreateAddress(ctx context.Context) (string, error) {
	result, err := n.cli.Run(ctx, "-rpcwallet="+n.wallet(), "getnewaddress")
	if err != nil {
		return "", err
	}
	address := control.Text(result)
	if address == "" {
		n.log.Error("no address found")
	}
	return address, nil
}

func (n *Node) MineBlocks(ctx context.Context, count int64) error {
	address, err := n.CreateAddress(ctx)
	if err != nil {
		return err
	}
	if address == "" {
		return engine.NewPermanentError("no address to mine to", nil).WithResource(n.name)
	}
	return n.MineToAddress(ctx, count, address)
}

func (n *Node) MineToAddress(ctx context.Context, count int64, address string) error {
	_, err := n.cli.Run(ctx, "generatetoaddress", strconv.FormatInt(count, 10), address)
	if err != nil {
		return err
	}
	n.log.Debugf("mined %d blocks to %s", count, address)
	return nil
}

func (n *Node) SendToAddress(ctx context.Context, address string, amount int64) (string, error) {
	result, err := n.cli.Run(ctx, "-rpcwallet="+n.wallet(), "sendtoaddress", address, control.SatsToBTC(amount))
	if err != nil {
		return "", err
	}
	txid := control.Text(result)
	if txid == "" {
		n.log.Error("no txid found")
	}
	return txid, nil
}

func (n *Node) AddNode(ctx context.Context, peer engine.L1Node) error {
	_, err := n.cli.Run(ctx, "addnode", peer.IP()+":"+peer.P2PPort(), "add")
	return err
}

func (n *Node) ShellAlias() compose.Alias {
	return compose.Alias{
		Name:      n.name,
		Container: n.container,
		User:      User,
		Command:   []string{"bitcoin-cli"},
	}
}

// Build allocates the node's address and ports, writes its bitcoin.conf
// and returns its service.
func Build(opts Options) engine.Builder {
	return func(ctx context.Context, bc *engine.BuildContext) (*engine.Built, error) {
		spec := bc.Spec
		cfg := Config{
			Name:        spec.Name,
			Container:   engine.ContainerName(bc.Settings.NetworkName, spec.Kind, spec.Name),
			IP:          bc.Allocator.AllocateIPv4(),
			DataDir:     filepath.Join(nodeconf.NodeDir(bc.Settings.DataDir, spec.Name), ".bitcoin"),
			RPCUser:     DefaultRPCUser,
			RPCPassword: DefaultRPCPassword,
			P2PPort:     strconv.Itoa(bc.Allocator.AllocatePort()),
			RPCPort:     strconv.Itoa(bc.Allocator.AllocatePort()),
			ZMQBlock:    strconv.Itoa(bc.Allocator.AllocatePort()),
			ZMQTx:       strconv.Itoa(bc.Allocator.AllocatePort()),
			Miner:       spec.Miner,
		}

		if err := writeConf(cfg); err != nil {
			return nil, err
		}

		image := spec.Image
		if image == "" {
			image = DefaultImage
		}
		svc := &compose.Service{
			Image:         image,
			ContainerName: cfg.Container,
			Hostname:      cfg.Container,
			Ports: []string{
				cfg.P2PPort + ":" + cfg.P2PPort,
				cfg.RPCPort + ":" + cfg.RPCPort,
			},
			Volumes: []string{nodeconf.Volume(bc.Settings.ComposePath, cfg.DataDir, HomeDir)},
			Networks: map[string]*compose.ServiceNetwork{
				bc.Settings.NetworkName: {IPv4Address: cfg.IP},
			},
		}

		node := NewNode(cfg, bc.Executor, bc.Metrics, opts)
		node.log.Debugf("built %s at %s", cfg.Container, cfg.IP)
		return &engine.Built{L1: node, Service: svc}, nil
	}
}

func writeConf(cfg Config) error {
	conf := nodeconf.New()
	conf.SetAll(nodeconf.Global, map[string]string{
		"regtest":     "1",
		"server":      "1",
		"txindex":     "1",
		"dnsseed":     "0",
		"upnp":        "0",
		"fallbackfee": "0.0002",
	})
	conf.SetAll(network, map[string]string{
		"bind":           cfg.IP,
		"port":           cfg.P2PPort,
		"rpcport":        cfg.RPCPort,
		"rpcbind":        "0.0.0.0",
		"rpcallowip":     "0.0.0.0/0",
		"rpcuser":        cfg.RPCUser,
		"rpcpassword":    cfg.RPCPassword,
		"zmqpubrawblock": endpoint(cfg.IP, cfg.ZMQBlock),
		"zmqpubrawtx":    endpoint(cfg.IP, cfg.ZMQTx),
	})
	path := filepath.Join(cfg.DataDir, confFile)
	if err := conf.Save(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Reload rebuilds a node from its service and the bitcoin.conf it was
// started with. Reloaded nodes have no mining interval.
func Reload(opts Options) engine.Reloader {
	return func(ctx context.Context, rc *engine.ReloadContext) (*engine.Built, error) {
		dataDir := filepath.Join(nodeconf.NodeDir(rc.Settings.DataDir, rc.Name), ".bitcoin")
		path := filepath.Join(dataDir, confFile)
		conf, err := nodeconf.Load(path)
		if err != nil {
			return nil, engine.NewDependencyError(fmt.Sprintf("failed to read %s: %v", path, err))
		}
		if !conf.Has(network) {
			return nil, engine.NewDependencyError(fmt.Sprintf("%s has no [%s] section", path, network))
		}

		ip := rc.Service.IPv4()
		if ip == "" {
			ip = conf.Get(network, "bind")
		}
		cfg := Config{
			Name:        rc.Name,
			Container:   rc.Service.ContainerName,
			IP:          ip,
			DataDir:     dataDir,
			RPCUser:     conf.Get(network, "rpcuser"),
			RPCPassword: conf.Get(network, "rpcpassword"),
			RPCPort:     conf.Get(network, "rpcport"),
			P2PPort:     conf.Get(network, "port"),
			ZMQBlock:    portOf(conf.Get(network, "zmqpubrawblock")),
			ZMQTx:       portOf(conf.Get(network, "zmqpubrawtx")),
		}
		return &engine.Built{L1: NewNode(cfg, rc.Executor, rc.Metrics, opts), Service: rc.Service}, nil
	}
}

// portOf returns what follows the last colon of an endpoint.
func portOf(endpoint string) string {
	if i := strings.LastIndex(endpoint, ":"); i >= 0 {
		return endpoint[i+1:]
	}
	return endpoint
}
