// Package lnd drives LND payment nodes, either through lncli inside the
// container or through the REST API published on the host.
package lnd

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/nodeconf"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

const (
	DefaultImage = "polarlightning/lnd:0.17.0-beta"

	// HomeDir is the lnd directory inside the container.
	HomeDir = "/home/lnd/.lnd"

	User = "1000:1000"

	// Container side ports.
	RESTPort = "8080"
	GRPCPort = "10000"
	P2PPort  = "9735"

	confFile = "lnd.conf"
	vendor   = "lnd"
)

// ControlPlane selects how a node is driven.
type ControlPlane string

const (
	ControlPlaneCLI  ControlPlane = "cli"
	ControlPlaneREST ControlPlane = "rest"
)

// DefaultPolicy is the retry budget of every control plane call.
var DefaultPolicy = engine.RetryPolicy{Attempts: 3, Delay: 2 * time.Second}

// Options configures the builder and reloader.
type Options struct {
	Logger *telemetry.Logger

	// Policy overrides DefaultPolicy when Attempts is set.
	Policy engine.RetryPolicy

	ControlPlane ControlPlane

	// CredentialsTimeout bounds the wait for tls.cert and admin.macaroon
	// before the first REST call.
	CredentialsTimeout time.Duration

	// RESTHost is where published REST ports are reached, localhost by
	// default.
	RESTHost string
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

func (o Options) restHost() string {
	if o.RESTHost == "" {
		return "localhost"
	}
	return o.RESTHost
}

func (o Options) credentialsTimeout() time.Duration {
	if o.CredentialsTimeout <= 0 {
		return 2 * time.Minute
	}
	return o.CredentialsTimeout
}

// channel is an open channel as listed by the node.
type channel struct {
	RemotePubkey string `json:"remote_pubkey"`
	ChannelPoint string `json:"channel_point"`
}

// controlPlane is one way of talking to lnd. Hashes and preimages are hex
// on both sides.
type controlPlane interface {
	getInfo(ctx context.Context) (string, error)
	connect(ctx context.Context, pubkey, host string) error
	openChannel(ctx context.Context, pubkey string, amount int64) (string, error)
	listChannels(ctx context.Context) ([]channel, error)
	closeChannel(ctx context.Context, point string, force bool) error
	addInvoice(ctx context.Context, amount int64, memo string) (string, error)
	payInvoice(ctx context.Context, invoice string, timeout time.Duration) error
	newAddress(ctx context.Context) (string, error)
	sendCoins(ctx context.Context, address string, amount int64) (string, error)
	hashAndPreimage(ctx context.Context, amount int64) (string, string, error)
	addHoldInvoice(ctx context.Context, hash string, amount int64) (string, error)
	settleInvoice(ctx context.Context, preimage string) error
	keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error
}

// Config holds what a Node is created from.
type Config struct {
	Name            string
	Container       string
	IP              string
	DataDir         string
	Pair            string
	RESTPort        string
	GRPCPort        string
	StartingBalance int64
}

// CertPath is the TLS certificate lnd writes on first start.
func (c Config) CertPath() string {
	return filepath.Join(c.DataDir, "tls.cert")
}

// MacaroonPath is the admin macaroon of the regtest chain.
func (c Config) MacaroonPath() string {
	return filepath.Join(c.DataDir, "data", "chain", "bitcoin", "regtest", "admin.macaroon")
}

// Node is one lnd container.
type Node struct {
	cfg   Config
	exec  engine.Executor
	plane controlPlane
	log   *telemetry.Logger

	mu     sync.Mutex
	pubkey string
}

var _ engine.L2Node = (*Node)(nil)

// NewNode creates a node driven through the control plane opts selects.
func NewNode(cfg Config, exec engine.Executor, metrics *telemetry.Metrics, opts Options) *Node {
	log := opts.logger().NewComponentLogger(vendor).WithNode(cfg.Name)
	n := &Node{cfg: cfg, exec: exec, log: log}
	if opts.ControlPlane == ControlPlaneREST {
		n.plane = newRESTPlane(cfg, opts, metrics, log)
	} else {
		n.plane = newCLIPlane(cfg, exec, opts, metrics, log)
	}
	return n
}

func (n *Node) Name() string           { return n.cfg.Name }
func (n *Node) Alias() string          { return n.cfg.Name }
func (n *Node) ContainerName() string  { return n.cfg.Container }
func (n *Node) ServerURL() string      { return "https://localhost:" + n.cfg.RESTPort }
func (n *Node) P2PPort() string        { return P2PPort }
func (n *Node) IP() string             { return n.cfg.IP }
func (n *Node) Pair() string           { return n.cfg.Pair }
func (n *Node) StartingBalance() int64 { return n.cfg.StartingBalance }

func (n *Node) CachedPubkey() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pubkey
}

func (n *Node) Pubkey(ctx context.Context) (string, error) {
	if pk := n.CachedPubkey(); pk != "" {
		return pk, nil
	}
	pk, err := n.plane.getInfo(ctx)
	if err != nil {
		return "", err
	}
	if pk == "" {
		return "", engine.NewPermanentError("no identity pubkey", nil).WithResource(n.cfg.Name)
	}
	n.mu.Lock()
	n.pubkey = pk
	n.mu.Unlock()
	return pk, nil
}

func (n *Node) Start(ctx context.Context) error {
	return n.exec.StartService(ctx, n.cfg.Container)
}

func (n *Node) Stop(ctx context.Context) error {
	return n.exec.StopService(ctx, n.cfg.Container)
}

func (n *Node) ConnectPeer(ctx context.Context, peer engine.L2Node) error {
	pk, err := peer.Pubkey(ctx)
	if err != nil {
		return err
	}
	if err := n.plane.connect(ctx, pk, peer.IP()+":"+peer.P2PPort()); err != nil {
		return err
	}
	n.log.Debugf("connected to %s", peer.Name())
	return nil
}

func (n *Node) OpenChannel(ctx context.Context, peer engine.L2Node, amount int64) (string, error) {
	pk, err := peer.Pubkey(ctx)
	if err != nil {
		return "", err
	}
	return n.plane.openChannel(ctx, pk, amount)
}

func (n *Node) CloseChannel(ctx context.Context, peer engine.L2Node, point string, force bool) error {
	if point == "" {
		if peer == nil {
			return engine.NewPermanentError("no channel or peer to close", nil).WithResource(n.cfg.Name)
		}
		found, err := n.channelWith(ctx, peer)
		if err != nil {
			return err
		}
		point = found
	}
	if err := n.plane.closeChannel(ctx, point, force); err != nil {
		return err
	}
	n.log.Infof("closing channel %s", point)
	return nil
}

func (n *Node) channelWith(ctx context.Context, peer engine.L2Node) (string, error) {
	pk, err := peer.Pubkey(ctx)
	if err != nil {
		return "", err
	}
	channels, err := n.plane.listChannels(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range channels {
		if c.RemotePubkey == pk && c.ChannelPoint != "" {
			return c.ChannelPoint, nil
		}
	}
	return "", engine.NewLookupError("channel", fmt.Sprintf("%s->%s", n.cfg.Name, peer.Name()))
}

func (n *Node) CreateInvoice(ctx context.Context, amount int64, memo string) (string, error) {
	return n.plane.addInvoice(ctx, amount, memo)
}

func (n *Node) PayInvoice(ctx context.Context, invoice string, timeout time.Duration) error {
	return n.plane.payInvoice(ctx, invoice, timeout)
}

func (n *Node) CreateAddress(ctx context.Context) (string, error) {
	return n.plane.newAddress(ctx)
}

func (n *Node) SendOnChain(ctx context.Context, address string, amount int64) (string, error) {
	return n.plane.sendCoins(ctx, address, amount)
}

func (n *Node) PaymentHashAndPreimage(ctx context.Context, amount int64) (string, string, error) {
	return n.plane.hashAndPreimage(ctx, amount)
}

func (n *Node) CreateHoldInvoice(ctx context.Context, hash string, amount int64) (string, error) {
	return n.plane.addHoldInvoice(ctx, hash, amount)
}

func (n *Node) SettleHoldInvoice(ctx context.Context, preimage string) error {
	return n.plane.settleInvoice(ctx, preimage)
}

func (n *Node) Keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error {
	return n.plane.keysend(ctx, pubkey, amount, timeout)
}

func (n *Node) ShellAlias() compose.Alias {
	return compose.Alias{
		Name:      n.cfg.Name,
		Container: n.cfg.Container,
		User:      User,
		Command:   cliPrefix(),
	}
}

// Build allocates the node's address and ports, writes its lnd.conf
// against the paired bitcoind and returns its service.
func Build(opts Options) engine.Builder {
	return func(ctx context.Context, bc *engine.BuildContext) (*engine.Built, error) {
		spec := bc.Spec
		if spec.Pair == nil {
			return nil, engine.NewDependencyError(fmt.Sprintf("lnd node %s has no bitcoind to run against", spec.Name))
		}
		cfg := Config{
			Name:            spec.Name,
			Container:       engine.ContainerName(bc.Settings.NetworkName, spec.Kind, spec.Name),
			IP:              bc.Allocator.AllocateIPv4(),
			DataDir:         filepath.Join(nodeconf.NodeDir(bc.Settings.DataDir, spec.Name), ".lnd"),
			Pair:            spec.Pair.Name(),
			RESTPort:        strconv.Itoa(bc.Allocator.AllocatePort()),
			GRPCPort:        strconv.Itoa(bc.Allocator.AllocatePort()),
			StartingBalance: spec.StartingBalance,
		}
		p2p := strconv.Itoa(bc.Allocator.AllocatePort())

		if err := writeConf(cfg, spec.Pair); err != nil {
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
				p2p + ":" + P2PPort,
				cfg.GRPCPort + ":" + GRPCPort,
				cfg.RESTPort + ":" + RESTPort,
			},
			Volumes:   []string{nodeconf.Volume(bc.Settings.ComposePath, cfg.DataDir, HomeDir)},
			DependsOn: []string{spec.Pair.ContainerName()},
			Networks: map[string]*compose.ServiceNetwork{
				bc.Settings.NetworkName: {IPv4Address: cfg.IP},
			},
		}

		node := NewNode(cfg, bc.Executor, bc.Metrics, opts)
		node.log.Infof("connect to %s via rest using %s with admin.macaroon found at %s", cfg.Container, node.ServerURL(), cfg.MacaroonPath())
		return &engine.Built{L2: node, Service: svc}, nil
	}
}

func writeConf(cfg Config, pair engine.L1Node) error {
	conf := nodeconf.New()
	conf.SetAll("Application Options", map[string]string{
		"alias":          cfg.Name,
		"tlsextradomain": cfg.Container,
		"tlsextraip":     cfg.IP,
		"restlisten":     "0.0.0.0:" + RESTPort,
		"rpclisten":      "0.0.0.0:" + GRPCPort,
		"listen":         "0.0.0.0:" + P2PPort,
		"noseedbackup":   "true",
		"accept-keysend": "true",
		"debuglevel":     "info",
	})
	conf.SetAll("Bitcoin", map[string]string{
		"bitcoin.active":  "true",
		"bitcoin.regtest": "true",
		"bitcoin.node":    "bitcoind",
	})
	conf.SetAll("Bitcoind", map[string]string{
		"bitcoind.rpchost":        pair.IP() + ":" + pair.RPCPort(),
		"bitcoind.rpcuser":        pair.RPCUser(),
		"bitcoind.rpcpass":        pair.RPCPassword(),
		"bitcoind.zmqpubrawblock": pair.ZMQBlockEndpoint(),
		"bitcoind.zmqpubrawtx":    pair.ZMQTxEndpoint(),
	})
	path := filepath.Join(cfg.DataDir, confFile)
	if err := conf.Save(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Reload rebuilds a node from its service. The REST port is recovered from
// the published mapping of the container's REST port.
func Reload(opts Options) engine.Reloader {
	return func(ctx context.Context, rc *engine.ReloadContext) (*engine.Built, error) {
		if rc.Pair == nil {
			return nil, engine.NewDependencyError(fmt.Sprintf("no bitcoind node found for %s", rc.Service.ContainerName))
		}
		restPort, ok := rc.Service.PublishedPort(RESTPort)
		if !ok && opts.ControlPlane == ControlPlaneREST {
			return nil, engine.NewDependencyError(fmt.Sprintf("%s publishes no rest port", rc.Service.ContainerName))
		}
		grpcPort, _ := rc.Service.PublishedPort(GRPCPort)

		cfg := Config{
			Name:      rc.Name,
			Container: rc.Service.ContainerName,
			IP:        rc.Service.IPv4(),
			DataDir:   filepath.Join(nodeconf.NodeDir(rc.Settings.DataDir, rc.Name), ".lnd"),
			Pair:      rc.Pair.Name(),
			RESTPort:  restPort,
			GRPCPort:  grpcPort,
		}
		return &engine.Built{L2: NewNode(cfg, rc.Executor, rc.Metrics, opts), Service: rc.Service}, nil
	}
}
