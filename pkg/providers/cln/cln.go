// Package cln drives Core Lightning payment nodes through lightning-cli.
package cln

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/control"
	"github.com/doppler-ln/doppler/pkg/providers/nodeconf"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports"
)

const (
	DefaultImage = "polarlightning/clightning:23.08"

	// HomeDir is the lightning directory inside the container.
	HomeDir = "/home/clightning"

	GRPCPort = "10000"
	P2PPort  = "9735"

	network = "regtest"
	vendor  = "cln"

	syncWarning = "warning_lightningd_sync"
)

var transientSignatures = []string{
	"is not running container",
	"Still loading latest blocks from bitcoind",
}

// DefaultPolicy is the retry budget of every lightning-cli call.
var DefaultPolicy = engine.RetryPolicy{Attempts: 4, Delay: 4 * time.Second}

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

// Config holds what a Node is created from.
type Config struct {
	Name            string
	Container       string
	IP              string
	DataDir         string
	Pair            string
	GRPCPort        string
	StartingBalance int64
}

// Node is one Core Lightning container.
type Node struct {
	cfg  Config
	exec engine.Executor
	cli  *control.Caller
	log  *telemetry.Logger

	mu     sync.Mutex
	pubkey string
}

var _ engine.L2Node = (*Node)(nil)

// NewNode creates a node that runs lightning-cli through exec.
func NewNode(cfg Config, exec engine.Executor, metrics *telemetry.Metrics, opts Options) *Node {
	log := opts.logger().NewComponentLogger(vendor).WithNode(cfg.Name)
	return &Node{
		cfg:  cfg,
		exec: exec,
		log:  log,
		cli: &control.Caller{
			Exec:      exec,
			Container: cfg.Container,
			Prefix:    []string{"lightning-cli", "--lightning-dir=" + HomeDir, "--network=" + network},
			Vendor:    vendor,
			Policy:    opts.policy(),
			Classify:  control.Classifier("lightning-cli", transientSignatures...),
			Metrics:   metrics,
			Logger:    log,
		},
	}
}

func (n *Node) Name() string           { return n.cfg.Name }
func (n *Node) Alias() string          { return n.cfg.Name }
func (n *Node) ContainerName() string  { return n.cfg.Container }
func (n *Node) ServerURL() string      { return "localhost:" + n.cfg.GRPCPort }
func (n *Node) P2PPort() string        { return P2PPort }
func (n *Node) IP() string             { return n.cfg.IP }
func (n *Node) Pair() string           { return n.cfg.Pair }
func (n *Node) StartingBalance() int64 { return n.cfg.StartingBalance }

func (n *Node) CachedPubkey() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pubkey
}

// classifyGetinfo also retries a successful getinfo that reports the
// node is still syncing.
func (n *Node) classifyGetinfo(result *transports.Result) error {
	if result != nil && result.Success && result.Contains(syncWarning) {
		return engine.NewTransientError("lightningd is still syncing", nil)
	}
	return n.cli.Classify(result)
}

func (n *Node) Pubkey(ctx context.Context) (string, error) {
	if pk := n.CachedPubkey(); pk != "" {
		return pk, nil
	}
	result, err := n.cli.RunWith(ctx, n.classifyGetinfo, "getinfo")
	if err != nil {
		return "", err
	}
	pk := control.Field(n.log, result, "id")
	if pk == "" {
		return "", engine.NewPermanentError("no node id", nil).WithResource(n.cfg.Name)
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
	_, err = n.cli.Run(ctx, "connect", pk, peer.IP(), peer.P2PPort())
	return err
}

func (n *Node) OpenChannel(ctx context.Context, peer engine.L2Node, amount int64) (string, error) {
	pk, err := peer.Pubkey(ctx)
	if err != nil {
		return "", err
	}
	result, err := n.cli.Run(ctx, "fundchannel", pk, strconv.FormatInt(amount, 10), "slow")
	if err != nil {
		return "", err
	}
	id := control.Field(n.log, result, "channel_id")
	if id == "" {
		return "", engine.NewPermanentError("no channel id", nil).WithResource(n.cfg.Name)
	}
	return id, nil
}

// CloseChannel closes by channel id or short channel id. A forced close
// gives the peer one second before closing unilaterally.
func (n *Node) CloseChannel(ctx context.Context, peer engine.L2Node, channel string, force bool) error {
	if channel == "" {
		if peer == nil {
			return engine.NewPermanentError("no channel or peer to close", nil).WithResource(n.cfg.Name)
		}
		found, err := n.channelWith(ctx, peer)
		if err != nil {
			return err
		}
		channel = found
	}
	args := []string{"close", channel}
	if force {
		args = append(args, "1")
	}
	if _, err := n.cli.Run(ctx, args...); err != nil {
		return err
	}
	n.log.Infof("closing channel %s", channel)
	return nil
}

func (n *Node) channelWith(ctx context.Context, peer engine.L2Node) (string, error) {
	pk, err := peer.Pubkey(ctx)
	if err != nil {
		return "", err
	}
	result, err := n.cli.Run(ctx, "listpeerchannels", pk)
	if err != nil {
		return "", err
	}
	var list struct {
		Channels []struct {
			ShortChannelID string `json:"short_channel_id"`
			ChannelID      string `json:"channel_id"`
		} `json:"channels"`
	}
	if err := control.Decode(result, &list); err != nil {
		return "", engine.NewPermanentError("failed to read channels", err)
	}
	for _, c := range list.Channels {
		if c.ShortChannelID != "" {
			return c.ShortChannelID, nil
		}
		if c.ChannelID != "" {
			return c.ChannelID, nil
		}
	}
	return "", engine.NewLookupError("channel", fmt.Sprintf("%s->%s", n.cfg.Name, peer.Name()))
}

// CreateInvoice labels each invoice with a fresh uuid.
func (n *Node) CreateInvoice(ctx context.Context, amount int64, memo string) (string, error) {
	result, err := n.cli.Run(ctx, "invoice", strconv.FormatInt(amount*1000, 10), uuid.New().String(), memo)
	if err != nil {
		return "", err
	}
	return control.Field(n.log, result, "bolt11"), nil
}

func (n *Node) PayInvoice(ctx context.Context, invoice string, timeout time.Duration) error {
	args := []string{"-k", "pay", "bolt11=" + invoice}
	if timeout > 0 {
		args = append(args, fmt.Sprintf("retry_for=%d", int64(timeout.Seconds())))
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+30*time.Second)
		defer cancel()
	}
	_, err := n.cli.Run(ctx, args...)
	return err
}

func (n *Node) Keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error {
	args := []string{"-k", "keysend", "destination=" + pubkey, "amount_msat=" + strconv.FormatInt(amount*1000, 10)}
	if timeout > 0 {
		args = append(args, fmt.Sprintf("retry_for=%d", int64(timeout.Seconds())))
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+30*time.Second)
		defer cancel()
	}
	_, err := n.cli.Run(ctx, args...)
	return err
}

func (n *Node) CreateAddress(ctx context.Context) (string, error) {
	result, err := n.cli.Run(ctx, "newaddr", "bech32")
	if err != nil {
		return "", err
	}
	return control.Field(n.log, result, "bech32"), nil
}

func (n *Node) SendOnChain(ctx context.Context, address string, amount int64) (string, error) {
	result, err := n.cli.Run(ctx, "withdraw", address, strconv.FormatInt(amount, 10))
	if err != nil {
		return "", err
	}
	return control.Field(n.log, result, "txid"), nil
}

func (n *Node) PaymentHashAndPreimage(ctx context.Context, amount int64) (string, string, error) {
	return "", "", engine.NewUnsupportedError(vendor, "payment preimage")
}

func (n *Node) CreateHoldInvoice(ctx context.Context, hash string, amount int64) (string, error) {
	return "", engine.NewUnsupportedError(vendor, "hold invoice")
}

func (n *Node) SettleHoldInvoice(ctx context.Context, preimage string) error {
	return engine.NewUnsupportedError(vendor, "settle hold invoice")
}

func (n *Node) ShellAlias() compose.Alias {
	return compose.Alias{
		Name:      n.cfg.Name,
		Container: n.cfg.Container,
		Command:   n.cli.Prefix,
	}
}

// Build allocates the node's address and ports, writes its config against
// the paired bitcoind and returns its service.
func Build(opts Options) engine.Builder {
	return func(ctx context.Context, bc *engine.BuildContext) (*engine.Built, error) {
		spec := bc.Spec
		if spec.Pair == nil {
			return nil, engine.NewDependencyError(fmt.Sprintf("cln node %s has no bitcoind to run against", spec.Name))
		}
		cfg := Config{
			Name:            spec.Name,
			Container:       engine.ContainerName(bc.Settings.NetworkName, spec.Kind, spec.Name),
			IP:              bc.Allocator.AllocateIPv4(),
			DataDir:         nodeconf.NodeDir(bc.Settings.DataDir, spec.Name),
			Pair:            spec.Pair.Name(),
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
			Command:       []string{"--network=" + network, "--lightning-dir=" + HomeDir, "--developer"},
			Ports: []string{
				p2p + ":" + P2PPort,
				cfg.GRPCPort + ":" + GRPCPort,
			},
			Volumes:   []string{nodeconf.Volume(bc.Settings.ComposePath, cfg.DataDir, HomeDir)},
			DependsOn: []string{spec.Pair.ContainerName()},
			Networks: map[string]*compose.ServiceNetwork{
				bc.Settings.NetworkName: {IPv4Address: cfg.IP},
			},
		}

		node := NewNode(cfg, bc.Executor, bc.Metrics, opts)
		node.log.Infof("connect to %s via grpc using %s", cfg.Container, node.ServerURL())
		return &engine.Built{L2: node, Service: svc}, nil
	}
}

func writeConf(cfg Config, pair engine.L1Node) error {
	conf := nodeconf.New()
	conf.SetAll(nodeconf.Global, map[string]string{
		"bitcoin-rpcconnect":  pair.IP(),
		"bitcoin-rpcport":     pair.RPCPort(),
		"bitcoin-rpcuser":     pair.RPCUser(),
		"bitcoin-rpcpassword": pair.RPCPassword(),
		"alias":               cfg.Name,
		"bind-addr":           "0.0.0.0:" + P2PPort,
		"announce-addr":       cfg.IP + ":" + P2PPort,
		"grpc-port":           GRPCPort,
	})
	path := filepath.Join(cfg.DataDir, "config")
	if err := conf.Save(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	// Created up front so the chain directory is owned by the host user.
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, network), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", network, err)
	}
	return nil
}

// Reload rebuilds a node from its service.
func Reload(opts Options) engine.Reloader {
	return func(ctx context.Context, rc *engine.ReloadContext) (*engine.Built, error) {
		if rc.Pair == nil {
			return nil, engine.NewDependencyError(fmt.Sprintf("no bitcoind node found for %s", rc.Service.ContainerName))
		}
		grpcPort, _ := rc.Service.PublishedPort(GRPCPort)
		cfg := Config{
			Name:      rc.Name,
			Container: rc.Service.ContainerName,
			IP:        rc.Service.IPv4(),
			DataDir:   nodeconf.NodeDir(rc.Settings.DataDir, rc.Name),
			Pair:      rc.Pair.Name(),
			GRPCPort:  grpcPort,
		}
		return &engine.Built{L2: NewNode(cfg, rc.Executor, rc.Metrics, opts), Service: rc.Service}, nil
	}
}
