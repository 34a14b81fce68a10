// Package eclair drives Eclair payment nodes through eclair-cli.
package eclair

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/control"
	"github.com/doppler-ln/doppler/pkg/providers/nodeconf"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports"
)

const (
	DefaultImage = "polarlightning/eclair:0.9.0"

	HomeDir = "/home/eclair"
	User    = "1000:1000"

	// APIPassword guards the eclair HTTP API eclair-cli talks to.
	APIPassword = "test1234"

	APIPort = "8080"
	P2PPort = "9735"

	confFile = "eclair.conf"
	vendor   = "eclair"

	notRunning = "is not running container"
)

var transientSignatures = []string{
	notRunning,
	"Failed to connect to localhost port 8080: Connection refused",
}

// DefaultPolicy is the retry budget of every eclair-cli call.
var DefaultPolicy = engine.RetryPolicy{Attempts: 3, Delay: 4 * time.Second}

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
	APIPort         string
	StartingBalance int64
}

// Node is one Eclair container.
type Node struct {
	cfg  Config
	exec engine.Executor
	cli  *control.Caller
	log  *telemetry.Logger

	mu     sync.Mutex
	pubkey string
}

var _ engine.L2Node = (*Node)(nil)

// NewNode creates a node that runs eclair-cli through exec. A call that
// finds the container stopped restarts it before retrying.
func NewNode(cfg Config, exec engine.Executor, metrics *telemetry.Metrics, opts Options) *Node {
	log := opts.logger().NewComponentLogger(vendor).WithNode(cfg.Name)
	n := &Node{cfg: cfg, exec: exec, log: log}
	n.cli = &control.Caller{
		Exec:      exec,
		Container: cfg.Container,
		User:      User,
		Prefix:    []string{"eclair-cli", "-p", APIPassword},
		Vendor:    vendor,
		Policy:    opts.policy(),
		Classify:  control.Classifier("eclair-cli", transientSignatures...),
		Metrics:   metrics,
		Logger:    log,
		BeforeRetry: func(ctx context.Context, result *transports.Result) {
			if result == nil || !result.Contains(notRunning) {
				return
			}
			log.Debug("restarting service before retrying")
			if err := exec.RestartService(ctx, cfg.Container); err != nil {
				log.WithError(err).Warn("failed to restart service")
			}
		},
	}
	return n
}

func (n *Node) Name() string           { return n.cfg.Name }
func (n *Node) Alias() string          { return n.cfg.Name }
func (n *Node) ContainerName() string  { return n.cfg.Container }
func (n *Node) ServerURL() string      { return "http://localhost:" + n.cfg.APIPort }
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
	result, err := n.cli.Run(ctx, "getinfo")
	if err != nil {
		return "", err
	}
	pk := control.Field(n.log, result, "nodeId")
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
	_, err = n.cli.RunWith(ctx, control.Accepting(n.cli.Classify, "already connected"),
		fmt.Sprintf("connect --uri=%s@%s:%s", pk, peer.IP(), peer.P2PPort()))
	return err
}

// OpenChannel returns the temporary channel id eclair reports, e.g. from
// "created channel <id> with fundingTxId=...".
func (n *Node) OpenChannel(ctx context.Context, peer engine.L2Node, amount int64) (string, error) {
	pk, err := peer.Pubkey(ctx)
	if err != nil {
		return "", err
	}
	result, err := n.cli.Run(ctx, "open", "--nodeId="+pk, "--fundingSatoshis="+strconv.FormatInt(amount, 10))
	if err != nil {
		return "", err
	}
	out := control.Text(result)
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "channel" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	if out == "" {
		return "", engine.NewPermanentError("no channel id", nil).WithResource(n.cfg.Name)
	}
	return out, nil
}

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
	command := "close"
	if force {
		command = "forceclose"
	}
	if _, err := n.cli.Run(ctx, command, "--channelId="+channel); err != nil {
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
	result, err := n.cli.Run(ctx, "channels", "--nodeId="+pk)
	if err != nil {
		return "", err
	}
	var channels []struct {
		ChannelID string `json:"channelId"`
	}
	if err := control.Decode(result, &channels); err != nil {
		return "", engine.NewPermanentError("failed to read channels", err)
	}
	for _, c := range channels {
		if c.ChannelID != "" {
			return c.ChannelID, nil
		}
	}
	return "", engine.NewLookupError("channel", fmt.Sprintf("%s->%s", n.cfg.Name, peer.Name()))
}

func (n *Node) CreateInvoice(ctx context.Context, amount int64, memo string) (string, error) {
	result, err := n.cli.Run(ctx, "createinvoice", "--description="+memo, "--amountMsat="+strconv.FormatInt(amount*1000, 10))
	if err != nil {
		return "", err
	}
	return control.Field(n.log, result, "serialized"), nil
}

// blockingPay runs a payment command that waits for the outcome, bounded
// by timeout.
func (n *Node) blockingPay(ctx context.Context, timeout time.Duration, args ...string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := n.cli.Run(ctx, args...)
	if err != nil {
		return err
	}
	if result.Contains("payment-failed") {
		return engine.NewPermanentError("payment failed", engine.ResultError(args[0], result))
	}
	return nil
}

func (n *Node) PayInvoice(ctx context.Context, invoice string, timeout time.Duration) error {
	return n.blockingPay(ctx, timeout, "payinvoice", "--invoice="+invoice, "--blocking=true")
}

func (n *Node) Keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error {
	return n.blockingPay(ctx, timeout, "sendtonode", "--nodeId="+pubkey, "--amountMsat="+strconv.FormatInt(amount*1000, 10))
}

func (n *Node) CreateAddress(ctx context.Context) (string, error) {
	result, err := n.cli.Run(ctx, "getnewaddress")
	if err != nil {
		return "", err
	}
	address := control.Text(result)
	if address == "" {
		n.log.Error("no address found")
	}
	return address, nil
}

func (n *Node) SendOnChain(ctx context.Context, address string, amount int64) (string, error) {
	result, err := n.cli.Run(ctx, "sendonchain", "--address="+address, "--amountSatoshis="+strconv.FormatInt(amount, 10), "--confirmationTarget=1")
	if err != nil {
		return "", err
	}
	txid := control.Text(result)
	if txid == "" {
		n.log.Error("no txid found")
	}
	return txid, nil
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
		User:      User,
		Command:   n.cli.Prefix,
	}
}

// Build allocates the node's address and ports, writes its eclair.conf
// against the paired bitcoind and returns its service.
func Build(opts Options) engine.Builder {
	return func(ctx context.Context, bc *engine.BuildContext) (*engine.Built, error) {
		spec := bc.Spec
		if spec.Pair == nil {
			return nil, engine.NewDependencyError(fmt.Sprintf("eclair node %s has no bitcoind to run against", spec.Name))
		}
		cfg := Config{
			Name:            spec.Name,
			Container:       engine.ContainerName(bc.Settings.NetworkName, spec.Kind, spec.Name),
			IP:              bc.Allocator.AllocateIPv4(),
			DataDir:         nodeconf.NodeDir(bc.Settings.DataDir, spec.Name),
			Pair:            spec.Pair.Name(),
			APIPort:         strconv.Itoa(bc.Allocator.AllocatePort()),
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
				cfg.APIPort + ":" + APIPort,
			},
			Volumes:   []string{nodeconf.Volume(bc.Settings.ComposePath, cfg.DataDir, HomeDir)},
			DependsOn: []string{spec.Pair.ContainerName()},
			Networks: map[string]*compose.ServiceNetwork{
				bc.Settings.NetworkName: {IPv4Address: cfg.IP},
			},
		}

		node := NewNode(cfg, bc.Executor, bc.Metrics, opts)
		node.log.Infof("connect to %s via rest using %s", cfg.Container, node.ServerURL())
		return &engine.Built{L2: node, Service: svc}, nil
	}
}

func quote(s string) string {
	return strconv.Quote(s)
}

func writeConf(cfg Config, pair engine.L1Node) error {
	conf := nodeconf.New()
	conf.SetAll(nodeconf.Global, map[string]string{
		"eclair.chain":                "regtest",
		"eclair.node-alias":           quote(cfg.Name),
		"eclair.server.port":          P2PPort,
		"eclair.api.enabled":          "true",
		"eclair.api.binding-ip":       quote("0.0.0.0"),
		"eclair.api.port":             APIPort,
		"eclair.api.password":         quote(APIPassword),
		"eclair.bitcoind.host":        quote(pair.IP()),
		"eclair.bitcoind.rpcport":     pair.RPCPort(),
		"eclair.bitcoind.auth":        quote("password"),
		"eclair.bitcoind.rpcuser":     quote(pair.RPCUser()),
		"eclair.bitcoind.rpcpassword": quote(pair.RPCPassword()),
		"eclair.bitcoind.zmqblock":    quote(pair.ZMQBlockEndpoint()),
		"eclair.bitcoind.zmqtx":       quote(pair.ZMQTxEndpoint()),
	})
	path := filepath.Join(cfg.DataDir, confFile)
	if err := conf.Save(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Reload rebuilds a node from its service.
func Reload(opts Options) engine.Reloader {
	return func(ctx context.Context, rc *engine.ReloadContext) (*engine.Built, error) {
		if rc.Pair == nil {
			return nil, engine.NewDependencyError(fmt.Sprintf("no bitcoind node found for %s", rc.Service.ContainerName))
		}
		apiPort, _ := rc.Service.PublishedPort(APIPort)
		cfg := Config{
			Name:      rc.Name,
			Container: rc.Service.ContainerName,
			IP:        rc.Service.IPv4(),
			DataDir:   nodeconf.NodeDir(rc.Settings.DataDir, rc.Name),
			Pair:      rc.Pair.Name(),
			APIPort:   apiPort,
		}
		return &engine.Built{L2: NewNode(cfg, rc.Executor, rc.Metrics, opts), Service: rc.Service}, nil
	}
}
