package engine

import (
	"context"
	"time"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/script"
	"github.com/doppler-ln/doppler/pkg/stores"
	"github.com/doppler-ln/doppler/pkg/transports"
)

// Executor is what a node needs from the running cluster: command execution
// inside its container and lifecycle control of its service. Every call
// fails with ErrClusterNotStarted until the cluster is up or reloaded.
type Executor interface {
	// Exec runs argv inside container as user (empty for the image default).
	Exec(ctx context.Context, container, user string, argv []string) (*transports.Result, error)

	// StartService starts a stopped service.
	StartService(ctx context.Context, service string) error

	// StopService stops a service.
	StopService(ctx context.Context, service string) error

	// RestartService restarts a service.
	RestartService(ctx context.Context, service string) error
}

// L1Node is a base-layer chain daemon. All variants are driven through
// their CLI inside the container.
type L1Node interface {
	Name() string
	ContainerName() string
	DataDir() string
	IP() string
	RPCUser() string
	RPCPassword() string
	RPCPort() string
	P2PPort() string

	// ZMQBlockEndpoint and ZMQTxEndpoint are the zmqpubraw* endpoints
	// payment nodes subscribe to, e.g. tcp://10.5.0.3:9092.
	ZMQBlockEndpoint() string
	ZMQTxEndpoint() string

	// MinerInterval is set for nodes that mine continuously.
	MinerInterval() *script.Interval

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// CreateWallet creates the default wallet, or loads it when it exists.
	CreateWallet(ctx context.Context) error

	CreateAddress(ctx context.Context) (string, error)

	// MineBlocks mines n blocks to a fresh address of its own wallet.
	MineBlocks(ctx context.Context, n int64) error

	MineToAddress(ctx context.Context, n int64, address string) error

	// SendToAddress pays amount sats and returns the txid.
	SendToAddress(ctx context.Context, address string, amount int64) (string, error)

	// AddNode connects this daemon to peer over P2P.
	AddNode(ctx context.Context, peer L1Node) error

	ShellAlias() compose.Alias
}

// L2Node is a payment node. Operations a vendor does not offer return an
// unsupported EngineError.
//
// Query methods that parse a field out of the vendor response return ""
// with a logged error when the field is missing. Channel point lookups are
// the exception and return an error.
type L2Node interface {
	Name() string
	Alias() string
	ContainerName() string
	ServerURL() string
	P2PPort() string
	IP() string

	// Pair is the name of the base-layer node this node runs against.
	Pair() string

	// StartingBalance is what FundFromMiner sends, in sats.
	StartingBalance() int64

	// CachedPubkey returns the pubkey if it has been resolved.
	CachedPubkey() string

	// Pubkey resolves the node pubkey with retry and caches it.
	Pubkey(ctx context.Context) (string, error)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	ConnectPeer(ctx context.Context, peer L2Node) error

	// OpenChannel opens a channel to peer and returns its channel point or
	// channel id.
	OpenChannel(ctx context.Context, peer L2Node, amount int64) (string, error)

	// CloseChannel closes channel, or the first channel with peer when
	// channel is empty.
	CloseChannel(ctx context.Context, peer L2Node, channel string, force bool) error

	CreateInvoice(ctx context.Context, amount int64, memo string) (string, error)
	PayInvoice(ctx context.Context, invoice string, timeout time.Duration) error

	CreateAddress(ctx context.Context) (string, error)

	// SendOnChain pays amount sats to address and returns the txid.
	SendOnChain(ctx context.Context, address string, amount int64) (string, error)

	// PaymentHashAndPreimage returns a fresh payment hash and its preimage.
	PaymentHashAndPreimage(ctx context.Context, amount int64) (hash string, preimage string, err error)

	CreateHoldInvoice(ctx context.Context, hash string, amount int64) (string, error)
	SettleHoldInvoice(ctx context.Context, preimage string) error

	Keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error

	ShellAlias() compose.Alias
}

// ContainerRuntime starts the cluster and runs commands in it.
// compose.Runtime implements it.
type ContainerRuntime interface {
	Up(ctx context.Context, manifestPath, dataDir string) error
	Down(ctx context.Context, manifestPath string) error
	Restart(ctx context.Context, manifestPath, service string) error
	Stop(ctx context.Context, manifestPath, service string) error
	Start(ctx context.Context, manifestPath, service string) error
	Exec(ctx context.Context, manifestPath, container, user string, argv []string) (*transports.Result, error)
	DockerCommand() string
}

// TagStore persists tagged values and action outcomes.
// stores.SQLiteStore implements it.
type TagStore interface {
	PutTag(ctx context.Context, tag *stores.Tag) error
	GetTag(ctx context.Context, name string) (*stores.Tag, error)
	RecordAction(ctx context.Context, record *stores.ActionRecord) error
}

// Clock abstracts time for the loop and miner workers.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d. It does not return early on shutdown.
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}
