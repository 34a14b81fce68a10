// Package providers binds the vendor packages to the engine registry.
package providers

import (
	"time"

	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/bitcoind"
	"github.com/doppler-ln/doppler/pkg/providers/cln"
	"github.com/doppler-ln/doppler/pkg/providers/eclair"
	"github.com/doppler-ln/doppler/pkg/providers/lnd"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// Options configures every vendor registered by Register.
type Options struct {
	Logger *telemetry.Logger

	// LndControlPlane selects how LND nodes are driven, lnd.ControlPlaneCLI
	// when empty.
	LndControlPlane lnd.ControlPlane

	// CredentialsTimeout bounds the wait for LND REST credentials.
	CredentialsTimeout time.Duration

	// RESTHost is where published LND REST ports are reached.
	RESTHost string
}

// Register adds the builders and reloaders of every supported vendor to
// registry. Miners share the bitcoind builder; they are reloaded as plain
// bitcoind nodes.
func Register(registry *engine.Registry, opts Options) {
	btc := bitcoind.Options{Logger: opts.Logger}
	registry.Register(engine.NodeKindBitcoind, bitcoind.Build(btc), bitcoind.Reload(btc))
	registry.Register(engine.NodeKindBitcoindMiner, bitcoind.Build(btc), nil)

	l := lnd.Options{
		Logger:             opts.Logger,
		ControlPlane:       opts.LndControlPlane,
		CredentialsTimeout: opts.CredentialsTimeout,
		RESTHost:           opts.RESTHost,
	}
	registry.Register(engine.NodeKindLnd, lnd.Build(l), lnd.Reload(l))

	c := cln.Options{Logger: opts.Logger}
	registry.Register(engine.NodeKindCln, cln.Build(c), cln.Reload(c))

	e := eclair.Options{Logger: opts.Logger}
	registry.Register(engine.NodeKindEclair, eclair.Build(e), eclair.Reload(e))
}

// NewRegistry returns a registry with every vendor registered.
func NewRegistry(opts Options) *engine.Registry {
	registry := engine.NewRegistry()
	Register(registry, opts)
	return registry
}

// DefaultImages returns the image each kind runs unless overridden.
func DefaultImages() map[engine.NodeKind]string {
	return map[engine.NodeKind]string{
		engine.NodeKindBitcoind:      bitcoind.DefaultImage,
		engine.NodeKindBitcoindMiner: bitcoind.DefaultImage,
		engine.NodeKindLnd:           lnd.DefaultImage,
		engine.NodeKindCln:           cln.DefaultImage,
		engine.NodeKindEclair:        eclair.DefaultImage,
	}
}
