package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers"
	"github.com/doppler-ln/doppler/pkg/providers/lnd"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports/ssh"
)

var validate = validator.New()

// DefaultConfig returns the configuration doppler runs with when no file
// exists.
func DefaultConfig() *Config {
	settings := engine.DefaultSettings()
	images := providers.DefaultImages()
	return &Config{
		Network: NetworkConfig{
			Name:     settings.NetworkName,
			Subnet:   settings.Subnet,
			Gateway:  settings.Gateway,
			PortSeed: settings.PortSeed,
			IPSeed:   settings.IPSeed,
		},
		Compose: ComposeConfig{
			Path:          settings.ComposePath,
			DockerCommand: compose.DefaultDockerCommand,
			StartupWait:   settings.StartupWait,
		},
		DataDir:     settings.DataDir,
		AliasesPath: settings.AliasesPath,
		Images: ImagesConfig{
			Bitcoind: images[engine.NodeKindBitcoind],
			Lnd:      images[engine.NodeKindLnd],
			Cln:      images[engine.NodeKindCln],
			Eclair:   images[engine.NodeKindEclair],
		},
		Lnd: LndConfig{
			ControlPlane:       string(lnd.ControlPlaneCLI),
			CredentialsTimeout: 2 * time.Minute,
			RESTHost:           "localhost",
		},
		Bootstrap: BootstrapConfig{
			InitialBlocks:        settings.InitialBlocks,
			FundingConfirmations: settings.FundingConfirmations,
		},
		PaymentTimeout: settings.PaymentTimeout,
		Store:          StoreConfig{Path: "doppler.db"},
		Telemetry:      *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path over DefaultConfig and validates
// it. A missing file at DefaultPath yields the defaults; a missing file
// anywhere else is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Write saves cfg as YAML at path.
func Write(path string, cfg *Config) error {
	var buf bytes.Buffer
	buf.WriteString("# doppler configuration\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the struct tags, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			msgs := make([]string, 0, len(fields))
			for _, f := range fields {
				msgs = append(msgs, fmt.Sprintf("%s fails %s", f.Namespace(), f.Tag()))
			}
			return engine.NewValidationError(strings.Join(msgs, "; "))
		}
		return err
	}

	subnet, err := netip.ParsePrefix(c.Network.Subnet)
	if err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid subnet %s", c.Network.Subnet))
	}
	for field, value := range map[string]string{"gateway": c.Network.Gateway, "ip_seed": c.Network.IPSeed} {
		addr, err := netip.ParseAddr(value)
		if err != nil || !subnet.Contains(addr) {
			return engine.NewValidationError(fmt.Sprintf("network %s %s is outside %s", field, value, subnet))
		}
	}
	if c.Network.Gateway == c.Network.IPSeed {
		return engine.NewValidationError("network ip_seed must differ from the gateway")
	}

	if c.Remote != nil && c.Remote.Auth == "key" && c.Remote.KeyPath != "" {
		if _, err := os.Stat(c.Remote.KeyPath); err != nil {
			return engine.NewValidationError(fmt.Sprintf("remote key %s: %v", c.Remote.KeyPath, err))
		}
	}

	return c.Telemetry.Validate()
}

// Settings returns the engine settings the configuration describes.
func (c *Config) Settings() engine.Settings {
	return engine.Settings{
		NetworkName:          c.Network.Name,
		Subnet:               c.Network.Subnet,
		Gateway:              c.Network.Gateway,
		PortSeed:             c.Network.PortSeed,
		IPSeed:               c.Network.IPSeed,
		ComposePath:          c.Compose.Path,
		DataDir:              c.DataDir,
		AliasesPath:          c.AliasesPath,
		StartupWait:          c.Compose.StartupWait,
		InitialBlocks:        c.Bootstrap.InitialBlocks,
		FundingConfirmations: c.Bootstrap.FundingConfirmations,
		PaymentTimeout:       c.PaymentTimeout,
	}
}

// ImageMap returns the default image of every kind.
func (c *Config) ImageMap() map[engine.NodeKind]string {
	return map[engine.NodeKind]string{
		engine.NodeKindBitcoind:      c.Images.Bitcoind,
		engine.NodeKindBitcoindMiner: c.Images.Bitcoind,
		engine.NodeKindLnd:           c.Images.Lnd,
		engine.NodeKindCln:           c.Images.Cln,
		engine.NodeKindEclair:        c.Images.Eclair,
	}
}

// ProviderOptions returns the vendor options the configuration describes.
func (c *Config) ProviderOptions(logger *telemetry.Logger) providers.Options {
	return providers.Options{
		Logger:             logger,
		LndControlPlane:    lnd.ControlPlane(c.Lnd.ControlPlane),
		CredentialsTimeout: c.Lnd.CredentialsTimeout,
		RESTHost:           c.Lnd.RESTHost,
	}
}

// SSH returns the ssh transport configuration, or nil when the cluster
// runs locally.
func (c *Config) SSH() *ssh.Config {
	if c.Remote == nil {
		return nil
	}
	cfg := ssh.DefaultConfig(c.Remote.Host, c.Remote.User)
	if c.Remote.Port != 0 {
		cfg.Port = c.Remote.Port
	}
	if c.Remote.Auth != "" {
		cfg.AuthMethod = ssh.AuthMethod(c.Remote.Auth)
	}
	cfg.PrivateKeyPath = c.Remote.KeyPath
	cfg.Password = c.Remote.Password
	if c.Remote.KnownHosts != "" {
		cfg.KnownHostsPath = c.Remote.KnownHosts
	}
	cfg.StrictHostKeyChecking = c.Remote.StrictHostKeyChecking
	cfg.WorkDir = c.Remote.WorkDir
	return cfg
}
