package config

import (
	"time"

	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// DefaultPath is where the configuration is read from when --config is not
// given.
const DefaultPath = "doppler.yaml"

// Config is the doppler configuration file.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Compose ComposeConfig `yaml:"compose"`

	// DataDir holds one directory of configuration per node.
	DataDir string `yaml:"data_dir" validate:"required"`

	// AliasesPath is where the shell aliases script is written.
	AliasesPath string `yaml:"aliases_path" validate:"required"`

	Images    ImagesConfig    `yaml:"images"`
	Lnd       LndConfig       `yaml:"lnd"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`

	// PaymentTimeout bounds payments that carry no TIMEOUT.
	PaymentTimeout time.Duration `yaml:"payment_timeout" validate:"gt=0"`

	// Remote runs the cluster on another docker host. Nil runs it locally.
	Remote *RemoteConfig `yaml:"remote,omitempty"`

	Store     StoreConfig      `yaml:"store"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// NetworkConfig describes the bridge network the containers join.
type NetworkConfig struct {
	Name    string `yaml:"name" validate:"required,excludesall=/"`
	Subnet  string `yaml:"subnet" validate:"required,cidrv4"`
	Gateway string `yaml:"gateway" validate:"required,ipv4"`

	// PortSeed is one below the first host port handed out.
	PortSeed int `yaml:"port_seed" validate:"gte=1024,lte=65000"`

	// IPSeed is one below the first container address handed out.
	IPSeed string `yaml:"ip_seed" validate:"required,ipv4"`
}

// ComposeConfig describes the manifest and the tool that runs it.
type ComposeConfig struct {
	Path          string        `yaml:"path" validate:"required"`
	DockerCommand string        `yaml:"docker_command" validate:"oneof='docker compose' docker-compose"`
	StartupWait   time.Duration `yaml:"startup_wait" validate:"gte=0"`
}

// ImagesConfig overrides the image each kind runs when a script names none.
type ImagesConfig struct {
	Bitcoind string `yaml:"bitcoind" validate:"required"`
	Lnd      string `yaml:"lnd" validate:"required"`
	Cln      string `yaml:"cln" validate:"required"`
	Eclair   string `yaml:"eclair" validate:"required"`
}

// LndConfig selects how LND nodes are driven.
type LndConfig struct {
	// ControlPlane is cli or rest.
	ControlPlane string `yaml:"control_plane" validate:"oneof=cli rest"`

	// CredentialsTimeout bounds the wait for tls.cert and admin.macaroon
	// under the rest control plane.
	CredentialsTimeout time.Duration `yaml:"credentials_timeout" validate:"gte=0"`

	// RESTHost is where published REST ports are reached.
	RESTHost string `yaml:"rest_host" validate:"required"`
}

// BootstrapConfig tunes the steps run after the cluster comes up.
type BootstrapConfig struct {
	// InitialBlocks are mined to the miner wallet. Coinbase outputs only
	// mature after 100 blocks.
	InitialBlocks int64 `yaml:"initial_blocks" validate:"gte=101"`

	FundingConfirmations int64 `yaml:"funding_confirmations" validate:"gte=1"`
}

// RemoteConfig is the ssh docker host the cluster runs on.
type RemoteConfig struct {
	Host string `yaml:"host" validate:"required,hostname|ip"`
	Port int    `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	User string `yaml:"user" validate:"required"`

	// Auth is key, password or agent.
	Auth     string `yaml:"auth" validate:"omitempty,oneof=key password agent"`
	KeyPath  string `yaml:"key_path"`
	Password string `yaml:"password" validate:"required_if=Auth password"`

	KnownHosts            string `yaml:"known_hosts"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`

	// WorkDir receives the manifest and data directory.
	WorkDir string `yaml:"work_dir" validate:"required"`
}

// StoreConfig locates the tag store.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}
