package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/transports/ssh"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doppler.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got %v", err)
	}
	if cfg.Settings() != engine.DefaultSettings() {
		t.Errorf("Expected default settings, got %+v", cfg.Settings())
	}
	if cfg.SSH() != nil {
		t.Error("Expected no remote host by default")
	}
}

func TestLoadMissingDefault(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults, got %v", err)
	}
	if cfg.Compose.Path != "doppler-cluster.yaml" {
		t.Errorf("Expected doppler-cluster.yaml, got %s", cfg.Compose.Path)
	}

	if _, err := Load("elsewhere.yaml"); err == nil {
		t.Error("Expected error for a missing explicit config")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
network:
  port_seed: 12000
compose:
  docker_command: docker-compose
  startup_wait: 2s
lnd:
  control_plane: rest
images:
  lnd: polarlightning/lnd:0.18.0-beta
payment_timeout: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	settings := cfg.Settings()
	if settings.PortSeed != 12000 {
		t.Errorf("Expected port seed 12000, got %d", settings.PortSeed)
	}
	if settings.StartupWait != 2*time.Second {
		t.Errorf("Expected 2s startup wait, got %s", settings.StartupWait)
	}
	if settings.PaymentTimeout != 90*time.Second {
		t.Errorf("Expected 90s payment timeout, got %s", settings.PaymentTimeout)
	}
	if settings.NetworkName != "doppler" {
		t.Errorf("Expected default network name, got %s", settings.NetworkName)
	}
	if got := cfg.ImageMap()[engine.NodeKindLnd]; got != "polarlightning/lnd:0.18.0-beta" {
		t.Errorf("Expected lnd image override, got %s", got)
	}
	if got := cfg.ImageMap()[engine.NodeKindBitcoindMiner]; got != cfg.Images.Bitcoind {
		t.Errorf("Expected miners to use the bitcoind image, got %s", got)
	}
	if got := cfg.ProviderOptions(nil).LndControlPlane; got != "rest" {
		t.Errorf("Expected rest control plane, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "netwrk:\n  name: x\n",
			wantErr: "netwrk",
		},
		{
			name:    "bad control plane",
			content: "lnd:\n  control_plane: grpc\n",
			wantErr: "ControlPlane",
		},
		{
			name:    "bad docker command",
			content: "compose:\n  docker_command: podman\n",
			wantErr: "DockerCommand",
		},
		{
			name:    "too few initial blocks",
			content: "bootstrap:\n  initial_blocks: 50\n",
			wantErr: "InitialBlocks",
		},
		{
			name:    "seed outside subnet",
			content: "network:\n  ip_seed: 10.6.0.2\n",
			wantErr: "outside",
		},
		{
			name:    "seed on gateway",
			content: "network:\n  ip_seed: 10.5.0.1\n",
			wantErr: "gateway",
		},
		{
			name:    "remote password without password",
			content: "remote:\n  host: 10.0.0.4\n  user: ops\n  auth: password\n  work_dir: /srv/doppler\n",
			wantErr: "Password",
		},
		{
			name:    "remote without work dir",
			content: "remote:\n  host: 10.0.0.4\n  user: ops\n  auth: agent\n",
			wantErr: "WorkDir",
		},
		{
			name:    "bad log level",
			content: "telemetry:\n  logging:\n    level: loud\n",
			wantErr: "log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRemote(t *testing.T) {
	path := writeFile(t, `
remote:
  host: docker.lan
  port: 2222
  user: ops
  auth: password
  password: hunter2
  work_dir: /srv/doppler
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	remote := cfg.SSH()
	if remote == nil {
		t.Fatal("Expected remote config")
	}
	if remote.Host != "docker.lan" || remote.Port != 2222 || remote.User != "ops" {
		t.Errorf("Unexpected remote %s@%s:%d", remote.User, remote.Host, remote.Port)
	}
	if remote.AuthMethod != ssh.AuthMethodPassword || remote.Password != "hunter2" {
		t.Errorf("Expected password auth, got %s", remote.AuthMethod)
	}
	if remote.WorkDir != "/srv/doppler" {
		t.Errorf("Expected /srv/doppler, got %s", remote.WorkDir)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doppler.yaml")
	cfg := DefaultConfig()
	cfg.Lnd.ControlPlane = "rest"
	cfg.Compose.StartupWait = 10 * time.Second

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load written config: %v", err)
	}
	if loaded.Lnd.ControlPlane != "rest" || loaded.Compose.StartupWait != 10*time.Second {
		t.Errorf("Expected written values back, got %s %s", loaded.Lnd.ControlPlane, loaded.Compose.StartupWait)
	}
}
