package nodeconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice", ".lnd", "lnd.conf")

	f := New()
	f.Set(Global, "regtest", "1")
	f.SetAll("Application Options", map[string]string{
		"alias":      "alice",
		"restlisten": "10.5.0.3:8080",
	})
	f.Set("Bitcoind", "bitcoind.rpchost", "10.5.0.2:9091")
	if err := f.Save(path); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read back: %v", err)
	}
	content := string(data)
	for _, want := range []string{"regtest=1", "[Application Options]", "alias=alice", "bitcoind.rpchost=10.5.0.2:9091"} {
		if !strings.Contains(content, want) {
			t.Errorf("Expected %q in file, got:\n%s", want, content)
		}
	}
	if strings.Index(content, "regtest=1") > strings.Index(content, "[Application Options]") {
		t.Error("Expected global keys before the first section")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	tests := []struct {
		section, key, want string
	}{
		{Global, "regtest", "1"},
		{"Application Options", "restlisten", "10.5.0.3:8080"},
		{"Bitcoind", "bitcoind.rpchost", "10.5.0.2:9091"},
		{"Bitcoind", "missing", ""},
		{"Nope", "alias", ""},
	}
	for _, tt := range tests {
		t.Run(tt.section+"/"+tt.key, func(t *testing.T) {
			if got := loaded.Get(tt.section, tt.key); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
	if !loaded.Has("Bitcoind") || loaded.Has("Nope") {
		t.Error("Unexpected section presence")
	}
}

func TestGetStripsQuotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eclair.conf")
	f := New()
	f.Set(Global, "eclair.bitcoind.host", `"10.5.0.2"`)
	if err := f.Save(path); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if got := loaded.Get(Global, "eclair.bitcoind.host"); got != "10.5.0.2" {
		t.Errorf("Expected unquoted host, got %q", got)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.conf")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestVolume(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "doppler-cluster.yaml")

	got := Volume(manifest, filepath.Join(dir, "data", "alice", ".lnd"), "/home/lnd/.lnd")
	if got != "./data/alice/.lnd:/home/lnd/.lnd:rw" {
		t.Errorf("Expected relative volume, got %s", got)
	}

	outside := filepath.Join(t.TempDir(), "elsewhere")
	got = Volume(manifest, outside, "/data")
	if !strings.HasPrefix(got, outside+":") {
		t.Errorf("Expected absolute volume for a directory outside the manifest dir, got %s", got)
	}
}
