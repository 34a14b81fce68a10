package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal docker host: it answers exec requests and
// serves sftp from the real filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	return ssh.Marshal(struct{ Status uint32 }{code})
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			command := payload.Command

			s.mu.Lock()
			s.commands = append(s.commands, command)
			s.mu.Unlock()

			if req.WantReply {
				req.Reply(true, nil)
			}

			switch {
			case strings.HasSuffix(command, "stopped"):
				channel.Stderr().Write([]byte("service \"x\" is not running container\n"))
				channel.SendRequest("exit-status", false, exitStatus(1))
			case strings.HasSuffix(command, "sleep"):
				time.Sleep(2 * time.Second)
				channel.SendRequest("exit-status", false, exitStatus(0))
			default:
				channel.Write([]byte("command: " + command + "\n"))
				channel.SendRequest("exit-status", false, exitStatus(0))
			}
			return

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.listener.Close()
	}
}

func (s *testSSHServer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, signer, nil
}

func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func newTestClient(t *testing.T, server *testSSHServer, workDir string) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0
	config.WorkDir = workDir

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, "")

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestClientConnectBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, "")
	client.config.Password = "wrong"

	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected authentication failure")
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, "/srv/doppler")
	ctx := context.Background()

	t.Run("runs from work dir", func(t *testing.T) {
		result, err := client.Run(ctx, "ps", []string{"docker", "compose", "-f", "doppler-cluster.yaml", "ps"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Success {
			t.Error("expected success")
		}

		expected := "cd /srv/doppler && docker compose -f doppler-cluster.yaml ps"
		if got := server.lastCommand(); got != expected {
			t.Errorf("expected command '%s', got '%s'", expected, got)
		}
		if got := result.StdoutString(); got != "command: "+expected {
			t.Errorf("unexpected stdout '%s'", got)
		}
	})

	t.Run("non-zero exit keeps stderr", func(t *testing.T) {
		result, err := client.Run(ctx, "stopped", []string{"docker", "exec", "stopped"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Success {
			t.Error("expected failure")
		}
		if result.ExitCode != 1 {
			t.Errorf("expected exit code 1, got %d", result.ExitCode)
		}
		if !result.Contains("is not running container") {
			t.Errorf("expected stderr to be kept, got '%s'", result.StderrString())
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		if _, err := client.Run(cctx, "slow", []string{"sleep"}); err == nil {
			t.Error("expected error on cancelled context")
		}
	})

	t.Run("empty argv", func(t *testing.T) {
		if _, err := client.Run(ctx, "empty", nil); err == nil {
			t.Error("expected error for empty argv")
		}
	})
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name     string
		workDir  string
		argv     []string
		expected string
	}{
		{
			name:     "plain words",
			argv:     []string{"docker", "exec", "doppler-lnd-alice", "lncli", "getinfo"},
			expected: "docker exec doppler-lnd-alice lncli getinfo",
		},
		{
			name:     "quotes spaces and metacharacters",
			argv:     []string{"eclair-cli", "-p", "test1234!", "createinvoice", "--description=a b"},
			expected: "eclair-cli -p 'test1234!' createinvoice '--description=a b'",
		},
		{
			name:     "single quote",
			argv:     []string{"echo", "it's"},
			expected: `echo 'it'\''s'`,
		},
		{
			name:     "empty word",
			argv:     []string{"echo", ""},
			expected: "echo ''",
		},
		{
			name:     "work dir",
			workDir:  "/srv/my cluster",
			argv:     []string{"ls"},
			expected: "cd '/srv/my cluster' && ls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildCommand(tt.workDir, tt.argv); got != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestClientUploadDirectory(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, "")
	ctx := context.Background()

	local := t.TempDir()
	if err := os.MkdirAll(filepath.Join(local, "data", "alice", ".lnd"), 0755); err != nil {
		t.Fatalf("failed to create dirs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(local, "data", "alice", ".lnd", "lnd.conf"), []byte("[Bitcoin]\n"), 0644); err != nil {
		t.Fatalf("failed to write conf: %v", err)
	}
	if err := os.WriteFile(filepath.Join(local, "doppler-cluster.yaml"), []byte("services: {}\n"), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	remote := filepath.Join(t.TempDir(), "cluster")
	if err := client.UploadDirectory(ctx, local, remote); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(remote, "data", "alice", ".lnd", "lnd.conf"))
	if err != nil {
		t.Fatalf("expected uploaded conf: %v", err)
	}
	if string(data) != "[Bitcoin]\n" {
		t.Errorf("unexpected conf contents '%s'", data)
	}

	script := filepath.Join(local, "aliases.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	target := filepath.Join(remote, "scripts", "aliases.sh")
	if err := client.UploadFile(ctx, script, target, 0755); err != nil {
		t.Fatalf("upload file failed: %v", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("expected uploaded script: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Errorf("expected executable mode, got %v", info.Mode().Perm())
	}
}
