// Package ssh runs cluster commands on a remote docker host and uploads the
// generated compose tree to it over SFTP.
package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client holds one SSH connection to the docker host. It is safe for
// concurrent use; every command opens its own session.
type Client struct {
	config *Config
	client *ssh.Client

	mu        sync.RWMutex
	connected bool

	keepAliveCancel context.CancelFunc
}

// NewClient validates cfg and returns an unconnected client.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: cfg}, nil
}

// Connect dials the host. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build SSH config: %w", err)
	}

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.config.Address(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to establish SSH connection: %w", err)
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.connected = true

	if c.config.KeepAliveInterval > 0 {
		kaCtx, cancel := context.WithCancel(context.Background())
		c.keepAliveCancel = cancel
		go c.keepAlive(kaCtx, c.client)
	}

	log.Info().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("user", c.config.User).
		Msg("connected to docker host")

	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	if c.keepAliveCancel != nil {
		c.keepAliveCancel()
		c.keepAliveCancel = nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	log.Debug().Str("host", c.config.Host).Msg("disconnected from docker host")

	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// IsConnected reports whether the client holds an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// sshClient returns the live connection, dialing on first use.
func (c *Client) sshClient(ctx context.Context) (*ssh.Client, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.client, nil
}

func (c *Client) keepAlive(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().Err(err).Str("host", c.config.Host).Msg("keepalive failed, dropping connection")
				c.mu.Lock()
				if c.client == client {
					c.client.Close()
					c.client = nil
					c.connected = false
					c.keepAliveCancel = nil
				}
				c.mu.Unlock()
				return
			}
		}
	}
}
