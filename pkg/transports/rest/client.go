// Package rest provides the HTTP control plane used by nodes that expose a
// TLS REST API authorized by a macaroon header.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/doppler-ln/doppler/pkg/transports"
	"github.com/rs/zerolog/log"
)

// MacaroonHeader is the header carrying the hex encoded macaroon.
const MacaroonHeader = "Grpc-Metadata-macaroon"

// Config holds REST client configuration.
type Config struct {
	// BaseURL is the scheme, host and port of the API, e.g. https://localhost:9092
	BaseURL string

	// CertPath is the PEM certificate the server presents.
	CertPath string

	// MacaroonPath is the binary macaroon file sent with every request.
	MacaroonPath string

	// Timeout is the default per-request timeout.
	Timeout time.Duration
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.CertPath == "" {
		return fmt.Errorf("certificate path is required")
	}
	if c.MacaroonPath == "" {
		return fmt.Errorf("macaroon path is required")
	}
	return nil
}

// Client is an HTTP client bound to one node.
type Client struct {
	baseURL  string
	macaroon string
	timeout  time.Duration
	http     *http.Client
}

// NewClient reads the certificate and macaroon and builds a client that
// trusts only that certificate.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	certPEM, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CertPath)
	}

	macaroon, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		macaroon: hex.EncodeToString(macaroon),
		timeout:  timeout,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:    pool,
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}, nil
}

// Do sends a request with the default timeout. A nil payload sends no body.
func (c *Client) Do(ctx context.Context, label, method, path string, payload any) (*transports.Result, error) {
	return c.DoWithTimeout(ctx, label, method, path, payload, c.timeout)
}

// DoWithTimeout sends a request bounded by timeout.
func (c *Client) DoWithTimeout(ctx context.Context, label, method, path string, payload any, timeout time.Duration) (*transports.Result, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &transports.TransportError{
				Op:  "request",
				Err: fmt.Errorf("failed to encode %s payload: %w", label, err),
			}
		}
		body = bytes.NewReader(encoded)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &transports.TransportError{Op: "request", Err: err}
	}
	req.Header.Set(MacaroonHeader, c.macaroon)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	log.Debug().
		Str("label", label).
		Str("method", method).
		Str("url", url).
		Msg("sending request")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "request",
			Err:         fmt.Errorf("%s %s: %w", method, url, err),
			IsTemporary: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "read-response",
			Err:         err,
			IsTemporary: true,
		}
	}

	result := &transports.Result{
		Label:      label,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Duration:   time.Since(startTime),
	}

	log.Debug().
		Str("label", label).
		Int("status", resp.StatusCode).
		Int("body_len", len(respBody)).
		Dur("duration", result.Duration).
		Msg("request completed")

	return result, nil
}
