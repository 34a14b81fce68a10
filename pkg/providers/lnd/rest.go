package lnd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/control"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports"
	"github.com/doppler-ln/doppler/pkg/transports/rest"
)

const (
	// keysendRecord is the custom record carrying a keysend preimage.
	keysendRecord = "5482373484"

	feeLimitSat = "10000"

	// closeWait bounds the close stream; lnd keeps it open until the
	// closing transaction confirms.
	closeWait = 5 * time.Second
)

// restPlane calls the lnd REST API. The client is created on first use,
// once lnd has written its certificate and macaroon.
type restPlane struct {
	cfg         rest.Config
	waitTimeout time.Duration
	policy      engine.RetryPolicy
	metrics     *telemetry.Metrics
	log         *telemetry.Logger

	mu     sync.Mutex
	client *rest.Client
}

func newRESTPlane(cfg Config, opts Options, metrics *telemetry.Metrics, log *telemetry.Logger) *restPlane {
	return &restPlane{
		cfg: rest.Config{
			BaseURL:      fmt.Sprintf("https://%s:%s", opts.restHost(), cfg.RESTPort),
			CertPath:     cfg.CertPath(),
			MacaroonPath: cfg.MacaroonPath(),
		},
		waitTimeout: opts.credentialsTimeout(),
		policy:      opts.policy(),
		metrics:     metrics,
		log:         log,
	}
}

func (p *restPlane) conn(ctx context.Context) (*rest.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	if err := rest.WaitForFiles(ctx, p.waitTimeout, p.cfg.CertPath, p.cfg.MacaroonPath); err != nil {
		return nil, engine.NewTransientError("lnd credentials not ready", err)
	}
	client, err := rest.NewClient(p.cfg)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create rest client", err)
	}
	p.client = client
	return client, nil
}

// restStartingUp lists the bodies lnd answers with before its RPC server
// and chain backend are ready.
var restStartingUp = []string{
	startingUp,
	"server is still in the process of starting",
	"chain backend is still syncing",
}

// classifyREST treats 503 and the startup bodies as transient. Any other
// non-2xx answer is permanent.
func classifyREST(label string) engine.Classifier {
	bodies := control.Classifier(label, restStartingUp...)
	return func(result *transports.Result) error {
		if result != nil && !result.Success && result.StatusCode == http.StatusServiceUnavailable {
			return engine.NewTransientError(fmt.Sprintf("status %d", result.StatusCode), engine.ResultError(label, result))
		}
		return bodies(result)
	}
}

func (p *restPlane) call(ctx context.Context, classify engine.Classifier, label, method, path string, payload any, timeout time.Duration) (*transports.Result, error) {
	client, err := p.conn(ctx)
	if err != nil {
		return nil, err
	}
	if classify == nil {
		classify = classifyREST(label)
	}
	policy := p.policy
	policy.OnRetry = func(attempt int, err error) {
		p.metrics.RecordRetry(vendor)
		p.log.WithError(err).Debugf("%s attempt %d failed, retrying", label, attempt)
	}
	result, err := engine.Retry(ctx, policy, classify, func(ctx context.Context) (*transports.Result, error) {
		return client.DoWithTimeout(ctx, label, method, path, payload, timeout)
	})
	if err != nil {
		return result, fmt.Errorf("%s: %w", label, err)
	}
	return result, nil
}

func (p *restPlane) field(ctx context.Context, key, label, method, path string, payload any) (string, error) {
	result, err := p.call(ctx, nil, label, method, path, payload, 0)
	if err != nil {
		return "", err
	}
	return control.Field(p.log, result, key), nil
}

func (p *restPlane) getInfo(ctx context.Context) (string, error) {
	return p.field(ctx, "identity_pubkey", "getinfo", http.MethodGet, "/v1/getinfo", nil)
}

func (p *restPlane) connect(ctx context.Context, pubkey, host string) error {
	payload := map[string]any{
		"addr": map[string]string{"pubkey": pubkey, "host": host},
	}
	_, err := p.call(ctx, control.Accepting(classifyREST("connect"), "already connected"), "connect", http.MethodPost, "/v1/peers", payload, 0)
	return err
}

func hexToBase64(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid hex %q", s), err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func base64ToHex(s string) string {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

func (p *restPlane) openChannel(ctx context.Context, pubkey string, amount int64) (string, error) {
	key, err := hexToBase64(pubkey)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"node_pubkey":          key,
		"local_funding_amount": strconv.FormatInt(amount, 10),
	}
	result, err := p.call(ctx, nil, "openchannel", http.MethodPost, "/v1/channels", payload, 0)
	if err != nil {
		return "", err
	}
	var point struct {
		FundingTxidBytes string `json:"funding_txid_bytes"`
		FundingTxidStr   string `json:"funding_txid_str"`
		OutputIndex      int64  `json:"output_index"`
	}
	if err := control.Decode(result, &point); err != nil {
		return "", engine.NewPermanentError("failed to read channel point", err)
	}
	txid := point.FundingTxidStr
	if txid == "" {
		txid = reversedTxid(point.FundingTxidBytes)
	}
	if txid == "" {
		return "", engine.NewPermanentError("no funding txid", nil)
	}
	return fmt.Sprintf("%s:%d", txid, point.OutputIndex), nil
}

// reversedTxid turns the internal byte order lnd returns into a txid.
func reversedTxid(b64 string) string {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) == 0 {
		return ""
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return hex.EncodeToString(raw)
}

func (p *restPlane) listChannels(ctx context.Context) ([]channel, error) {
	result, err := p.call(ctx, nil, "listchannels", http.MethodGet, "/v1/channels", nil, 0)
	if err != nil {
		return nil, err
	}
	var list struct {
		Channels []channel `json:"channels"`
	}
	if err := control.Decode(result, &list); err != nil {
		return nil, engine.NewPermanentError("failed to read channels", err)
	}
	return list.Channels, nil
}

func (p *restPlane) closeChannel(ctx context.Context, point string, force bool) error {
	txid, index, ok := strings.Cut(point, ":")
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("invalid channel point %q", point), nil)
	}
	path := fmt.Sprintf("/v1/channels/%s/%s", txid, index)
	if force {
		path += "?force=true"
	}

	client, err := p.conn(ctx)
	if err != nil {
		return err
	}
	result, err := client.DoWithTimeout(ctx, "closechannel", http.MethodDelete, path, nil, closeWait)
	var terr *transports.TransportError
	if errors.As(err, &terr) && terr.Op == "read-response" {
		// The close was accepted and lnd is still streaming updates.
		return nil
	}
	if err != nil {
		return fmt.Errorf("closechannel: %w", err)
	}
	if !result.Success {
		return engine.ResultError("closechannel", result)
	}
	return nil
}

func (p *restPlane) addInvoice(ctx context.Context, amount int64, memo string) (string, error) {
	payload := map[string]any{"memo": memo, "value": strconv.FormatInt(amount, 10)}
	return p.field(ctx, "payment_request", "addinvoice", http.MethodPost, "/v1/invoices", payload)
}

func (p *restPlane) newAddress(ctx context.Context) (string, error) {
	return p.field(ctx, "address", "newaddress", http.MethodGet, "/v1/newaddress?type=UNUSED_TAPROOT_PUBKEY", nil)
}

func (p *restPlane) sendCoins(ctx context.Context, address string, amount int64) (string, error) {
	payload := map[string]any{"addr": address, "amount": strconv.FormatInt(amount, 10)}
	return p.field(ctx, "txid", "sendcoins", http.MethodPost, "/v1/transactions", payload)
}

func (p *restPlane) hashAndPreimage(ctx context.Context, amount int64) (string, string, error) {
	payload := map[string]any{"value": strconv.FormatInt(amount, 10)}
	rhash, err := p.field(ctx, "r_hash", "addinvoice", http.MethodPost, "/v1/invoices", payload)
	if err != nil || rhash == "" {
		return "", "", err
	}
	hash := base64ToHex(rhash)
	preimage, err := p.field(ctx, "r_preimage", "lookupinvoice", http.MethodGet, "/v1/invoice/"+hash, nil)
	if err != nil {
		return "", "", err
	}
	return hash, base64ToHex(preimage), nil
}

func (p *restPlane) addHoldInvoice(ctx context.Context, hash string, amount int64) (string, error) {
	h, err := hexToBase64(hash)
	if err != nil {
		return "", err
	}
	payload := map[string]any{"hash": h, "value": strconv.FormatInt(amount, 10)}
	return p.field(ctx, "payment_request", "addholdinvoice", http.MethodPost, "/v2/invoices/hodl", payload)
}

func (p *restPlane) settleInvoice(ctx context.Context, preimage string) error {
	pre, err := hexToBase64(preimage)
	if err != nil {
		return err
	}
	_, err = p.call(ctx, nil, "settleinvoice", http.MethodPost, "/v2/invoices/settle", map[string]any{"preimage": pre}, 0)
	return err
}

func (p *restPlane) payInvoice(ctx context.Context, invoice string, timeout time.Duration) error {
	payload := map[string]any{
		"payment_request": invoice,
		"fee_limit_sat":   feeLimitSat,
	}
	return p.sendPayment(ctx, "payinvoice", payload, timeout)
}

func (p *restPlane) keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error {
	dest, err := hexToBase64(pubkey)
	if err != nil {
		return err
	}
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return fmt.Errorf("failed to generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)
	payload := map[string]any{
		"dest":          dest,
		"amt":           strconv.FormatInt(amount, 10),
		"payment_hash":  base64.StdEncoding.EncodeToString(hash[:]),
		"fee_limit_sat": feeLimitSat,
		"dest_custom_records": map[string]string{
			keysendRecord: base64.StdEncoding.EncodeToString(preimage),
		},
	}
	return p.sendPayment(ctx, "keysend", payload, timeout)
}

// sendPayment posts to the router and reads the status stream to its
// final update.
func (p *restPlane) sendPayment(ctx context.Context, label string, payload map[string]any, timeout time.Duration) error {
	if timeout > 0 {
		payload["timeout_seconds"] = int64(timeout.Seconds())
	}
	result, err := p.call(ctx, nil, label, http.MethodPost, "/v2/router/send", payload, timeout+30*time.Second)
	if err != nil {
		return err
	}
	status, reason := finalStatus(result.Body)
	switch status {
	case "SUCCEEDED":
		return nil
	case "FAILED":
		return engine.NewPermanentError(fmt.Sprintf("payment failed: %s", reason), nil)
	case "":
		return engine.NewPermanentError("no payment status", nil)
	default:
		return engine.NewPermanentError(fmt.Sprintf("payment ended %s", status), nil)
	}
}

// finalStatus returns the status of the last update of a payment stream.
func finalStatus(body []byte) (status, reason string) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var update struct {
			Result struct {
				Status        string `json:"status"`
				FailureReason string `json:"failure_reason"`
			} `json:"result"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(line, &update); err != nil {
			continue
		}
		if update.Error != nil {
			status, reason = "FAILED", update.Error.Message
			continue
		}
		if update.Result.Status != "" {
			status, reason = update.Result.Status, update.Result.FailureReason
		}
	}
	return status, reason
}
