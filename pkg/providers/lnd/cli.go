package lnd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers/control"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

const startingUp = "the RPC server is in the process of starting up, but not yet ready to accept calls"

func cliPrefix() []string {
	return []string{
		"lncli",
		"--lnddir=" + HomeDir,
		"--network=regtest",
		"--macaroonpath=" + HomeDir + "/data/chain/bitcoin/regtest/admin.macaroon",
		"--rpcserver=localhost:" + GRPCPort,
	}
}

// cliPlane runs lncli inside the container.
type cliPlane struct {
	cli *control.Caller
	log *telemetry.Logger
}

func newCLIPlane(cfg Config, exec engine.Executor, opts Options, metrics *telemetry.Metrics, log *telemetry.Logger) *cliPlane {
	return &cliPlane{
		log: log,
		cli: &control.Caller{
			Exec:      exec,
			Container: cfg.Container,
			User:      User,
			Prefix:    cliPrefix(),
			Vendor:    vendor,
			Policy:    opts.policy(),
			Classify:  control.Classifier("lncli", startingUp, "is not running container"),
			Metrics:   metrics,
			Logger:    log,
		},
	}
}

func (p *cliPlane) field(ctx context.Context, key string, args ...string) (string, error) {
	result, err := p.cli.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return control.Field(p.log, result, key), nil
}

func (p *cliPlane) getInfo(ctx context.Context) (string, error) {
	return p.field(ctx, "identity_pubkey", "getinfo")
}

func (p *cliPlane) connect(ctx context.Context, pubkey, host string) error {
	_, err := p.cli.RunWith(ctx, control.Accepting(p.cli.Classify, "already connected"), "connect", pubkey+"@"+host)
	return err
}

func (p *cliPlane) openChannel(ctx context.Context, pubkey string, amount int64) (string, error) {
	txid, err := p.field(ctx, "funding_txid", "openchannel", "--node_key", pubkey, "--local_amt", strconv.FormatInt(amount, 10))
	if err != nil {
		return "", err
	}
	if txid == "" {
		return "", engine.NewPermanentError("no funding txid", nil)
	}

	result, err := p.cli.Run(ctx, "pendingchannels")
	if err != nil {
		return "", err
	}
	var pending struct {
		PendingOpenChannels []struct {
			Channel channel `json:"channel"`
		} `json:"pending_open_channels"`
	}
	if err := control.Decode(result, &pending); err != nil {
		return "", engine.NewPermanentError("failed to read pending channels", err)
	}
	for _, c := range pending.PendingOpenChannels {
		if strings.HasPrefix(c.Channel.ChannelPoint, txid+":") {
			return c.Channel.ChannelPoint, nil
		}
	}
	return "", engine.NewPermanentError(fmt.Sprintf("no pending channel funded by %s", txid), nil)
}

func (p *cliPlane) listChannels(ctx context.Context) ([]channel, error) {
	result, err := p.cli.Run(ctx, "listchannels")
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

func (p *cliPlane) closeChannel(ctx context.Context, point string, force bool) error {
	args := []string{"closechannel"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "--chan_point", point)
	_, err := p.cli.Run(ctx, args...)
	return err
}

func (p *cliPlane) addInvoice(ctx context.Context, amount int64, memo string) (string, error) {
	return p.field(ctx, "payment_request", "addinvoice", "--memo", memo, "--amt", strconv.FormatInt(amount, 10))
}

func timeoutArgs(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	return []string{"--timeout", fmt.Sprintf("%ds", int64(timeout.Seconds()))}
}

func (p *cliPlane) payInvoice(ctx context.Context, invoice string, timeout time.Duration) error {
	args := append([]string{"payinvoice", "--pay_req", invoice, "-f"}, timeoutArgs(timeout)...)
	_, err := p.cli.Run(ctx, args...)
	return err
}

func (p *cliPlane) newAddress(ctx context.Context) (string, error) {
	return p.field(ctx, "address", "newaddress", "p2tr")
}

func (p *cliPlane) sendCoins(ctx context.Context, address string, amount int64) (string, error) {
	return p.field(ctx, "txid", "sendcoins", "--addr", address, "--amt", strconv.FormatInt(amount, 10))
}

func (p *cliPlane) hashAndPreimage(ctx context.Context, amount int64) (string, string, error) {
	hash, err := p.field(ctx, "r_hash", "addinvoice", "--amt", strconv.FormatInt(amount, 10))
	if err != nil || hash == "" {
		return "", "", err
	}
	preimage, err := p.field(ctx, "r_preimage", "lookupinvoice", hash)
	if err != nil {
		return "", "", err
	}
	return hash, preimage, nil
}

func (p *cliPlane) addHoldInvoice(ctx context.Context, hash string, amount int64) (string, error) {
	return p.field(ctx, "payment_request", "addholdinvoice", hash, strconv.FormatInt(amount, 10))
}

func (p *cliPlane) settleInvoice(ctx context.Context, preimage string) error {
	_, err := p.cli.Run(ctx, "settleinvoice", preimage)
	return err
}

func (p *cliPlane) keysend(ctx context.Context, pubkey string, amount int64, timeout time.Duration) error {
	args := append([]string{"sendpayment", "--dest", pubkey, "--amt", strconv.FormatInt(amount, 10), "--keysend", "-f"}, timeoutArgs(timeout)...)
	_, err := p.cli.Run(ctx, args...)
	return err
}
