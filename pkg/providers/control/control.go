// Package control holds the pieces every vendor shares: a retrying caller
// that runs a CLI inside a node's container, and helpers that pick fields
// out of JSON responses.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports"
)

// Caller runs one CLI inside one container.
type Caller struct {
	Exec      engine.Executor
	Container string

	// User is passed to exec --user, empty for the image default.
	User string

	// Prefix is the CLI and its fixed flags, e.g. bitcoin-cli --datadir=...
	Prefix []string

	Vendor   string
	Policy   engine.RetryPolicy
	Classify engine.Classifier
	Metrics  *telemetry.Metrics
	Logger   *telemetry.Logger

	// BeforeRetry, if set, runs before each retry with the failed result.
	BeforeRetry func(ctx context.Context, result *transports.Result)
}

// Run executes the CLI with args under the retry policy.
func (c *Caller) Run(ctx context.Context, args ...string) (*transports.Result, error) {
	return c.RunWith(ctx, c.Classify, args...)
}

// RunWith executes the CLI with args using classify instead of the
// vendor classifier.
func (c *Caller) RunWith(ctx context.Context, classify engine.Classifier, args ...string) (*transports.Result, error) {
	argv := make([]string, 0, len(c.Prefix)+len(args))
	argv = append(argv, c.Prefix...)
	argv = append(argv, args...)

	label := c.Container
	if len(args) > 0 {
		label += " " + args[0]
	}
	logger := c.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	log := logger.WithField("container", c.Container)
	log.Debugf("dispatching %s", strings.Join(argv, " "))

	var last *transports.Result
	policy := c.Policy
	policy.OnRetry = func(attempt int, err error) {
		c.Metrics.RecordRetry(c.Vendor)
		log.WithError(err).Debugf("%s attempt %d failed, retrying", label, attempt)
		if c.BeforeRetry != nil {
			c.BeforeRetry(ctx, last)
		}
	}

	result, err := engine.Retry(ctx, policy, classify, func(ctx context.Context) (*transports.Result, error) {
		r, err := c.Exec.Exec(ctx, c.Container, c.User, argv)
		last = r
		return r, err
	})
	if err != nil {
		return result, fmt.Errorf("%s: %w", label, err)
	}
	return result, nil
}

// Classifier builds a vendor classifier: a failed result whose output
// contains one of transient is a transient error, any other failure is
// permanent.
func Classifier(operation string, transient ...string) engine.Classifier {
	return func(result *transports.Result) error {
		if result == nil {
			return engine.NewPermanentError(operation+" returned no result", nil)
		}
		if result.Success {
			return nil
		}
		for _, sig := range transient {
			if result.Contains(sig) {
				return engine.NewTransientError(sig, engine.ResultError(operation, result))
			}
		}
		return engine.ResultError(operation, result)
	}
}

// Accepting wraps classify so that a failure mentioning any of ok counts
// as success, e.g. "already connected".
func Accepting(classify engine.Classifier, ok ...string) engine.Classifier {
	return func(result *transports.Result) error {
		if result != nil && !result.Success {
			for _, s := range ok {
				if result.Contains(s) {
					return nil
				}
			}
		}
		return classify(result)
	}
}

// Decode parses the JSON output of result into v.
func Decode(result *transports.Result, v any) error {
	out := result.Output()
	if len(out) == 0 {
		return fmt.Errorf("empty response")
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Field returns a top level string field of a JSON object response. A
// missing field is logged and returned as "".
func Field(log *telemetry.Logger, result *transports.Result, key string) string {
	var obj map[string]any
	if err := Decode(result, &obj); err != nil {
		log.WithError(err).Errorf("no %s found", key)
		return ""
	}
	value, ok := obj[key]
	if !ok {
		log.Errorf("no %s found", key)
		return ""
	}
	switch v := value.(type) {
	case string:
		if v == "" {
			log.Errorf("no %s found", key)
		}
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		log.Errorf("unexpected type for %s", key)
		return ""
	}
}

// Text returns the trimmed raw output, or a JSON string unquoted.
func Text(result *transports.Result) string {
	out := strings.TrimSpace(string(result.Output()))
	var s string
	if strings.HasPrefix(out, `"`) && json.Unmarshal([]byte(out), &s) == nil {
		return s
	}
	return out
}

// SatsToBTC formats a sat amount as a decimal BTC string.
func SatsToBTC(sats int64) string {
	sign := ""
	if sats < 0 {
		sign = "-"
		sats = -sats
	}
	return fmt.Sprintf("%s%d.%08d", sign, sats/100_000_000, sats%100_000_000)
}
