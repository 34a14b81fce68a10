package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doppler-ln/doppler/pkg/transports"
)

// RetryPolicy is a fixed attempt budget with a fixed delay between attempts.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int

	// Delay is the wait between attempts.
	Delay time.Duration

	// OnRetry, if set, is called before each wait with the attempt that
	// just failed and its classified error.
	OnRetry func(attempt int, err error)
}

// Classifier turns a dispatched result into nil (success), a transient
// EngineError (retry) or any other error (stop). Each vendor has exactly one.
type Classifier func(result *transports.Result) error

// Operation dispatches one control-plane call.
type Operation func(ctx context.Context) (*transports.Result, error)

// Retry calls op until classify accepts its result, a non-retryable error
// occurs, or the budget is spent. A budget of R that sees R-1 transient
// results followed by a success makes exactly R calls.
//
// Exhausting the budget returns a transient error with code
// RETRIES_EXHAUSTED wrapping the last failure. Callers treat that as an
// empty result, not as a reason to abort.
func Retry(ctx context.Context, policy RetryPolicy, classify Classifier, op Operation) (*transports.Result, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	var lastResult *transports.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err != nil {
			err = classifyTransportError(err)
		} else {
			err = classify(result)
		}
		lastResult = result

		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return result, err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}

		select {
		case <-time.After(policy.Delay):
		case <-ctx.Done():
			return lastResult, NewTransientError("retry cancelled", ctx.Err()).WithCode(ErrCodeTimeout)
		}
	}

	return lastResult, NewTransientError(fmt.Sprintf("retries exhausted after %d attempts", attempts), lastErr).
		WithCode(ErrCodeRetriesExhausted)
}

func classifyTransportError(err error) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return err
	}
	var transportErr *transports.TransportError
	if errors.As(err, &transportErr) && transportErr.Temporary() {
		return NewTransientError("transport failure", err)
	}
	return NewPermanentError("transport failure", err)
}

// ExhaustedRetries reports whether err is the result of a spent budget.
func ExhaustedRetries(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeRetriesExhausted
}

// ResultError builds the permanent error for a failed command, quoting its
// stderr or body.
func ResultError(operation string, result *transports.Result) *EngineError {
	detail := ""
	if result != nil {
		detail = result.StderrString()
		if detail == "" {
			detail = string(result.Output())
		}
	}
	return NewPermanentError(fmt.Sprintf("%s failed", operation), errors.New(detail)).
		WithOperation(operation)
}
