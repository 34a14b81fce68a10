// Package transports defines the command dispatch contract shared by every
// control-plane backend (local process exec, remote exec over SSH, and HTTP).
package transports

import (
	"context"
	"strings"
	"time"
)

// Runner executes an external control command described by an argument vector.
//
// A command that ran and exited non-zero is NOT an error: the returned Result
// carries Success=false and the raw output so callers can match on known
// error text. Only a failure to launch or reach the command returns an error,
// always as a *TransportError. Runners never retry.
type Runner interface {
	Run(ctx context.Context, label string, argv []string) (*Result, error)
}

// Uploader copies local artifacts to wherever the Runner executes commands.
// Local runners do not need one.
type Uploader interface {
	// UploadFile uploads a single file, creating parent directories as needed.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// UploadDirectory recursively uploads a directory.
	UploadDirectory(ctx context.Context, localPath string, remotePath string) error
}

// Result is the structured outcome of one dispatched command.
type Result struct {
	// Label is the human-readable name of the command.
	Label string

	// Success is true when the process exited zero or the HTTP status was 2xx.
	Success bool

	// ExitCode is the process exit code (0 for HTTP calls).
	ExitCode int

	// Stdout is the raw standard output of the process.
	Stdout []byte

	// Stderr is the raw standard error of the process.
	Stderr []byte

	// StatusCode is the HTTP status code (0 for process calls).
	StatusCode int

	// Body is the raw HTTP response body.
	Body []byte

	// Duration is how long the command took.
	Duration time.Duration
}

// StdoutString returns stdout with surrounding whitespace trimmed.
func (r *Result) StdoutString() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Stdout))
}

// StderrString returns stderr with surrounding whitespace trimmed.
func (r *Result) StderrString() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Stderr))
}

// Output returns the payload a caller should parse: the HTTP body when
// present, stdout otherwise.
func (r *Result) Output() []byte {
	if r == nil {
		return nil
	}
	if r.Body != nil {
		return r.Body
	}
	return r.Stdout
}

// Contains reports whether stdout, stderr or the body contain substr.
func (r *Result) Contains(substr string) bool {
	if r == nil {
		return false
	}
	return strings.Contains(string(r.Stderr), substr) ||
		strings.Contains(string(r.Stdout), substr) ||
		strings.Contains(string(r.Body), substr)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "exec", "connect", "request")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
