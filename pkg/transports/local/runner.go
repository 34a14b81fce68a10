// Package local dispatches control commands as processes on the local host.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/doppler-ln/doppler/pkg/transports"
	"github.com/rs/zerolog/log"
)

// Runner executes commands with os/exec.
type Runner struct {
	// Dir is the working directory for every command. Empty means the
	// current directory.
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// NewRunner creates a runner rooted at dir.
func NewRunner(dir string) *Runner {
	return &Runner{Dir: dir}
}

// Run executes argv[0] with the remaining arguments.
func (r *Runner) Run(ctx context.Context, label string, argv []string) (*transports.Result, error) {
	if len(argv) == 0 {
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("empty command for %s", label),
			IsTemporary: false,
		}
	}

	startTime := time.Now()

	log.Debug().
		Str("label", label).
		Str("command", strings.Join(argv, " ")).
		Msg("executing command")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	result := &transports.Result{
		Label:    label,
		Success:  runErr == nil,
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("label", label).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return result, nil
	}

	// The process ran and exited non-zero: surface the raw output.
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	return result, &transports.TransportError{
		Op:          "exec",
		Err:         fmt.Errorf("%s: %w", label, runErr),
		IsTemporary: ctx.Err() != nil,
	}
}
