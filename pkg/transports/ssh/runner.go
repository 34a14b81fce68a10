package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doppler-ln/doppler/pkg/transports"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes argv on the docker host from the configured work directory.
// A non-zero exit is reported through the result, not as an error.
func (c *Client) Run(ctx context.Context, label string, argv []string) (*transports.Result, error) {
	if len(argv) == 0 {
		return nil, &transports.TransportError{
			Op:  "exec",
			Err: fmt.Errorf("empty command for %s", label),
		}
	}

	client, err := c.sshClient(ctx)
	if err != nil {
		return nil, &transports.TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	command := BuildCommand(c.config.WorkDir, argv)
	startTime := time.Now()

	log.Debug().
		Str("label", label).
		Str("host", c.config.Host).
		Str("command", command).
		Msg("executing remote command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("%s: %w", label, ctx.Err()),
			IsTemporary: true,
		}
	case runErr = <-done:
	}

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
		Msg("remote command completed")

	if runErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	return result, &transports.TransportError{
		Op:          "exec",
		Err:         fmt.Errorf("%s: %w", label, runErr),
		IsTemporary: true,
	}
}

// BuildCommand joins argv into a single shell line, quoting every word, and
// prefixes a cd into workDir when one is set.
func BuildCommand(workDir string, argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	command := strings.Join(quoted, " ")
	if workDir == "" {
		return command
	}
	return "cd " + shellQuote(workDir) + " && " + command
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
