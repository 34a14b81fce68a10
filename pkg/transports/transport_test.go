package transports

import (
	"errors"
	"testing"
)

func TestResultAccessors(t *testing.T) {
	tests := []struct {
		name       string
		result     *Result
		wantStdout string
		wantStderr string
		wantOutput string
	}{
		{
			name:       "nil result",
			result:     nil,
			wantStdout: "",
			wantStderr: "",
			wantOutput: "",
		},
		{
			name:       "process output is trimmed",
			result:     &Result{Stdout: []byte("  bcrt1qabc\n"), Stderr: []byte("warn\n")},
			wantStdout: "bcrt1qabc",
			wantStderr: "warn",
			wantOutput: "  bcrt1qabc\n",
		},
		{
			name:       "body wins over stdout",
			result:     &Result{Stdout: []byte("ignored"), Body: []byte(`{"a":1}`)},
			wantStdout: "ignored",
			wantOutput: `{"a":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.StdoutString(); got != tt.wantStdout {
				t.Errorf("Expected stdout %q, got %q", tt.wantStdout, got)
			}
			if got := tt.result.StderrString(); got != tt.wantStderr {
				t.Errorf("Expected stderr %q, got %q", tt.wantStderr, got)
			}
			if got := string(tt.result.Output()); got != tt.wantOutput {
				t.Errorf("Expected output %q, got %q", tt.wantOutput, got)
			}
		})
	}
}

func TestResultContains(t *testing.T) {
	r := &Result{
		Stderr: []byte("Error: service \"x\" is not running container"),
		Body:   []byte(`{"message":"not yet ready"}`),
	}

	if !r.Contains("is not running container") {
		t.Error("Expected stderr match")
	}
	if !r.Contains("not yet ready") {
		t.Error("Expected body match")
	}
	if r.Contains("already connected") {
		t.Error("Expected no match")
	}

	var nilResult *Result
	if nilResult.Contains("x") {
		t.Error("Expected nil result to contain nothing")
	}
}

func TestTransportError(t *testing.T) {
	inner := errors.New("executable file not found")
	err := &TransportError{Op: "exec", Err: inner, IsTemporary: false}

	if err.Error() != "exec: executable file not found" {
		t.Errorf("Expected formatted message, got %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}
	if err.Temporary() {
		t.Error("Expected non-temporary error")
	}
}
