// Package controltest provides a scripted engine.Executor for vendor tests.
package controltest

import (
	"context"
	"strings"
	"sync"

	"github.com/doppler-ln/doppler/pkg/transports"
)

type rule struct {
	match   string
	results []*transports.Result
}

// Exec answers Exec calls from rules registered with On. The first rule
// whose substring occurs in the joined argv wins; its results are handed
// out in order and the last one repeats. Unmatched calls succeed with no
// output.
type Exec struct {
	mu       sync.Mutex
	rules    []*rule
	calls    []string
	users    []string
	services []string
}

// New creates an executor with no rules.
func New() *Exec {
	return &Exec{}
}

// On registers results for calls containing match.
func (e *Exec) On(match string, results ...*transports.Result) *Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &rule{match: match, results: results})
	return e
}

// OK is a successful result with stdout.
func OK(stdout string) *transports.Result {
	return &transports.Result{Success: true, Stdout: []byte(stdout)}
}

// Fail is a failed result with stderr.
func Fail(stderr string) *transports.Result {
	return &transports.Result{Success: false, ExitCode: 1, Stderr: []byte(stderr)}
}

func (e *Exec) Exec(ctx context.Context, container, user string, argv []string) (*transports.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	line := strings.Join(argv, " ")
	e.calls = append(e.calls, line)
	e.users = append(e.users, user)
	for _, r := range e.rules {
		if !strings.Contains(line, r.match) || len(r.results) == 0 {
			continue
		}
		result := r.results[0]
		if len(r.results) > 1 {
			r.results = r.results[1:]
		}
		return result, nil
	}
	return OK(""), nil
}

func (e *Exec) StartService(ctx context.Context, service string) error {
	e.record("start " + service)
	return nil
}

func (e *Exec) StopService(ctx context.Context, service string) error {
	e.record("stop " + service)
	return nil
}

func (e *Exec) RestartService(ctx context.Context, service string) error {
	e.record("restart " + service)
	return nil
}

func (e *Exec) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.services = append(e.services, s)
}

// Calls returns the joined argv of every Exec call so far.
func (e *Exec) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Users returns the user of every Exec call so far.
func (e *Exec) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.users...)
}

// Services returns the lifecycle calls so far, e.g. "restart doppler-lnd-alice".
func (e *Exec) Services() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.services...)
}

// Called reports whether some call contains sub.
func (e *Exec) Called(sub string) bool {
	for _, c := range e.Calls() {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}
