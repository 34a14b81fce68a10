// Package stores persists what a doppler run wants to remember across
// processes: tagged channel points and preimages, run history and the
// outcome of every action.
package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a script run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// TagKind says what a tag value holds.
type TagKind string

const (
	TagKindChannel  TagKind = "channel"
	TagKindPreimage TagKind = "preimage"
)

// Run is one execution of a script.
type Run struct {
	ID          string     `json:"id"`
	ScriptPath  string     `json:"script_path"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Tag names a value produced by one action so a later action, possibly in
// another run, can refer to it.
type Tag struct {
	Name      string    `json:"name"`
	Kind      TagKind   `json:"kind"`
	Value     string    `json:"value"`
	Node      string    `json:"node"`
	Peer      string    `json:"peer,omitempty"`
	RunID     *string   `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionRecord is the outcome of one executed action.
type ActionRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Action     string    `json:"action"`
	FromNode   string    `json:"from_node"`
	ToNode     string    `json:"to_node,omitempty"`
	LoopID     string    `json:"loop_id,omitempty"`
	Status     string    `json:"status"`
	Error      *string   `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store defines the persistence operations doppler needs.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	PutTag(ctx context.Context, tag *Tag) error
	GetTag(ctx context.Context, name string) (*Tag, error)
	ListTags(ctx context.Context) ([]*Tag, error)
	DeleteTag(ctx context.Context, name string) error

	RecordAction(ctx context.Context, record *ActionRecord) error
	ListActions(ctx context.Context, runID string) ([]*ActionRecord, error)
}
