package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "doppler.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("Expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second run reports no change and is not an error.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "tags", "actions"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	run := &Run{
		ID:         "run-001",
		ScriptPath: "scripts/two_nodes.doppler",
		Status:     RunStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	errMsg := "bitcoind nodes need to be defined before lnd nodes can be setup"
	if err := store.FinishRun(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusFailed {
		t.Errorf("Expected status failed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("Expected error message to be stored, got %v", got.Error)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.FinishRun(ctx, "missing", RunStatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	later := &Run{ID: "run-002", ScriptPath: "b", Status: RunStatusRunning, StartedAt: now.Add(time.Minute), CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRun(ctx, later); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-002" {
		t.Errorf("Expected newest run first, got %d runs", len(runs))
	}
}

func TestTags(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tag := &Tag{
		Name:  "chan-a",
		Kind:  TagKindChannel,
		Value: "3b1f...:0",
		Node:  "alice",
		Peer:  "bob",
	}
	if err := store.PutTag(ctx, tag); err != nil {
		t.Fatalf("failed to put tag: %v", err)
	}
	created := tag.CreatedAt

	tag.Value = "9c2e...:1"
	if err := store.PutTag(ctx, tag); err != nil {
		t.Fatalf("failed to replace tag: %v", err)
	}

	got, err := store.GetTag(ctx, "chan-a")
	if err != nil {
		t.Fatalf("failed to get tag: %v", err)
	}
	if got.Value != "9c2e...:1" {
		t.Errorf("Expected replaced value, got %s", got.Value)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("Expected creation time to be kept, got %v", got.CreatedAt)
	}
	if got.Peer != "bob" || got.Kind != TagKindChannel {
		t.Errorf("Unexpected tag %+v", got)
	}

	if err := store.PutTag(ctx, &Tag{Name: "hold-1", Kind: TagKindPreimage, Value: "ab", Node: "carol"}); err != nil {
		t.Fatalf("failed to put tag: %v", err)
	}
	tags, err := store.ListTags(ctx)
	if err != nil {
		t.Fatalf("failed to list tags: %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "chan-a" || tags[1].Name != "hold-1" {
		t.Errorf("Expected tags ordered by name, got %d", len(tags))
	}

	if err := store.DeleteTag(ctx, "chan-a"); err != nil {
		t.Fatalf("failed to delete tag: %v", err)
	}
	if _, err := store.GetTag(ctx, "chan-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteTag(ctx, "chan-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestActions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateRun(ctx, &Run{ID: "run-1", ScriptPath: "s", Status: RunStatusRunning, StartedAt: now, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	failure := "no route"
	records := []*ActionRecord{
		{ID: "a1", RunID: "run-1", Action: "OPEN_CHANNEL", FromNode: "alice", ToNode: "bob", Status: "ok", DurationMs: 1200},
		{ID: "a2", RunID: "run-1", Action: "SEND_LN", FromNode: "alice", ToNode: "bob", LoopID: "loop-1", Status: "error", Error: &failure, DurationMs: 40},
	}
	for _, r := range records {
		if err := store.RecordAction(ctx, r); err != nil {
			t.Fatalf("failed to record action: %v", err)
		}
	}

	got, err := store.ListActions(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list actions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 actions, got %d", len(got))
	}
	if got[0].Action != "OPEN_CHANNEL" || got[1].Action != "SEND_LN" {
		t.Errorf("Expected execution order, got %s, %s", got[0].Action, got[1].Action)
	}
	if got[1].Error == nil || *got[1].Error != "no route" {
		t.Error("Expected error to be stored")
	}
	if got[1].LoopID != "loop-1" {
		t.Errorf("Expected loop id loop-1, got %s", got[1].LoopID)
	}

	err = store.RecordAction(ctx, &ActionRecord{ID: "a3", RunID: "ghost", Action: "MINE_BLOCKS", FromNode: "miner", Status: "ok"})
	if err == nil {
		t.Error("Expected foreign key violation for unknown run")
	}
}
