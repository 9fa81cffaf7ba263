package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/db/migrations"
	"github.com/neboloop/chatbridge/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	migrations.QuietMode = true
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "chatbridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPreferencesNeverPersistMCPEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ToggleState{}, st)

	require.NoError(t, s.Save(ctx, types.ToggleState{MCPEnabled: true, AutoInsert: true, AutoExecute: true}))
	require.NoError(t, s.Save(ctx, types.ToggleState{MCPEnabled: true, AutoInsert: true, AutoSubmit: true}))

	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ToggleState{AutoInsert: true, AutoSubmit: true}, st)
}

func TestExecutionHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendExecution(ctx, types.ExecutionRecord{
		ToolName: "search", Parameters: map[string]any{"q": "go"}, Result: "ok",
		Status: types.StatusSuccess, Timestamp: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, s.AppendExecution(ctx, types.ExecutionRecord{
		ID: "b", ToolName: "search", Result: "boom", Status: types.StatusError, Timestamp: now,
	}))
	require.NoError(t, s.AppendExecution(ctx, types.ExecutionRecord{
		ID: "c", CallID: "call-1", ToolName: "fetch", Result: "ok", Status: types.StatusSuccess, Timestamp: now,
	}))

	recent, err := s.RecentExecutions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "call-1", recent[0].CallID)

	stats, err := s.ExecutionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 2, stats.ByTool["search"])

	n, err := s.PruneExecutions(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	all, err := s.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestToolExecutionsFiltersBeforeLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendExecution(ctx, types.ExecutionRecord{
		ID: "old-search", ToolName: "search", Status: types.StatusSuccess, Timestamp: now.Add(-time.Hour),
	}))
	for i, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, s.AppendExecution(ctx, types.ExecutionRecord{
			ID: id, ToolName: "fetch", Status: types.StatusSuccess, Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}

	// The only search run is older than the newest two records overall.
	recs, err := s.ToolExecutions(ctx, "search", 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "old-search", recs[0].ID)

	recs, err = s.ToolExecutions(ctx, "fetch", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "f3", recs[0].ID)
	assert.Equal(t, "f2", recs[1].ID)

	recs, err = s.ToolExecutions(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestErrorLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertErrorLog(ctx, ErrorLog{Level: "panic", Module: "adapter", Message: "nil map", Stacktrace: "goroutine 1", Context: map[string]string{"adapter": "chatgpt"}}))
	require.NoError(t, s.InsertErrorLog(ctx, ErrorLog{Level: "warn", Module: "injector", Message: "slow"}))

	logs, err := s.RecentErrorLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "warn", logs[0].Level)
	assert.Equal(t, "chatgpt", logs[1].Context["adapter"])
	assert.Equal(t, "goroutine 1", logs[1].Stacktrace)
}
