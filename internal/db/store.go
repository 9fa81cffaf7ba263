package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/chatbridge/internal/types"
)

const togglesKey = "toggles"

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Load returns persisted automation preferences. MCPEnabled is never stored.
func (s *Store) Load(ctx context.Context) (types.ToggleState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, togglesKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ToggleState{}, nil
	}
	if err != nil {
		return types.ToggleState{}, fmt.Errorf("load preferences: %w", err)
	}
	var st types.ToggleState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return types.ToggleState{}, fmt.Errorf("decode preferences: %w", err)
	}
	return st.Persistable(), nil
}

// Save persists automation preferences.
func (s *Store) Save(ctx context.Context, st types.ToggleState) error {
	b, err := json.Marshal(st.Persistable())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		togglesKey, string(b), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// AppendExecution stores a finished tool execution. A missing ID is generated.
func (s *Store) AppendExecution(ctx context.Context, rec types.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	var params sql.NullString
	if len(rec.Parameters) > 0 {
		b, err := json.Marshal(rec.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters: %w", err)
		}
		params = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions (id, call_id, tool_name, parameters, result, status, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, sql.NullString{String: rec.CallID, Valid: rec.CallID != ""}, rec.ToolName, params,
		rec.Result, string(rec.Status), rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// RecentExecutions returns up to limit executions, newest first.
func (s *Store) RecentExecutions(ctx context.Context, limit int) ([]types.ExecutionRecord, error) {
	return s.queryExecutions(ctx, "", limit)
}

// ToolExecutions returns up to limit executions of one tool, newest first.
func (s *Store) ToolExecutions(ctx context.Context, tool string, limit int) ([]types.ExecutionRecord, error) {
	return s.queryExecutions(ctx, tool, limit)
}

func (s *Store) queryExecutions(ctx context.Context, tool string, limit int) ([]types.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, call_id, tool_name, parameters, result, status, executed_at FROM executions`
	args := []any{}
	if tool != "" {
		query += ` WHERE tool_name = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY executed_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionRecord
	for rows.Next() {
		var (
			rec    types.ExecutionRecord
			callID sql.NullString
			params sql.NullString
			status string
			at     int64
		)
		if err := rows.Scan(&rec.ID, &callID, &rec.ToolName, &params, &rec.Result, &status, &at); err != nil {
			return nil, err
		}
		rec.CallID = callID.String
		rec.Status = types.ExecutionStatus(status)
		rec.Timestamp = time.UnixMilli(at)
		if params.Valid {
			_ = json.Unmarshal([]byte(params.String), &rec.Parameters)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExecutionStats summarizes stored executions.
type ExecutionStats struct {
	Total   int            `json:"total"`
	Success int            `json:"success"`
	Errors  int            `json:"errors"`
	ByTool  map[string]int `json:"byTool"`
}

// ExecutionStats counts executions overall and per tool.
func (s *Store) ExecutionStats(ctx context.Context) (ExecutionStats, error) {
	stats := ExecutionStats{ByTool: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name, status, COUNT(*) FROM executions GROUP BY tool_name, status`)
	if err != nil {
		return stats, fmt.Errorf("execution stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tool, status string
		var n int
		if err := rows.Scan(&tool, &status, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		stats.ByTool[tool] += n
		if types.ExecutionStatus(status) == types.StatusSuccess {
			stats.Success += n
		} else {
			stats.Errors += n
		}
	}
	return stats, rows.Err()
}

// PruneExecutions deletes executions older than before and returns how many were removed.
func (s *Store) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE executed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

// ErrorLog is one row of the error_logs table.
type ErrorLog struct {
	ID         int64             `json:"id"`
	Level      string            `json:"level"`
	Module     string            `json:"module"`
	Message    string            `json:"message"`
	Stacktrace string            `json:"stacktrace,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// InsertErrorLog stores an error or panic report.
func (s *Store) InsertErrorLog(ctx context.Context, e ErrorLog) error {
	var ctxJSON sql.NullString
	if len(e.Context) > 0 {
		if b, err := json.Marshal(e.Context); err == nil {
			ctxJSON = sql.NullString{String: string(b), Valid: true}
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (level, module, message, stacktrace, context, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Level, e.Module, e.Message, sql.NullString{String: e.Stacktrace, Valid: e.Stacktrace != ""}, ctxJSON, e.CreatedAt.UnixMilli())
	return err
}

// RecentErrorLogs returns up to limit error logs, newest first.
func (s *Store) RecentErrorLogs(ctx context.Context, limit int) ([]ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, module, message, stacktrace, context, created_at FROM error_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorLog
	for rows.Next() {
		var (
			e          ErrorLog
			stack, ctxJSON sql.NullString
			at             int64
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Module, &e.Message, &stack, &ctxJSON, &at); err != nil {
			return nil, err
		}
		e.Stacktrace = stack.String
		if ctxJSON.Valid {
			_ = json.Unmarshal([]byte(ctxJSON.String), &e.Context)
		}
		e.CreatedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
