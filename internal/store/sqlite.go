package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers while the task loops write.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS background_tasks (
		id TEXT PRIMARY KEY,
		firm_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		options_json TEXT NOT NULL DEFAULT '{}',
		work_type TEXT NOT NULL,
		complexity TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		structured_plan TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		ended_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active
		ON background_tasks(firm_id, user_id) WHERE status IN ('pending', 'running');
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON background_tasks(firm_id, user_id, created_at);

	CREATE TABLE IF NOT EXISTS task_actions (
		task_id TEXT NOT NULL REFERENCES background_tasks(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		tool TEXT NOT NULL,
		args TEXT,
		success INTEGER NOT NULL,
		output TEXT,
		timestamp_offset_ms INTEGER NOT NULL,
		PRIMARY KEY (task_id, seq)
	);

	CREATE TABLE IF NOT EXISTS matter_memory (
		id TEXT PRIMARY KEY,
		firm_id TEXT NOT NULL,
		matter_id TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		content TEXT NOT NULL,
		importance TEXT NOT NULL,
		importance_rank INTEGER NOT NULL,
		confidence REAL NOT NULL,
		source_task_id TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		is_resolved INTEGER NOT NULL DEFAULT 0,
		UNIQUE (firm_id, matter_id, memory_type, content)
	);
	CREATE INDEX IF NOT EXISTS idx_matter_memory_lookup ON matter_memory(firm_id, matter_id, is_resolved, expires_at);

	CREATE TABLE IF NOT EXISTS quality_overrides (
		id TEXT PRIMARY KEY,
		firm_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		work_type TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		rule_value TEXT NOT NULL,
		reason TEXT NOT NULL,
		source_task_id TEXT,
		applied_count INTEGER NOT NULL DEFAULT 0,
		success_after INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (firm_id, user_id, work_type, rule_type, rule_value)
	);

	CREATE TABLE IF NOT EXISTS task_overrides (
		task_id TEXT NOT NULL,
		override_id TEXT NOT NULL,
		credited INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, override_id)
	);

	CREATE TABLE IF NOT EXISTS tool_chains (
		firm_id TEXT NOT NULL,
		work_type TEXT NOT NULL,
		sequence_key TEXT NOT NULL,
		tool_sequence TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		avg_quality_score REAL NOT NULL DEFAULT 0,
		avg_duration_seconds REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		deterministic INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (firm_id, work_type, sequence_key)
	);

	CREATE TABLE IF NOT EXISTS confidence_reports (
		task_id TEXT PRIMARY KEY,
		overall INTEGER NOT NULL,
		report_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_feedback (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		firm_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		rating INTEGER NOT NULL,
		feedback TEXT,
		correction TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_feedback_task ON task_feedback(task_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a write statement, retrying on SQLITE_BUSY.
func (s *SQLiteStore) exec(ctx context.Context, name, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnBusy(ctx, name, busyRetries, busyBaseDelay, func(ctx context.Context) error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateTask inserts a pending task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	options, err := json.Marshal(task.Options)
	if err != nil {
		return fmt.Errorf("marshal task options: %w", err)
	}

	query := `
	INSERT INTO background_tasks (id, firm_id, user_id, goal, options_json, work_type, complexity, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.exec(ctx, "insert task", query,
		task.ID, task.FirmID, task.UserID, task.Goal, string(options),
		task.WorkType, string(task.Complexity), string(task.Status), task.CreatedAt.Unix(),
	)
	if shared.IsSQLiteUniqueError(err) {
		return fmt.Errorf("insert task for %s/%s: %w", task.FirmID, task.UserID, domain.ErrConflict)
	}
	return err
}

const taskColumns = `id, firm_id, user_id, goal, options_json, work_type, complexity, status,
	result, structured_plan, error_message, created_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var options, status, complexity string
	var result, plan, errMsg sql.NullString
	var createdAt int64
	var startedAt, endedAt sql.NullInt64

	if err := row.Scan(
		&task.ID, &task.FirmID, &task.UserID, &task.Goal, &options, &task.WorkType, &complexity, &status,
		&result, &plan, &errMsg, &createdAt, &startedAt, &endedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(options), &task.Options); err != nil {
		return nil, fmt.Errorf("decode options for task %s: %w", task.ID, err)
	}
	task.Status = domain.TaskStatus(status)
	task.Complexity = domain.Complexity(complexity)
	task.Result = result.String
	if plan.Valid && plan.String != "" {
		task.StructuredPlan = json.RawMessage(plan.String)
	}
	task.ErrorMessage = errMsg.String
	task.CreatedAt = time.Unix(createdAt, 0)
	task.StartedAt = unixPtr(startedAt)
	task.EndedAt = unixPtr(endedAt)
	return &task, nil
}

// GetTask retrieves a task with its action history.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM background_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}

	actions, err := s.listActions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Actions = actions
	return task, nil
}

func (s *SQLiteStore) listActions(ctx context.Context, taskID string) ([]domain.ToolInvocation, error) {
	query := `
		SELECT seq, tool, args, success, output, timestamp_offset_ms
		FROM task_actions WHERE task_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task actions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close task action rows", "error", closeErr)
		}
	}()

	actions := []domain.ToolInvocation{}
	for rows.Next() {
		var a domain.ToolInvocation
		var args, output sql.NullString
		var success int
		if err := rows.Scan(&a.Seq, &a.Tool, &args, &success, &output, &a.TimestampOffset); err != nil {
			return nil, fmt.Errorf("scan task action: %w", err)
		}
		a.Success = success == 1
		if args.Valid {
			a.Args = json.RawMessage(args.String)
		}
		if output.Valid {
			a.Output = json.RawMessage(output.String)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task actions: %w", err)
	}
	return actions, nil
}

// ListTasks returns a user's most recent tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, firmID, userID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + taskColumns + ` FROM background_tasks
		WHERE firm_id = ? AND user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, firmID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close task rows", "error", closeErr)
		}
	}()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// TransitionTask moves a task forward.
func (s *SQLiteStore) TransitionTask(ctx context.Context, taskID string, to domain.TaskStatus, update TaskUpdate) error {
	from := to.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("transition task %s to %s: %w", taskID, to, domain.ErrInvalidTransition)
	}

	at := update.At
	if at.IsZero() {
		at = time.Now()
	}

	query := `
	UPDATE background_tasks SET
		status = ?,
		started_at = CASE WHEN ? THEN ? ELSE started_at END,
		ended_at = CASE WHEN ? THEN ? ELSE ended_at END,
		result = COALESCE(?, result),
		error_message = COALESCE(?, error_message)
	WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`

	args := []any{
		string(to),
		boolInt(to == domain.TaskRunning), at.Unix(),
		boolInt(to.IsTerminal()), at.Unix(),
		nullString(update.Result),
		nullString(update.ErrorMessage),
		taskID,
	}
	for _, st := range from {
		args = append(args, string(st))
	}

	result, err := s.exec(ctx, "transition task", query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transition task %s to %s: %w", taskID, to, domain.ErrInvalidTransition)
	}
	return nil
}

// AppendAction appends one tool invocation to the task's trail.
func (s *SQLiteStore) AppendAction(ctx context.Context, taskID string, action domain.ToolInvocation) error {
	query := `
	INSERT INTO task_actions (task_id, seq, tool, args, success, output, timestamp_offset_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var args, output any
	if len(action.Args) > 0 {
		args = string(action.Args)
	}
	if len(action.Output) > 0 {
		output = string(action.Output)
	}

	_, err := s.exec(ctx, "append task action", query,
		taskID, action.Seq, action.Tool, args, boolInt(action.Success), output, action.TimestampOffset,
	)
	return err
}

// UpdateStructuredPlan replaces the latest reported plan.
func (s *SQLiteStore) UpdateStructuredPlan(ctx context.Context, taskID string, plan json.RawMessage) error {
	_, err := s.exec(ctx, "update structured plan",
		`UPDATE background_tasks SET structured_plan = ? WHERE id = ?`, string(plan), taskID)
	return err
}

// FailInterruptedTasks fails every task left pending or running.
func (s *SQLiteStore) FailInterruptedTasks(ctx context.Context, message string, at time.Time) (int64, error) {
	query := `
	UPDATE background_tasks SET status = ?, ended_at = ?, error_message = ?
	WHERE status IN ('pending', 'running')`

	result, err := s.exec(ctx, "fail interrupted tasks", query, string(domain.TaskFailed), at.Unix(), message)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpsertMatterMemory inserts or merges a matter memory entry.
func (s *SQLiteStore) UpsertMatterMemory(ctx context.Context, entry *domain.MatterMemoryEntry) error {
	query := `
	INSERT INTO matter_memory (id, firm_id, matter_id, memory_type, content, importance, importance_rank,
		confidence, source_task_id, created_at, expires_at, is_resolved)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(firm_id, matter_id, memory_type, content) DO UPDATE SET
		importance = CASE WHEN excluded.importance_rank > matter_memory.importance_rank
			THEN excluded.importance ELSE matter_memory.importance END,
		importance_rank = MAX(matter_memory.importance_rank, excluded.importance_rank),
		confidence = MAX(matter_memory.confidence, excluded.confidence),
		expires_at = MAX(matter_memory.expires_at, excluded.expires_at),
		source_task_id = excluded.source_task_id`

	_, err := s.exec(ctx, "upsert matter memory", query,
		entry.ID, entry.FirmID, entry.MatterID, string(entry.MemoryType), entry.Content,
		string(entry.Importance), entry.Importance.Rank(), entry.Confidence,
		nullString(entry.SourceTaskID), entry.CreatedAt.Unix(), entry.ExpiresAt.Unix(),
	)
	return err
}

// ListMatterMemory returns unresolved, unexpired entries.
func (s *SQLiteStore) ListMatterMemory(ctx context.Context, firmID, matterID string, now time.Time, limit int) ([]*domain.MatterMemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, firm_id, matter_id, memory_type, content, importance, confidence,
		       source_task_id, created_at, expires_at, is_resolved
		FROM matter_memory
		WHERE firm_id = ? AND matter_id = ? AND is_resolved = 0 AND expires_at > ?
		ORDER BY importance_rank DESC, created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, firmID, matterID, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query matter memory: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close matter memory rows", "error", closeErr)
		}
	}()

	entries := []*domain.MatterMemoryEntry{}
	for rows.Next() {
		var e domain.MatterMemoryEntry
		var memoryType, importance string
		var source sql.NullString
		var createdAt, expiresAt int64
		var resolved int
		if err := rows.Scan(&e.ID, &e.FirmID, &e.MatterID, &memoryType, &e.Content, &importance,
			&e.Confidence, &source, &createdAt, &expiresAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan matter memory: %w", err)
		}
		e.MemoryType = domain.MemoryType(memoryType)
		e.Importance = domain.Importance(importance)
		e.SourceTaskID = source.String
		e.CreatedAt = time.Unix(createdAt, 0)
		e.ExpiresAt = time.Unix(expiresAt, 0)
		e.IsResolved = resolved == 1
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matter memory: %w", err)
	}
	return entries, nil
}

// ResolveMatterMemory marks an entry resolved.
func (s *SQLiteStore) ResolveMatterMemory(ctx context.Context, firmID, matterID, memoryID string) error {
	result, err := s.exec(ctx, "resolve matter memory",
		`UPDATE matter_memory SET is_resolved = 1 WHERE id = ? AND firm_id = ? AND matter_id = ?`,
		memoryID, firmID, matterID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("matter memory %s: %w", memoryID, domain.ErrNotFound)
	}
	return nil
}

// PurgeExpiredMatterMemory deletes entries that expired before the cutoff.
func (s *SQLiteStore) PurgeExpiredMatterMemory(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.exec(ctx, "purge matter memory", `DELETE FROM matter_memory WHERE expires_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpsertQualityOverride creates or reactivates an override.
func (s *SQLiteStore) UpsertQualityOverride(ctx context.Context, o *domain.QualityOverride) error {
	query := `
	INSERT INTO quality_overrides (id, firm_id, user_id, work_type, rule_type, rule_value, reason,
		source_task_id, applied_count, success_after, is_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 1, ?, ?)
	ON CONFLICT(firm_id, user_id, work_type, rule_type, rule_value) DO UPDATE SET
		is_active = 1,
		reason = excluded.reason,
		source_task_id = excluded.source_task_id,
		updated_at = excluded.updated_at
	RETURNING id, applied_count, success_after, created_at`

	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}

	var createdAt int64
	err := shared.RetryOnBusy(ctx, "upsert quality override", busyRetries, busyBaseDelay, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query,
			o.ID, o.FirmID, o.UserID, o.WorkType, string(o.RuleType), o.RuleValue, o.Reason,
			nullString(o.SourceTaskID), o.CreatedAt.Unix(), o.UpdatedAt.Unix(),
		).Scan(&o.ID, &o.AppliedCount, &o.SuccessAfter, &createdAt)
	})
	if err != nil {
		return fmt.Errorf("upsert quality override: %w", err)
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	o.IsActive = true
	return nil
}

// ListActiveOverrides returns active overrides for the user and work type.
func (s *SQLiteStore) ListActiveOverrides(ctx context.Context, firmID, userID, workType string) ([]*domain.QualityOverride, error) {
	query := `
		SELECT id, firm_id, user_id, work_type, rule_type, rule_value, reason, source_task_id,
		       applied_count, success_after, is_active, created_at, updated_at
		FROM quality_overrides
		WHERE firm_id = ? AND is_active = 1
		  AND user_id IN (?, '')
		  AND (? = '' OR work_type IN (?, ?))
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, firmID, userID, workType, workType, domain.AllWorkTypes)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close override rows", "error", closeErr)
		}
	}()

	overrides := []*domain.QualityOverride{}
	for rows.Next() {
		var o domain.QualityOverride
		var ruleType string
		var source sql.NullString
		var active int
		var createdAt, updatedAt int64
		if err := rows.Scan(&o.ID, &o.FirmID, &o.UserID, &o.WorkType, &ruleType, &o.RuleValue, &o.Reason,
			&source, &o.AppliedCount, &o.SuccessAfter, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.RuleType = domain.RuleType(ruleType)
		o.SourceTaskID = source.String
		o.IsActive = active == 1
		o.CreatedAt = time.Unix(createdAt, 0)
		o.UpdatedAt = time.Unix(updatedAt, 0)
		overrides = append(overrides, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overrides: %w", err)
	}
	return overrides, nil
}

// ApplyOverrides links overrides to a task and increments their applied count.
func (s *SQLiteStore) ApplyOverrides(ctx context.Context, taskID string, overrideIDs []string) error {
	if len(overrideIDs) == 0 {
		return nil
	}
	return shared.RetryOnBusy(ctx, "apply overrides", busyRetries, busyBaseDelay, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin apply overrides: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().Unix()
		for _, id := range overrideIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_overrides (task_id, override_id) VALUES (?, ?)`, taskID, id); err != nil {
				return fmt.Errorf("link override %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE quality_overrides SET applied_count = applied_count + 1, updated_at = ? WHERE id = ?`,
				now, id); err != nil {
				return fmt.Errorf("increment override %s: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// CreditOverrideSuccess credits success_after on the task's uncredited overrides.
func (s *SQLiteStore) CreditOverrideSuccess(ctx context.Context, taskID string) (int64, error) {
	var credited int64
	err := shared.RetryOnBusy(ctx, "credit overrides", busyRetries, busyBaseDelay, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin credit overrides: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(ctx, `
			UPDATE quality_overrides SET success_after = success_after + 1, updated_at = ?
			WHERE id IN (SELECT override_id FROM task_overrides WHERE task_id = ? AND credited = 0)`,
			time.Now().Unix(), taskID)
		if err != nil {
			return fmt.Errorf("credit overrides: %w", err)
		}
		if credited, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE task_overrides SET credited = 1 WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("mark overrides credited: %w", err)
		}
		return tx.Commit()
	})
	return credited, err
}

// DeactivateOverride deactivates one override owned by the firm.
func (s *SQLiteStore) DeactivateOverride(ctx context.Context, firmID, overrideID string) error {
	result, err := s.exec(ctx, "deactivate override",
		`UPDATE quality_overrides SET is_active = 0, updated_at = ? WHERE id = ? AND firm_id = ?`,
		time.Now().Unix(), overrideID, firmID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("override %s: %w", overrideID, domain.ErrNotFound)
	}
	return nil
}

// DeactivateIneffectiveOverrides deactivates overrides that never helped.
func (s *SQLiteStore) DeactivateIneffectiveOverrides(ctx context.Context, minApplied int) (int64, error) {
	result, err := s.exec(ctx, "deactivate ineffective overrides", `
		UPDATE quality_overrides SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND applied_count >= ? AND success_after = 0`,
		time.Now().Unix(), minApplied)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Chain confidence math lives in SQL so concurrent upserts stay atomic.
// Right-hand expressions read the pre-update row; excluded.avg_quality_score
// carries the run's quality.
var (
	chainSuccessConfidence = fmt.Sprintf(
		"MIN(%g, %g - (%g - tool_chains.confidence) * (1 - %g * excluded.avg_quality_score / 100.0))",
		domain.ChainConfidenceMax, domain.ChainConfidenceCeiling, domain.ChainConfidenceCeiling, domain.ChainLearningRate)

	chainSuccessQuery = `
	INSERT INTO tool_chains (firm_id, work_type, sequence_key, tool_sequence, success_count, total_count,
		avg_quality_score, avg_duration_seconds, confidence, deterministic, created_at, updated_at)
	VALUES (?, ?, ?, ?, 1, 1, ?, ?, ?, 0, ?, ?)
	ON CONFLICT(firm_id, work_type, sequence_key) DO UPDATE SET
		success_count = tool_chains.success_count + 1,
		total_count = tool_chains.total_count + 1,
		avg_quality_score = (tool_chains.avg_quality_score * tool_chains.success_count + excluded.avg_quality_score)
			/ (tool_chains.success_count + 1),
		avg_duration_seconds = (tool_chains.avg_duration_seconds * tool_chains.success_count + excluded.avg_duration_seconds)
			/ (tool_chains.success_count + 1),
		confidence = ` + chainSuccessConfidence + `,
		deterministic = CASE WHEN ` + chainSuccessConfidence + fmt.Sprintf(` > %g AND tool_chains.total_count + 1 >= %d
			THEN 1 ELSE 0 END,`, domain.ChainDeterministicConfidence, domain.ChainDeterministicMinRuns) + `
		updated_at = excluded.updated_at`

	chainFailureQuery = `
	INSERT INTO tool_chains (firm_id, work_type, sequence_key, tool_sequence, success_count, total_count,
		avg_quality_score, avg_duration_seconds, confidence, deterministic, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, 1, 0, 0, 0, 0, ?, ?)
	ON CONFLICT(firm_id, work_type, sequence_key) DO UPDATE SET
		total_count = tool_chains.total_count + 1,
		confidence = MAX(0, tool_chains.confidence - ` + fmt.Sprintf("%g", domain.ChainFailurePenalty) + `),
		deterministic = 0,
		updated_at = excluded.updated_at`
)

func runTime(run ChainRun) int64 {
	if run.At.IsZero() {
		return time.Now().Unix()
	}
	return run.At.Unix()
}

func clampQuality(q float64) float64 {
	switch {
	case q < 0:
		return 0
	case q > 100:
		return 100
	}
	return q
}

// RecordChainSuccess upserts a chain after a successful run.
func (s *SQLiteStore) RecordChainSuccess(ctx context.Context, run ChainRun) error {
	sequence, err := json.Marshal(run.Sequence)
	if err != nil {
		return fmt.Errorf("marshal tool sequence: %w", err)
	}
	q := clampQuality(run.Quality)
	at := runTime(run)
	_, err = s.exec(ctx, "record chain success", chainSuccessQuery,
		run.FirmID, run.WorkType, run.SequenceKey, string(sequence),
		q, run.DurationSeconds, domain.NextChainConfidenceOnSuccess(0, q), at, at,
	)
	return err
}

// RecordChainFailure upserts a chain after a failed or rejected run.
func (s *SQLiteStore) RecordChainFailure(ctx context.Context, run ChainRun) error {
	sequence, err := json.Marshal(run.Sequence)
	if err != nil {
		return fmt.Errorf("marshal tool sequence: %w", err)
	}
	at := runTime(run)
	_, err = s.exec(ctx, "record chain failure", chainFailureQuery,
		run.FirmID, run.WorkType, run.SequenceKey, string(sequence), at, at,
	)
	return err
}

// ProvenChain returns the highest-confidence chain at or above minConfidence.
func (s *SQLiteStore) ProvenChain(ctx context.Context, firmID, workType string, minConfidence float64) (*domain.ToolChain, error) {
	query := `
		SELECT firm_id, work_type, sequence_key, tool_sequence, success_count, total_count,
		       avg_quality_score, avg_duration_seconds, confidence, deterministic, updated_at
		FROM tool_chains
		WHERE firm_id = ? AND work_type = ? AND confidence >= ?
		ORDER BY confidence DESC, success_count DESC
		LIMIT 1`

	var c domain.ToolChain
	var sequence string
	var deterministic int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, firmID, workType, minConfidence).Scan(
		&c.FirmID, &c.WorkType, &c.SequenceKey, &sequence, &c.SuccessCount, &c.TotalCount,
		&c.AvgQualityScore, &c.AvgDurationSeconds, &c.Confidence, &deterministic, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tool chain: %w", err)
	}
	if err := json.Unmarshal([]byte(sequence), &c.ToolSequence); err != nil {
		return nil, fmt.Errorf("decode tool sequence: %w", err)
	}
	c.Deterministic = deterministic == 1
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// SaveConfidenceReport stores the latest report for a task.
func (s *SQLiteStore) SaveConfidenceReport(ctx context.Context, report *domain.ConfidenceReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal confidence report: %w", err)
	}
	_, err = s.exec(ctx, "save confidence report", `
		INSERT INTO confidence_reports (task_id, overall, report_json, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			overall = excluded.overall,
			report_json = excluded.report_json,
			created_at = excluded.created_at`,
		report.TaskID, report.Overall, string(body), time.Now().Unix())
	return err
}

// GetConfidenceReport returns the stored report, or nil.
func (s *SQLiteStore) GetConfidenceReport(ctx context.Context, taskID string) (*domain.ConfidenceReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM confidence_reports WHERE task_id = ?`, taskID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan confidence report: %w", err)
	}
	var report domain.ConfidenceReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("decode confidence report: %w", err)
	}
	return &report, nil
}

// SaveFeedback stores a feedback audit row.
func (s *SQLiteStore) SaveFeedback(ctx context.Context, f *domain.Feedback) error {
	_, err := s.exec(ctx, "save feedback", `
		INSERT INTO task_feedback (id, task_id, firm_id, user_id, rating, feedback, correction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TaskID, f.FirmID, f.UserID, f.Rating, nullString(f.Feedback), nullString(f.Correction),
		f.CreatedAt.Unix())
	return err
}
