package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "errors.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`CREATE TABLE feedback (id TEXT PRIMARY KEY, task_id TEXT NOT NULL UNIQUE)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestIsSQLiteUniqueErrorFromDriver(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `INSERT INTO feedback (id, task_id) VALUES ('fb-1', 't-1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		name  string
		query string
	}{
		{"unique column", `INSERT INTO feedback (id, task_id) VALUES ('fb-2', 't-1')`},
		{"primary key", `INSERT INTO feedback (id, task_id) VALUES ('fb-1', 't-2')`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.ExecContext(ctx, tt.query)
			if err == nil {
				t.Fatal("insert succeeded, want constraint error")
			}
			wrapped := fmt.Errorf("save feedback: %w", err)
			if !IsSQLiteUniqueError(wrapped) {
				t.Fatalf("IsSQLiteUniqueError(%v) = false", err)
			}
			if IsSQLiteConflictError(wrapped) {
				t.Fatalf("constraint error classified as conflict: %v", err)
			}
		})
	}

	_, err := db.ExecContext(ctx, `INSERT INTO missing (id) VALUES ('x')`)
	if err == nil || IsSQLiteUniqueError(err) {
		t.Fatalf("missing table err = %v, want a non-unique error", err)
	}
}

func TestSQLiteErrorMessages(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		busy     bool
		locked   bool
		conflict bool
		unique   bool
	}{
		{"nil", nil, false, false, false, false},
		{"busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true, true, true, false},
		{"locked table", errors.New("database table is locked (SQLITE_LOCKED)"), false, true, true, false},
		{"flattened unique", fmt.Errorf("insert: %v", errors.New("UNIQUE constraint failed: feedback.task_id")), false, false, false, true},
		{"other", errors.New("no such table: feedback"), false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteBusyError(tt.err); got != tt.busy {
				t.Errorf("busy = %v, want %v", got, tt.busy)
			}
			if got := IsSQLiteLockedError(tt.err); got != tt.locked {
				t.Errorf("locked = %v, want %v", got, tt.locked)
			}
			if got := IsSQLiteConflictError(tt.err); got != tt.conflict {
				t.Errorf("conflict = %v, want %v", got, tt.conflict)
			}
			if got := IsSQLiteUniqueError(tt.err); got != tt.unique {
				t.Errorf("unique = %v, want %v", got, tt.unique)
			}
		})
	}
}
