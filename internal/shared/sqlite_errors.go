// Package shared holds SQLite error classification and the busy-retry helper
// used by the store and the retention worker.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteCode returns the result code of a driver error, looking through
// wrapping. Extended codes carry the primary code in their low byte.
func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

// messageHas matches driver text for errors that lost their type, such as
// ones flattened with %v by a caller.
func messageHas(err error, fragments ...string) bool {
	msg := err.Error()
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// IsSQLiteBusyError reports SQLITE_BUSY: another connection holds the write
// lock.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code&0xff == sqlite3.SQLITE_BUSY
	}
	return messageHas(err, "SQLITE_BUSY")
}

// IsSQLiteLockedError reports SQLITE_LOCKED or a "database is locked" message.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok && code&0xff == sqlite3.SQLITE_LOCKED {
		return true
	}
	return messageHas(err, "database is locked", "SQLITE_LOCKED")
}

// IsSQLiteConflictError reports the lock contention errors RetryOnBusy
// retries.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// IsSQLiteUniqueError reports a UNIQUE or PRIMARY KEY constraint violation.
func IsSQLiteUniqueError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return messageHas(err, "UNIQUE constraint failed", "SQLITE_CONSTRAINT_UNIQUE", "SQLITE_CONSTRAINT_PRIMARYKEY")
}
