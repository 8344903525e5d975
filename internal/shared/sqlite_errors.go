// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// IsSQLiteBusyError reports whether err is a SQLITE_BUSY error.
func IsSQLiteBusyError(err error) bool {
	return errContains(err, "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	return errContains(err, "database is locked")
}

// IsSQLiteConflictError reports whether err is one of the SQLite concurrency
// errors worth retrying.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// The modernc driver reports result codes in the message only.
func errContains(err error, marker string) bool {
	return err != nil && strings.Contains(err.Error(), marker)
}
