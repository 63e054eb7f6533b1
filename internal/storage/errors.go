package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
	// ErrUnavailable means the store could not serve the call (closed, busy
	// past busy_timeout, or the caller's deadline expired). HTTP callers map
	// it to 503.
	ErrUnavailable = errors.New("store unavailable")
	ErrInvalid     = errors.New("invalid argument")
)

// wrap annotates err with op and tags transient store failures with
// ErrUnavailable. Sentinels already in the chain pass through untouched.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrInvalid) {
		return err
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "unable to open database")
}
