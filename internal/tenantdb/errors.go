package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/zeebo/errs"
)

// Error classes for everything the routing core can surface. The boundary
// layer maps each class to a user-facing status; nothing below this package
// panics on a storage fault.
var (
	// ErrRouting means an operation could not be attributed to a target
	// database. Never retried.
	ErrRouting = errs.Class("routing")

	// ErrProvisioning means a project id is unknown to the main database.
	ErrProvisioning = errs.Class("provisioning")

	// ErrConnection means storage stayed unreachable after retries were
	// exhausted.
	ErrConnection = errs.Class("connection")

	// ErrSchema means a structural mismatch remained after a repair cycle.
	ErrSchema = errs.Class("schema")

	// ErrDuplicate means a uniqueness violation. Never retried.
	ErrDuplicate = errs.Class("duplicate")

	// ErrNotFound means the target row is absent.
	ErrNotFound = errs.Class("not found")
)

// connectionSymptoms are substrings of driver errors that indicate the
// handle itself is unusable rather than the statement being wrong.
var connectionSymptoms = []string{
	"database is locked",
	"database is closed",
	"unable to open database",
	"disk i/o error",
	"database disk image is malformed",
	"interrupted",
	"connection reset",
}

// structuralSymptoms indicate the database is reachable but its schema does
// not match expectations.
var structuralSymptoms = []string{
	"no such table",
	"no such column",
	"no such index",
}

// duplicateSymptoms indicate a uniqueness violation.
var duplicateSymptoms = []string{
	"unique constraint failed",
	"primary key constraint",
}

func matchesAny(err error, symptoms []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range symptoms {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsConnectionFault reports whether err is a transient connection-class
// failure worth a reconnect and retry.
func IsConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return matchesAny(err, connectionSymptoms)
}

// IsStructuralFault reports whether err is caused by missing or incorrect
// schema rather than connectivity.
func IsStructuralFault(err error) bool {
	return matchesAny(err, structuralSymptoms)
}

// ClassifyTerminal wraps a non-retryable error into its taxonomy class.
// Connection and structural faults are left untouched; the retry wrapper
// owns those.
func ClassifyTerminal(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound.Wrap(err)
	case matchesAny(err, duplicateSymptoms):
		return ErrDuplicate.Wrap(err)
	default:
		return err
	}
}
