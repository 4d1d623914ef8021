package store

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// IsUniqueViolation reports whether err is a unique-constraint violation
// from either supported backend. PutReceipt's Step 5 relies on this to
// convert a race between two concurrent identical writers into a
// deterministic idempotent-replay resolution (spec.md §4.4, §5) instead of
// surfacing a raw driver error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 23505 = unique_violation in Postgres's error code catalog.
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite reports constraint violations as plain error
	// strings rather than a typed error; match the SQLite wording.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}
