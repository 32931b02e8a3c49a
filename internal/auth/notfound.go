package auth

import (
	"database/sql"
	"errors"
)

// isNotFound reports whether a repo error means "no such row". All repo
// lookups wrap sql.ErrNoRows on a miss.
func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
