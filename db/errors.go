package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/cadence/errors"
)

// ErrDatabaseClosed marks errors from a database closed underneath a running
// loop, which is how the queue poller sees a shutdown that closed the
// connection first.
var ErrDatabaseClosed = errors.New("database is closed")

// MarkClosed tags err with ErrDatabaseClosed when the driver reports a closed
// database or connection. Any other error is returned unchanged.
func MarkClosed(err error) error {
	if err == nil || errors.Is(err, ErrDatabaseClosed) {
		return err
	}
	// database/sql returns an unexported error for a closed *sql.DB
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return errors.Mark(err, ErrDatabaseClosed)
	}
	return err
}

// IsDatabaseClosed reports whether err comes from a closed database
func IsDatabaseClosed(err error) bool {
	return errors.Is(MarkClosed(err), ErrDatabaseClosed)
}
