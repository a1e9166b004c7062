package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/errors"
)

func TestOpen(t *testing.T) {
	t.Run("applies pragmas", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("errors carry stack traces", func(t *testing.T) {
		tmpDir := t.TempDir()
		err := os.Chmod(tmpDir, 0555)
		require.NoError(t, err)
		defer os.Chmod(tmpDir, 0755)

		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}

		db, err := Open(filepath.Join(tmpDir, "sub", "test.db"), nil)
		require.Error(t, err)
		assert.Nil(t, db)

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go")
	})
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(ErrDatabaseClosed))
	assert.True(t, IsDatabaseClosed(fmt.Errorf("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(fmt.Errorf("no such table")))
	assert.True(t, IsDatabaseClosed(fmt.Errorf("claim: %w", sql.ErrConnDone)))
}

func TestMarkClosedSurvivesWrapping(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "closed.db"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, queryErr := conn.Exec("SELECT 1")
	require.Error(t, queryErr)

	marked := errors.Wrap(MarkClosed(queryErr), "failed to find due task")
	assert.True(t, errors.Is(marked, ErrDatabaseClosed))
	assert.True(t, IsDatabaseClosed(marked))

	other := errors.New("no such table: queue_tasks")
	assert.Equal(t, other, MarkClosed(other))
	assert.Nil(t, MarkClosed(nil))
}
