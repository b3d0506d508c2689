package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/logger"
	"github.com/teranos/pulseq/sym"
)

func TestOpen(t *testing.T) {
	t.Run("applies pragmas", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "queue.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("creates database file if missing", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")
		_, err := os.Stat(dbPath)
		require.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("returns wrapped error for unusable path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/queue.db", nil)
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}
		assert.Error(t, err)
	})
}

func TestOpenWithMigrationsLogsDBSymbol(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "queue.db"), zap.New(core).Sugar())
	require.NoError(t, err)
	defer db.Close()

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		assert.Equal(t, sym.DB, entry.ContextMap()[logger.FieldSymbol], entry.Message)
	}
	assert.NotZero(t, logs.FilterMessage("Applied migration").Len())
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "listener")))
	assert.False(t, IsDatabaseClosed(errors.New("disk I/O error")))
	assert.False(t, IsDatabaseClosed(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO system_queue (code, title, command, status, rscript, create_at)
		VALUES (?, 'nightly-export', 'export', 1, 0, '2026-10-15 00:00:00')`
	_, err = db.Exec(insert, "Q1")
	require.NoError(t, err)

	_, err = db.Exec(insert, "Q2")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err), "singleton index should reject a second waiting row")
	assert.False(t, IsUniqueViolation(errors.New("other")))
}
