package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMigrate(t *testing.T) {
	t.Run("creates queue schema", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, zaptest.NewLogger(t).Sugar()))

		for _, table := range []string{"schema_migrations", "system_queue", "cache_entries"} {
			var n int
			require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n))
			assert.Equal(t, 1, n, "table %s should exist", table)
		}

		var versions int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
		files, err := migrationFiles()
		require.NoError(t, err)
		assert.Equal(t, len(files), versions)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations twice should be safe")
	})

	t.Run("heartbeat column is present", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "queue.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("UPDATE system_queue SET heartbeat_time = 1 WHERE code = 'none'")
		assert.NoError(t, err)
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
		require.NoError(t, err)
		db.Close()

		assert.Error(t, Migrate(db, nil))
	})
}

func TestMigrationFilesSorted(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "000_create_schema_migrations.sql", files[0])
}
