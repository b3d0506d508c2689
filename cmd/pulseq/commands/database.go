package commands

import (
	"database/sql"

	"github.com/teranos/pulseq/am"
	"github.com/teranos/pulseq/db"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/logger"
)

// openDatabase opens and migrates the queue database.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "pulseq.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger.Named("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
