package alertdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// AlertDB stores detection alerts reported by the per-camera workers.
// Alerts are append-only: once written, only the 'seen' flag ever changes.
type AlertDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create the alert DB
func Open(logger logs.Log, dbFilename string) (*AlertDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &AlertDB{
		Log: logger,
		DB:  db,
	}, nil
}
