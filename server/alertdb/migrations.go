package alertdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE alert(
			id INTEGER PRIMARY KEY,
			message TEXT NOT NULL,
			created_at INT NOT NULL,
			seen INT NOT NULL,
			user_id INT NOT NULL,
			camera_id INT NOT NULL,
			image BLOB,
			image_content_type TEXT
		);
		CREATE INDEX idx_alert_camera_id ON alert(camera_id);
		CREATE INDEX idx_alert_seen ON alert(seen);
	`))

	return migs
}
