package configdb

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
		CREATE TABLE camera(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			features BLOB,
			zone_points BLOB,
			user_id INT NOT NULL,
			created_at INT NOT NULL,
			updated_at INT NOT NULL
		);
		CREATE INDEX idx_camera_user_id ON camera(user_id);

		CREATE TABLE user(
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			username_normalized TEXT NOT NULL,
			permissions TEXT NOT NULL,
			password BLOB
		);
		CREATE UNIQUE INDEX idx_user_username_normalized ON user (username_normalized);

		CREATE TABLE session(
			created_at INT NOT NULL,
			key BLOB NOT NULL,
			user_id INT NOT NULL,
			expires_at INT
		);
		CREATE INDEX idx_session_key ON session(key);
	`))

	return migs
}
