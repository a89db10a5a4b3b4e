package migrations

func m3_create_table_backup_snapshots() error {
	return CreateTableIfNotExists("backup_snapshots", `
		snapshot_key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		payload TEXT NOT NULL`)
}
