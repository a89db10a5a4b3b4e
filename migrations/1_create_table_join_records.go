package migrations

func m1_create_table_join_records() error {
	err := CreateTableIfNotExists("join_records", `
		record_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		username TEXT,
		invite_code TEXT,
		staff_id TEXT,
		use_count_before INTEGER NOT NULL DEFAULT 0,
		use_count_after INTEGER NOT NULL DEFAULT 0,
		observed_at TIMESTAMPTZ NOT NULL,
		community_id TEXT NOT NULL,
		ambiguous BOOLEAN NOT NULL DEFAULT FALSE,
		source TEXT NOT NULL`)
	if err != nil {
		return err
	}

	err = CreateIndexIfNotExists("join_records_user_id", "join_records", "user_id, observed_at")
	if err != nil {
		return err
	}

	return CreateIndexIfNotExists("join_records_staff_id", "join_records", "staff_id")
}
