package migrations

func m2_create_table_vip_requests() error {
	err := CreateTableIfNotExists("vip_requests", `
		request_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		request_type TEXT NOT NULL,
		staff_id TEXT,
		status TEXT NOT NULL,
		proof_reference TEXT,
		email TEXT,
		missed_windows INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ`)
	if err != nil {
		return err
	}

	return CreateIndexIfNotExists("vip_requests_user_id", "vip_requests", "user_id")
}
