package migrations

func m0_create_table_staff_attribution() error {
	err := CreateTableIfNotExists("staff_attribution", `
		staff_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		invite_code TEXT,
		referral_link TEXT,
		message_template TEXT,
		external_partner_code TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ`)
	if err != nil {
		return err
	}

	return CreateIndexIfNotExists("staff_attribution_invite_code", "staff_attribution", "invite_code")
}
