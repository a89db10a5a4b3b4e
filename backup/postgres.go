package backup

import (
	"context"
	"database/sql"
	"time"

	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/pkg/errors"
)

// Relational is the relational tier. It holds queryable copies of the staff attributions,
// the vip requests and the join records, plus the last payload.
type Relational interface {
	SaveSnapshot(ctx context.Context, payload models.BackupPayload) error
	// LoadSnapshot returns models.ErrNotFound if no payload was stored yet.
	LoadSnapshot(ctx context.Context) (models.BackupPayload, error)
	// InsertJoins stores join records, records already present are skipped.
	InsertJoins(ctx context.Context, records []models.JoinRecord) error
}

const postgresSnapshotKey = "default"

// Postgres implements Relational on top of the tables created by the migrations package.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) SaveSnapshot(ctx context.Context, payload models.BackupPayload) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction failed")
	}
	defer tx.Rollback()

	for _, attribution := range payload.Staff {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO staff_attribution
			(staff_id, display_name, invite_code, referral_link, message_template, external_partner_code, created_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (staff_id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				invite_code = EXCLUDED.invite_code,
				referral_link = EXCLUDED.referral_link,
				message_template = EXCLUDED.message_template,
				external_partner_code = EXCLUDED.external_partner_code,
				updated_at = EXCLUDED.updated_at,
				deleted_at = EXCLUDED.deleted_at`,
			attribution.StaffID, attribution.DisplayName, nullString(attribution.InviteCode),
			attribution.ReferralLink, attribution.MessageTemplate, attribution.ExternalPartnerCode,
			attribution.CreatedAt, attribution.UpdatedAt, nullTime(attribution.DeletedAt))
		if err != nil {
			return errors.Wrapf(err, "upserting staff attribution %s failed", attribution.StaffID)
		}
	}

	for _, request := range payload.Requests {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vip_requests
			(request_id, user_id, request_type, staff_id, status, proof_reference, email, missed_windows, created_at, updated_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (request_id) DO UPDATE SET
				staff_id = EXCLUDED.staff_id,
				status = EXCLUDED.status,
				proof_reference = EXCLUDED.proof_reference,
				email = EXCLUDED.email,
				missed_windows = EXCLUDED.missed_windows,
				updated_at = EXCLUDED.updated_at,
				closed_at = EXCLUDED.closed_at`,
			request.RequestID, request.UserID, request.RequestType, nullString(request.StaffID),
			string(request.Status), request.ProofReference, request.Email, request.MissedWindows,
			request.CreatedAt, request.UpdatedAt, nullTime(request.ClosedAt))
		if err != nil {
			return errors.Wrapf(err, "upserting vip request %s failed", request.RequestID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backup_snapshots (snapshot_key, version, taken_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_key) DO UPDATE SET
			version = EXCLUDED.version,
			taken_at = EXCLUDED.taken_at,
			payload = EXCLUDED.payload`,
		postgresSnapshotKey, payload.Version, payload.Timestamp, string(data))
	if err != nil {
		return errors.Wrap(err, "upserting backup snapshot failed")
	}

	return errors.Wrap(tx.Commit(), "committing snapshot failed")
}

func (p *Postgres) LoadSnapshot(ctx context.Context) (payload models.BackupPayload, err error) {
	var data string
	err = p.db.QueryRowContext(ctx, "SELECT payload FROM backup_snapshots WHERE snapshot_key = $1", postgresSnapshotKey).Scan(&data)
	if err == sql.ErrNoRows {
		return payload, models.ErrNotFound
	}
	if err != nil {
		return payload, errors.Wrap(err, "reading backup snapshot failed")
	}
	return decodePayload([]byte(data))
}

func (p *Postgres) InsertJoins(ctx context.Context, records []models.JoinRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction failed")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO join_records
		(record_key, user_id, username, invite_code, staff_id, use_count_before, use_count_after, observed_at, community_id, ambiguous, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (record_key) DO NOTHING`)
	if err != nil {
		return errors.Wrap(err, "preparing join insert failed")
	}
	defer stmt.Close()

	for _, record := range records {
		_, err = stmt.ExecContext(ctx, record.Key(), record.UserID, record.Username,
			nullString(record.InviteCode), nullString(record.StaffID), record.UseCountBefore,
			record.UseCountAfter, record.ObservedAt, record.CommunityID, record.Ambiguous, record.Source)
		if err != nil {
			return errors.Wrapf(err, "inserting join record %s failed", record.Key())
		}
	}

	return errors.Wrap(tx.Commit(), "committing join records failed")
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return *value
}
