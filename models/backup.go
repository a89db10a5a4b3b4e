package models

import "time"

const (
	BackupPayloadVersion = 1

	BackupSnapshotsTable MongoDbCollection = "backup_snapshots"
)

// BackupPayload is the versioned snapshot written to every backup tier.
type BackupPayload struct {
	Version    int                `json:"version"`
	Timestamp  time.Time          `json:"timestamp"`
	Invites    []InviteCacheEntry `json:"invites"`
	Staff      []StaffAttribution `json:"staff"`
	StaffAudit []StaffAuditEntry  `json:"staff_audit,omitempty"`
	Requests   []VIPRequest       `json:"requests,omitempty"`
}

type BackupTier string

const (
	BackupTierLocal      BackupTier = "local"
	BackupTierRemote     BackupTier = "remote"
	BackupTierRelational BackupTier = "relational"
)

// BackupOutcome is the logged result of one tier write.
type BackupOutcome struct {
	Tier  BackupTier
	At    time.Time
	Took  time.Duration
	Error error
}
