package models

import (
	"fmt"
	"time"
)

const (
	JoinRecordsTable MongoDbCollection = "join_records"

	JoinSourceResolver = "resolver"
	JoinSourceManual   = "manual"
)

// JoinRecord is one entry of the durable join log. It is never mutated once appended.
type JoinRecord struct {
	UserID         string    `json:"user_id" bson:"userid"`
	Username       string    `json:"username" bson:"username"`
	InviteCode     string    `json:"invite_code" bson:"invitecode"`
	StaffID        string    `json:"staff_id" bson:"staffid"`
	UseCountBefore int       `json:"use_count_before" bson:"usecountbefore"`
	UseCountAfter  int       `json:"use_count_after" bson:"usecountafter"`
	ObservedAt     time.Time `json:"observed_at" bson:"observedat"`
	CommunityID    string    `json:"community_id" bson:"communityid"`
	Ambiguous      bool      `json:"ambiguous" bson:"ambiguous"`
	Source         string    `json:"source" bson:"source"`
}

// Key identifies a record in the log: observed_at + user_id.
func (r JoinRecord) Key() string {
	return fmt.Sprintf("%s/%s", r.ObservedAt.UTC().Format(time.RFC3339Nano), r.UserID)
}

// Resolved reports whether the join could be mapped to an invite code.
func (r JoinRecord) Resolved() bool {
	return r.InviteCode != ""
}

// JoinEvent is the platform notification of a new member, without attribution.
type JoinEvent struct {
	CommunityID string
	UserID      string
	Username    string
	ObservedAt  time.Time
}
