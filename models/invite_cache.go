package models

import "time"

// LiveInvite is one row of the platform's point-in-time invite listing.
type LiveInvite struct {
	Code               string
	CreatorID          string
	CreatorDisplayName string
	UseCount           int
}

// InviteCacheEntry is the cached state of one invite code of one community.
type InviteCacheEntry struct {
	CommunityID        string     `json:"community_id" bson:"communityid" msgpack:"community_id"`
	InviteCode         string     `json:"invite_code" bson:"invitecode" msgpack:"invite_code"`
	OwningStaffID      string     `json:"owning_staff_id,omitempty" bson:"owningstaffid" msgpack:"owning_staff_id"`
	CreatorID          string     `json:"creator_id,omitempty" bson:"creatorid" msgpack:"creator_id"`
	CreatorDisplayName string     `json:"creator_display_name,omitempty" bson:"creatordisplayname" msgpack:"creator_display_name"`
	CumulativeUseCount int        `json:"cumulative_use_count" bson:"cumulativeusecount" msgpack:"cumulative_use_count"`
	LastObservedAt     time.Time  `json:"last_observed_at" bson:"lastobservedat" msgpack:"last_observed_at"`
	UpdatedAt          time.Time  `json:"updated_at" bson:"updatedat" msgpack:"updated_at"`
	InactiveSince      *time.Time `json:"inactive_since,omitempty" bson:"inactivesince,omitempty" msgpack:"inactive_since"`
}

// Active reports whether the code was present in the latest live listing.
func (e InviteCacheEntry) Active() bool {
	return e.InactiveSince == nil
}

// Owned reports whether the code belongs to a staff attribution.
func (e InviteCacheEntry) Owned() bool {
	return e.OwningStaffID != ""
}
