package models

import "time"

const (
	// {userID} resolves to Session
	SessionRedisKey = "robyul-referrals:sessions:user:%s"
	// set of user ids with a stored Session
	SessionIndexRedisKey = "robyul-referrals:sessions:index"
)

type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusExpired SessionStatus = "expired"
	SessionStatusClosed  SessionStatus = "closed"
)

// Session is a user's ephemeral conversation backed by a platform resource (a private thread).
type Session struct {
	UserID              string        `json:"user_id" msgpack:"user_id"`
	ExternalResourceRef string        `json:"external_resource_ref" msgpack:"external_resource_ref"`
	CreatedAt           time.Time     `json:"created_at" msgpack:"created_at"`
	LastActivityAt      time.Time     `json:"last_activity_at" msgpack:"last_activity_at"`
	Status              SessionStatus `json:"status" msgpack:"status"`
	CloseReason         string        `json:"close_reason,omitempty" msgpack:"close_reason"`
}

func (s Session) Active() bool {
	return s.Status == SessionStatusActive
}
