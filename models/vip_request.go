package models

import "time"

const (
	VIPRequestsTable MongoDbCollection = "vip_requests"
)

type VIPRequestStatus string

const (
	VIPStatusPending       VIPRequestStatus = "pending"
	VIPStatusEmailSent     VIPRequestStatus = "email_sent"
	VIPStatusAwaitingProof VIPRequestStatus = "awaiting_proof"
	VIPStatusProofUploaded VIPRequestStatus = "proof_uploaded"
	VIPStatusApproved      VIPRequestStatus = "approved"
	VIPStatusDenied        VIPRequestStatus = "denied"
	VIPStatusCancelled     VIPRequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s VIPRequestStatus) Terminal() bool {
	switch s {
	case VIPStatusApproved, VIPStatusDenied, VIPStatusCancelled:
		return true
	}
	return false
}

func (s VIPRequestStatus) Valid() bool {
	switch s {
	case VIPStatusPending, VIPStatusEmailSent, VIPStatusAwaitingProof, VIPStatusProofUploaded,
		VIPStatusApproved, VIPStatusDenied, VIPStatusCancelled:
		return true
	}
	return false
}

type VIPRequest struct {
	RequestID      string           `json:"request_id" bson:"_id"`
	UserID         string           `json:"user_id" bson:"userid"`
	RequestType    string           `json:"request_type" bson:"requesttype"`
	StaffID        string           `json:"staff_id" bson:"staffid"`
	Status         VIPRequestStatus `json:"status" bson:"status"`
	ProofReference string           `json:"proof_reference,omitempty" bson:"proofreference"`
	Email          string           `json:"email,omitempty" bson:"email"`
	Notes          string           `json:"notes,omitempty" bson:"notes"`
	DeadlineAt     *time.Time       `json:"deadline_at,omitempty" bson:"deadlineat,omitempty"`
	MissedWindows  int              `json:"missed_windows" bson:"missedwindows"`
	CreatedAt      time.Time        `json:"created_at" bson:"createdat"`
	UpdatedAt      time.Time        `json:"updated_at" bson:"updatedat"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty" bson:"closedat,omitempty"`
}

// VIPStaffStats summarizes the conversions credited to one staff member.
type VIPStaffStats struct {
	StaffID         string  `json:"staff_id"`
	TotalJoins      int     `json:"total_joins"`
	Conversions     int     `json:"conversions"`
	PendingRequests int     `json:"pending_requests"`
	ConversionRate  float64 `json:"conversion_rate"`
}
