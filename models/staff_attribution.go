package models

import (
	"net/url"
	"strings"
	"time"
)

const (
	StaffAttributionTable MongoDbCollection = "staff_attribution"
)

// StaffAttribution links a staff member to the invite code they hand out.
type StaffAttribution struct {
	StaffID             string     `json:"staff_id" bson:"_id"`
	DisplayName         string     `json:"display_name" bson:"displayname"`
	InviteCode          string     `json:"invite_code" bson:"invitecode"`
	ReferralLink        string     `json:"referral_link" bson:"referrallink"`
	MessageTemplate     string     `json:"message_template" bson:"messagetemplate"`
	ExternalPartnerCode string     `json:"external_partner_code" bson:"externalpartnercode"`
	CreatedAt           time.Time  `json:"created_at" bson:"createdat"`
	UpdatedAt           time.Time  `json:"updated_at" bson:"updatedat"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty" bson:"deletedat,omitempty"`
}

func (s StaffAttribution) Deleted() bool {
	return s.DeletedAt != nil
}

// ReferralCode extracts the partner referral code from the referral link.
// Links look like https://partner.example/register?ref=CODE or https://partner.example/r/CODE,
// anything else falls back to the configured external partner code.
func (s StaffAttribution) ReferralCode() string {
	if s.ReferralLink == "" {
		return s.ExternalPartnerCode
	}
	parsed, err := url.Parse(s.ReferralLink)
	if err != nil {
		return s.ExternalPartnerCode
	}
	for _, key := range []string{"ref", "referral", "code", "ib"} {
		if value := parsed.Query().Get(key); value != "" {
			return value
		}
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 && parts[len(parts)-1] != "" {
		return parts[len(parts)-1]
	}
	return s.ExternalPartnerCode
}

// Render fills the staff placeholders of a message template.
func (s StaffAttribution) Render(template string) string {
	if template == "" {
		template = s.MessageTemplate
	}
	return strings.NewReplacer(
		"{staff_name}", s.DisplayName,
		"{referral_link}", s.ReferralLink,
		"{referral_code}", s.ReferralCode(),
		"{partner_code}", s.ExternalPartnerCode,
		"{invite_code}", s.InviteCode,
	).Replace(template)
}

// StaffAuditEntry records one administrative change to a StaffAttribution.
type StaffAuditEntry struct {
	At      time.Time         `json:"at"`
	ActorID string            `json:"actor_id"`
	Action  string            `json:"action"`
	StaffID string            `json:"staff_id"`
	Before  *StaffAttribution `json:"before,omitempty"`
	After   *StaffAttribution `json:"after,omitempty"`
}
