// Package staff keeps the staff attributions: which staff member owns which invite code.
package staff

import (
	"strings"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bradfitz/slice"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	AuditCreate = "create"
	AuditUpdate = "update"
	AuditDelete = "delete"
)

type Notifier interface {
	Trigger()
}

// NotifierFunc adapts a func to a Notifier.
type NotifierFunc func()

func (f NotifierFunc) Trigger() {
	f()
}

// Patch lists the fields an update changes. Nil fields are kept.
type Patch struct {
	DisplayName         *string
	InviteCode          *string
	ReferralLink        *string
	MessageTemplate     *string
	ExternalPartnerCode *string
}

type Registry struct {
	sync.RWMutex
	byStaff   map[string]*models.StaffAttribution
	audit     []models.StaffAuditEntry
	notifiers []Notifier
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byStaff: make(map[string]*models.StaffAttribution),
		audit:   make([]models.StaffAuditEntry, 0),
		now:     time.Now,
	}
}

// AddNotifier registers a listener that is told about every change.
func (r *Registry) AddNotifier(notifier Notifier) {
	r.Lock()
	r.notifiers = append(r.notifiers, notifier)
	r.Unlock()
}

// Create adds the attribution of a staff member. A staff member owns at most one live
// attribution and an invite code belongs to at most one; changing an existing attribution is
// an Update.
func (r *Registry) Create(actorID string, attribution models.StaffAttribution) (models.StaffAttribution, error) {
	attribution.StaffID = strings.TrimSpace(attribution.StaffID)
	attribution.InviteCode = strings.TrimSpace(attribution.InviteCode)
	if attribution.StaffID == "" || attribution.InviteCode == "" {
		return attribution, errors.New("staff attribution needs a staff id and an invite code")
	}

	r.Lock()
	existing, ok := r.byStaff[attribution.StaffID]
	if ok && !existing.Deleted() {
		r.Unlock()
		return *existing, &models.ConflictError{Kind: models.ConflictStaff, ExistingID: existing.StaffID}
	}
	if owner := r.ownerOf(attribution.InviteCode); owner != "" {
		r.Unlock()
		return attribution, &models.ConflictError{Kind: models.ConflictInviteCode, ExistingID: owner}
	}

	now := r.now()
	attribution.CreatedAt = now
	attribution.UpdatedAt = now
	attribution.DeletedAt = nil
	var before *models.StaffAttribution
	if ok {
		previous := *existing
		before = &previous
	}
	stored := attribution
	r.byStaff[attribution.StaffID] = &stored
	r.record(actorID, AuditCreate, attribution.StaffID, before, &stored)
	r.Unlock()

	r.notify()
	return attribution, nil
}

// Update applies the patch to the live attribution of a staff member.
func (r *Registry) Update(actorID, staffID string, patch Patch) (models.StaffAttribution, error) {
	r.Lock()
	existing, ok := r.byStaff[staffID]
	if !ok || existing.Deleted() {
		r.Unlock()
		return models.StaffAttribution{}, errors.Wrapf(models.ErrNotFound, "staff attribution %s", staffID)
	}

	updated := *existing
	if patch.InviteCode != nil {
		code := strings.TrimSpace(*patch.InviteCode)
		if code == "" {
			r.Unlock()
			return updated, errors.New("staff attribution needs an invite code")
		}
		if owner := r.ownerOf(code); owner != "" && owner != staffID {
			r.Unlock()
			return updated, &models.ConflictError{Kind: models.ConflictInviteCode, ExistingID: owner}
		}
		updated.InviteCode = code
	}
	if patch.DisplayName != nil {
		updated.DisplayName = *patch.DisplayName
	}
	if patch.ReferralLink != nil {
		updated.ReferralLink = *patch.ReferralLink
	}
	if patch.MessageTemplate != nil {
		updated.MessageTemplate = *patch.MessageTemplate
	}
	if patch.ExternalPartnerCode != nil {
		updated.ExternalPartnerCode = *patch.ExternalPartnerCode
	}
	updated.UpdatedAt = r.now()

	before := *existing
	*existing = updated
	r.record(actorID, AuditUpdate, staffID, &before, &updated)
	r.Unlock()

	r.notify()
	return updated, nil
}

// Delete soft-deletes the attribution; the invite code becomes free for another staff member.
func (r *Registry) Delete(actorID, staffID string) error {
	r.Lock()
	existing, ok := r.byStaff[staffID]
	if !ok || existing.Deleted() {
		r.Unlock()
		return errors.Wrapf(models.ErrNotFound, "staff attribution %s", staffID)
	}

	before := *existing
	deletedAt := r.now()
	existing.DeletedAt = &deletedAt
	existing.UpdatedAt = deletedAt
	after := *existing
	r.record(actorID, AuditDelete, staffID, &before, &after)
	r.Unlock()

	r.notify()
	return nil
}

// List returns the attributions ordered by display name.
func (r *Registry) List(includeDeleted bool) []models.StaffAttribution {
	r.RLock()
	result := make([]models.StaffAttribution, 0, len(r.byStaff))
	for _, attribution := range r.byStaff {
		if attribution.Deleted() && !includeDeleted {
			continue
		}
		result = append(result, *attribution)
	}
	r.RUnlock()

	slice.Sort(result, func(i, j int) bool {
		if strings.ToLower(result[i].DisplayName) != strings.ToLower(result[j].DisplayName) {
			return strings.ToLower(result[i].DisplayName) < strings.ToLower(result[j].DisplayName)
		}
		return result[i].StaffID < result[j].StaffID
	})
	return result
}

func (r *Registry) ByStaffID(staffID string) (models.StaffAttribution, bool) {
	r.RLock()
	defer r.RUnlock()

	attribution, ok := r.byStaff[staffID]
	if !ok || attribution.Deleted() {
		return models.StaffAttribution{}, false
	}
	return *attribution, true
}

func (r *Registry) ByInviteCode(code string) (models.StaffAttribution, bool) {
	r.RLock()
	defer r.RUnlock()

	owner := r.ownerOf(code)
	if owner == "" {
		return models.StaffAttribution{}, false
	}
	return *r.byStaff[owner], true
}

// OwnerOf resolves the staff member owning an invite code.
func (r *Registry) OwnerOf(code string) (string, bool) {
	r.RLock()
	defer r.RUnlock()

	owner := r.ownerOf(code)
	return owner, owner != ""
}

// Audit returns the change history of a staff member, or of everyone for an empty id.
func (r *Registry) Audit(staffID string) []models.StaffAuditEntry {
	r.RLock()
	defer r.RUnlock()

	result := make([]models.StaffAuditEntry, 0)
	for _, entry := range r.audit {
		if staffID == "" || entry.StaffID == staffID {
			result = append(result, entry)
		}
	}
	return result
}

// Snapshot returns every attribution, deleted ones included, and the audit trail.
func (r *Registry) Snapshot() ([]models.StaffAttribution, []models.StaffAuditEntry) {
	attributions := r.List(true)

	r.RLock()
	audit := make([]models.StaffAuditEntry, len(r.audit))
	copy(audit, r.audit)
	r.RUnlock()

	return attributions, audit
}

// Load replaces the registry content with restored data.
func (r *Registry) Load(attributions []models.StaffAttribution, audit []models.StaffAuditEntry) {
	r.Lock()
	r.byStaff = make(map[string]*models.StaffAttribution, len(attributions))
	for _, attribution := range attributions {
		stored := attribution
		r.byStaff[attribution.StaffID] = &stored
	}
	r.audit = make([]models.StaffAuditEntry, len(audit))
	copy(r.audit, audit)
	r.Unlock()

	r.logger().Infof("loaded %d staff attributions", len(attributions))
}

func (r *Registry) ownerOf(code string) string {
	if code == "" {
		return ""
	}
	for staffID, attribution := range r.byStaff {
		if !attribution.Deleted() && attribution.InviteCode == code {
			return staffID
		}
	}
	return ""
}

func (r *Registry) record(actorID, action, staffID string, before, after *models.StaffAttribution) {
	r.audit = append(r.audit, models.StaffAuditEntry{
		At:      r.now(),
		ActorID: actorID,
		Action:  action,
		StaffID: staffID,
		Before:  copyAttribution(before),
		After:   copyAttribution(after),
	})
	entry := r.logger().WithFields(logrus.Fields{
		"actorID": actorID,
		"staffID": staffID,
	})
	if after != nil {
		entry = entry.WithField("code", after.InviteCode)
	}
	entry.Info("staff attribution ", action)
}

func (r *Registry) notify() {
	r.RLock()
	notifiers := make([]Notifier, len(r.notifiers))
	copy(notifiers, r.notifiers)
	r.RUnlock()

	for _, notifier := range notifiers {
		notifier.Trigger()
	}
}

func (r *Registry) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "staff")
}

func copyAttribution(attribution *models.StaffAttribution) *models.StaffAttribution {
	if attribution == nil {
		return nil
	}
	copied := *attribution
	return &copied
}
