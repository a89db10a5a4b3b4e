// Package invites holds the in-memory invite cache: per community, every invite code with its
// owning staff member and the highest use count ever observed.
package invites

import (
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bradfitz/slice"
	"github.com/sirupsen/logrus"
)

// Notifier is told about every mutation so the cache can be written through to the backups.
type Notifier interface {
	Trigger()
}

// OwnerLookup resolves the staff member owning an invite code.
type OwnerLookup interface {
	OwnerOf(inviteCode string) (staffID string, ok bool)
}

type Store struct {
	sync.RWMutex
	communities map[string]map[string]*models.InviteCacheEntry
	owners      OwnerLookup
	notifier    Notifier
	now         func() time.Time
}

func NewStore(owners OwnerLookup) *Store {
	return &Store{
		communities: make(map[string]map[string]*models.InviteCacheEntry),
		owners:      owners,
		now:         time.Now,
	}
}

// SetNotifier sets the write-through target. It is set once at startup, after the backup
// coordinator has been created on top of this store.
func (s *Store) SetNotifier(notifier Notifier) {
	s.Lock()
	s.notifier = notifier
	s.Unlock()
}

// Refresh merges the authoritative live listing of a community into the cache.
// The resulting use count of a code is max(cached, live). Codes missing from the listing are
// marked inactive, not removed; Sweep prunes them later.
func (s *Store) Refresh(communityID string, live []models.LiveInvite) {
	now := s.now()
	changed := false

	s.Lock()
	entries := s.community(communityID)
	seen := make(map[string]bool, len(live))
	for _, invite := range live {
		if invite.Code == "" {
			continue
		}
		seen[invite.Code] = true
		if s.observe(entries, communityID, invite, now) {
			changed = true
		}
	}
	for code, entry := range entries {
		if seen[code] || !entry.Active() {
			continue
		}
		inactiveSince := now
		entry.InactiveSince = &inactiveSince
		entry.UpdatedAt = now
		changed = true
		s.logger().WithField("communityID", communityID).WithField("code", code).
			Info("invite disappeared from the live listing, marked inactive")
	}
	s.Unlock()

	if changed {
		s.notify()
	}
}

// Observe merges a single invite, as announced by an invite create event.
func (s *Store) Observe(communityID string, invite models.LiveInvite) {
	if invite.Code == "" {
		return
	}

	s.Lock()
	changed := s.observe(s.community(communityID), communityID, invite, s.now())
	s.Unlock()

	if changed {
		s.notify()
	}
}

// MarkInactive flags a code deleted on the platform. Queued resolutions can still read it.
func (s *Store) MarkInactive(communityID, code string) {
	now := s.now()

	s.Lock()
	entry, ok := s.community(communityID)[code]
	changed := ok && entry.Active()
	if changed {
		entry.InactiveSince = &now
		entry.UpdatedAt = now
	}
	s.Unlock()

	if changed {
		s.notify()
	}
}

// Get returns a copy of the cached entry.
func (s *Store) Get(communityID, code string) (models.InviteCacheEntry, bool) {
	s.RLock()
	defer s.RUnlock()

	entry, ok := s.communities[communityID][code]
	if !ok {
		return models.InviteCacheEntry{}, false
	}
	return *entry, true
}

// Entries returns copies of all entries of a community ordered by code.
func (s *Store) Entries(communityID string) []models.InviteCacheEntry {
	s.RLock()
	defer s.RUnlock()

	result := make([]models.InviteCacheEntry, 0, len(s.communities[communityID]))
	for _, entry := range s.communities[communityID] {
		result = append(result, *entry)
	}
	sortEntries(result)
	return result
}

// All returns copies of every entry ordered by community and code.
func (s *Store) All() []models.InviteCacheEntry {
	s.RLock()
	defer s.RUnlock()

	result := make([]models.InviteCacheEntry, 0)
	for _, entries := range s.communities {
		for _, entry := range entries {
			result = append(result, *entry)
		}
	}
	sortEntries(result)
	return result
}

// Merge folds snapshot entries into the cache by the max use count rule. Merging is idempotent
// and commutative, see mergeEntry.
func (s *Store) Merge(snapshot []models.InviteCacheEntry) {
	changed := false

	s.Lock()
	for _, incoming := range snapshot {
		if incoming.InviteCode == "" {
			continue
		}
		entries := s.community(incoming.CommunityID)
		current, ok := entries[incoming.InviteCode]
		if !ok {
			copied := incoming
			entries[incoming.InviteCode] = &copied
			changed = true
			continue
		}
		merged := mergeEntry(*current, incoming)
		if !sameEntry(merged, *current) {
			*current = merged
			changed = true
		}
	}
	s.Unlock()

	if changed {
		s.notify()
	}
}

// RaiseFloor makes sure the cached use count of a code is at least useCount. Unknown codes are
// added; the next refresh marks them inactive if the platform no longer lists them.
func (s *Store) RaiseFloor(communityID, code string, useCount int) {
	if code == "" {
		return
	}
	now := s.now()

	s.Lock()
	entries := s.community(communityID)
	entry, ok := entries[code]
	if !ok {
		entry = &models.InviteCacheEntry{
			CommunityID: communityID,
			InviteCode:  code,
			UpdatedAt:   now,
		}
		if s.owners != nil {
			entry.OwningStaffID, _ = s.owners.OwnerOf(code)
		}
		entries[code] = entry
	}
	changed := !ok || entry.CumulativeUseCount < useCount
	if entry.CumulativeUseCount < useCount {
		entry.CumulativeUseCount = useCount
		entry.UpdatedAt = now
	}
	s.Unlock()

	if changed {
		s.notify()
	}
}

// SyncOwners re-resolves the owning staff member of every cached code, after the staff
// attributions changed.
func (s *Store) SyncOwners() {
	if s.owners == nil {
		return
	}
	now := s.now()
	changed := false

	s.Lock()
	for _, entries := range s.communities {
		for code, entry := range entries {
			owner, _ := s.owners.OwnerOf(code)
			if owner != entry.OwningStaffID {
				entry.OwningStaffID = owner
				entry.UpdatedAt = now
				changed = true
			}
		}
	}
	s.Unlock()

	if changed {
		s.notify()
	}
}

// Communities returns the ids of every community with cached invites.
func (s *Store) Communities() []string {
	s.RLock()
	defer s.RUnlock()

	ids := make([]string, 0, len(s.communities))
	for communityID := range s.communities {
		ids = append(ids, communityID)
	}
	slice.Sort(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}

// Sweep prunes the entries of a community that have been inactive for longer than olderThan.
// Callers hold the community's resolution lock.
func (s *Store) Sweep(communityID string, olderThan time.Duration) (pruned int) {
	deadline := s.now().Add(-olderThan)

	s.Lock()
	entries := s.communities[communityID]
	for code, entry := range entries {
		if entry.Active() || entry.InactiveSince.After(deadline) {
			continue
		}
		delete(entries, code)
		pruned++
		s.logger().WithField("communityID", communityID).WithField("code", code).
			Info("pruned inactive invite")
	}
	s.Unlock()

	if pruned > 0 {
		s.notify()
	}
	return pruned
}

// StaffWrittenAt returns the time of the most recent cache write to any code of the staff member.
func (s *Store) StaffWrittenAt(communityID, staffID string) (last time.Time) {
	if staffID == "" {
		return last
	}

	s.RLock()
	defer s.RUnlock()

	for _, entry := range s.communities[communityID] {
		if entry.OwningStaffID == staffID && entry.UpdatedAt.After(last) {
			last = entry.UpdatedAt
		}
	}
	return last
}

func (s *Store) observe(entries map[string]*models.InviteCacheEntry, communityID string, invite models.LiveInvite, now time.Time) (changed bool) {
	owner := ""
	ownerKnown := false
	if s.owners != nil {
		owner, ownerKnown = s.owners.OwnerOf(invite.Code)
	}

	entry, ok := entries[invite.Code]
	if !ok {
		entries[invite.Code] = &models.InviteCacheEntry{
			CommunityID:        communityID,
			InviteCode:         invite.Code,
			OwningStaffID:      owner,
			CreatorID:          invite.CreatorID,
			CreatorDisplayName: invite.CreatorDisplayName,
			CumulativeUseCount: invite.UseCount,
			LastObservedAt:     now,
			UpdatedAt:          now,
		}
		return true
	}

	entry.LastObservedAt = now
	if invite.UseCount > entry.CumulativeUseCount {
		entry.CumulativeUseCount = invite.UseCount
		changed = true
	}
	if invite.CreatorID != "" && invite.CreatorID != entry.CreatorID {
		entry.CreatorID = invite.CreatorID
		changed = true
	}
	if invite.CreatorDisplayName != "" && invite.CreatorDisplayName != entry.CreatorDisplayName {
		entry.CreatorDisplayName = invite.CreatorDisplayName
		changed = true
	}
	if s.owners != nil && (ownerKnown || entry.OwningStaffID != "") && owner != entry.OwningStaffID {
		entry.OwningStaffID = owner
		changed = true
	}
	if !entry.Active() {
		entry.InactiveSince = nil
		changed = true
	}
	if changed {
		entry.UpdatedAt = now
	}
	return changed
}

func (s *Store) community(communityID string) map[string]*models.InviteCacheEntry {
	entries, ok := s.communities[communityID]
	if !ok {
		entries = make(map[string]*models.InviteCacheEntry)
		s.communities[communityID] = entries
	}
	return entries
}

func (s *Store) notify() {
	s.RLock()
	notifier := s.notifier
	s.RUnlock()

	if notifier != nil {
		notifier.Trigger()
	}
}

func (s *Store) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "invites")
}

// mergeEntry combines two versions of the same code. The use count is the max of both; metadata
// comes from the more recently written version, ties broken by content so the result does not
// depend on argument order.
func mergeEntry(a, b models.InviteCacheEntry) models.InviteCacheEntry {
	newer, older := a, b
	if b.UpdatedAt.After(a.UpdatedAt) || (b.UpdatedAt.Equal(a.UpdatedAt) && entryLess(a, b)) {
		newer, older = b, a
	}

	merged := newer
	if older.CumulativeUseCount > merged.CumulativeUseCount {
		merged.CumulativeUseCount = older.CumulativeUseCount
	}
	if merged.OwningStaffID == "" {
		merged.OwningStaffID = older.OwningStaffID
	}
	if merged.CreatorID == "" {
		merged.CreatorID = older.CreatorID
	}
	if merged.CreatorDisplayName == "" {
		merged.CreatorDisplayName = older.CreatorDisplayName
	}
	if older.LastObservedAt.After(merged.LastObservedAt) {
		merged.LastObservedAt = older.LastObservedAt
	}
	return merged
}

func entryLess(a, b models.InviteCacheEntry) bool {
	if a.OwningStaffID != b.OwningStaffID {
		return a.OwningStaffID < b.OwningStaffID
	}
	if a.CreatorID != b.CreatorID {
		return a.CreatorID < b.CreatorID
	}
	if a.CreatorDisplayName != b.CreatorDisplayName {
		return a.CreatorDisplayName < b.CreatorDisplayName
	}
	if a.Active() != b.Active() {
		return a.Active()
	}
	if !a.Active() && !b.Active() && !a.InactiveSince.Equal(*b.InactiveSince) {
		return a.InactiveSince.Before(*b.InactiveSince)
	}
	return a.CumulativeUseCount < b.CumulativeUseCount
}

func sortEntries(entries []models.InviteCacheEntry) {
	slice.Sort(entries, func(i, j int) bool {
		if entries[i].CommunityID != entries[j].CommunityID {
			return entries[i].CommunityID < entries[j].CommunityID
		}
		return entries[i].InviteCode < entries[j].InviteCode
	})
}

func sameEntry(a, b models.InviteCacheEntry) bool {
	if a.Active() != b.Active() {
		return false
	}
	if !a.Active() && !a.InactiveSince.Equal(*b.InactiveSince) {
		return false
	}
	a.InactiveSince, b.InactiveSince = nil, nil
	return a.CommunityID == b.CommunityID &&
		a.InviteCode == b.InviteCode &&
		a.OwningStaffID == b.OwningStaffID &&
		a.CreatorID == b.CreatorID &&
		a.CreatorDisplayName == b.CreatorDisplayName &&
		a.CumulativeUseCount == b.CumulativeUseCount &&
		a.LastObservedAt.Equal(b.LastObservedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
