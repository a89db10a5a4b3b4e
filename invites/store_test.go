package invites

import (
	"testing"
	"time"

	"github.com/Seklfreak/robyul-referrals/models"
)

type staticOwners map[string]string

func (o staticOwners) OwnerOf(code string) (string, bool) {
	staffID, ok := o[code]
	return staffID, ok
}

type countingNotifier struct {
	triggers int
}

func (n *countingNotifier) Trigger() {
	n.triggers++
}

func newTestStore(now *time.Time) (*Store, *countingNotifier) {
	store := NewStore(staticOwners{"A1": "S1", "B2": "S2"})
	store.now = func() time.Time { return *now }
	notifier := &countingNotifier{}
	store.SetNotifier(notifier)
	return store, notifier
}

func TestRefreshKeepsMaxUseCount(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store, notifier := newTestStore(&now)

	store.Refresh("g1", []models.LiveInvite{{Code: "A1", CreatorID: "u1", UseCount: 4}})
	store.Refresh("g1", []models.LiveInvite{{Code: "A1", CreatorID: "u1", UseCount: 2}})

	entry, ok := store.Get("g1", "A1")
	if !ok {
		t.Fatalf("invites.Get() did not find a refreshed code")
	}
	if entry.CumulativeUseCount != 4 {
		t.Fatalf("invites.Refresh() lowered the use count to %d", entry.CumulativeUseCount)
	}
	if entry.OwningStaffID != "S1" {
		t.Fatalf("invites.Refresh() resolved owner %q, expected S1", entry.OwningStaffID)
	}
	if notifier.triggers != 1 {
		t.Fatalf("invites.Refresh() triggered %d backups, expected 1", notifier.triggers)
	}

	store.Refresh("g1", []models.LiveInvite{{Code: "A1", UseCount: 6}})
	entry, _ = store.Get("g1", "A1")
	if entry.CumulativeUseCount != 6 || entry.CreatorID != "u1" {
		t.Fatalf("invites.Refresh() = %+v, expected use count 6 and retained creator", entry)
	}
}

func TestRefreshMarksMissingInactiveAndSweepPrunes(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newTestStore(&now)

	store.Refresh("g1", []models.LiveInvite{{Code: "A1", UseCount: 1}, {Code: "B2", UseCount: 3}})
	now = now.Add(time.Minute)
	store.Refresh("g1", []models.LiveInvite{{Code: "A1", UseCount: 1}})

	entry, ok := store.Get("g1", "B2")
	if !ok {
		t.Fatalf("invites.Refresh() removed a code missing from the live listing")
	}
	if entry.Active() {
		t.Fatalf("invites.Refresh() did not mark a missing code inactive")
	}

	if pruned := store.Sweep("g1", time.Hour); pruned != 0 {
		t.Fatalf("invites.Sweep() pruned %d entries before the delay elapsed", pruned)
	}
	now = now.Add(2 * time.Hour)
	if pruned := store.Sweep("g2", time.Hour); pruned != 0 {
		t.Fatalf("invites.Sweep() pruned %d entries of another community", pruned)
	}
	if pruned := store.Sweep("g1", time.Hour); pruned != 1 {
		t.Fatalf("invites.Sweep() pruned %d entries, expected 1", pruned)
	}
	if _, ok := store.Get("g1", "B2"); ok {
		t.Fatalf("invites.Sweep() kept a pruned code")
	}
	if _, ok := store.Get("g1", "A1"); !ok {
		t.Fatalf("invites.Sweep() pruned an active code")
	}
}

func TestObserveReactivates(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newTestStore(&now)

	store.Observe("g1", models.LiveInvite{Code: "A1", UseCount: 0})
	store.MarkInactive("g1", "A1")
	entry, _ := store.Get("g1", "A1")
	if entry.Active() {
		t.Fatalf("invites.MarkInactive() left the code active")
	}

	store.Observe("g1", models.LiveInvite{Code: "A1", UseCount: 1})
	entry, _ = store.Get("g1", "A1")
	if !entry.Active() || entry.CumulativeUseCount != 1 {
		t.Fatalf("invites.Observe() = %+v, expected an active code with one use", entry)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newTestStore(&now)
	store.Refresh("g1", []models.LiveInvite{{Code: "A1", UseCount: 4}, {Code: "B2", UseCount: 8}})
	store.MarkInactive("g1", "B2")

	before := store.All()
	store.Merge(before)
	after := store.All()

	if len(before) != len(after) {
		t.Fatalf("invites.Merge() of its own snapshot changed the entry count")
	}
	for i := range before {
		if !sameEntry(before[i], after[i]) {
			t.Fatalf("invites.Merge() of its own snapshot changed %+v to %+v", before[i], after[i])
		}
	}
}

func TestMergeIsCommutative(t *testing.T) {
	early := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	first := []models.InviteCacheEntry{
		{CommunityID: "g1", InviteCode: "A1", OwningStaffID: "S1", CumulativeUseCount: 7, UpdatedAt: early},
		{CommunityID: "g1", InviteCode: "B2", CumulativeUseCount: 2, UpdatedAt: late},
	}
	second := []models.InviteCacheEntry{
		{CommunityID: "g1", InviteCode: "A1", OwningStaffID: "S9", CumulativeUseCount: 5, UpdatedAt: late},
		{CommunityID: "g1", InviteCode: "B2", OwningStaffID: "S2", CumulativeUseCount: 3, UpdatedAt: late},
		{CommunityID: "g2", InviteCode: "C3", CumulativeUseCount: 1, UpdatedAt: early},
	}

	ab := NewStore(nil)
	ab.Merge(first)
	ab.Merge(second)

	ba := NewStore(nil)
	ba.Merge(second)
	ba.Merge(first)

	left, right := ab.All(), ba.All()
	if len(left) != 3 || len(right) != 3 {
		t.Fatalf("invites.Merge() produced %d and %d entries, expected 3", len(left), len(right))
	}
	for i := range left {
		if !sameEntry(left[i], right[i]) {
			t.Fatalf("invites.Merge() is order dependent: %+v vs %+v", left[i], right[i])
		}
	}

	a1, _ := ab.Get("g1", "A1")
	if a1.CumulativeUseCount != 7 {
		t.Fatalf("invites.Merge() use count = %d, expected the max 7", a1.CumulativeUseCount)
	}
	if a1.OwningStaffID != "S9" {
		t.Fatalf("invites.Merge() owner = %q, expected the most recently written S9", a1.OwningStaffID)
	}
}

func TestStaffWrittenAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newTestStore(&now)

	store.Refresh("g1", []models.LiveInvite{{Code: "B2", UseCount: 8}})
	now = now.Add(time.Minute)
	store.Refresh("g1", []models.LiveInvite{{Code: "A1", UseCount: 4}, {Code: "B2", UseCount: 8}})

	if !store.StaffWrittenAt("g1", "S1").After(store.StaffWrittenAt("g1", "S2")) {
		t.Fatalf("invites.StaffWrittenAt() did not report S1 as the more recent write")
	}
	if !store.StaffWrittenAt("g1", "").IsZero() {
		t.Fatalf("invites.StaffWrittenAt() reported a write for an unowned code")
	}
}
