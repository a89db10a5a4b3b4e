package backup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Seklfreak/robyul-referrals/invites"
	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/Seklfreak/robyul-referrals/staff"
	"github.com/pkg/errors"
)

type memoryRemote struct {
	sync.Mutex
	payload *models.BackupPayload
	err     error
	uploads int
}

func (r *memoryRemote) Upload(ctx context.Context, payload models.BackupPayload) error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	r.uploads++
	r.payload = &payload
	return nil
}

func (r *memoryRemote) Download(ctx context.Context) (models.BackupPayload, error) {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return models.BackupPayload{}, r.err
	}
	if r.payload == nil {
		return models.BackupPayload{}, models.ErrNotFound
	}
	return *r.payload, nil
}

type memoryRelational struct {
	sync.Mutex
	snapshot *models.BackupPayload
	joins    map[string]models.JoinRecord
	err      error
}

func newMemoryRelational() *memoryRelational {
	return &memoryRelational{joins: make(map[string]models.JoinRecord)}
}

func (r *memoryRelational) SaveSnapshot(ctx context.Context, payload models.BackupPayload) error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	r.snapshot = &payload
	return nil
}

func (r *memoryRelational) LoadSnapshot(ctx context.Context) (models.BackupPayload, error) {
	r.Lock()
	defer r.Unlock()
	if r.snapshot == nil {
		return models.BackupPayload{}, models.ErrNotFound
	}
	return *r.snapshot, nil
}

func (r *memoryRelational) InsertJoins(ctx context.Context, records []models.JoinRecord) error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, record := range records {
		if _, ok := r.joins[record.Key()]; !ok {
			r.joins[record.Key()] = record
		}
	}
	return nil
}

type testEngine struct {
	store       *invites.Store
	registry    *staff.Registry
	coordinator *Coordinator
}

func newTestEngine(dir string) testEngine {
	registry := staff.NewRegistry()
	store := invites.NewStore(registry)
	coordinator := NewCoordinator(store, registry, NewLocalFile(filepath.Join(dir, "backup.json")))
	return testEngine{store: store, registry: registry, coordinator: coordinator}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameEntries(a, b []models.InviteCacheEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.CommunityID != y.CommunityID || x.InviteCode != y.InviteCode ||
			x.OwningStaffID != y.OwningStaffID || x.CreatorID != y.CreatorID ||
			x.CreatorDisplayName != y.CreatorDisplayName || x.CumulativeUseCount != y.CumulativeUseCount ||
			!x.LastObservedAt.Equal(y.LastObservedAt) || !x.UpdatedAt.Equal(y.UpdatedAt) ||
			!sameTime(x.InactiveSince, y.InactiveSince) {
			return false
		}
	}
	return true
}

func seedEngine(t *testing.T, engine testEngine) {
	_, err := engine.registry.Create("admin", models.StaffAttribution{StaffID: "S1", DisplayName: "Sam", InviteCode: "A1"})
	if err != nil {
		t.Fatalf("staff.Registry.Create() error = %v", err)
	}
	engine.store.Refresh("g1", []models.LiveInvite{
		{Code: "A1", CreatorID: "S1", UseCount: 4},
		{Code: "ZZ", CreatorID: "u7", UseCount: 2},
	})
}

func TestPersistWritesAllTiers(t *testing.T) {
	engine := newTestEngine(t.TempDir())
	remote := &memoryRemote{}
	relational := newMemoryRelational()
	engine.coordinator.SetRemote(remote)
	engine.coordinator.SetRelational(relational)
	seedEngine(t, engine)

	outcomes, err := engine.coordinator.Persist(context.Background(), engine.coordinator.Snapshot())
	if err != nil {
		t.Fatalf("backup.Coordinator.Persist() error = %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("backup.Coordinator.Persist() returned %d outcomes, want 3", len(outcomes))
	}
	for i, tier := range []models.BackupTier{models.BackupTierLocal, models.BackupTierRemote, models.BackupTierRelational} {
		if outcomes[i].Tier != tier || outcomes[i].Error != nil {
			t.Fatalf("backup.Coordinator.Persist() outcome %d = %+v, want successful %s", i, outcomes[i], tier)
		}
	}
	if remote.payload == nil || len(remote.payload.Invites) != 2 || len(remote.payload.Staff) != 1 {
		t.Fatalf("backup.Coordinator.Persist() uploaded %+v", remote.payload)
	}
	if relational.snapshot == nil {
		t.Fatalf("backup.Coordinator.Persist() skipped the relational tier")
	}
}

func TestPersistToleratesRemoteFailures(t *testing.T) {
	engine := newTestEngine(t.TempDir())
	engine.coordinator.SetRemote(&memoryRemote{err: errors.New("connection refused")})
	relational := newMemoryRelational()
	relational.err = errors.New("too many connections")
	engine.coordinator.SetRelational(relational)
	seedEngine(t, engine)

	outcomes, err := engine.coordinator.Persist(context.Background(), engine.coordinator.Snapshot())
	if err != nil {
		t.Fatalf("backup.Coordinator.Persist() error = %v, remote failures must not fail it", err)
	}
	if outcomes[0].Error != nil || outcomes[1].Error == nil || outcomes[2].Error == nil {
		t.Fatalf("backup.Coordinator.Persist() outcomes = %+v", outcomes)
	}
	if _, found, _ := engine.coordinator.local.Load(); !found {
		t.Fatalf("backup.Coordinator.Persist() did not write the local file")
	}
}

func TestRestorePrefersNewerLocal(t *testing.T) {
	dir := t.TempDir()
	remote := &memoryRemote{}

	before := newTestEngine(dir)
	before.coordinator.SetRemote(remote)
	seedEngine(t, before)
	_, err := before.coordinator.Persist(context.Background(), before.coordinator.Snapshot())
	if err != nil {
		t.Fatalf("backup.Coordinator.Persist() error = %v", err)
	}

	remote.err = errors.New("timeout")
	before.store.Refresh("g1", []models.LiveInvite{
		{Code: "A1", CreatorID: "S1", UseCount: 7},
		{Code: "ZZ", CreatorID: "u7", UseCount: 2},
	})
	_, err = before.coordinator.Persist(context.Background(), before.coordinator.Snapshot())
	if err != nil {
		t.Fatalf("backup.Coordinator.Persist() error = %v", err)
	}
	remote.err = nil

	after := newTestEngine(dir)
	after.coordinator.SetRemote(remote)
	source, err := after.coordinator.Restore(context.Background())
	if err != nil {
		t.Fatalf("backup.Coordinator.Restore() error = %v", err)
	}
	if source != models.BackupTierLocal {
		t.Fatalf("backup.Coordinator.Restore() source = %s, want local", source)
	}
	if !sameEntries(after.store.All(), before.store.All()) {
		t.Fatalf("backup.Coordinator.Restore() cache = %+v, want %+v", after.store.All(), before.store.All())
	}
	if owner, ok := after.registry.OwnerOf("A1"); !ok || owner != "S1" {
		t.Fatalf("backup.Coordinator.Restore() did not restore the staff registry")
	}
}

func TestRestorePrefersStrictlyNewerRemote(t *testing.T) {
	dir := t.TempDir()
	remote := &memoryRemote{}

	before := newTestEngine(dir)
	seedEngine(t, before)
	_, err := before.coordinator.Persist(context.Background(), before.coordinator.Snapshot())
	if err != nil {
		t.Fatalf("backup.Coordinator.Persist() error = %v", err)
	}

	newer := before.coordinator.Snapshot()
	newer.Timestamp = newer.Timestamp.Add(time.Hour)
	newer.Invites = append(newer.Invites, models.InviteCacheEntry{CommunityID: "g1", InviteCode: "R9", CumulativeUseCount: 3})
	remote.payload = &newer

	after := newTestEngine(dir)
	after.coordinator.SetRemote(remote)
	source, err := after.coordinator.Restore(context.Background())
	if err != nil || source != models.BackupTierRemote {
		t.Fatalf("backup.Coordinator.Restore() = %s, %v, want remote", source, err)
	}
	if _, ok := after.store.Get("g1", "R9"); !ok {
		t.Fatalf("backup.Coordinator.Restore() did not load the remote payload")
	}
}

func TestRestoreKeepsLocalOnEqualTimestamps(t *testing.T) {
	dir := t.TempDir()
	before := newTestEngine(dir)
	seedEngine(t, before)
	payload := before.coordinator.Snapshot()
	_, err := before.coordinator.Persist(context.Background(), payload)
	if err != nil {
		t.Fatalf("backup.Coordinator.Persist() error = %v", err)
	}

	same := payload
	same.Invites = nil
	after := newTestEngine(dir)
	after.coordinator.SetRemote(&memoryRemote{payload: &same})
	source, err := after.coordinator.Restore(context.Background())
	if err != nil || source != models.BackupTierLocal {
		t.Fatalf("backup.Coordinator.Restore() = %s, %v, want local", source, err)
	}
}

func TestRestoreWithoutBackups(t *testing.T) {
	engine := newTestEngine(t.TempDir())
	engine.coordinator.SetRemote(&memoryRemote{err: errors.New("no route to host")})

	source, err := engine.coordinator.Restore(context.Background())
	if err != nil || source != "" {
		t.Fatalf("backup.Coordinator.Restore() = %q, %v, want empty start", source, err)
	}
	if len(engine.store.All()) != 0 {
		t.Fatalf("backup.Coordinator.Restore() filled the cache from nothing")
	}
}

func TestSnapshotTimestampsIncrease(t *testing.T) {
	engine := newTestEngine(t.TempDir())
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.coordinator.now = func() time.Time { return fixed }

	first := engine.coordinator.Snapshot()
	second := engine.coordinator.Snapshot()
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("backup.Coordinator.Snapshot() timestamps %s, %s are not increasing", first.Timestamp, second.Timestamp)
	}
	if first.Version != models.BackupPayloadVersion {
		t.Fatalf("backup.Coordinator.Snapshot() version = %d", first.Version)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	engine := newTestEngine(t.TempDir())
	engine.coordinator.Trigger()
	engine.coordinator.Trigger()
	engine.coordinator.Trigger()

	if len(engine.coordinator.trigger) != 1 {
		t.Fatalf("backup.Coordinator.Trigger() queued %d triggers, want 1", len(engine.coordinator.trigger))
	}
}

func TestMirrorJoinRetriesFailedBatches(t *testing.T) {
	engine := newTestEngine(t.TempDir())
	relational := newMemoryRelational()
	relational.err = errors.New("connection reset")
	engine.coordinator.SetRelational(relational)

	record := models.JoinRecord{UserID: "u1", CommunityID: "g1", InviteCode: "A1", ObservedAt: time.Now()}
	engine.coordinator.MirrorJoin(record)
	engine.coordinator.cycle(context.Background())
	if engine.coordinator.QueuedJoins() != 1 {
		t.Fatalf("backup.Coordinator.QueuedJoins() = %d after a failure, want 1", engine.coordinator.QueuedJoins())
	}

	relational.err = nil
	engine.coordinator.cycle(context.Background())
	if engine.coordinator.QueuedJoins() != 0 || len(relational.joins) != 1 {
		t.Fatalf("backup.Coordinator mirrored %d joins, %d still queued", len(relational.joins), engine.coordinator.QueuedJoins())
	}
}

func TestRunPersistsOnTrigger(t *testing.T) {
	engine := newTestEngine(t.TempDir())
	engine.coordinator.SetSchedule(time.Hour, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.coordinator.Run(ctx)
		close(done)
	}()

	engine.coordinator.Trigger()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, found, _ := engine.coordinator.local.Load(); found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backup.Coordinator.Run() did not persist after a trigger")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRebuildFromJoinLog(t *testing.T) {
	dir := t.TempDir()
	log, err := joinlog.Open(filepath.Join(dir, "joins"))
	if err != nil {
		t.Fatalf("joinlog.Open() error = %v", err)
	}
	defer log.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []models.JoinRecord{
		{UserID: "u1", CommunityID: "g1", InviteCode: "A1", StaffID: "S1", UseCountBefore: 4, UseCountAfter: 5, ObservedAt: base},
		{UserID: "u2", CommunityID: "g1", ObservedAt: base.Add(time.Minute)},
		{UserID: "u3", CommunityID: "g1", InviteCode: "A1", StaffID: "S1", UseCountBefore: 5, UseCountAfter: 6, ObservedAt: base.Add(2 * time.Minute)},
	}
	for _, record := range records {
		err = log.Append(context.Background(), record)
		if err != nil {
			t.Fatalf("joinlog.Log.Append() error = %v", err)
		}
	}

	engine := newTestEngine(dir)
	relational := newMemoryRelational()
	engine.coordinator.SetRelational(relational)

	result, err := engine.coordinator.Rebuild(context.Background(), log)
	if err != nil {
		t.Fatalf("backup.Coordinator.Rebuild() error = %v", err)
	}
	if result.Records != 3 || result.Mirrored != 3 || len(relational.joins) != 3 {
		t.Fatalf("backup.Coordinator.Rebuild() = %+v, relational has %d", result, len(relational.joins))
	}
	entry, ok := engine.store.Get("g1", "A1")
	if !ok || entry.CumulativeUseCount != 6 {
		t.Fatalf("backup.Coordinator.Rebuild() left A1 at %+v, want use count 6", entry)
	}
	if log.Len() != 3 {
		t.Fatalf("backup.Coordinator.Rebuild() changed the join log")
	}

	_, err = engine.coordinator.Rebuild(context.Background(), log)
	if err != nil || len(relational.joins) != 3 {
		t.Fatalf("backup.Coordinator.Rebuild() twice = %v, relational has %d", err, len(relational.joins))
	}
}
