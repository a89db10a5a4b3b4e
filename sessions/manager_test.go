package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Seklfreak/robyul-referrals/models"
)

type fakeResources struct {
	sync.Mutex
	created  int
	valid    map[string]bool
	archived []string
	checkErr error
}

func newFakeResources() *fakeResources {
	return &fakeResources{valid: make(map[string]bool)}
}

func (r *fakeResources) ResourceValid(ctx context.Context, ref string) (bool, error) {
	r.Lock()
	defer r.Unlock()
	if r.checkErr != nil {
		return false, r.checkErr
	}
	return r.valid[ref], nil
}

func (r *fakeResources) CreateResource(ctx context.Context, userID string) (string, error) {
	r.Lock()
	defer r.Unlock()
	r.created++
	ref := fmt.Sprintf("thread-%s-%d", userID, r.created)
	r.valid[ref] = true
	return ref, nil
}

func (r *fakeResources) ArchiveResource(ctx context.Context, ref string) error {
	r.Lock()
	defer r.Unlock()
	r.archived = append(r.archived, ref)
	r.valid[ref] = false
	return nil
}

func (r *fakeResources) invalidate(ref string) {
	r.Lock()
	r.valid[ref] = false
	r.Unlock()
}

func TestStartCreatesSession(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, 0)

	session, err := manager.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("sessions.Start() returned error %s", err)
	}
	if !session.Active() || session.ExternalResourceRef == "" {
		t.Fatalf("sessions.Start() returned %+v, expected an active session with a resource", session)
	}

	stored, found, _ := manager.Get(context.Background(), "u1")
	if !found || stored.ExternalResourceRef != session.ExternalResourceRef {
		t.Fatalf("sessions.Get() returned %+v, %t", stored, found)
	}
}

func TestStartRejectsSecondValidSession(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, 0)

	first, _ := manager.Start(context.Background(), "u1")
	second, err := manager.Start(context.Background(), "u1")
	conflict, ok := models.IsConflict(err)
	if !ok {
		t.Fatalf("sessions.Start() returned %v, expected a conflict", err)
	}
	if conflict.Kind != models.ConflictSession || conflict.ExistingID != first.ExternalResourceRef {
		t.Fatalf("sessions.Start() conflict was %+v", conflict)
	}
	if second.ExternalResourceRef != first.ExternalResourceRef {
		t.Fatalf("sessions.Start() returned %s, expected the existing session %s", second.ExternalResourceRef, first.ExternalResourceRef)
	}
	if resources.created != 1 {
		t.Fatalf("sessions.Start() created %d resources, expected 1", resources.created)
	}
}

func TestStartReplacesSessionWithInvalidResource(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, 0)

	first, _ := manager.Start(context.Background(), "u1")
	resources.invalidate(first.ExternalResourceRef)

	second, err := manager.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("sessions.Start() returned error %s, expected a fresh session", err)
	}
	if second.ExternalResourceRef == first.ExternalResourceRef {
		t.Fatalf("sessions.Start() reused the invalid resource %s", first.ExternalResourceRef)
	}
	if !second.Active() {
		t.Fatalf("sessions.Start() returned status %s", second.Status)
	}
}

func TestStartReplacesSessionOverMaxAge(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, time.Hour)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	first, _ := manager.Start(context.Background(), "u1")
	now = now.Add(2 * time.Hour)

	second, err := manager.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("sessions.Start() returned error %s", err)
	}
	if second.ExternalResourceRef == first.ExternalResourceRef {
		t.Fatal("sessions.Start() kept a session older than the maximum age")
	}
	if len(resources.archived) != 1 || resources.archived[0] != first.ExternalResourceRef {
		t.Fatalf("sessions.Start() archived %v, expected the old resource", resources.archived)
	}
}

func TestStartSurfacesValidationErrors(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, 0)

	manager.Start(context.Background(), "u1")
	resources.checkErr = errors.New("discord unavailable")

	_, err := manager.Start(context.Background(), "u1")
	if err == nil {
		t.Fatal("sessions.Start() returned no error while the resource check failed")
	}
	if _, ok := models.IsConflict(err); ok {
		t.Fatal("sessions.Start() returned a conflict while the resource check failed")
	}
	if resources.created != 1 {
		t.Fatalf("sessions.Start() created %d resources, expected 1", resources.created)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, 0)

	started, _ := manager.Start(context.Background(), "u1")
	closed, err := manager.Close(context.Background(), "u1", "staff1", "done")
	if err != nil {
		t.Fatalf("sessions.Close() returned error %s", err)
	}
	if closed.Status != models.SessionStatusClosed {
		t.Fatalf("sessions.Close() returned status %s", closed.Status)
	}
	if len(resources.archived) != 1 || resources.archived[0] != started.ExternalResourceRef {
		t.Fatalf("sessions.Close() archived %v", resources.archived)
	}

	_, err = manager.Close(context.Background(), "u1", "staff1", "done")
	if err != nil {
		t.Fatalf("sessions.Close() second call returned error %s", err)
	}
	if len(resources.archived) != 1 {
		t.Fatalf("sessions.Close() second call archived again: %v", resources.archived)
	}

	_, err = manager.Close(context.Background(), "nobody", "", "")
	if err != nil {
		t.Fatalf("sessions.Close() without session returned error %s", err)
	}

	_, err = manager.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("sessions.Start() after close returned error %s", err)
	}
}

func TestTouch(t *testing.T) {
	manager := NewManager(NewMemoryStore(), newFakeResources(), 0)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	_, err := manager.Touch(context.Background(), "u1")
	if !models.IsNotFound(err) {
		t.Fatalf("sessions.Touch() without session returned %v", err)
	}

	manager.Start(context.Background(), "u1")
	now = now.Add(time.Minute)
	session, err := manager.Touch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("sessions.Touch() returned error %s", err)
	}
	if !session.LastActivityAt.Equal(now) {
		t.Fatalf("sessions.Touch() set %s, expected %s", session.LastActivityAt, now)
	}
}

func TestSweepExpiresInvalidSessions(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, 0)

	gone, _ := manager.Start(context.Background(), "u1")
	manager.Start(context.Background(), "u2")
	resources.invalidate(gone.ExternalResourceRef)

	expired, err := manager.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sessions.Sweep() returned error %s", err)
	}
	if expired != 1 {
		t.Fatalf("sessions.Sweep() expired %d sessions, expected 1", expired)
	}

	session, _, _ := manager.Get(context.Background(), "u1")
	if session.Status != models.SessionStatusExpired {
		t.Fatalf("sessions.Sweep() left u1 as %s", session.Status)
	}
	session, _, _ = manager.Get(context.Background(), "u2")
	if !session.Active() {
		t.Fatalf("sessions.Sweep() touched u2: %s", session.Status)
	}

	found, ok, _ := manager.ByResource(context.Background(), session.ExternalResourceRef)
	if !ok || found.UserID != "u2" {
		t.Fatalf("sessions.ByResource() returned %+v, %t", found, ok)
	}
}

func TestConcurrentStartsCreateOneSession(t *testing.T) {
	resources := newFakeResources()
	manager := NewManager(NewMemoryStore(), resources, 0)

	var wg sync.WaitGroup
	var conflicts int
	var conflictsMutex sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Start(context.Background(), "u1")
			if _, ok := models.IsConflict(err); ok {
				conflictsMutex.Lock()
				conflicts++
				conflictsMutex.Unlock()
			}
		}()
	}
	wg.Wait()

	if resources.created != 1 || conflicts != 9 {
		t.Fatalf("sessions.Start() created %d resources with %d conflicts, expected 1 and 9", resources.created, conflicts)
	}
}
