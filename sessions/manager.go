// Package sessions tracks the one ephemeral conversation a user may have open. The conversation
// lives in a platform resource (a private thread) that can disappear on its own, so an existing
// session is only trusted after its resource was checked.
package sessions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultMaxAge = 24 * time.Hour

// Resources creates, checks and archives the platform resources backing sessions.
type Resources interface {
	// ResourceValid reports whether the resource still exists and is neither archived nor locked.
	ResourceValid(ctx context.Context, ref string) (bool, error)
	CreateResource(ctx context.Context, userID string) (ref string, err error)
	ArchiveResource(ctx context.Context, ref string) error
}

type Manager struct {
	store     Store
	resources Resources
	maxAge    time.Duration

	locksMutex sync.Mutex
	locks      map[string]*sync.Mutex

	now func() time.Time
}

func NewManager(store Store, resources Resources, maxAge time.Duration) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Manager{
		store:     store,
		resources: resources,
		maxAge:    maxAge,
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// Start opens a session for the user. An active session whose resource is still valid is
// returned together with a *models.ConflictError; an active session whose resource is gone or
// that is older than the maximum age is expired and replaced without a conflict.
func (m *Manager) Start(ctx context.Context, userID string) (models.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Session{}, errors.New("session needs a user id")
	}

	unlock := m.lock(userID)
	defer unlock()

	existing, found, err := m.store.Get(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	if found && existing.Active() {
		valid, reason, err := m.check(ctx, existing)
		if err != nil {
			return existing, errors.Wrap(err, "checking the existing session failed")
		}
		if valid {
			return existing, &models.ConflictError{Kind: models.ConflictSession, ExistingID: existing.ExternalResourceRef}
		}
		m.expire(ctx, existing, reason)
	}

	ref, err := m.resources.CreateResource(ctx, userID)
	if err != nil {
		return models.Session{}, errors.Wrap(err, "creating the session resource failed")
	}

	now := m.now()
	session := models.Session{
		UserID:              userID,
		ExternalResourceRef: ref,
		CreatedAt:           now,
		LastActivityAt:      now,
		Status:              models.SessionStatusActive,
	}
	err = m.store.Put(ctx, session)
	if err != nil {
		archiveErr := m.resources.ArchiveResource(ctx, ref)
		if archiveErr != nil {
			m.logger().WithField("ref", ref).Warn("archiving orphaned session resource failed: ", archiveErr.Error())
		}
		return models.Session{}, err
	}

	metrics.SessionsStarted.Add(1)
	m.logger().WithFields(logrus.Fields{
		"userID": userID,
		"ref":    ref,
	}).Info("started session")
	return session, nil
}

// Close ends the user's session, regardless of the state of its resource. Closing a user
// without an active session is a no-op.
func (m *Manager) Close(ctx context.Context, userID, actorID, reason string) (models.Session, error) {
	unlock := m.lock(userID)
	defer unlock()

	session, found, err := m.store.Get(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	if !found || !session.Active() {
		return session, nil
	}

	session.Status = models.SessionStatusClosed
	session.CloseReason = reason
	if actorID != "" && actorID != userID {
		session.CloseReason = reason + " (closed by " + actorID + ")"
	}
	session.LastActivityAt = m.now()
	err = m.store.Put(ctx, session)
	if err != nil {
		return session, err
	}

	err = m.resources.ArchiveResource(ctx, session.ExternalResourceRef)
	if err != nil {
		m.logger().WithField("ref", session.ExternalResourceRef).Info("archiving session resource failed: ", err.Error())
	}

	m.logger().WithFields(logrus.Fields{
		"userID":  userID,
		"actorID": actorID,
	}).Info("closed session: ", reason)
	return session, nil
}

// Touch records activity in the user's active session.
func (m *Manager) Touch(ctx context.Context, userID string) (models.Session, error) {
	unlock := m.lock(userID)
	defer unlock()

	session, found, err := m.store.Get(ctx, userID)
	if err != nil {
		return session, err
	}
	if !found || !session.Active() {
		return session, models.ErrNotFound
	}
	session.LastActivityAt = m.now()
	return session, m.store.Put(ctx, session)
}

// Get returns the user's latest session, which may be closed or expired.
func (m *Manager) Get(ctx context.Context, userID string) (models.Session, bool, error) {
	return m.store.Get(ctx, userID)
}

// ByResource returns the active session backed by ref.
func (m *Manager) ByResource(ctx context.Context, ref string) (models.Session, bool, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return models.Session{}, false, err
	}
	for _, session := range sessions {
		if session.Active() && session.ExternalResourceRef == ref {
			return session, true, nil
		}
	}
	return models.Session{}, false, nil
}

// Sweep expires active sessions that are too old or whose resource is gone and forgets
// finished ones. A failing validity check leaves the session alone until the next sweep.
func (m *Manager) Sweep(ctx context.Context) (expired int, err error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	for _, listed := range sessions {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		unlock := m.lock(listed.UserID)
		session, found, err := m.store.Get(ctx, listed.UserID)
		if err != nil || !found {
			unlock()
			continue
		}

		if !session.Active() {
			if m.now().Sub(session.LastActivityAt) > m.maxAge {
				err = m.store.Delete(ctx, session.UserID)
				if err != nil {
					m.logger().WithField("userID", session.UserID).Warn("forgetting finished session failed: ", err.Error())
				}
			}
			unlock()
			continue
		}

		valid, reason, err := m.check(ctx, session)
		if err != nil {
			m.logger().WithField("userID", session.UserID).Warn("checking session failed: ", err.Error())
		} else if !valid {
			m.expire(ctx, session, reason)
			expired++
		}
		unlock()
	}

	if expired > 0 {
		m.logger().Infof("expired %d sessions", expired)
	}
	return expired, nil
}

// check reports whether an active session may be kept.
func (m *Manager) check(ctx context.Context, session models.Session) (valid bool, reason string, err error) {
	if m.now().Sub(session.CreatedAt) > m.maxAge {
		return false, "maximum age reached", nil
	}
	valid, err = m.resources.ResourceValid(ctx, session.ExternalResourceRef)
	if err != nil {
		return false, "", err
	}
	if !valid {
		return false, "resource no longer valid", nil
	}
	return true, "", nil
}

// expire marks a session expired and archives its resource if it still exists. Callers hold
// the user's lock.
func (m *Manager) expire(ctx context.Context, session models.Session, reason string) {
	session.Status = models.SessionStatusExpired
	session.CloseReason = reason
	err := m.store.Put(ctx, session)
	if err != nil {
		m.logger().WithField("userID", session.UserID).Warn("storing expired session failed: ", err.Error())
	}

	err = m.resources.ArchiveResource(ctx, session.ExternalResourceRef)
	if err != nil {
		m.logger().WithField("ref", session.ExternalResourceRef).Debug("archiving expired session resource failed: ", err.Error())
	}

	metrics.SessionsExpired.Add(1)
	m.logger().WithFields(logrus.Fields{
		"userID": session.UserID,
		"ref":    session.ExternalResourceRef,
	}).Info("expired session: ", reason)
}

func (m *Manager) lock(userID string) func() {
	m.locksMutex.Lock()
	mutex, ok := m.locks[userID]
	if !ok {
		mutex = new(sync.Mutex)
		m.locks[userID] = mutex
	}
	m.locksMutex.Unlock()

	mutex.Lock()
	return mutex.Unlock
}

func (m *Manager) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "sessions")
}
