// Package vip runs the upgrade request workflow. A user has at most one open request; each
// request credits the staff member the user's join was attributed to.
package vip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bradfitz/slice"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultEmailWindow = 24 * time.Hour
	DefaultProofWindow = 10 * time.Minute
)

// Event is a user or staff interaction that moves a request forward.
type Event string

const (
	EventEmailDispatched Event = "email_dispatched"
	EventEmailConfirmed  Event = "email_confirmed"
	EventProofReceived   Event = "proof_received"
)

// EventData carries what an event submits.
type EventData struct {
	Email          string
	ProofReference string
}

// Decision is the caller's choice when the user already has an open request.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionRestartFresh
	DecisionKeepExisting
)

var transitions = map[Event]struct {
	from models.VIPRequestStatus
	to   models.VIPRequestStatus
}{
	EventEmailDispatched: {models.VIPStatusPending, models.VIPStatusEmailSent},
	EventEmailConfirmed:  {models.VIPStatusEmailSent, models.VIPStatusAwaitingProof},
	EventProofReceived:   {models.VIPStatusAwaitingProof, models.VIPStatusProofUploaded},
}

// JoinHistory is the read side of the join log.
type JoinHistory interface {
	Latest(userID string) (models.JoinRecord, bool, error)
	Records(filter joinlog.Filter) ([]models.JoinRecord, error)
}

// RoleGranter grants the upgrade role on approval.
type RoleGranter interface {
	GrantRole(ctx context.Context, userID string) error
	RevokeRole(ctx context.Context, userID string) error
}

// Messenger delivers direct notifications. It returns a *models.PermissionDeniedError if the
// recipient does not accept them.
type Messenger interface {
	SendDirect(ctx context.Context, recipientID, content string) error
}

// StaffDirectory resolves staff attributions for notifications.
type StaffDirectory interface {
	ByStaffID(staffID string) (models.StaffAttribution, bool)
}

// Notifier is told about every change so requests get backed up.
type Notifier interface {
	Trigger()
}

type Manager struct {
	sync.Mutex
	requests  map[string]*models.VIPRequest
	active    map[string]string
	revisions map[string]int

	joins     JoinHistory
	granter   RoleGranter
	messenger Messenger
	staff     StaffDirectory
	notifier  Notifier

	emailWindow time.Duration
	proofWindow time.Duration

	now func() time.Time
}

func NewManager(joins JoinHistory, granter RoleGranter, messenger Messenger, staff StaffDirectory) *Manager {
	return &Manager{
		requests:    make(map[string]*models.VIPRequest),
		active:      make(map[string]string),
		revisions:   make(map[string]int),
		joins:       joins,
		granter:     granter,
		messenger:   messenger,
		staff:       staff,
		emailWindow: DefaultEmailWindow,
		proofWindow: DefaultProofWindow,
		now:         time.Now,
	}
}

// SetWindows sets how long a user has to send the email and to upload the proof.
func (m *Manager) SetWindows(emailWindow, proofWindow time.Duration) {
	m.Lock()
	defer m.Unlock()
	if emailWindow > 0 {
		m.emailWindow = emailWindow
	}
	if proofWindow > 0 {
		m.proofWindow = proofWindow
	}
}

// SetNotifier sets the backup trigger.
func (m *Manager) SetNotifier(notifier Notifier) {
	m.Lock()
	m.notifier = notifier
	m.Unlock()
}

// Create opens a request for the user. If the user already has an open request, DecisionNone
// returns a *models.ConflictError together with the existing request, DecisionKeepExisting
// returns the existing request and DecisionRestartFresh cancels it and opens a new one.
// The staff member is taken from the user's latest join record and may be empty.
func (m *Manager) Create(userID, requestType string, decision Decision) (request models.VIPRequest, created bool, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return request, false, errors.New("vip request needs a user id")
	}

	staffID := ""
	if m.joins != nil {
		latest, found, err := m.joins.Latest(userID)
		if err != nil {
			m.logger().WithField("userID", userID).Warn("looking up join record failed, staff stays unassigned: ", err.Error())
		} else if found && latest.Resolved() {
			staffID = latest.StaffID
		}
	}

	m.Lock()
	now := m.now()
	if existingID, ok := m.active[userID]; ok {
		existing := m.requests[existingID]
		switch decision {
		case DecisionKeepExisting:
			m.expire(existing, now)
			request = *existing
			m.Unlock()
			return request, false, nil
		case DecisionRestartFresh:
			m.close(existing, models.VIPStatusCancelled, "restarted by the user", now)
		default:
			request = *existing
			m.Unlock()
			return request, false, &models.ConflictError{Kind: models.ConflictRequest, ExistingID: existingID}
		}
	}

	stored := &models.VIPRequest{
		RequestID:   uuid.New().String(),
		UserID:      userID,
		RequestType: requestType,
		StaffID:     staffID,
		Status:      models.VIPStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.requests[stored.RequestID] = stored
	m.active[userID] = stored.RequestID
	m.revisions[stored.RequestID]++
	request = *stored
	m.Unlock()

	metrics.VIPRequestsCreated.Add(1)
	m.logger().WithFields(logrus.Fields{
		"requestID": request.RequestID,
		"userID":    userID,
		"staffID":   staffID,
	}).Info("created vip request")
	if staffID == "" {
		m.logger().WithField("requestID", request.RequestID).Warn("vip request has no staff attribution, assign one before approval")
	}
	m.notify()
	return request, true, nil
}

// Fire applies a user event. An elapsed window is evaluated first: the request keeps its
// status, gets a fresh deadline and the event is then applied normally.
func (m *Manager) Fire(requestID string, event Event, data EventData) (models.VIPRequest, error) {
	transition, ok := transitions[event]
	if !ok {
		return models.VIPRequest{}, errors.Errorf("unknown vip event %s", event)
	}

	m.Lock()
	request, ok := m.requests[requestID]
	if !ok {
		m.Unlock()
		return models.VIPRequest{}, models.ErrNotFound
	}
	now := m.now()
	m.expire(request, now)

	if request.Status != transition.from {
		result := *request
		m.Unlock()
		return result, errors.Wrapf(models.ErrInvalidTransition, "%s is not possible in status %s", event, result.Status)
	}

	switch event {
	case EventEmailDispatched:
		email := strings.TrimSpace(data.Email)
		if email == "" {
			result := *request
			m.Unlock()
			return result, errors.New("an email address is required")
		}
		request.Email = email
	case EventProofReceived:
		proof := strings.TrimSpace(data.ProofReference)
		if proof == "" {
			result := *request
			m.Unlock()
			return result, errors.New("a proof reference is required")
		}
		request.ProofReference = proof
	}

	request.Status = transition.to
	request.UpdatedAt = now
	request.DeadlineAt = m.deadline(transition.to, now)
	m.revisions[requestID]++
	result := *request
	m.Unlock()

	m.logger().WithFields(logrus.Fields{
		"requestID": requestID,
		"event":     event,
		"status":    result.Status,
	}).Info("vip request moved")
	m.notify()
	return result, nil
}

// AssignStaff sets the staff member of a request created without attribution. An assigned
// staff member never changes.
func (m *Manager) AssignStaff(requestID, staffID, actorID string) (models.VIPRequest, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return models.VIPRequest{}, errors.New("staff id is required")
	}

	m.Lock()
	request, ok := m.requests[requestID]
	if !ok {
		m.Unlock()
		return models.VIPRequest{}, models.ErrNotFound
	}
	if request.Status.Terminal() {
		result := *request
		m.Unlock()
		return result, errors.Wrapf(models.ErrInvalidTransition, "request is %s", result.Status)
	}
	if request.StaffID != "" {
		result := *request
		m.Unlock()
		if result.StaffID == staffID {
			return result, nil
		}
		return result, errors.Wrapf(models.ErrInvalidTransition, "request is already credited to %s", result.StaffID)
	}

	request.StaffID = staffID
	request.UpdatedAt = m.now()
	m.revisions[requestID]++
	result := *request
	m.Unlock()

	m.logger().WithFields(logrus.Fields{
		"requestID": requestID,
		"staffID":   staffID,
		"actorID":   actorID,
	}).Info("assigned staff to vip request")
	m.notify()
	return result, nil
}

// Approve grants the upgrade role and closes the request as approved. The role is granted
// before the request changes; if the grant fails the request stays in proof_uploaded.
// A staff member who does not accept direct messages is reported as a
// *models.PermissionDeniedError next to the approved request.
func (m *Manager) Approve(ctx context.Context, requestID, actorID string) (models.VIPRequest, error) {
	m.Lock()
	request, ok := m.requests[requestID]
	if !ok {
		m.Unlock()
		return models.VIPRequest{}, models.ErrNotFound
	}
	if request.Status != models.VIPStatusProofUploaded {
		result := *request
		m.Unlock()
		return result, errors.Wrapf(models.ErrInvalidTransition, "approve is not possible in status %s", result.Status)
	}
	if request.StaffID == "" {
		result := *request
		m.Unlock()
		return result, models.ErrStaffUnassigned
	}
	revision := m.revisions[requestID]
	userID := request.UserID
	m.Unlock()

	if m.granter != nil {
		err := m.granter.GrantRole(ctx, userID)
		if err != nil {
			return m.get(requestID), errors.Wrap(err, "granting the upgrade role failed")
		}
	}

	m.Lock()
	if m.revisions[requestID] != revision {
		result := *request
		m.Unlock()
		m.logger().WithField("requestID", requestID).Warn("vip request changed while approving, revoking the role again")
		if m.granter != nil {
			revokeRole(ctx, m.granter, userID, m.logger())
		}
		return result, errors.Wrap(models.ErrInvalidTransition, "request changed while it was approved")
	}
	m.close(request, models.VIPStatusApproved, "approved by "+actorID, m.now())
	result := *request
	m.Unlock()

	m.notify()
	return result, m.tellStaff(ctx, result)
}

// Deny closes a request with uploaded proof as denied.
func (m *Manager) Deny(requestID, actorID, reason string) (models.VIPRequest, error) {
	m.Lock()
	request, ok := m.requests[requestID]
	if !ok {
		m.Unlock()
		return models.VIPRequest{}, models.ErrNotFound
	}
	if request.Status != models.VIPStatusProofUploaded {
		result := *request
		m.Unlock()
		return result, errors.Wrapf(models.ErrInvalidTransition, "deny is not possible in status %s", result.Status)
	}
	note := "denied by " + actorID
	if reason != "" {
		note += ": " + reason
	}
	m.close(request, models.VIPStatusDenied, note, m.now())
	result := *request
	m.Unlock()

	m.notify()
	return result, nil
}

// Cancel closes any open request, on behalf of its user or a staff member.
func (m *Manager) Cancel(requestID, actorID, reason string) (models.VIPRequest, error) {
	m.Lock()
	request, ok := m.requests[requestID]
	if !ok {
		m.Unlock()
		return models.VIPRequest{}, models.ErrNotFound
	}
	if request.Status.Terminal() {
		result := *request
		m.Unlock()
		return result, errors.Wrapf(models.ErrInvalidTransition, "request is already %s", result.Status)
	}
	note := "cancelled by " + actorID
	if reason != "" {
		note += ": " + reason
	}
	m.close(request, models.VIPStatusCancelled, note, m.now())
	result := *request
	m.Unlock()

	m.notify()
	return result, nil
}

// Get returns a request after evaluating its deadline.
func (m *Manager) Get(requestID string) (models.VIPRequest, bool) {
	m.Lock()
	defer m.Unlock()

	request, ok := m.requests[requestID]
	if !ok {
		return models.VIPRequest{}, false
	}
	m.expire(request, m.now())
	return *request, true
}

// Active returns the open request of a user.
func (m *Manager) Active(userID string) (models.VIPRequest, bool) {
	m.Lock()
	defer m.Unlock()

	requestID, ok := m.active[userID]
	if !ok {
		return models.VIPRequest{}, false
	}
	request := m.requests[requestID]
	m.expire(request, m.now())
	return *request, true
}

// List returns the requests with the given status, or all if status is empty, oldest first.
func (m *Manager) List(status models.VIPRequestStatus) []models.VIPRequest {
	m.Lock()
	defer m.Unlock()

	result := make([]models.VIPRequest, 0)
	for _, request := range m.requests {
		if status == "" || request.Status == status {
			result = append(result, *request)
		}
	}
	slice.Sort(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].RequestID < result[j].RequestID
	})
	return result
}

// Sweep evaluates the deadlines of all open requests and returns the number of elapsed windows.
func (m *Manager) Sweep() (expired int) {
	m.Lock()
	now := m.now()
	for _, requestID := range m.active {
		if m.expire(m.requests[requestID], now) {
			expired++
		}
	}
	m.Unlock()

	if expired > 0 {
		m.notify()
	}
	return expired
}

// Load replaces all requests with restored ones.
func (m *Manager) Load(requests []models.VIPRequest) {
	m.Lock()
	m.requests = make(map[string]*models.VIPRequest, len(requests))
	m.active = make(map[string]string)
	m.revisions = make(map[string]int, len(requests))
	for _, request := range requests {
		stored := request
		m.requests[stored.RequestID] = &stored
		if stored.Status.Terminal() {
			continue
		}
		if previousID, ok := m.active[stored.UserID]; ok {
			// keep the newer one open
			previous := m.requests[previousID]
			older, newer := previous, &stored
			if stored.CreatedAt.Before(previous.CreatedAt) {
				older, newer = &stored, previous
			}
			m.close(older, models.VIPStatusCancelled, "superseded on restore", m.now())
			m.active[stored.UserID] = newer.RequestID
			continue
		}
		m.active[stored.UserID] = stored.RequestID
	}
	m.Unlock()

	m.logger().Infof("loaded %d vip requests", len(requests))
}

// Snapshot returns copies of all requests.
func (m *Manager) Snapshot() []models.VIPRequest {
	return m.List("")
}

func (m *Manager) get(requestID string) models.VIPRequest {
	m.Lock()
	defer m.Unlock()
	if request, ok := m.requests[requestID]; ok {
		return *request
	}
	return models.VIPRequest{}
}

// expire restarts an elapsed window. Callers hold the lock.
func (m *Manager) expire(request *models.VIPRequest, now time.Time) bool {
	if request == nil || request.Status.Terminal() || request.DeadlineAt == nil || !now.After(*request.DeadlineAt) {
		return false
	}

	request.MissedWindows++
	request.DeadlineAt = m.deadline(request.Status, now)
	request.UpdatedAt = now
	m.revisions[request.RequestID]++

	m.logger().WithFields(logrus.Fields{
		"requestID": request.RequestID,
		"status":    request.Status,
		"missed":    request.MissedWindows,
	}).Info("vip request window elapsed, waiting for a new submission")
	return true
}

// close moves a request into a terminal status. Callers hold the lock.
func (m *Manager) close(request *models.VIPRequest, status models.VIPRequestStatus, note string, now time.Time) {
	request.Status = status
	request.Notes = note
	request.DeadlineAt = nil
	request.UpdatedAt = now
	closedAt := now
	request.ClosedAt = &closedAt
	m.revisions[request.RequestID]++
	if m.active[request.UserID] == request.RequestID {
		delete(m.active, request.UserID)
	}
	metrics.VIPRequestsClosed.Add(string(status), 1)

	m.logger().WithFields(logrus.Fields{
		"requestID": request.RequestID,
		"userID":    request.UserID,
		"status":    status,
	}).Info("closed vip request: ", note)
}

func (m *Manager) deadline(status models.VIPRequestStatus, now time.Time) *time.Time {
	var window time.Duration
	switch status {
	case models.VIPStatusEmailSent:
		window = m.emailWindow
	case models.VIPStatusAwaitingProof:
		window = m.proofWindow
	default:
		return nil
	}
	deadline := now.Add(window)
	return &deadline
}

func (m *Manager) tellStaff(ctx context.Context, request models.VIPRequest) error {
	if m.messenger == nil {
		return nil
	}

	content := fmt.Sprintf("<@%s> was upgraded (%s), the conversion is credited to you.", request.UserID, request.RequestType)
	if m.staff != nil {
		if attribution, ok := m.staff.ByStaffID(request.StaffID); ok && attribution.DisplayName != "" {
			content = fmt.Sprintf("Hey %s, <@%s> was upgraded (%s), the conversion is credited to you.",
				attribution.DisplayName, request.UserID, request.RequestType)
		}
	}

	err := m.messenger.SendDirect(ctx, request.StaffID, content)
	if err == nil {
		return nil
	}
	if denied, ok := models.IsPermissionDenied(err); ok {
		metrics.DirectMessagesDenied.Add(1)
		m.logger().WithField("staffID", request.StaffID).Warn("staff member does not accept direct messages")
		return denied
	}
	m.logger().WithField("staffID", request.StaffID).Error("notifying staff member failed: ", err.Error())
	return nil
}

func (m *Manager) notify() {
	m.Lock()
	notifier := m.notifier
	m.Unlock()

	if notifier != nil {
		notifier.Trigger()
	}
}

func (m *Manager) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "vip")
}

func revokeRole(ctx context.Context, granter RoleGranter, userID string, log *logrus.Entry) {
	err := granter.RevokeRole(ctx, userID)
	if err != nil {
		log.WithField("userID", userID).Error("revoking the upgrade role failed, revoke it manually: ", err.Error())
	}
}
