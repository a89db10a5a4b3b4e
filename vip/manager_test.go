package vip

import (
	"context"
	"testing"
	"time"

	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/pkg/errors"
)

type memoryJoins []models.JoinRecord

func (j memoryJoins) Latest(userID string) (latest models.JoinRecord, found bool, err error) {
	for _, record := range j {
		if record.UserID == userID {
			latest, found = record, true
		}
	}
	return latest, found, nil
}

func (j memoryJoins) Records(filter joinlog.Filter) ([]models.JoinRecord, error) {
	result := make([]models.JoinRecord, 0)
	for _, record := range j {
		if filter.Match(record) {
			result = append(result, record)
		}
	}
	return result, nil
}

type recordingGranter struct {
	granted []string
	revoked []string
	err     error
}

func (g *recordingGranter) GrantRole(ctx context.Context, userID string) error {
	if g.err != nil {
		return g.err
	}
	g.granted = append(g.granted, userID)
	return nil
}

func (g *recordingGranter) RevokeRole(ctx context.Context, userID string) error {
	g.revoked = append(g.revoked, userID)
	return nil
}

type recordingMessenger struct {
	sent   map[string]string
	denied bool
}

func (m *recordingMessenger) SendDirect(ctx context.Context, recipientID, content string) error {
	if m.denied {
		return &models.PermissionDeniedError{RecipientID: recipientID, Content: content}
	}
	if m.sent == nil {
		m.sent = make(map[string]string)
	}
	m.sent[recipientID] = content
	return nil
}

var testJoins = memoryJoins{
	{UserID: "u1", InviteCode: "A1", StaffID: "S1", ObservedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	{UserID: "u2", InviteCode: "A1", StaffID: "S1", ObservedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	{UserID: "u3", InviteCode: "B2", StaffID: "S2", ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	{UserID: "u4", ObservedAt: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
}

func newTestManager(now *time.Time) (*Manager, *recordingGranter, *recordingMessenger) {
	granter := &recordingGranter{}
	messenger := &recordingMessenger{}
	manager := NewManager(testJoins, granter, messenger, nil)
	manager.now = func() time.Time { return *now }
	manager.SetWindows(time.Hour, 10*time.Minute)
	return manager, granter, messenger
}

func walkToProof(t *testing.T, manager *Manager, requestID string) models.VIPRequest {
	_, err := manager.Fire(requestID, EventEmailDispatched, EventData{Email: "user@example.com"})
	if err != nil {
		t.Fatalf("vip.Manager.Fire(email_dispatched) error = %v", err)
	}
	_, err = manager.Fire(requestID, EventEmailConfirmed, EventData{})
	if err != nil {
		t.Fatalf("vip.Manager.Fire(email_confirmed) error = %v", err)
	}
	request, err := manager.Fire(requestID, EventProofReceived, EventData{ProofReference: "https://cdn.example.com/proof.png"})
	if err != nil {
		t.Fatalf("vip.Manager.Fire(proof_received) error = %v", err)
	}
	return request
}

func TestCreateCreditsLatestJoin(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)

	request, created, err := manager.Create("u1", "deposit", DecisionNone)
	if err != nil || !created {
		t.Fatalf("vip.Manager.Create() = %v, %v", created, err)
	}
	if request.StaffID != "S1" || request.Status != models.VIPStatusPending || request.RequestID == "" {
		t.Fatalf("vip.Manager.Create() = %+v, want pending request credited to S1", request)
	}

	unattributed, _, err := manager.Create("u4", "deposit", DecisionNone)
	if err != nil || unattributed.StaffID != "" {
		t.Fatalf("vip.Manager.Create() for an unresolved join = %+v, %v", unattributed, err)
	}
}

func TestCreateConflictAndRestart(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)

	first, _, err := manager.Create("u1", "deposit", DecisionNone)
	if err != nil {
		t.Fatalf("vip.Manager.Create() error = %v", err)
	}

	existing, created, err := manager.Create("u1", "deposit", DecisionNone)
	conflict, ok := models.IsConflict(err)
	if !ok || created || conflict.ExistingID != first.RequestID || existing.RequestID != first.RequestID {
		t.Fatalf("vip.Manager.Create() second = %+v, %v, want conflict with %s", existing, err, first.RequestID)
	}

	kept, created, err := manager.Create("u1", "deposit", DecisionKeepExisting)
	if err != nil || created || kept.RequestID != first.RequestID {
		t.Fatalf("vip.Manager.Create(keep) = %+v, %v, %v", kept, created, err)
	}

	fresh, created, err := manager.Create("u1", "deposit", DecisionRestartFresh)
	if err != nil || !created || fresh.RequestID == first.RequestID {
		t.Fatalf("vip.Manager.Create(restart) = %+v, %v, %v", fresh, created, err)
	}
	old, _ := manager.Get(first.RequestID)
	if old.Status != models.VIPStatusCancelled || old.ClosedAt == nil {
		t.Fatalf("vip.Manager.Create(restart) left the old request %+v", old)
	}

	open := 0
	for _, request := range manager.List("") {
		if request.UserID == "u1" && !request.Status.Terminal() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("user has %d open requests, want 1", open)
	}
}

func TestInvalidTransitions(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)
	request, _, _ := manager.Create("u1", "deposit", DecisionNone)

	_, err := manager.Fire(request.RequestID, EventProofReceived, EventData{ProofReference: "x"})
	if errors.Cause(err) != models.ErrInvalidTransition {
		t.Fatalf("vip.Manager.Fire(proof_received) from pending error = %v", err)
	}
	_, err = manager.Approve(context.Background(), request.RequestID, "admin")
	if errors.Cause(err) != models.ErrInvalidTransition {
		t.Fatalf("vip.Manager.Approve() from pending error = %v", err)
	}
	_, err = manager.Fire(request.RequestID, EventEmailDispatched, EventData{})
	if err == nil {
		t.Fatalf("vip.Manager.Fire(email_dispatched) without an email accepted")
	}
	_, err = manager.Fire("missing", EventEmailConfirmed, EventData{})
	if !models.IsNotFound(err) {
		t.Fatalf("vip.Manager.Fire() on an unknown request error = %v", err)
	}
}

func TestApproveGrantsRoleAndNotifiesStaff(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, granter, messenger := newTestManager(&now)
	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	walkToProof(t, manager, request.RequestID)

	approved, err := manager.Approve(context.Background(), request.RequestID, "admin")
	if err != nil {
		t.Fatalf("vip.Manager.Approve() error = %v", err)
	}
	if approved.Status != models.VIPStatusApproved || approved.ClosedAt == nil {
		t.Fatalf("vip.Manager.Approve() = %+v", approved)
	}
	if len(granter.granted) != 1 || granter.granted[0] != "u1" {
		t.Fatalf("vip.Manager.Approve() granted %v", granter.granted)
	}
	if _, ok := messenger.sent["S1"]; !ok {
		t.Fatalf("vip.Manager.Approve() did not notify the staff member")
	}
	if _, ok := manager.Active("u1"); ok {
		t.Fatalf("vip.Manager.Active() still returns an approved request")
	}
}

func TestApproveSurfacesPermissionDenied(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, messenger := newTestManager(&now)
	messenger.denied = true
	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	walkToProof(t, manager, request.RequestID)

	approved, err := manager.Approve(context.Background(), request.RequestID, "admin")
	denied, ok := models.IsPermissionDenied(err)
	if !ok || denied.RecipientID != "S1" || denied.Content == "" {
		t.Fatalf("vip.Manager.Approve() error = %v, want permission denied for S1", err)
	}
	if approved.Status != models.VIPStatusApproved {
		t.Fatalf("vip.Manager.Approve() = %+v, want approved despite the undelivered notice", approved)
	}
}

func TestApproveFailedGrantKeepsProof(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, granter, _ := newTestManager(&now)
	granter.err = errors.New("missing permissions")
	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	walkToProof(t, manager, request.RequestID)

	result, err := manager.Approve(context.Background(), request.RequestID, "admin")
	if err == nil || result.Status != models.VIPStatusProofUploaded {
		t.Fatalf("vip.Manager.Approve() with failing grant = %+v, %v", result, err)
	}

	granter.err = nil
	result, err = manager.Approve(context.Background(), request.RequestID, "admin")
	if err != nil || result.Status != models.VIPStatusApproved {
		t.Fatalf("vip.Manager.Approve() retry = %+v, %v", result, err)
	}
}

func TestApproveNeedsStaff(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, granter, _ := newTestManager(&now)
	request, _, _ := manager.Create("u4", "deposit", DecisionNone)
	walkToProof(t, manager, request.RequestID)

	_, err := manager.Approve(context.Background(), request.RequestID, "admin")
	if err != models.ErrStaffUnassigned {
		t.Fatalf("vip.Manager.Approve() without staff error = %v", err)
	}
	if len(granter.granted) != 0 {
		t.Fatalf("vip.Manager.Approve() granted a role without staff")
	}

	_, err = manager.AssignStaff(request.RequestID, "S2", "admin")
	if err != nil {
		t.Fatalf("vip.Manager.AssignStaff() error = %v", err)
	}
	_, err = manager.AssignStaff(request.RequestID, "S1", "admin")
	if errors.Cause(err) != models.ErrInvalidTransition {
		t.Fatalf("vip.Manager.AssignStaff() reassign error = %v", err)
	}
	approved, err := manager.Approve(context.Background(), request.RequestID, "admin")
	if err != nil || approved.StaffID != "S2" {
		t.Fatalf("vip.Manager.Approve() after assignment = %+v, %v", approved, err)
	}
}

func TestProofWindowElapses(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)
	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	manager.Fire(request.RequestID, EventEmailDispatched, EventData{Email: "user@example.com"})
	waiting, _ := manager.Fire(request.RequestID, EventEmailConfirmed, EventData{})
	if waiting.Status != models.VIPStatusAwaitingProof || waiting.DeadlineAt == nil {
		t.Fatalf("vip.Manager.Fire(email_confirmed) = %+v", waiting)
	}

	now = now.Add(11 * time.Minute)
	current, ok := manager.Active("u1")
	if !ok || current.Status != models.VIPStatusAwaitingProof {
		t.Fatalf("vip.Manager.Active() after the window = %+v, want awaiting_proof", current)
	}
	if current.MissedWindows != 1 || !current.DeadlineAt.After(now) {
		t.Fatalf("vip.Manager.Active() after the window = %+v, want a fresh deadline", current)
	}

	uploaded, err := manager.Fire(request.RequestID, EventProofReceived, EventData{ProofReference: "proof.png"})
	if err != nil || uploaded.Status != models.VIPStatusProofUploaded {
		t.Fatalf("vip.Manager.Fire(proof_received) after the window = %+v, %v", uploaded, err)
	}
}

func TestSweepRestartsWindows(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)
	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	manager.Fire(request.RequestID, EventEmailDispatched, EventData{Email: "user@example.com"})

	if expired := manager.Sweep(); expired != 0 {
		t.Fatalf("vip.Manager.Sweep() = %d before the deadline", expired)
	}
	now = now.Add(2 * time.Hour)
	if expired := manager.Sweep(); expired != 1 {
		t.Fatalf("vip.Manager.Sweep() = %d after the deadline, want 1", expired)
	}
	current, _ := manager.Get(request.RequestID)
	if current.Status != models.VIPStatusEmailSent {
		t.Fatalf("vip.Manager.Sweep() changed the status to %s", current.Status)
	}
}

func TestCancelAndDeny(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)

	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	cancelled, err := manager.Cancel(request.RequestID, "u1", "changed my mind")
	if err != nil || cancelled.Status != models.VIPStatusCancelled {
		t.Fatalf("vip.Manager.Cancel() = %+v, %v", cancelled, err)
	}
	_, err = manager.Cancel(request.RequestID, "u1", "")
	if errors.Cause(err) != models.ErrInvalidTransition {
		t.Fatalf("vip.Manager.Cancel() twice error = %v", err)
	}

	second, _, err := manager.Create("u1", "deposit", DecisionNone)
	if err != nil {
		t.Fatalf("vip.Manager.Create() after cancel error = %v", err)
	}
	walkToProof(t, manager, second.RequestID)
	denied, err := manager.Deny(second.RequestID, "admin", "blurry screenshot")
	if err != nil || denied.Status != models.VIPStatusDenied {
		t.Fatalf("vip.Manager.Deny() = %+v, %v", denied, err)
	}
}

func TestLoadKeepsOneOpenRequest(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)

	manager.Load([]models.VIPRequest{
		{RequestID: "r1", UserID: "u1", Status: models.VIPStatusPending, CreatedAt: now.Add(-time.Hour)},
		{RequestID: "r2", UserID: "u1", Status: models.VIPStatusAwaitingProof, CreatedAt: now},
		{RequestID: "r3", UserID: "u2", Status: models.VIPStatusApproved, CreatedAt: now},
	})

	active, ok := manager.Active("u1")
	if !ok || active.RequestID != "r2" {
		t.Fatalf("vip.Manager.Load() active = %+v, want r2", active)
	}
	old, _ := manager.Get("r1")
	if old.Status != models.VIPStatusCancelled {
		t.Fatalf("vip.Manager.Load() left r1 %s", old.Status)
	}
	if len(manager.Snapshot()) != 3 {
		t.Fatalf("vip.Manager.Snapshot() returned %d requests", len(manager.Snapshot()))
	}
}

func TestStatsAndLeaderboard(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)

	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	walkToProof(t, manager, request.RequestID)
	manager.Approve(context.Background(), request.RequestID, "admin")
	manager.Create("u2", "deposit", DecisionNone)

	stats, err := manager.Stats("S1")
	if err != nil {
		t.Fatalf("vip.Manager.Stats() error = %v", err)
	}
	if stats.TotalJoins != 2 || stats.Conversions != 1 || stats.PendingRequests != 1 || stats.ConversionRate != 0.5 {
		t.Fatalf("vip.Manager.Stats() = %+v", stats)
	}

	board, err := manager.Leaderboard(time.Time{})
	if err != nil {
		t.Fatalf("vip.Manager.Leaderboard() error = %v", err)
	}
	if len(board) != 2 || board[0].StaffID != "S1" || board[1].StaffID != "S2" || board[1].TotalJoins != 1 {
		t.Fatalf("vip.Manager.Leaderboard() = %+v", board)
	}
}

func TestLeaderboardTimeframe(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, _ := newTestManager(&now)

	request, _, _ := manager.Create("u1", "deposit", DecisionNone)
	walkToProof(t, manager, request.RequestID)
	manager.Approve(context.Background(), request.RequestID, "admin")
	manager.Create("u2", "deposit", DecisionNone)

	board, err := manager.Leaderboard(time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("vip.Manager.Leaderboard() error = %v", err)
	}
	if len(board) != 2 || board[0].StaffID != "S2" || board[0].TotalJoins != 1 {
		t.Fatalf("vip.Manager.Leaderboard() = %+v, want S2 first with the only join in the timeframe", board)
	}
	if board[1].StaffID != "S1" || board[1].TotalJoins != 0 || board[1].Conversions != 1 || board[1].PendingRequests != 1 {
		t.Fatalf("vip.Manager.Leaderboard() = %+v, want S1 with its requests but no joins", board)
	}

	board, err = manager.Leaderboard(now.Add(time.Hour))
	if err != nil || len(board) != 0 {
		t.Fatalf("vip.Manager.Leaderboard() after all activity = %+v, %v", board, err)
	}
}
