package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/models"
)

type nopPlatform struct{}

func (nopPlatform) ListInvites(ctx context.Context, communityID string) ([]models.LiveInvite, error) {
	return []models.LiveInvite{{Code: "abc", UseCount: 3}}, nil
}
func (nopPlatform) AnnounceJoin(ctx context.Context, record models.JoinRecord) error { return nil }
func (nopPlatform) ResourceValid(ctx context.Context, ref string) (bool, error)      { return true, nil }
func (nopPlatform) CreateResource(ctx context.Context, userID string) (string, error) {
	return "thread-" + userID, nil
}
func (nopPlatform) ArchiveResource(ctx context.Context, ref string) error             { return nil }
func (nopPlatform) GrantRole(ctx context.Context, userID string) error                { return nil }
func (nopPlatform) RevokeRole(ctx context.Context, userID string) error               { return nil }
func (nopPlatform) SendDirect(ctx context.Context, recipientID, content string) error { return nil }

func newTestServer(t *testing.T, secret string) (*engine.Engine, *httptest.Server) {
	e, err := engine.New(engine.Options{DataDir: t.TempDir()}, nopPlatform{})
	if err != nil {
		t.Fatalf("engine.New() returned error %s", err)
	}
	server := httptest.NewServer(NewContainer(e, secret))
	t.Cleanup(func() {
		server.Close()
		e.Joins.Close()
	})
	return e, server
}

func do(t *testing.T, method, url, token string, body interface{}) *http.Response {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encoding body failed: %s", err)
		}
	}
	request, err := http.NewRequest(method, url, &payload)
	if err != nil {
		t.Fatalf("http.NewRequest() returned error %s", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(ActorHeader, "admin1")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s returned error %s", method, url, err)
	}
	return response
}

func TestAuthentication(t *testing.T) {
	_, server := newTestServer(t, "secret")

	response := do(t, http.MethodGet, server.URL+"/attributions", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /attributions without token returned %d", response.StatusCode)
	}

	response = do(t, http.MethodGet, server.URL+"/attributions", "secret", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET /attributions with token returned %d", response.StatusCode)
	}
}

func TestAttributionLifecycle(t *testing.T) {
	e, server := newTestServer(t, "")

	attribution := models.StaffAttribution{StaffID: "s1", DisplayName: "Staff", InviteCode: "abc"}
	response := do(t, http.MethodPost, server.URL+"/attributions", "", attribution)
	response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("POST /attributions returned %d", response.StatusCode)
	}

	other := models.StaffAttribution{StaffID: "s2", InviteCode: "abc"}
	response = do(t, http.MethodPost, server.URL+"/attributions", "", other)
	response.Body.Close()
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("POST /attributions with a taken code returned %d, expected 409", response.StatusCode)
	}

	name := "Renamed"
	response = do(t, http.MethodPut, server.URL+"/attributions/s1", "", attributionPatch{DisplayName: &name})
	var updated models.StaffAttribution
	json.NewDecoder(response.Body).Decode(&updated)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || updated.DisplayName != "Renamed" {
		t.Fatalf("PUT /attributions/s1 returned %d, %+v", response.StatusCode, updated)
	}

	audit := e.Staff.Audit("s1")
	if len(audit) != 2 || audit[1].ActorID != "admin1" {
		t.Fatalf("audit trail is %+v, expected create and update by admin1", audit)
	}

	response = do(t, http.MethodDelete, server.URL+"/attributions/nobody", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE /attributions/nobody returned %d, expected 404", response.StatusCode)
	}
}

func TestManualJoinAndQuery(t *testing.T) {
	e, server := newTestServer(t, "")
	e.Staff.Create("admin", models.StaffAttribution{StaffID: "s1", InviteCode: "abc"})

	record := models.JoinRecord{UserID: "u1", CommunityID: "g1", InviteCode: "abc"}
	response := do(t, http.MethodPost, server.URL+"/joins", "", record)
	var inserted models.JoinRecord
	json.NewDecoder(response.Body).Decode(&inserted)
	response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("POST /joins returned %d", response.StatusCode)
	}
	if inserted.StaffID != "s1" || inserted.Source != models.JoinSourceManual {
		t.Fatalf("POST /joins returned %+v", inserted)
	}

	response = do(t, http.MethodGet, server.URL+"/joins?staff=s1", "", nil)
	var records []models.JoinRecord
	json.NewDecoder(response.Body).Decode(&records)
	response.Body.Close()
	if len(records) != 1 || records[0].UserID != "u1" {
		t.Fatalf("GET /joins?staff=s1 returned %+v", records)
	}

	response = do(t, http.MethodGet, server.URL+"/joins?unresolved=maybe", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("GET /joins with an invalid filter returned %d", response.StatusCode)
	}
}

func TestRequestErrors(t *testing.T) {
	e, server := newTestServer(t, "")

	response := do(t, http.MethodPost, server.URL+"/requests/missing/approve", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("approving a missing request returned %d", response.StatusCode)
	}

	request, _, _ := e.VIP.Create("u1", "vip", 0)
	response = do(t, http.MethodPost, server.URL+"/requests/"+request.RequestID+"/approve", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("approving a pending request returned %d, expected 422", response.StatusCode)
	}

	response = do(t, http.MethodGet, server.URL+"/requests?status=bogus", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("listing an unknown status returned %d", response.StatusCode)
	}
}

func TestRefreshAndBackup(t *testing.T) {
	e, server := newTestServer(t, "")

	response := do(t, http.MethodPost, server.URL+"/invites/g1/refresh", "", nil)
	var entries []models.InviteCacheEntry
	json.NewDecoder(response.Body).Decode(&entries)
	response.Body.Close()
	if len(entries) != 1 || entries[0].CumulativeUseCount != 3 {
		t.Fatalf("POST /invites/g1/refresh returned %+v", entries)
	}

	response = do(t, http.MethodPost, server.URL+"/backup", "", nil)
	var status backupStatus
	json.NewDecoder(response.Body).Decode(&status)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || len(status.Outcomes) == 0 || status.Outcomes[0].Tier != models.BackupTierLocal {
		t.Fatalf("POST /backup returned %d, %+v", response.StatusCode, status)
	}
	if len(e.Backup.Outcomes()) == 0 {
		t.Fatal("POST /backup did not record an outcome")
	}
}

func TestLeaderboardTimeframe(t *testing.T) {
	e, server := newTestServer(t, "")
	e.Staff.Create("admin", models.StaffAttribution{StaffID: "s1", InviteCode: "abc"})
	response := do(t, http.MethodPost, server.URL+"/joins", "", models.JoinRecord{UserID: "u1", CommunityID: "g1", InviteCode: "abc"})
	response.Body.Close()

	response = do(t, http.MethodGet, server.URL+"/stats?since=7d", "", nil)
	var board []models.VIPStaffStats
	json.NewDecoder(response.Body).Decode(&board)
	response.Body.Close()
	if response.StatusCode != http.StatusOK || len(board) != 1 || board[0].StaffID != "s1" || board[0].TotalJoins != 1 {
		t.Fatalf("GET /stats?since=7d returned %d, %+v", response.StatusCode, board)
	}

	response = do(t, http.MethodGet, server.URL+"/stats?since=soon", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("GET /stats?since=soon returned %d, expected 400", response.StatusCode)
	}
}
