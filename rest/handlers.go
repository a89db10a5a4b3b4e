package rest

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/Seklfreak/robyul-referrals/staff"
	"github.com/emicklei/go-restful"
	"github.com/pkg/errors"
)

type attributionPatch struct {
	DisplayName         *string `json:"display_name"`
	InviteCode          *string `json:"invite_code"`
	ReferralLink        *string `json:"referral_link"`
	MessageTemplate     *string `json:"message_template"`
	ExternalPartnerCode *string `json:"external_partner_code"`
}

type decisionBody struct {
	Reason  string `json:"reason"`
	StaffID string `json:"staff_id"`
}

// approveResult carries a notification that could not be delivered next to the request.
type approveResult struct {
	Request            models.VIPRequest `json:"request"`
	UndeliveredTo      string            `json:"undelivered_to,omitempty"`
	UndeliveredMessage string            `json:"undelivered_message,omitempty"`
}

type backupOutcome struct {
	Tier  models.BackupTier `json:"tier"`
	At    time.Time         `json:"at"`
	Took  string            `json:"took"`
	Error string            `json:"error,omitempty"`
}

type backupStatus struct {
	Outcomes    []backupOutcome `json:"outcomes"`
	QueuedJoins int             `json:"queued_joins"`
}

func (h *Handlers) ListAttributions(request *restful.Request, response *restful.Response) {
	includeDeleted, _ := strconv.ParseBool(request.QueryParameter("deleted"))
	response.WriteEntity(h.engine.Staff.List(includeDeleted))
}

func (h *Handlers) CreateAttribution(request *restful.Request, response *restful.Response) {
	var attribution models.StaffAttribution
	err := request.ReadEntity(&attribution)
	if err != nil {
		response.WriteError(http.StatusBadRequest, err)
		return
	}

	attribution, err = h.engine.Staff.Create(actor(request), attribution)
	if err != nil {
		writeError(response, err)
		return
	}
	h.engine.Invites.SyncOwners()
	response.WriteHeaderAndEntity(http.StatusCreated, attribution)
}

func (h *Handlers) UpdateAttribution(request *restful.Request, response *restful.Response) {
	var patch attributionPatch
	err := request.ReadEntity(&patch)
	if err != nil {
		response.WriteError(http.StatusBadRequest, err)
		return
	}

	attribution, err := h.engine.Staff.Update(actor(request), request.PathParameter("staff-id"), staff.Patch{
		DisplayName:         patch.DisplayName,
		InviteCode:          patch.InviteCode,
		ReferralLink:        patch.ReferralLink,
		MessageTemplate:     patch.MessageTemplate,
		ExternalPartnerCode: patch.ExternalPartnerCode,
	})
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(attribution)
}

func (h *Handlers) DeleteAttribution(request *restful.Request, response *restful.Response) {
	err := h.engine.Staff.Delete(actor(request), request.PathParameter("staff-id"))
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetAttributionAudit(request *restful.Request, response *restful.Response) {
	response.WriteEntity(h.engine.Staff.Audit(request.PathParameter("staff-id")))
}

func (h *Handlers) ListJoins(request *restful.Request, response *restful.Response) {
	filter, err := joinFilter(request)
	if err != nil {
		response.WriteError(http.StatusBadRequest, err)
		return
	}

	records, err := h.engine.Joins.Records(filter)
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(records)
}

func (h *Handlers) InsertJoin(request *restful.Request, response *restful.Response) {
	var record models.JoinRecord
	err := request.ReadEntity(&record)
	if err != nil {
		response.WriteError(http.StatusBadRequest, err)
		return
	}
	if record.StaffID == "" && record.InviteCode != "" {
		if attribution, ok := h.engine.Staff.ByInviteCode(record.InviteCode); ok {
			record.StaffID = attribution.StaffID
		}
	}

	record, err = h.engine.Pipeline.InsertManual(request.Request.Context(), record)
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteHeaderAndEntity(http.StatusCreated, record)
}

func (h *Handlers) ExportJoins(request *restful.Request, response *restful.Response) {
	filter, err := joinFilter(request)
	if err != nil {
		response.WriteError(http.StatusBadRequest, err)
		return
	}

	var buffer bytes.Buffer
	_, err = h.engine.Joins.ExportXLSX(&buffer, filter)
	if err != nil {
		writeError(response, err)
		return
	}
	response.AddHeader("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	response.AddHeader("Content-Disposition", `attachment; filename="joins.xlsx"`)
	response.WriteHeader(http.StatusOK)
	response.Write(buffer.Bytes())
}

func (h *Handlers) ListInvites(request *restful.Request, response *restful.Response) {
	response.WriteEntity(h.engine.Invites.Entries(request.PathParameter("community-id")))
}

func (h *Handlers) RefreshInvites(request *restful.Request, response *restful.Response) {
	ctx, cancel := context.WithTimeout(request.Request.Context(), 30*time.Second)
	defer cancel()

	communityID := request.PathParameter("community-id")
	_, err := h.engine.Pipeline.Refresh(ctx, communityID)
	if err != nil {
		response.WriteError(http.StatusBadGateway, err)
		return
	}
	response.WriteEntity(h.engine.Invites.Entries(communityID))
}

func (h *Handlers) ListRequests(request *restful.Request, response *restful.Response) {
	status := models.VIPRequestStatus(request.QueryParameter("status"))
	if status != "" && !status.Valid() {
		response.WriteError(http.StatusBadRequest, errors.Errorf("unknown status %s", status))
		return
	}
	response.WriteEntity(h.engine.VIP.List(status))
}

func (h *Handlers) GetRequest(request *restful.Request, response *restful.Response) {
	vipRequest, ok := h.engine.VIP.Get(request.PathParameter("request-id"))
	if !ok {
		writeError(response, models.ErrNotFound)
		return
	}
	response.WriteEntity(vipRequest)
}

func (h *Handlers) ApproveRequest(request *restful.Request, response *restful.Response) {
	ctx, cancel := context.WithTimeout(request.Request.Context(), 30*time.Second)
	defer cancel()

	vipRequest, err := h.engine.VIP.Approve(ctx, request.PathParameter("request-id"), actor(request))
	if denied, ok := models.IsPermissionDenied(err); ok {
		response.WriteEntity(approveResult{
			Request:            vipRequest,
			UndeliveredTo:      denied.RecipientID,
			UndeliveredMessage: denied.Content,
		})
		return
	}
	if err != nil {
		writeError(response, err)
		return
	}
	h.closeSession(ctx, vipRequest.UserID, actor(request), "request approved")
	response.WriteEntity(approveResult{Request: vipRequest})
}

func (h *Handlers) DenyRequest(request *restful.Request, response *restful.Response) {
	var body decisionBody
	request.ReadEntity(&body)

	vipRequest, err := h.engine.VIP.Deny(request.PathParameter("request-id"), actor(request), body.Reason)
	if err != nil {
		writeError(response, err)
		return
	}
	h.closeSession(request.Request.Context(), vipRequest.UserID, actor(request), "request denied")
	response.WriteEntity(vipRequest)
}

func (h *Handlers) AssignRequest(request *restful.Request, response *restful.Response) {
	var body decisionBody
	err := request.ReadEntity(&body)
	if err != nil {
		response.WriteError(http.StatusBadRequest, err)
		return
	}
	if _, ok := h.engine.Staff.ByStaffID(body.StaffID); !ok {
		response.WriteError(http.StatusUnprocessableEntity, errors.Errorf("%s has no staff attribution", body.StaffID))
		return
	}

	vipRequest, err := h.engine.VIP.AssignStaff(request.PathParameter("request-id"), body.StaffID, actor(request))
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(vipRequest)
}

func (h *Handlers) CancelRequest(request *restful.Request, response *restful.Response) {
	var body decisionBody
	request.ReadEntity(&body)

	vipRequest, err := h.engine.VIP.Cancel(request.PathParameter("request-id"), actor(request), body.Reason)
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(vipRequest)
}

func (h *Handlers) GetSession(request *restful.Request, response *restful.Response) {
	session, found, err := h.engine.Sessions.Get(request.Request.Context(), request.PathParameter("user-id"))
	if err != nil {
		writeError(response, err)
		return
	}
	if !found {
		writeError(response, models.ErrNotFound)
		return
	}
	response.WriteEntity(session)
}

func (h *Handlers) CloseSession(request *restful.Request, response *restful.Response) {
	session, err := h.engine.Sessions.Close(request.Request.Context(), request.PathParameter("user-id"), actor(request), "closed by staff")
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(session)
}

func (h *Handlers) GetBackupStatus(request *restful.Request, response *restful.Response) {
	response.WriteEntity(h.backupStatus(h.engine.Backup.Outcomes()))
}

func (h *Handlers) PersistBackup(request *restful.Request, response *restful.Response) {
	ctx, cancel := context.WithTimeout(request.Request.Context(), time.Minute)
	defer cancel()

	outcomes, err := h.engine.Backup.Persist(ctx, h.engine.Backup.Snapshot())
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	response.WriteHeaderAndEntity(status, h.backupStatus(outcomes))
}

func (h *Handlers) RebuildBackup(request *restful.Request, response *restful.Response) {
	result, err := h.engine.Backup.Rebuild(request.Request.Context(), h.engine.Joins)
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(result)
}

func (h *Handlers) GetLeaderboard(request *restful.Request, response *restful.Response) {
	since, err := helpers.ParseSince(time.Now(), request.QueryParameter("since"))
	if err != nil {
		response.WriteError(http.StatusBadRequest, err)
		return
	}
	leaderboard, err := h.engine.VIP.Leaderboard(since)
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(leaderboard)
}

func (h *Handlers) GetStaffStats(request *restful.Request, response *restful.Response) {
	stats, err := h.engine.VIP.Stats(request.PathParameter("staff-id"))
	if err != nil {
		writeError(response, err)
		return
	}
	response.WriteEntity(stats)
}

func (h *Handlers) closeSession(ctx context.Context, userID, actorID, reason string) {
	_, err := h.engine.Sessions.Close(ctx, userID, actorID, reason)
	if err != nil {
		logger().WithField("userID", userID).Warn("closing session failed: ", err.Error())
	}
}

func (h *Handlers) backupStatus(outcomes []models.BackupOutcome) backupStatus {
	status := backupStatus{
		Outcomes:    make([]backupOutcome, 0, len(outcomes)),
		QueuedJoins: h.engine.Backup.QueuedJoins(),
	}
	for _, outcome := range outcomes {
		entry := backupOutcome{
			Tier: outcome.Tier,
			At:   outcome.At,
			Took: outcome.Took.String(),
		}
		if outcome.Error != nil {
			entry.Error = outcome.Error.Error()
		}
		status.Outcomes = append(status.Outcomes, entry)
	}
	return status
}

func joinFilter(request *restful.Request) (filter joinlog.Filter, err error) {
	filter = joinlog.Filter{
		UserID:      request.QueryParameter("user"),
		InviteCode:  request.QueryParameter("code"),
		StaffID:     request.QueryParameter("staff"),
		CommunityID: request.QueryParameter("community"),
	}
	if unresolved := request.QueryParameter("unresolved"); unresolved != "" {
		filter.UnresolvedOnly, err = strconv.ParseBool(unresolved)
		if err != nil {
			return filter, errors.Wrap(err, "invalid unresolved parameter")
		}
	}
	if ambiguous := request.QueryParameter("ambiguous"); ambiguous != "" {
		filter.AmbiguousOnly, err = strconv.ParseBool(ambiguous)
		if err != nil {
			return filter, errors.Wrap(err, "invalid ambiguous parameter")
		}
	}
	if since := request.QueryParameter("since"); since != "" {
		filter.Since, err = time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, errors.Wrap(err, "invalid since parameter")
		}
	}
	return filter, nil
}

func actor(request *restful.Request) string {
	if actorID := request.HeaderParameter(ActorHeader); actorID != "" {
		return actorID
	}
	return "api"
}

func writeError(response *restful.Response, err error) {
	if _, ok := models.IsConflict(err); ok {
		response.WriteHeaderAndEntity(http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	switch errors.Cause(err) {
	case models.ErrNotFound:
		response.WriteError(http.StatusNotFound, err)
	case models.ErrInvalidTransition, models.ErrStaffUnassigned:
		response.WriteError(http.StatusUnprocessableEntity, err)
	default:
		logger().Error("api request failed: ", err.Error())
		response.WriteError(http.StatusInternalServerError, err)
	}
}
