package plugins

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/Seklfreak/robyul-referrals/vip"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const vipRequestType = "vip"

type vipAction func(args []string, in *discordgo.Message, out **discordgo.MessageSend) (next vipAction)

// VIP walks users through the upgrade request inside a private conversation thread and lets
// staff review the uploaded proof.
type VIP struct {
	Engine *engine.Engine
}

func (v *VIP) Commands() []string {
	return []string{
		"vip",
	}
}

func (v *VIP) Init(session *discordgo.Session) {
}

func (v *VIP) Uninit(session *discordgo.Session) {
}

func (v *VIP) Action(command string, content string, msg *discordgo.Message, session *discordgo.Session) {
	defer helpers.Recover()

	var result *discordgo.MessageSend
	args := strings.Fields(content)

	action := v.actionStart
	for action != nil {
		action = action(args, msg, &result)
	}
}

func (v *VIP) actionStart(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	if len(args) < 1 {
		return v.actionOpen
	}

	switch args[0] {
	case "start":
		return v.actionOpen
	case "keep", "restart":
		return v.actionDecide
	case "email":
		return v.actionEmail
	case "confirm":
		return v.actionConfirm
	case "cancel":
		return v.actionCancel
	case "status":
		return v.actionStatus
	}

	if !helpers.IsAdmin(in) {
		*out = newMsg("You need to be an administrator to do this.")
		return v.actionFinish
	}

	switch args[0] {
	case "approve":
		return v.actionApprove
	case "deny":
		return v.actionDeny
	case "assign":
		return v.actionAssign
	case "list":
		return v.actionList
	case "close":
		return v.actionCloseSession
	}

	*out = newMsg("Unknown subcommand.")
	return v.actionFinish
}

// actionOpen opens the conversation thread and the request.
func (v *VIP) actionOpen(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := v.Engine.Sessions.Start(ctx, in.Author.ID)
	if err != nil {
		if _, ok := models.IsConflict(err); !ok {
			helpers.RelaxLog(err)
			*out = newMsg("Opening your conversation failed, please try again later.")
			return v.actionFinish
		}
	}

	request, created, err := v.Engine.VIP.Create(in.Author.ID, vipRequestType, vip.DecisionNone)
	if err != nil {
		if _, ok := models.IsConflict(err); ok {
			v.sendThread(session.ExternalResourceRef, fmt.Sprintf(
				"<@%s>, you already have an open request (%s, created %s). Reply `vip keep` to continue it or `vip restart` to start over.",
				in.Author.ID, describeStatus(request.Status), humanize.Time(request.CreatedAt)))
		} else {
			helpers.RelaxLog(err)
		}
	} else if created {
		v.sendThread(session.ExternalResourceRef, v.welcome(request))
	}

	*out = newMsg(fmt.Sprintf("<@%s>, continue in <#%s>.", in.Author.ID, session.ExternalResourceRef))
	return v.actionFinish
}

func (v *VIP) actionDecide(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	decision := vip.DecisionKeepExisting
	if args[0] == "restart" {
		decision = vip.DecisionRestartFresh
	}

	request, created, err := v.Engine.VIP.Create(in.Author.ID, vipRequestType, decision)
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg(describeError(err))
		return v.actionFinish
	}
	v.touch(in.Author.ID)

	if created {
		*out = newMsg(v.welcome(request))
		return v.actionFinish
	}
	*out = newMsg(fmt.Sprintf("Continuing your request, it is %s. %s", describeStatus(request.Status), nextStep(request)))
	return v.actionFinish
}

func (v *VIP) actionEmail(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	if len(args) < 2 {
		*out = newMsg("Usage: `vip email <address>`")
		return v.actionFinish
	}
	address, err := mail.ParseAddress(args[1])
	if err != nil {
		*out = newMsg("That does not look like an email address.")
		return v.actionFinish
	}

	return v.fire(in, out, vip.EventEmailDispatched, vip.EventData{Email: address.Address})
}

func (v *VIP) actionConfirm(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	return v.fire(in, out, vip.EventEmailConfirmed, vip.EventData{})
}

func (v *VIP) actionCancel(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	request, ok := v.Engine.VIP.Active(in.Author.ID)
	if !ok {
		*out = newMsg("You have no open request.")
		return v.actionFinish
	}
	_, err := v.Engine.VIP.Cancel(request.RequestID, in.Author.ID, strings.Join(args[1:], " "))
	if err != nil {
		*out = newMsg(describeError(err))
		return v.actionFinish
	}
	v.closeSession(in.Author.ID, in.Author.ID, "request cancelled")
	*out = newMsg("Your request has been cancelled.")
	return v.actionFinish
}

func (v *VIP) actionStatus(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	request, ok := v.Engine.VIP.Active(in.Author.ID)
	if !ok {
		*out = newMsg("You have no open request. Use `vip` to start one.")
		return v.actionFinish
	}
	*out = newMsg(fmt.Sprintf("Your request is %s. %s", describeStatus(request.Status), nextStep(request)))
	return v.actionFinish
}

func (v *VIP) actionApprove(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	request, err := v.findRequest(args)
	if err != nil {
		*out = newMsg(describeError(err))
		return v.actionFinish
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	request, err = v.Engine.VIP.Approve(ctx, request.RequestID, in.Author.ID)
	staffDenied, _ := models.IsPermissionDenied(err)
	if err != nil && staffDenied == nil {
		if errors.Cause(err) == models.ErrStaffUnassigned {
			*out = newMsg("This request is not credited to anyone yet, use `vip assign` first.")
			return v.actionFinish
		}
		*out = newMsg(describeError(err))
		return v.actionFinish
	}

	reply := fmt.Sprintf("Approved <@%s>, credited to <@%s>.", request.UserID, request.StaffID)
	reply += undelivered(staffDenied)
	reply += undelivered(v.dmUser(request.UserID, "Your VIP request has been approved, welcome!"))
	v.closeSession(request.UserID, in.Author.ID, "request approved")
	*out = newMsg(reply)
	return v.actionFinish
}

func (v *VIP) actionDeny(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	request, err := v.findRequest(args)
	if err != nil {
		*out = newMsg(describeError(err))
		return v.actionFinish
	}

	reason := ""
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}
	request, err = v.Engine.VIP.Deny(request.RequestID, in.Author.ID, reason)
	if err != nil {
		*out = newMsg(describeError(err))
		return v.actionFinish
	}

	message := "Your VIP request has been denied."
	if reason != "" {
		message += " Reason: " + reason
	}
	reply := fmt.Sprintf("Denied the request of <@%s>.", request.UserID)
	reply += undelivered(v.dmUser(request.UserID, message))
	v.closeSession(request.UserID, in.Author.ID, "request denied")
	*out = newMsg(reply)
	return v.actionFinish
}

func (v *VIP) actionAssign(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	if len(args) < 3 {
		*out = newMsg("Usage: `vip assign <request id|@user> <@staff>`")
		return v.actionFinish
	}
	request, err := v.findRequest(args)
	if err != nil {
		*out = newMsg(describeError(err))
		return v.actionFinish
	}
	staffID, err := helpers.UserIDFromMention(args[2])
	if err != nil {
		*out = newMsg(err.Error())
		return v.actionFinish
	}
	if _, ok := v.Engine.Staff.ByStaffID(staffID); !ok {
		*out = newMsg(fmt.Sprintf("<@%s> has no staff attribution.", staffID))
		return v.actionFinish
	}

	request, err = v.Engine.VIP.AssignStaff(request.RequestID, staffID, in.Author.ID)
	if err != nil {
		*out = newMsg(describeError(err))
		return v.actionFinish
	}
	*out = newMsg(fmt.Sprintf("The request of <@%s> is now credited to <@%s>.", request.UserID, request.StaffID))
	return v.actionFinish
}

func (v *VIP) actionList(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	status := models.VIPStatusProofUploaded
	if len(args) >= 2 {
		status = models.VIPRequestStatus(args[1])
		if args[1] == "all" {
			status = ""
		} else if !status.Valid() {
			*out = newMsg("Unknown status.")
			return v.actionFinish
		}
	}

	requests := v.Engine.VIP.List(status)
	if len(requests) == 0 {
		*out = newMsg("No requests found.")
		return v.actionFinish
	}

	var text strings.Builder
	for i, request := range requests {
		if i >= maxListedRecords {
			text.WriteString(fmt.Sprintf("... and %d more\n", len(requests)-maxListedRecords))
			break
		}
		staff := "unassigned"
		if request.StaffID != "" {
			staff = "<@" + request.StaffID + ">"
		}
		text.WriteString(fmt.Sprintf("`%s` <@%s>: %s, staff %s, updated %s\n",
			request.RequestID, request.UserID, describeStatus(request.Status), staff, humanize.Time(request.UpdatedAt)))
	}
	*out = newMsg(text.String())
	return v.actionFinish
}

func (v *VIP) actionCloseSession(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	if len(args) < 2 {
		*out = newMsg("Usage: `vip close <@user>`")
		return v.actionFinish
	}
	userID, err := helpers.UserIDFromMention(args[1])
	if err != nil {
		*out = newMsg(err.Error())
		return v.actionFinish
	}
	v.closeSession(userID, in.Author.ID, "closed by staff")
	*out = newMsg(fmt.Sprintf("Closed the conversation of <@%s>.", userID))
	return v.actionFinish
}

func (v *VIP) actionFinish(args []string, in *discordgo.Message, out **discordgo.MessageSend) vipAction {
	_, err := helpers.SendComplex(in.ChannelID, *out)
	helpers.RelaxLog(err)

	return nil
}

// OnMessage takes uploads inside a conversation thread as proof.
func (v *VIP) OnMessage(content string, msg *discordgo.Message, session *discordgo.Session) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conversation, ok, err := v.Engine.Sessions.ByResource(ctx, msg.ChannelID)
	if err != nil {
		helpers.RelaxLog(err)
		return
	}
	if !ok || conversation.UserID != msg.Author.ID {
		return
	}
	v.touch(msg.Author.ID)

	if len(msg.Attachments) == 0 {
		return
	}
	request, ok := v.Engine.VIP.Active(msg.Author.ID)
	if !ok || request.Status != models.VIPStatusAwaitingProof {
		return
	}

	request, err = v.Engine.VIP.Fire(request.RequestID, vip.EventProofReceived, vip.EventData{
		ProofReference: msg.Attachments[0].URL,
	})
	if err != nil {
		v.sendThread(msg.ChannelID, describeError(err))
		return
	}
	v.sendThread(msg.ChannelID, "Thanks, your proof has been received. A staff member will review it soon.")

	reviewChannelID := helpers.ConfigString("vip.channel_id", "")
	if reviewChannelID == "" {
		return
	}
	_, err = helpers.SendComplex(reviewChannelID, &discordgo.MessageSend{
		Embed: &discordgo.MessageEmbed{
			Title:       "VIP request ready for review",
			Description: fmt.Sprintf("<@%s> uploaded proof. `vip approve %s` or `vip deny %s <reason>`", request.UserID, request.RequestID, request.RequestID),
			Image:       &discordgo.MessageEmbedImage{URL: request.ProofReference},
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Email", Value: valueOr(request.Email, "none"), Inline: true},
				{Name: "Staff", Value: valueOr(mention(request.StaffID), "unassigned"), Inline: true},
			},
		},
	})
	helpers.RelaxLog(err)
}

func (v *VIP) OnGuildMemberAdd(member *discordgo.Member, session *discordgo.Session) {
}

func (v *VIP) fire(in *discordgo.Message, out **discordgo.MessageSend, event vip.Event, data vip.EventData) vipAction {
	request, ok := v.Engine.VIP.Active(in.Author.ID)
	if !ok {
		*out = newMsg("You have no open request. Use `vip` to start one.")
		return v.actionFinish
	}

	request, err := v.Engine.VIP.Fire(request.RequestID, event, data)
	if err != nil {
		if errors.Cause(err) == models.ErrInvalidTransition {
			*out = newMsg(fmt.Sprintf("That is not possible right now, your request is %s. %s", describeStatus(request.Status), nextStep(request)))
			return v.actionFinish
		}
		*out = newMsg(err.Error())
		return v.actionFinish
	}
	v.touch(in.Author.ID)

	*out = newMsg(nextStep(request))
	return v.actionFinish
}

// findRequest resolves args[1], a request id or a user mention.
func (v *VIP) findRequest(args []string) (models.VIPRequest, error) {
	if len(args) < 2 {
		return models.VIPRequest{}, errors.New("a request id or a user is required")
	}
	if userID, err := helpers.UserIDFromMention(args[1]); err == nil {
		request, ok := v.Engine.VIP.Active(userID)
		if !ok {
			return request, models.ErrNotFound
		}
		return request, nil
	}
	request, ok := v.Engine.VIP.Get(args[1])
	if !ok {
		return request, models.ErrNotFound
	}
	return request, nil
}

func (v *VIP) welcome(request models.VIPRequest) string {
	template := helpers.ConfigString("vip.welcome_template",
		"Welcome <@{user}>! Register with {staff_name}'s link {referral_link} (code `{referral_code}`), then send `vip email <address>` with the email you used.")
	template = strings.Replace(template, "{user}", request.UserID, -1)

	if attribution, ok := v.Engine.Staff.ByStaffID(request.StaffID); ok {
		return attribution.Render(template)
	}
	return strings.NewReplacer(
		"{staff_name}", "our team",
		"{referral_link}", helpers.ConfigString("vip.default_referral_link", "(ask a staff member)"),
		"{referral_code}", "-",
		"{partner_code}", "-",
		"{invite_code}", "-",
	).Replace(template)
}

func (v *VIP) touch(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := v.Engine.Sessions.Touch(ctx, userID)
	if err != nil && !models.IsNotFound(err) {
		helpers.RelaxLog(err)
	}
}

func (v *VIP) closeSession(userID, actorID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := v.Engine.Sessions.Close(ctx, userID, actorID, reason)
	helpers.RelaxLog(err)
}

func (v *VIP) sendThread(channelID, content string) {
	if channelID == "" {
		return
	}
	_, err := helpers.SendComplex(channelID, newMsg(content))
	helpers.RelaxLog(err)
}

// dmUser returns the refusal if the user does not accept direct messages, other failures are
// only logged.
func (v *VIP) dmUser(userID, content string) *models.PermissionDeniedError {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := v.Engine.Platform.SendDirect(ctx, userID, content)
	if denied, ok := models.IsPermissionDenied(err); ok {
		metrics.DirectMessagesDenied.Add(1)
		v.logger().WithField("userID", denied.RecipientID).Info("user does not accept direct messages")
		return denied
	}
	helpers.RelaxLog(err)
	return nil
}

// undelivered renders a refused direct message for the staff reply, so it can be passed on by hand.
func undelivered(denied *models.PermissionDeniedError) string {
	if denied == nil {
		return ""
	}
	return fmt.Sprintf("\n<@%s> does not accept direct messages, please tell them:\n%s", denied.RecipientID, denied.Content)
}

func (v *VIP) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "vip")
}

func describeStatus(status models.VIPRequestStatus) string {
	return strings.Replace(string(status), "_", " ", -1)
}

func nextStep(request models.VIPRequest) string {
	deadline := ""
	if request.DeadlineAt != nil {
		deadline = " (" + humanize.Time(*request.DeadlineAt) + ")"
	}
	switch request.Status {
	case models.VIPStatusPending:
		return "Send `vip email <address>` with the email you registered with."
	case models.VIPStatusEmailSent:
		return "Check your inbox and send `vip confirm` once you verified your email" + deadline + "."
	case models.VIPStatusAwaitingProof:
		return "Upload a screenshot of your deposit in your conversation thread" + deadline + "."
	case models.VIPStatusProofUploaded:
		return "A staff member is reviewing your proof."
	}
	return ""
}

func mention(userID string) string {
	if userID == "" {
		return ""
	}
	return "<@" + userID + ">"
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
