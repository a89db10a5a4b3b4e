package plugins

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/Seklfreak/robyul-referrals/staff"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const maxListedRecords = 20

type referralsAction func(args []string, in *discordgo.Message, out **discordgo.MessageSend) (next referralsAction)

// Referrals is the administrative surface of the attribution engine: staff attributions,
// the join log, backups and stats.
type Referrals struct {
	Engine *engine.Engine
}

func (r *Referrals) Commands() []string {
	return []string{
		"referrals",
		"ref",
	}
}

func (r *Referrals) Init(session *discordgo.Session) {
	session.AddHandler(r.OnInviteCreate)
	session.AddHandler(r.OnInviteDelete)
}

func (r *Referrals) Uninit(session *discordgo.Session) {
}

func (r *Referrals) Action(command string, content string, msg *discordgo.Message, session *discordgo.Session) {
	defer helpers.Recover()

	session.ChannelTyping(msg.ChannelID)

	var result *discordgo.MessageSend
	args := strings.Fields(content)

	action := r.actionStart
	for action != nil {
		action = action(args, msg, &result)
	}
}

func (r *Referrals) actionStart(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	if len(args) < 1 {
		*out = newMsg("Usage: `ref staff|joins|refresh|backup|rebuild|stats|leaderboard|export`")
		return r.actionFinish
	}

	if args[0] == "stats" && len(args) == 1 {
		return r.actionStats
	}

	if !helpers.IsAdmin(in) {
		*out = newMsg("You need to be an administrator to do this.")
		return r.actionFinish
	}

	switch args[0] {
	case "staff":
		return r.actionStaff
	case "joins":
		return r.actionJoins
	case "refresh":
		return r.actionRefresh
	case "backup":
		return r.actionBackup
	case "rebuild":
		return r.actionRebuild
	case "stats":
		return r.actionStats
	case "leaderboard", "top":
		return r.actionLeaderboard
	case "export":
		return r.actionExport
	}

	*out = newMsg("Unknown subcommand.")
	return r.actionFinish
}

// ref staff list|add|create|set|remove|audit
func (r *Referrals) actionStaff(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	if len(args) < 2 || args[1] == "list" {
		attributions := r.Engine.Staff.List(false)
		if len(attributions) == 0 {
			*out = newMsg("No staff attributions yet.")
			return r.actionFinish
		}
		var text strings.Builder
		for _, attribution := range attributions {
			text.WriteString(fmt.Sprintf("<@%s> **%s**: invite `%s`, referral code `%s`\n",
				attribution.StaffID, attribution.DisplayName, attribution.InviteCode, attribution.ReferralCode()))
		}
		*out = newMsg(text.String())
		return r.actionFinish
	}

	if len(args) < 3 {
		*out = newMsg("Too few arguments.")
		return r.actionFinish
	}
	staffID, err := helpers.UserIDFromMention(args[2])
	if err != nil {
		*out = newMsg(err.Error())
		return r.actionFinish
	}

	switch args[1] {
	case "add":
		// ref staff add <@staff> <invite code> <referral link> [display name]
		if len(args) < 5 {
			*out = newMsg("Usage: `ref staff add <@staff> <invite code> <referral link> [display name]`")
			return r.actionFinish
		}
		attribution := models.StaffAttribution{
			StaffID:      staffID,
			InviteCode:   args[3],
			ReferralLink: args[4],
			DisplayName:  strings.Join(args[5:], " "),
		}
		if attribution.DisplayName == "" {
			attribution.DisplayName = r.displayName(staffID)
		}
		attribution, err = r.Engine.Staff.Create(in.Author.ID, attribution)
		if err != nil {
			*out = newMsg(describeError(err))
			return r.actionFinish
		}
		r.Engine.Invites.SyncOwners()
		*out = newMsg(fmt.Sprintf("Invite `%s` now credits <@%s>.", attribution.InviteCode, attribution.StaffID))
	case "create":
		// ref staff create <@staff> <referral link> [display name]
		if len(args) < 4 {
			*out = newMsg("Usage: `ref staff create <@staff> <referral link> [display name]`")
			return r.actionFinish
		}
		attribution := models.StaffAttribution{
			StaffID:      staffID,
			ReferralLink: args[3],
			DisplayName:  strings.Join(args[4:], " "),
		}
		if attribution.DisplayName == "" {
			attribution.DisplayName = r.displayName(staffID)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		attribution, err = r.Engine.CreateStaff(ctx, in.Author.ID, in.GuildID, in.ChannelID, attribution)
		if err != nil {
			if _, ok := models.IsConflict(err); !ok {
				helpers.RelaxLog(err)
			}
			*out = newMsg(describeError(err))
			return r.actionFinish
		}
		*out = newMsg(fmt.Sprintf("Created https://discord.gg/%s for <@%s>, every join through it is credited to them.",
			attribution.InviteCode, attribution.StaffID))
	case "set":
		// ref staff set <@staff> <name|code|link|template|partner> <value...>
		if len(args) < 5 {
			*out = newMsg("Usage: `ref staff set <@staff> <name|code|link|template|partner> <value>`")
			return r.actionFinish
		}
		value := strings.Join(args[4:], " ")
		var patch staff.Patch
		switch args[3] {
		case "name":
			patch.DisplayName = &value
		case "code":
			patch.InviteCode = &value
		case "link":
			patch.ReferralLink = &value
		case "template":
			patch.MessageTemplate = &value
		case "partner":
			patch.ExternalPartnerCode = &value
		default:
			*out = newMsg("Unknown field.")
			return r.actionFinish
		}
		attribution, err := r.Engine.Staff.Update(in.Author.ID, staffID, patch)
		if err != nil {
			*out = newMsg(describeError(err))
			return r.actionFinish
		}
		*out = newMsg(fmt.Sprintf("Updated the attribution of <@%s>, preview:\n%s", staffID, attribution.Render("")))
	case "remove", "delete":
		err = r.Engine.Staff.Delete(in.Author.ID, staffID)
		if err != nil {
			*out = newMsg(describeError(err))
			return r.actionFinish
		}
		*out = newMsg(fmt.Sprintf("Removed the attribution of <@%s>. Their past joins stay credited.", staffID))
	case "audit":
		entries := r.Engine.Staff.Audit(staffID)
		if len(entries) == 0 {
			*out = newMsg("No changes recorded.")
			return r.actionFinish
		}
		var text strings.Builder
		for _, entry := range entries {
			text.WriteString(fmt.Sprintf("%s: %s by <@%s>\n", humanize.Time(entry.At), entry.Action, entry.ActorID))
		}
		*out = newMsg(text.String())
	default:
		*out = newMsg("Unknown subcommand.")
	}
	return r.actionFinish
}

// ref joins user <@user> | code <code> | staff <@staff> | unresolved | ambiguous | add <@user> <code|->
func (r *Referrals) actionJoins(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	if len(args) < 2 {
		*out = newMsg("Usage: `ref joins user|code|staff|unresolved|ambiguous|add`")
		return r.actionFinish
	}

	filter := joinlog.Filter{CommunityID: in.GuildID}
	switch args[1] {
	case "unresolved":
		filter.UnresolvedOnly = true
	case "ambiguous":
		filter.AmbiguousOnly = true
	case "user", "staff":
		if len(args) < 3 {
			*out = newMsg("Too few arguments.")
			return r.actionFinish
		}
		userID, err := helpers.UserIDFromMention(args[2])
		if err != nil {
			*out = newMsg(err.Error())
			return r.actionFinish
		}
		if args[1] == "user" {
			filter.UserID = userID
		} else {
			filter.StaffID = userID
		}
	case "code":
		if len(args) < 3 {
			*out = newMsg("Too few arguments.")
			return r.actionFinish
		}
		filter.InviteCode = args[2]
	case "add":
		return r.actionJoinsAdd
	default:
		*out = newMsg("Unknown subcommand.")
		return r.actionFinish
	}

	records, err := r.Engine.Joins.Records(filter)
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg("Reading the join log failed.")
		return r.actionFinish
	}
	*out = newMsg(formatRecords(records))
	return r.actionFinish
}

func (r *Referrals) actionJoinsAdd(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	if len(args) < 4 {
		*out = newMsg("Usage: `ref joins add <@user> <invite code|->`")
		return r.actionFinish
	}
	userID, err := helpers.UserIDFromMention(args[2])
	if err != nil {
		*out = newMsg(err.Error())
		return r.actionFinish
	}

	record := models.JoinRecord{
		UserID:      userID,
		Username:    r.displayName(userID),
		CommunityID: in.GuildID,
		ObservedAt:  time.Now(),
	}
	if args[3] != "-" {
		record.InviteCode = args[3]
		if attribution, ok := r.Engine.Staff.ByInviteCode(args[3]); ok {
			record.StaffID = attribution.StaffID
		}
		if entry, ok := r.Engine.Invites.Get(in.GuildID, args[3]); ok {
			record.UseCountBefore = entry.CumulativeUseCount
			record.UseCountAfter = entry.CumulativeUseCount
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	record, err = r.Engine.Pipeline.InsertManual(ctx, record)
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg("Appending the join failed: " + err.Error())
		return r.actionFinish
	}

	credited := "nobody"
	if record.StaffID != "" {
		credited = "<@" + record.StaffID + ">"
	}
	*out = newMsg(fmt.Sprintf("Logged the join of <@%s>, credited to %s.", record.UserID, credited))
	return r.actionFinish
}

func (r *Referrals) actionRefresh(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := r.Engine.Pipeline.Refresh(ctx, in.GuildID)
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg("Refreshing the invites failed: " + err.Error())
		return r.actionFinish
	}
	*out = newMsg(fmt.Sprintf("Refreshed %s invites.", humanize.Comma(int64(count))))
	return r.actionFinish
}

func (r *Referrals) actionBackup(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	outcomes, err := r.Engine.Backup.Persist(ctx, r.Engine.Backup.Snapshot())
	var text strings.Builder
	for _, outcome := range outcomes {
		if outcome.Error != nil {
			text.WriteString(fmt.Sprintf("%s: failed (%s)\n", outcome.Tier, outcome.Error.Error()))
			continue
		}
		text.WriteString(fmt.Sprintf("%s: written in %s\n", outcome.Tier, outcome.Took.Round(time.Millisecond)))
	}
	if err != nil {
		text.WriteString("The local backup failed, check the logs.")
	}
	*out = newMsg(text.String())
	return r.actionFinish
}

func (r *Referrals) actionRebuild(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := r.Engine.Backup.Rebuild(ctx, r.Engine.Joins)
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg("Rebuilding from the join log failed: " + err.Error())
		return r.actionFinish
	}
	*out = newMsg(fmt.Sprintf("Replayed %s join records, %s mirrored to the relational backup.",
		humanize.Comma(int64(result.Records)), humanize.Comma(int64(result.Mirrored))))
	return r.actionFinish
}

func (r *Referrals) actionStats(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	staffID := in.Author.ID
	if len(args) >= 2 {
		var err error
		staffID, err = helpers.UserIDFromMention(args[1])
		if err != nil {
			*out = newMsg(err.Error())
			return r.actionFinish
		}
	}

	stats, err := r.Engine.VIP.Stats(staffID)
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg("Reading the stats failed.")
		return r.actionFinish
	}
	*out = newMsg(fmt.Sprintf("<@%s>: %s joins, %s conversions (%.1f%%), %d open requests",
		stats.StaffID, humanize.Comma(int64(stats.TotalJoins)), humanize.Comma(int64(stats.Conversions)),
		stats.ConversionRate*100, stats.PendingRequests))
	return r.actionFinish
}

// ref leaderboard [7d|30d|all]
func (r *Referrals) actionLeaderboard(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	timeframe := ""
	if len(args) > 1 {
		timeframe = args[1]
	}
	since, err := helpers.ParseSince(time.Now(), timeframe)
	if err != nil {
		*out = newMsg("Usage: `ref leaderboard [7d|30d|all]`")
		return r.actionFinish
	}

	leaderboard, err := r.Engine.VIP.Leaderboard(since)
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg("Reading the stats failed.")
		return r.actionFinish
	}
	if len(leaderboard) == 0 {
		*out = newMsg("No attributed joins yet.")
		return r.actionFinish
	}

	var text strings.Builder
	if !since.IsZero() {
		text.WriteString(fmt.Sprintf("Since %s:\n", humanize.Time(since)))
	}
	for i, stats := range leaderboard {
		if i >= maxListedRecords {
			break
		}
		text.WriteString(fmt.Sprintf("%s. <@%s>: %s joins, %s conversions\n", humanize.Ordinal(i+1),
			stats.StaffID, humanize.Comma(int64(stats.TotalJoins)), humanize.Comma(int64(stats.Conversions))))
	}
	*out = newMsg(text.String())
	return r.actionFinish
}

func (r *Referrals) actionExport(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	var buffer bytes.Buffer
	rows, err := r.Engine.Joins.ExportXLSX(&buffer, joinlog.Filter{CommunityID: in.GuildID})
	if err != nil {
		helpers.RelaxLog(err)
		*out = newMsg("Exporting the join log failed.")
		return r.actionFinish
	}

	*out = &discordgo.MessageSend{
		Content: fmt.Sprintf("Exported %s joins.", humanize.Comma(int64(rows))),
		Files: []*discordgo.File{{
			Name:        fmt.Sprintf("joins-%s.xlsx", time.Now().Format("2006-01-02")),
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Reader:      &buffer,
		}},
	}
	return r.actionFinish
}

func (r *Referrals) actionFinish(args []string, in *discordgo.Message, out **discordgo.MessageSend) referralsAction {
	_, err := helpers.SendComplex(in.ChannelID, *out)
	helpers.RelaxLog(err)

	return nil
}

func (r *Referrals) OnMessage(content string, msg *discordgo.Message, session *discordgo.Session) {
}

// OnGuildMemberAdd runs the join through the attribution pipeline.
func (r *Referrals) OnGuildMemberAdd(member *discordgo.Member, session *discordgo.Session) {
	if member.User == nil || member.User.Bot {
		return
	}

	observedAt := member.JoinedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	record, outcome, err := r.Engine.Pipeline.HandleJoin(ctx, models.JoinEvent{
		CommunityID: member.GuildID,
		UserID:      member.User.ID,
		Username:    member.User.Username,
		ObservedAt:  observedAt,
	})
	if err != nil {
		helpers.RelaxLogWithContext(err, map[string]string{
			"GuildID": member.GuildID,
			"UserID":  member.User.ID,
		})
		return
	}

	r.logger().WithFields(logrus.Fields{
		"communityID": record.CommunityID,
		"userID":      record.UserID,
		"code":        record.InviteCode,
	}).Debug("join handled: ", outcome.String())
}

// OnInviteCreate caches a new invite immediately, so its first use is not missed.
func (r *Referrals) OnInviteCreate(session *discordgo.Session, invite *discordgo.InviteCreate) {
	defer helpers.Recover()

	live := models.LiveInvite{
		Code:     invite.Code,
		UseCount: invite.Uses,
	}
	if invite.Inviter != nil {
		live.CreatorID = invite.Inviter.ID
		live.CreatorDisplayName = invite.Inviter.Username
	}
	r.Engine.Pipeline.WithCommunity(invite.GuildID, func() {
		r.Engine.Invites.Observe(invite.GuildID, live)
	})
}

func (r *Referrals) OnInviteDelete(session *discordgo.Session, invite *discordgo.InviteDelete) {
	defer helpers.Recover()

	r.Engine.Pipeline.WithCommunity(invite.GuildID, func() {
		r.Engine.Invites.MarkInactive(invite.GuildID, invite.Code)
	})
}

func (r *Referrals) displayName(userID string) string {
	user, err := cache.GetSession().User(userID)
	if err != nil {
		return userID
	}
	return user.Username
}

func (r *Referrals) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "referrals")
}

func newMsg(content string) *discordgo.MessageSend {
	return &discordgo.MessageSend{Content: content}
}

func describeError(err error) string {
	if conflict, ok := models.IsConflict(err); ok {
		switch conflict.Kind {
		case models.ConflictStaff:
			return fmt.Sprintf("<@%s> already has an attribution, use `ref staff set` to change it.", conflict.ExistingID)
		case models.ConflictInviteCode:
			return fmt.Sprintf("That invite code already credits <@%s>.", conflict.ExistingID)
		case models.ConflictRequest:
			return fmt.Sprintf("There is already an open request: `%s`.", conflict.ExistingID)
		case models.ConflictSession:
			return fmt.Sprintf("There is already an open conversation: <#%s>.", conflict.ExistingID)
		}
	}
	if models.IsNotFound(err) {
		return "Not found."
	}
	return "Something went wrong: " + err.Error()
}

func formatRecords(records []models.JoinRecord) string {
	if len(records) == 0 {
		return "No joins found."
	}

	var text strings.Builder
	if len(records) > maxListedRecords {
		text.WriteString(fmt.Sprintf("Showing the latest %d of %s joins:\n", maxListedRecords, humanize.Comma(int64(len(records)))))
		records = records[len(records)-maxListedRecords:]
	}
	for _, record := range records {
		line := fmt.Sprintf("%s: <@%s>", humanize.Time(record.ObservedAt), record.UserID)
		if record.Resolved() {
			line += fmt.Sprintf(" via `%s`", record.InviteCode)
		} else {
			line += " via unknown invite"
		}
		if record.StaffID != "" {
			line += fmt.Sprintf(" credited to <@%s>", record.StaffID)
		}
		if record.Ambiguous {
			line += " (ambiguous)"
		}
		if record.Source == models.JoinSourceManual {
			line += " (manual)"
		}
		text.WriteString(line + "\n")
	}
	return text.String()
}
