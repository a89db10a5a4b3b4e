package helpers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
)

// Discord is the platform adapter the engine talks to. It is stateless, every call goes
// through the session stored in cache.
type Discord struct {
	// Staff resolves staff attributions for join announcements.
	Staff interface {
		ByStaffID(staffID string) (models.StaffAttribution, bool)
	}
}

// ListInvites returns the live invite listing of a guild.
func (d *Discord) ListInvites(ctx context.Context, communityID string) ([]models.LiveInvite, error) {
	invites, err := cache.GetSession().GuildInvites(communityID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "listing invites of %s failed", communityID)
	}

	live := make([]models.LiveInvite, 0, len(invites))
	for _, invite := range invites {
		if invite == nil || invite.Code == "" {
			continue
		}
		entry := models.LiveInvite{
			Code:     invite.Code,
			UseCount: invite.Uses,
		}
		if invite.Inviter != nil {
			entry.CreatorID = invite.Inviter.ID
			entry.CreatorDisplayName = invite.Inviter.Username
		}
		live = append(live, entry)
	}
	return live, nil
}

// CreateInvite opens a unique invite that never expires and has no use limit.
func (d *Discord) CreateInvite(ctx context.Context, channelID string) (models.LiveInvite, error) {
	invite, err := cache.GetSession().ChannelInviteCreate(channelID, discordgo.Invite{
		MaxAge:  0,
		MaxUses: 0,
		Unique:  true,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return models.LiveInvite{}, errors.Wrapf(err, "creating an invite in %s failed", channelID)
	}

	created := models.LiveInvite{
		Code:     invite.Code,
		UseCount: invite.Uses,
	}
	if invite.Inviter != nil {
		created.CreatorID = invite.Inviter.ID
		created.CreatorDisplayName = invite.Inviter.Username
	}
	return created, nil
}

// DeleteInvite deletes an invite, a missing invite counts as deleted.
func (d *Discord) DeleteInvite(ctx context.Context, code string) error {
	_, err := cache.GetSession().InviteDelete(code, discordgo.WithContext(ctx))
	if err != nil && !IsDiscordCode(err, discordgo.ErrCodeUnknownInvite) {
		return errors.Wrapf(err, "deleting invite %s failed", code)
	}
	return nil
}

// ResourceValid reports whether a session thread still exists and is neither archived nor
// locked. Missing threads are invalid, other API errors are returned.
func (d *Discord) ResourceValid(ctx context.Context, ref string) (bool, error) {
	channel, err := cache.GetSession().Channel(ref, discordgo.WithContext(ctx))
	if err != nil {
		if IsDiscordCode(err, discordgo.ErrCodeUnknownChannel) || IsDiscordStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "checking thread %s failed", ref)
	}
	if channel.ThreadMetadata != nil && (channel.ThreadMetadata.Archived || channel.ThreadMetadata.Locked) {
		return false, nil
	}
	return true, nil
}

// CreateResource opens a private thread for the user below the configured sessions channel.
func (d *Discord) CreateResource(ctx context.Context, userID string) (string, error) {
	parentID := ConfigString("sessions.channel_id", "")
	if parentID == "" {
		return "", errors.New("sessions.channel_id is not configured")
	}

	name := "referral-" + userID
	if user, err := cache.GetSession().User(userID, discordgo.WithContext(ctx)); err == nil {
		name = "referral-" + user.Username
	}

	thread, err := cache.GetSession().ThreadStartComplex(parentID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 24 * 60,
		Type:                discordgo.ChannelTypeGuildPrivateThread,
		Invitable:           false,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", errors.Wrapf(err, "creating thread for %s failed", userID)
	}

	err = cache.GetSession().ThreadMemberAdd(thread.ID, userID, discordgo.WithContext(ctx))
	if err != nil {
		d.ArchiveResource(ctx, thread.ID)
		return "", errors.Wrapf(err, "adding %s to thread %s failed", userID, thread.ID)
	}
	return thread.ID, nil
}

// ArchiveResource archives and locks a session thread. A thread that is already gone counts
// as archived.
func (d *Discord) ArchiveResource(ctx context.Context, ref string) error {
	archived, locked := true, true
	_, err := cache.GetSession().ChannelEditComplex(ref, &discordgo.ChannelEdit{
		Archived: &archived,
		Locked:   &locked,
	}, discordgo.WithContext(ctx))
	if err != nil && !IsDiscordCode(err, discordgo.ErrCodeUnknownChannel) {
		return errors.Wrapf(err, "archiving thread %s failed", ref)
	}
	return nil
}

// SendDirect sends a direct message. Recipients who refuse direct messages yield a
// *models.PermissionDeniedError carrying the content.
func (d *Discord) SendDirect(ctx context.Context, recipientID, content string) error {
	channel, err := cache.GetSession().UserChannelCreate(recipientID, discordgo.WithContext(ctx))
	if err == nil {
		_, err = cache.GetSession().ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx))
	}
	if err == nil {
		return nil
	}
	if IsDiscordCode(err, discordgo.ErrCodeCannotSendMessagesToThisUser) || IsDiscordStatus(err, http.StatusForbidden) {
		return &models.PermissionDeniedError{RecipientID: recipientID, Content: content, Cause: err}
	}
	return errors.Wrapf(err, "messaging %s failed", recipientID)
}

// GrantRole adds the configured upgrade role.
func (d *Discord) GrantRole(ctx context.Context, userID string) error {
	guildID, roleID, err := vipRole()
	if err != nil {
		return err
	}
	err = cache.GetSession().GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
	return errors.Wrapf(err, "granting role %s to %s failed", roleID, userID)
}

// RevokeRole removes the configured upgrade role.
func (d *Discord) RevokeRole(ctx context.Context, userID string) error {
	guildID, roleID, err := vipRole()
	if err != nil {
		return err
	}
	err = cache.GetSession().GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
	return errors.Wrapf(err, "revoking role %s from %s failed", roleID, userID)
}

// AnnounceJoin tells the owning staff member about a join attributed to them.
func (d *Discord) AnnounceJoin(ctx context.Context, record models.JoinRecord) error {
	if record.StaffID == "" {
		return nil
	}

	content := fmt.Sprintf("<@%s> joined through your invite `%s`.", record.UserID, record.InviteCode)
	if record.Ambiguous {
		content += " Several invites were used at the same time, please double check."
	}
	if d.Staff != nil {
		if attribution, ok := d.Staff.ByStaffID(record.StaffID); ok {
			content = attribution.Render(ConfigString("attribution.announce_template", content))
		}
	}
	return d.SendDirect(ctx, record.StaffID, content)
}

func vipRole() (guildID, roleID string, err error) {
	roleID = ConfigString("vip.role_id", "")
	guildID = ConfigString("vip.guild_id", "")
	if guildID == "" {
		if guildIDs := ConfigStrings("discord.guild_ids"); len(guildIDs) > 0 {
			guildID = guildIDs[0]
		}
	}
	if roleID == "" || guildID == "" {
		return "", "", errors.New("vip.role_id or the guild is not configured")
	}
	return guildID, roleID, nil
}
