package helpers

import (
	"regexp"
	"strings"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
)

var mentionRegex = regexp.MustCompile(`^<@!?(\d+)>$|^(\d+)$`)

// IsBotAdmin checks if id is listed in discord.admin_ids
func IsBotAdmin(id string) bool {
	for _, s := range ConfigStrings("discord.admin_ids") {
		if s == id {
			return true
		}
	}

	return false
}

// IsAdmin reports whether the author of msg owns the guild, is a bot admin or has a role with
// the administrator or manage server permission.
func IsAdmin(msg *discordgo.Message) bool {
	if msg.Author == nil {
		return false
	}
	if IsBotAdmin(msg.Author.ID) {
		return true
	}
	if msg.GuildID == "" {
		return false
	}

	guild, err := cache.GetSession().State.Guild(msg.GuildID)
	if err != nil {
		guild, err = cache.GetSession().Guild(msg.GuildID)
		if err != nil {
			return false
		}
	}
	if msg.Author.ID == guild.OwnerID {
		return true
	}

	member := msg.Member
	if member == nil {
		member, err = cache.GetSession().GuildMember(guild.ID, msg.Author.ID)
		if err != nil {
			return false
		}
	}

	for _, role := range guild.Roles {
		for _, userRole := range member.Roles {
			if userRole == role.ID &&
				(role.Permissions&discordgo.PermissionAdministrator != 0 || role.Permissions&discordgo.PermissionManageServer != 0) {
				return true
			}
		}
	}

	return false
}

// SendComplex sends out to the channel. Long content is cut to the platform limit.
func SendComplex(channelID string, out *discordgo.MessageSend) (*discordgo.Message, error) {
	if out == nil {
		return nil, nil
	}
	if len(out.Content) > 2000 {
		out.Content = out.Content[:1997] + "..."
	}
	return cache.GetSession().ChannelMessageSendComplex(channelID, out)
}

// UserIDFromMention accepts <@id>, <@!id> and plain ids.
func UserIDFromMention(mention string) (string, error) {
	matches := mentionRegex.FindStringSubmatch(strings.TrimSpace(mention))
	if matches == nil {
		return "", errors.Errorf("%q is not a user mention", mention)
	}
	if matches[1] != "" {
		return matches[1], nil
	}
	return matches[2], nil
}
