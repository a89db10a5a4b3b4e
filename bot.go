package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/modules"
	"github.com/bwmarrin/discordgo"
	"github.com/getsentry/raven-go"
)

// botEngine is set by the launcher before the gateway is opened
var botEngine *engine.Engine

// BotOnReady gets called after the gateway connected
func BotOnReady(session *discordgo.Session, event *discordgo.Ready) {
	log := cache.GetLogger()

	log.WithField("module", "bot").Infof("Connected to discord as %s#%s", event.User.Username, event.User.Discriminator)

	// Cache the session
	cache.SetSession(session)

	err := modules.Init(session, botEngine)
	if err != nil {
		raven.CaptureErrorAndWait(err, nil)
		log.WithField("module", "bot").Fatalf("initializing plugins failed: %s", err.Error())
	}

	go func() {
		defer helpers.Recover()

		communityIDs := helpers.ConfigStrings("discord.guild_ids")
		if len(communityIDs) == 0 {
			for _, guild := range event.Guilds {
				communityIDs = append(communityIDs, guild.ID)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		botEngine.RefreshAll(ctx, communityIDs)
	}()
}

// BotOnGuildCreate refreshes the invite cache of guilds joined after the ready event
func BotOnGuildCreate(session *discordgo.Session, guild *discordgo.GuildCreate) {
	if guild.Unavailable || !tracksGuild(guild.ID) {
		return
	}
	if len(botEngine.Invites.Entries(guild.ID)) > 0 {
		return
	}

	go func() {
		defer helpers.Recover()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		botEngine.RefreshAll(ctx, []string{guild.ID})
	}()
}

func BotOnGuildMemberAdd(session *discordgo.Session, member *discordgo.GuildMemberAdd) {
	if !tracksGuild(member.GuildID) {
		return
	}
	modules.CallExtendedPluginOnGuildMemberAdd(
		member.Member,
	)
}

// BotOnMessageCreate gets called after a new message was sent
// This will be called after *every* message on *every* server so it should die as soon as possible
// or spawn costly work inside of coroutines.
func BotOnMessageCreate(session *discordgo.Session, message *discordgo.MessageCreate) {
	// Ignore other bots and @everyone/@here
	if message.Author == nil || message.Author.Bot || message.MentionEveryone {
		return
	}
	if message.GuildID != "" && !tracksGuild(message.GuildID) {
		return
	}

	modules.CallExtendedPlugin(
		message.Content,
		message.Message,
	)

	prefix := helpers.ConfigString("discord.prefix", "_")
	if !strings.HasPrefix(message.Content, prefix) {
		return
	}

	// Split the message into parts
	parts := strings.Fields(message.Content)
	if len(parts) == 0 {
		return
	}

	// Save a sanitized version of the command (no prefix)
	cmd := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
	if !modules.IsCommand(cmd) {
		return
	}

	// Separate arguments from the command
	content := strings.TrimSpace(strings.TrimPrefix(message.Content, parts[0]))

	cache.GetLogger().WithField("module", "bot").Debug(fmt.Sprintf("%s (#%s) in %s: %s",
		message.Author.Username, message.Author.ID, message.GuildID, message.Content))

	modules.CallBotPlugin(cmd, content, message.Message)
}

// BotDestroy uninitializes all plugins
func BotDestroy(session *discordgo.Session) {
	cache.GetLogger().WithField("module", "bot").Info("Uninitializing plugins...")
	modules.Uninit(session)
}

// tracksGuild reports whether events of a guild are processed, every guild is tracked when no
// guild ids are configured
func tracksGuild(guildID string) bool {
	guildIDs := helpers.ConfigStrings("discord.guild_ids")
	if len(guildIDs) == 0 {
		return true
	}
	for _, id := range guildIDs {
		if id == guildID {
			return true
		}
	}
	return false
}
