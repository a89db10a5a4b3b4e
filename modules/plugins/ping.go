package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
)

// Ping reports the latency of every backing service and the state of the backup tiers.
type Ping struct {
	Engine *engine.Engine
}

func (p *Ping) Commands() []string {
	return []string{
		"ping",
	}
}

func (p *Ping) Init(session *discordgo.Session) {
}

func (p *Ping) Action(command string, content string, msg *discordgo.Message, session *discordgo.Session) {
	var text strings.Builder
	text.WriteString("Pong!\n")

	started := time.Now()
	_, err := session.Channel(msg.ChannelID)
	text.WriteString(latencyLine("Discord API", started, err))

	if cache.HasRedisClient() {
		started = time.Now()
		err = cache.GetRedisClient().Ping().Err()
		text.WriteString(latencyLine("Redis", started, err))
	}
	if helpers.HasPostgres() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		started = time.Now()
		err = helpers.GetPostgres().PingContext(ctx)
		cancel()
		text.WriteString(latencyLine("Postgres", started, err))
	}
	if helpers.HasMDb() {
		started = time.Now()
		mdbSession := helpers.GetMDbSession().Copy()
		err = mdbSession.Ping()
		mdbSession.Close()
		text.WriteString(latencyLine("MongoDB", started, err))
	}

	for _, outcome := range p.Engine.Backup.Outcomes() {
		state := "ok"
		if outcome.Error != nil {
			state = "failed: " + outcome.Error.Error()
		}
		text.WriteString(fmt.Sprintf("Backup %s: %s (%s)\n", outcome.Tier, state, humanize.Time(outcome.At)))
	}
	if queued := p.Engine.Backup.QueuedJoins(); queued > 0 {
		text.WriteString(fmt.Sprintf("Joins waiting for the relational backup: %s\n", humanize.Comma(int64(queued))))
	}

	_, err = helpers.SendComplex(msg.ChannelID, &discordgo.MessageSend{Content: text.String()})
	helpers.RelaxLog(err)
}

func latencyLine(name string, started time.Time, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: unavailable (%s)\n", name, err.Error())
	}
	return fmt.Sprintf("%s: %s\n", name, time.Since(started).Round(time.Millisecond))
}
