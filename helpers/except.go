// Except.go: Contains functions to make handling panics less PITA

package helpers

import (
	"fmt"
	"runtime"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/bwmarrin/discordgo"
	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// DEBUG_MODE adds stack traces to recovered panics
var DEBUG_MODE = false

// Recover recover()s and prints the error to console
func Recover() {
	err := recover()
	if err != nil {
		if DEBUG_MODE {
			buf := make([]byte, 1<<16)
			stackSize := runtime.Stack(buf, false)
			cache.GetLogger().WithField("module", "except").Errorf("recovered: %#v\n%s", err, string(buf[0:stackSize]))
		} else {
			cache.GetLogger().WithField("module", "except").Errorf("recovered: %#v", err)
		}

		raven.CaptureError(fmt.Errorf("%#v", err), map[string]string{})
	}
}

// RecoverMessage recover()s and tells the author of msg that something went wrong
func RecoverMessage(session *discordgo.Session, msg *discordgo.Message) {
	err := recover()
	if err != nil {
		cache.GetLogger().WithField("module", "except").Errorf("recovered while handling message %s: %#v", msg.ID, err)
		if session != nil {
			session.ChannelMessageSend(msg.ChannelID, "Something went wrong, the error has been logged.")
		}
		raven.CaptureError(fmt.Errorf("%#v", err), map[string]string{
			"ChannelID": msg.ChannelID,
			"Content":   msg.Content,
			"AuthorID":  msg.Author.ID,
		})
	}
}

// Relax is a helper to reduce if-checks if panicking is allowed
// If $err is nil this is a no-op. Panics otherwise.
func Relax(err error) {
	if err != nil {
		panic(err)
	}
}

// RelaxLog logs and reports $err if it is not nil
func RelaxLog(err error) {
	if err != nil {
		cache.GetLogger().WithField("module", "except").Errorf("%s", err.Error())
		raven.CaptureError(err, map[string]string{})
	}
}

// RelaxLogWithContext is RelaxLog with extra tags for sentry
func RelaxLogWithContext(err error, tags map[string]string) {
	if err != nil {
		entry := cache.GetLogger().WithField("module", "except")
		for key, value := range tags {
			entry = entry.WithField(key, value)
		}
		entry.Errorf("%s", err.Error())
		raven.CaptureError(err, tags)
	}
}

// IsDiscordCode reports whether err is a discord REST error with the given json error code
func IsDiscordCode(err error, code int) bool {
	if errD, ok := errors.Cause(err).(*discordgo.RESTError); ok && errD.Message != nil {
		return errD.Message.Code == code
	}
	return false
}

// IsDiscordStatus reports whether err is a discord REST error with the given http status
func IsDiscordStatus(err error, status int) bool {
	if errD, ok := errors.Cause(err).(*discordgo.RESTError); ok && errD.Response != nil {
		return errD.Response.StatusCode == status
	}
	return false
}
