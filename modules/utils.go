package modules

import (
	"fmt"
	"strings"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/ratelimits"
	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Init builds and initializes the plugins
func Init(session *discordgo.Session, e *engine.Engine) error {
	buildPluginLists(e)

	err := checkDuplicateCommands()
	if err != nil {
		return err
	}

	pluginCache = make(map[string]*Plugin)
	extendedPluginCache = make(map[string]*ExtendedPlugin)

	for i := range PluginList {
		ref := &PluginList[i]
		for _, cmd := range (*ref).Commands() {
			pluginCache[cmd] = ref
		}
		logger().Info(fmt.Sprintf("[PLUG] %T reacts to [ %s ]", *ref, strings.Join((*ref).Commands(), " ")))
		(*ref).Init(session)
	}

	for i := range PluginExtendedList {
		ref := &PluginExtendedList[i]
		for _, cmd := range (*ref).Commands() {
			extendedPluginCache[cmd] = ref
		}
		logger().Info(fmt.Sprintf("[EXTENDED-PLUG] %T reacts to [ %s ]", *ref, strings.Join((*ref).Commands(), " ")))
		(*ref).Init(session)
	}

	logger().Infof("Initializer finished. Loaded %d plugins and %d extended plugins",
		len(PluginList), len(PluginExtendedList))
	return nil
}

// Uninit deinitializes the extended plugins
func Uninit(session *discordgo.Session) {
	for _, extendedPlugin := range PluginExtendedList {
		logger().Info(fmt.Sprintf("[EXTENDED-PLUG] %T deinitializing", extendedPlugin))
		extendedPlugin.Uninit(session)
	}
}

// IsCommand reports whether a plugin reacts to command.
func IsCommand(command string) bool {
	if _, ok := pluginCache[command]; ok {
		return true
	}
	_, ok := extendedPluginCache[command]
	return ok
}

// command - The command that triggered this execution
// content - The content without command
// msg     - The message object
func CallBotPlugin(command string, content string, msg *discordgo.Message) {
	defer helpers.RecoverMessage(cache.GetSession(), msg)

	if ratelimits.Container.Drain(1, msg.Author.ID) != nil {
		logger().WithField("userID", msg.Author.ID).Debug("dropped command, rate limited")
		return
	}

	metrics.CommandsExecuted.Add(1)

	if ref, ok := pluginCache[command]; ok {
		(*ref).Action(command, content, msg, cache.GetSession())
	}
	if ref, ok := extendedPluginCache[command]; ok {
		(*ref).Action(command, content, msg, cache.GetSession())
	}
}

func CallExtendedPlugin(content string, msg *discordgo.Message) {
	defer helpers.Recover()

	for _, extendedPlugin := range PluginExtendedList {
		extendedPlugin.OnMessage(strings.TrimSpace(content), msg, cache.GetSession())
	}
}

func CallExtendedPluginOnGuildMemberAdd(member *discordgo.Member) {
	defer helpers.Recover()

	for _, extendedPlugin := range PluginExtendedList {
		extendedPlugin.OnGuildMemberAdd(member, cache.GetSession())
	}
}

func checkDuplicateCommands() error {
	cmds := make(map[string]string)

	register := func(plugin Plugin) error {
		for _, cmd := range plugin.Commands() {
			t := fmt.Sprintf("%T", plugin)
			if occupant, ok := cmds[cmd]; ok {
				return errors.Errorf("failed to load %s because '%s' was already registered by %s", t, cmd, occupant)
			}
			cmds[cmd] = t
		}
		return nil
	}

	for _, plugin := range PluginList {
		if err := register(plugin); err != nil {
			return err
		}
	}
	for _, plugin := range PluginExtendedList {
		if err := register(plugin); err != nil {
			return err
		}
	}
	return nil
}

func logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "modules")
}
