package modules

import (
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/modules/plugins"
)

var (
	pluginCache         map[string]*Plugin
	extendedPluginCache map[string]*ExtendedPlugin

	PluginList         []Plugin
	PluginExtendedList []ExtendedPlugin
)

func buildPluginLists(e *engine.Engine) {
	PluginList = []Plugin{
		&plugins.Ping{Engine: e},
	}

	PluginExtendedList = []ExtendedPlugin{
		&plugins.Referrals{Engine: e},
		&plugins.VIP{Engine: e},
	}
}
