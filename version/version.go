package version

import (
	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/sirupsen/logrus"
)

// Set by the linker
var (
	// BOT_VERSION example: 1.2.0-4-g205bbb8
	BOT_VERSION = "DEV_SNAPSHOT"

	// BUILD_TIME example: Fri Jan  6 00:45:46 CET 2026
	BUILD_TIME = "UNSET"

	BUILD_USER = "UNSET"
	BUILD_HOST = "UNSET"
)

// Released reports whether the binary was built with a version.
func Released() bool {
	return BOT_VERSION != "DEV_SNAPSHOT"
}

// DumpInfo logs the build info
func DumpInfo() {
	cache.GetLogger().WithFields(logrus.Fields{
		"module":  "version",
		"version": BOT_VERSION,
		"time":    BUILD_TIME,
		"user":    BUILD_USER,
		"host":    BUILD_HOST,
	}).Info("build info")
}
