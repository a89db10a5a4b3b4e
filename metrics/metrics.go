package metrics

import (
	"expvar"
	"net/http"
	"runtime"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/helpers"
)

var (
	// JoinsObserved counts all member joins handed to the attribution pipeline
	JoinsObserved = expvar.NewInt("joins_observed")

	// JoinsResolved counts joins attributed to an invite code without doubt
	JoinsResolved = expvar.NewInt("joins_resolved")

	// JoinsAmbiguous counts joins attributed with the recency tie-break
	JoinsAmbiguous = expvar.NewInt("joins_ambiguous")

	// JoinsUnresolved counts joins recorded without an invite code
	JoinsUnresolved = expvar.NewInt("joins_unresolved")

	// JoinLogFailures counts join log appends that were given up on
	JoinLogFailures = expvar.NewInt("joinlog_failures")

	// PendingUnitsExpired counts queued invite uses that no join claimed in time
	PendingUnitsExpired = expvar.NewInt("pending_units_expired")

	// InviteListFailures counts failed invite listings
	InviteListFailures = expvar.NewInt("invite_list_failures")

	// BackupsPersisted counts snapshots that reached the local tier
	BackupsPersisted = expvar.NewInt("backups_persisted")

	// BackupTierFailures counts failed writes per backup tier
	BackupTierFailures = expvar.NewMap("backup_tier_failures")

	// VIPRequestsCreated counts created vip requests
	VIPRequestsCreated = expvar.NewInt("vip_requests_created")

	// VIPRequestsClosed counts vip requests that reached a terminal status
	VIPRequestsClosed = expvar.NewMap("vip_requests_closed")

	// SessionsStarted counts started sessions
	SessionsStarted = expvar.NewInt("sessions_started")

	// SessionsExpired counts sessions expired by validation or sweeps
	SessionsExpired = expvar.NewInt("sessions_expired")

	// DirectMessagesDenied counts notifications a recipient refused
	DirectMessagesDenied = expvar.NewInt("direct_messages_denied")

	// CommandsExecuted increases after each command execution
	CommandsExecuted = expvar.NewInt("commands_executed")

	// CoroutineCount counts all running coroutines
	CoroutineCount = expvar.NewInt("coroutine_count")

	// Uptime stores the timestamp of the bot's boot
	Uptime = expvar.NewInt("uptime")
)

// Init starts a http server on the configured metrics address
func Init() {
	address := helpers.ConfigString("metrics.address", "127.0.0.1:1337")
	cache.GetLogger().WithField("module", "metrics").Infof("listening on %s", address)
	Uptime.Set(time.Now().Unix())
	go func() {
		err := http.ListenAndServe(address, nil)
		if err != nil {
			cache.GetLogger().WithField("module", "metrics").Errorf("metrics server stopped: %s", err.Error())
		}
	}()
	go CollectRuntimeMetrics()
}

// CollectRuntimeMetrics counts all running coroutines
func CollectRuntimeMetrics() {
	for {
		time.Sleep(15 * time.Second)
		CoroutineCount.Set(int64(runtime.NumGoroutine()))
	}
}
