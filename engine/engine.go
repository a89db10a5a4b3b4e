// Package engine wires the referral components together: the invite cache, the staff registry,
// the join log and pipeline, the backups, the vip workflow and the sessions.
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/attribution"
	"github.com/Seklfreak/robyul-referrals/backup"
	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/invites"
	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/Seklfreak/robyul-referrals/sessions"
	"github.com/Seklfreak/robyul-referrals/staff"
	"github.com/Seklfreak/robyul-referrals/vip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Platform is everything the engine needs from the chat platform.
type Platform interface {
	attribution.InviteLister
	attribution.Announcer
	sessions.Resources
	vip.RoleGranter
	vip.Messenger
}

// InviteCreator is implemented by platforms that can open invites for new staff members.
type InviteCreator interface {
	CreateInvite(ctx context.Context, channelID string) (models.LiveInvite, error)
	DeleteInvite(ctx context.Context, code string) error
}

type Options struct {
	DataDir           string
	AttributionWindow time.Duration
	InvitePruneAfter  time.Duration
	EmailWindow       time.Duration
	ProofWindow       time.Duration
	SessionMaxAge     time.Duration
	SweepInterval     time.Duration
	BackupInterval    time.Duration
	BackupTimeout     time.Duration

	// optional tiers and stores
	Remote       backup.Remote
	Relational   backup.Relational
	SessionStore sessions.Store
}

// OptionsFromConfig reads the options from the loaded config.
func OptionsFromConfig() Options {
	return Options{
		DataDir:           helpers.ConfigString("data.path", "data"),
		AttributionWindow: helpers.ConfigDuration("attribution.window", attribution.DefaultWindow),
		InvitePruneAfter:  helpers.ConfigDuration("invites.prune_after", 30*24*time.Hour),
		EmailWindow:       helpers.ConfigDuration("vip.email_window", vip.DefaultEmailWindow),
		ProofWindow:       helpers.ConfigDuration("vip.proof_window", vip.DefaultProofWindow),
		SessionMaxAge:     helpers.ConfigDuration("sessions.max_age", sessions.DefaultMaxAge),
		SweepInterval:     helpers.ConfigDuration("sessions.sweep_interval", 30*time.Minute),
		BackupInterval:    helpers.ConfigDuration("backup.interval", backup.DefaultInterval),
		BackupTimeout:     helpers.ConfigDuration("backup.timeout", backup.DefaultTimeout),
	}
}

type Engine struct {
	Invites  *invites.Store
	Staff    *staff.Registry
	Joins    *joinlog.Log
	Resolver *attribution.Resolver
	Pipeline *attribution.Pipeline
	Backup   *backup.Coordinator
	VIP      *vip.Manager
	Sessions *sessions.Manager
	Platform Platform

	options Options
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the engine. Nothing is restored and no background work runs before Restore and
// Start are called.
func New(options Options, platform Platform) (*Engine, error) {
	if options.DataDir == "" {
		options.DataDir = "data"
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = 30 * time.Minute
	}

	joins, err := joinlog.Open(helpers.ConfigString("joinlog.path", filepath.Join(options.DataDir, "joinlog")))
	if err != nil {
		return nil, errors.Wrap(err, "opening join log failed")
	}

	e := &Engine{
		Staff:    staff.NewRegistry(),
		Joins:    joins,
		Platform: platform,
		options:  options,
	}
	e.Invites = invites.NewStore(e.Staff)
	e.Resolver = attribution.NewResolver(e.Invites, e.Staff, options.AttributionWindow)
	e.Pipeline = attribution.NewPipeline(e.Resolver, platform, e.Invites, joins)

	e.Backup = backup.NewCoordinator(e.Invites, e.Staff, backup.NewLocalFile(
		helpers.ConfigString("backup.local_path", filepath.Join(options.DataDir, "backup.json"))))
	e.Backup.SetSchedule(options.BackupInterval, options.BackupTimeout)
	e.Backup.SetRemote(options.Remote)
	e.Backup.SetRelational(options.Relational)

	e.VIP = vip.NewManager(joins, platform, platform, e.Staff)
	e.VIP.SetWindows(options.EmailWindow, options.ProofWindow)
	e.Backup.SetRequests(e.VIP)

	sessionStore := options.SessionStore
	if sessionStore == nil {
		sessionStore = sessions.NewMemoryStore()
	}
	e.Sessions = sessions.NewManager(sessionStore, platform, options.SessionMaxAge)

	e.Pipeline.SetMirror(e.Backup)
	e.Pipeline.SetAnnouncer(platform)
	e.Invites.SetNotifier(e.Backup)
	e.Staff.AddNotifier(e.Backup)
	e.VIP.SetNotifier(e.Backup)
	e.Staff.AddNotifier(staff.NotifierFunc(e.Invites.SyncOwners))

	return e, nil
}

// Restore loads the newest backup. A missing backup is not an error.
func (e *Engine) Restore(ctx context.Context) (models.BackupTier, error) {
	tier, err := e.Backup.Restore(ctx)
	if err != nil {
		return tier, err
	}
	e.Invites.SyncOwners()
	return tier, nil
}

// CreateStaff opens a permanent invite in channelID and registers it as the attribution's
// invite code. The invite is deleted again if the attribution is rejected.
func (e *Engine) CreateStaff(ctx context.Context, actorID, communityID, channelID string, attribution models.StaffAttribution) (models.StaffAttribution, error) {
	creator, ok := e.Platform.(InviteCreator)
	if !ok {
		return attribution, errors.New("the platform cannot create invites")
	}

	invite, err := creator.CreateInvite(ctx, channelID)
	if err != nil {
		return attribution, errors.Wrap(err, "creating the staff invite failed")
	}

	attribution.InviteCode = invite.Code
	created, err := e.Staff.Create(actorID, attribution)
	if err != nil {
		deleteErr := creator.DeleteInvite(ctx, invite.Code)
		if deleteErr != nil {
			e.logger().WithField("code", invite.Code).Warn("deleting the rejected staff invite failed: ", deleteErr.Error())
		}
		return created, err
	}

	e.Pipeline.WithCommunity(communityID, func() {
		e.Invites.Observe(communityID, invite)
	})
	return created, nil
}

// RefreshAll refreshes the invite cache of every community.
func (e *Engine) RefreshAll(ctx context.Context, communityIDs []string) {
	for _, communityID := range communityIDs {
		entries, err := e.Pipeline.Refresh(ctx, communityID)
		if err != nil {
			e.logger().WithField("communityID", communityID).Warn("refreshing invites failed: ", err.Error())
			continue
		}
		e.logger().WithField("communityID", communityID).Infof("cached %d invites", entries)
	}
}

// Start launches the backup worker and the sweeps.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer helpers.Recover()
		e.Backup.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		defer helpers.Recover()
		e.sweep(ctx)
	}()
}

// Shutdown stops the background work and writes a final backup.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	err := e.Backup.Shutdown(ctx)
	closeErr := e.Joins.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.SweepOnce(ctx)
	}
}

// SweepOnce expires sessions and request windows and prunes inactive invites.
func (e *Engine) SweepOnce(ctx context.Context) {
	expired, err := e.Sessions.Sweep(ctx)
	if err != nil {
		helpers.RelaxLog(errors.Wrap(err, "sweeping sessions failed"))
	}
	missed := e.VIP.Sweep()
	pruned := 0
	if e.options.InvitePruneAfter > 0 {
		for _, communityID := range e.Invites.Communities() {
			e.Pipeline.WithCommunity(communityID, func() {
				pruned += e.Invites.Sweep(communityID, e.options.InvitePruneAfter)
			})
		}
	}
	if expired+missed+pruned > 0 {
		e.logger().WithFields(logrus.Fields{
			"sessions": expired,
			"windows":  missed,
			"invites":  pruned,
		}).Info("sweep finished")
	}
}

func (e *Engine) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "engine")
}
