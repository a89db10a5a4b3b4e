// Package backup keeps the invite cache, the staff attributions and the vip requests in three
// tiers: a local file, a remote object store and a relational store.
package backup

import (
	"context"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultTimeout  = 15 * time.Second

	maxQueuedJoins = 50000
)

// InviteStore is the invite cache as seen by the coordinator.
type InviteStore interface {
	All() []models.InviteCacheEntry
	Merge(snapshot []models.InviteCacheEntry)
	RaiseFloor(communityID, code string, useCount int)
}

// StaffStore is the staff registry as seen by the coordinator.
type StaffStore interface {
	Snapshot() ([]models.StaffAttribution, []models.StaffAuditEntry)
	Load(attributions []models.StaffAttribution, audit []models.StaffAuditEntry)
}

// RequestStore holds the vip requests.
type RequestStore interface {
	Snapshot() []models.VIPRequest
	Load(requests []models.VIPRequest)
}

type Coordinator struct {
	invites    InviteStore
	staff      StaffStore
	requests   RequestStore
	local      *LocalFile
	remote     Remote
	relational Relational

	interval time.Duration
	timeout  time.Duration

	trigger chan struct{}

	// serializes Persist
	persistMutex sync.Mutex

	sync.Mutex
	joins        []models.JoinRecord
	outcomes     map[models.BackupTier]models.BackupOutcome
	lastLocal    time.Time
	lastRemote   time.Time
	lastSnapshot time.Time

	now func() time.Time
}

func NewCoordinator(invites InviteStore, staff StaffStore, local *LocalFile) *Coordinator {
	return &Coordinator{
		invites:  invites,
		staff:    staff,
		local:    local,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		trigger:  make(chan struct{}, 1),
		outcomes: make(map[models.BackupTier]models.BackupOutcome),
		now:      time.Now,
	}
}

// SetRemote sets the object store tier, nil disables it.
func (c *Coordinator) SetRemote(remote Remote) {
	c.remote = remote
}

// SetRelational sets the relational tier, nil disables it.
func (c *Coordinator) SetRelational(relational Relational) {
	c.relational = relational
}

// SetRequests adds the vip requests to the payload.
func (c *Coordinator) SetRequests(requests RequestStore) {
	c.requests = requests
}

// SetSchedule sets the persist interval and the time limit of every remote call.
func (c *Coordinator) SetSchedule(interval, timeout time.Duration) {
	if interval > 0 {
		c.interval = interval
	}
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Snapshot serializes the current state into a versioned payload. Timestamps are strictly
// increasing so two snapshots never compare equal.
func (c *Coordinator) Snapshot() models.BackupPayload {
	payload := models.BackupPayload{
		Version: models.BackupPayloadVersion,
		Invites: c.invites.All(),
	}
	payload.Staff, payload.StaffAudit = c.staff.Snapshot()
	if c.requests != nil {
		payload.Requests = c.requests.Snapshot()
	}

	c.Lock()
	timestamp := c.now().UTC()
	if !timestamp.After(c.lastSnapshot) {
		timestamp = c.lastSnapshot.Add(time.Nanosecond)
	}
	c.lastSnapshot = timestamp
	c.Unlock()

	payload.Timestamp = timestamp
	return payload
}

// Persist writes the payload to the local file, then the remote store, then the relational
// store. Only a local failure is returned; remote failures are logged and retried by the next
// scheduled cycle. Concurrent calls are serialized.
func (c *Coordinator) Persist(ctx context.Context, payload models.BackupPayload) ([]models.BackupOutcome, error) {
	c.persistMutex.Lock()
	defer c.persistMutex.Unlock()

	outcomes := make([]models.BackupOutcome, 0, 3)

	localOutcome := c.run(models.BackupTierLocal, func() error {
		return c.local.Save(payload)
	})
	outcomes = append(outcomes, localOutcome)
	if localOutcome.Error == nil {
		metrics.BackupsPersisted.Add(1)
		c.Lock()
		c.lastLocal = payload.Timestamp
		c.Unlock()
	}

	if c.remote != nil {
		remoteOutcome := c.run(models.BackupTierRemote, func() error {
			remoteCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.remote.Upload(remoteCtx, payload)
		})
		outcomes = append(outcomes, remoteOutcome)

		c.Lock()
		if remoteOutcome.Error == nil {
			c.lastRemote = payload.Timestamp
		}
		lastRemote, lastLocal := c.lastRemote, c.lastLocal
		c.Unlock()
		if remoteOutcome.Error != nil && lastRemote.Before(lastLocal) {
			since := "never"
			if !lastRemote.IsZero() {
				since = humanize.Time(lastRemote)
			}
			c.logger().WithField("tier", models.BackupTierRemote).Warnf(
				"remote backup is behind the local backup, last successful upload: %s", since)
		}
	}

	if c.relational != nil {
		outcomes = append(outcomes, c.run(models.BackupTierRelational, func() error {
			relationalCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.relational.SaveSnapshot(relationalCtx, payload)
		}))
	}

	if localOutcome.Error != nil {
		return outcomes, errors.Wrap(localOutcome.Error, "writing local backup failed")
	}
	return outcomes, nil
}

// Restore loads the freshest available payload into the stores. The local file is preferred;
// another tier only wins if its payload is strictly newer. A stale remote is logged.
// Without any payload the stores are left empty.
func (c *Coordinator) Restore(ctx context.Context) (source models.BackupTier, err error) {
	var chosen models.BackupPayload
	found := false

	local, localFound, err := c.local.Load()
	if err != nil {
		c.logger().WithField("tier", models.BackupTierLocal).Error("reading local backup failed: ", err.Error())
	} else if localFound {
		chosen, found, source = local, true, models.BackupTierLocal
	}

	if c.remote != nil {
		remoteCtx, cancel := context.WithTimeout(ctx, c.timeout)
		remote, remoteErr := c.remote.Download(remoteCtx)
		cancel()
		switch {
		case models.IsNotFound(remoteErr):
			c.logger().WithField("tier", models.BackupTierRemote).Info("no remote backup found")
		case remoteErr != nil:
			c.logger().WithField("tier", models.BackupTierRemote).Warn("remote backup unavailable: ", remoteErr.Error())
		case !found || remote.Timestamp.After(chosen.Timestamp):
			chosen, found, source = remote, true, models.BackupTierRemote
		case remote.Timestamp.Before(chosen.Timestamp):
			c.logger().WithFields(logrus.Fields{
				"tier":            models.BackupTierRemote,
				"remoteTimestamp": remote.Timestamp,
				"localTimestamp":  chosen.Timestamp,
			}).Warn("remote backup is older than the local backup, keeping the local one")
		}
	}

	if c.relational != nil {
		relationalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		relational, relationalErr := c.relational.LoadSnapshot(relationalCtx)
		cancel()
		switch {
		case models.IsNotFound(relationalErr):
		case relationalErr != nil:
			c.logger().WithField("tier", models.BackupTierRelational).Warn("relational backup unavailable: ", relationalErr.Error())
		case !found || relational.Timestamp.After(chosen.Timestamp):
			chosen, found, source = relational, true, models.BackupTierRelational
		}
	}

	if !found {
		c.logger().Warn("no backup found in any tier, starting with an empty cache")
		return "", nil
	}

	c.invites.Merge(chosen.Invites)
	c.staff.Load(chosen.Staff, chosen.StaffAudit)
	if c.requests != nil {
		c.requests.Load(chosen.Requests)
	}

	c.Lock()
	if chosen.Timestamp.After(c.lastSnapshot) {
		c.lastSnapshot = chosen.Timestamp
	}
	c.Unlock()

	c.logger().WithFields(logrus.Fields{
		"tier":      source,
		"timestamp": chosen.Timestamp,
		"invites":   len(chosen.Invites),
		"staff":     len(chosen.Staff),
		"requests":  len(chosen.Requests),
	}).Infof("restored backup taken %s", humanize.Time(chosen.Timestamp))
	return source, nil
}

// Trigger asks the worker for a persist. It never blocks; triggers that arrive while one is
// pending are coalesced.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// MirrorJoin queues a join record for the relational tier.
func (c *Coordinator) MirrorJoin(record models.JoinRecord) {
	if c.relational == nil {
		return
	}

	c.Lock()
	if len(c.joins) >= maxQueuedJoins {
		c.logger().WithField("userID", record.UserID).Warn("relational join queue is full, dropping record, run a rebuild later")
		c.Unlock()
		return
	}
	c.joins = append(c.joins, record)
	c.Unlock()

	c.Trigger()
}

// Run persists on every trigger and on the schedule until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		case <-ticker.C:
		}
		c.cycle(ctx)
	}
}

// Shutdown writes a final snapshot and flushes the queued join records.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.flushJoins(ctx)
	_, err := c.Persist(ctx, c.Snapshot())
	return err
}

// Outcomes returns the last outcome of every tier.
func (c *Coordinator) Outcomes() []models.BackupOutcome {
	c.Lock()
	defer c.Unlock()

	result := make([]models.BackupOutcome, 0, len(c.outcomes))
	for _, tier := range []models.BackupTier{models.BackupTierLocal, models.BackupTierRemote, models.BackupTierRelational} {
		if outcome, ok := c.outcomes[tier]; ok {
			result = append(result, outcome)
		}
	}
	return result
}

// QueuedJoins returns the number of join records waiting for the relational tier.
func (c *Coordinator) QueuedJoins() int {
	c.Lock()
	defer c.Unlock()
	return len(c.joins)
}

func (c *Coordinator) cycle(ctx context.Context) {
	_, err := c.Persist(ctx, c.Snapshot())
	if err != nil {
		c.logger().Error(err.Error())
	}
	c.flushJoins(ctx)
}

func (c *Coordinator) flushJoins(ctx context.Context) {
	if c.relational == nil {
		return
	}

	c.Lock()
	batch := c.joins
	c.joins = nil
	c.Unlock()
	if len(batch) == 0 {
		return
	}

	relationalCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.relational.InsertJoins(relationalCtx, batch)
	cancel()
	if err == nil {
		return
	}

	metrics.BackupTierFailures.Add(string(models.BackupTierRelational), 1)
	c.logger().WithField("tier", models.BackupTierRelational).
		Warnf("mirroring %d join records failed, retrying next cycle: %s", len(batch), err.Error())

	c.Lock()
	c.joins = append(batch, c.joins...)
	c.Unlock()
}

func (c *Coordinator) run(tier models.BackupTier, write func() error) models.BackupOutcome {
	started := c.now()
	err := write()
	outcome := models.BackupOutcome{
		Tier:  tier,
		At:    started,
		Took:  c.now().Sub(started),
		Error: err,
	}

	c.Lock()
	c.outcomes[tier] = outcome
	c.Unlock()

	log := c.logger().WithFields(logrus.Fields{
		"tier": tier,
		"took": outcome.Took.String(),
	})
	if err != nil {
		metrics.BackupTierFailures.Add(string(tier), 1)
		log.Warn("backup failed: ", err.Error())
	} else {
		log.Info("backup persisted")
	}
	return outcome
}

func (c *Coordinator) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "backup")
}
