package attribution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// InviteLister fetches the point-in-time invite listing of a community.
type InviteLister interface {
	ListInvites(ctx context.Context, communityID string) ([]models.LiveInvite, error)
}

// Store is the invite cache as seen by the pipeline.
type Store interface {
	Cache
	Refresh(communityID string, live []models.LiveInvite)
}

// JoinLog is the durable log every join is appended to before anything else changes.
type JoinLog interface {
	Append(ctx context.Context, record models.JoinRecord) error
}

// Mirror receives every appended record for the relational tier.
type Mirror interface {
	MirrorJoin(record models.JoinRecord)
}

// Announcer tells the owning staff member about a join attributed to them.
type Announcer interface {
	AnnounceJoin(ctx context.Context, record models.JoinRecord) error
}

// Pipeline runs the join handling steps in a fixed order: resolve, append to the join log,
// update the invite cache, mirror to the backups. Joins of one community are serialized.
type Pipeline struct {
	resolver  *Resolver
	lister    InviteLister
	store     Store
	log       JoinLog
	mirror    Mirror
	announcer Announcer

	listTimeout time.Duration

	locksMutex sync.Mutex
	locks      map[string]*sync.Mutex
}

func NewPipeline(resolver *Resolver, lister InviteLister, store Store, log JoinLog) *Pipeline {
	return &Pipeline{
		resolver:    resolver,
		lister:      lister,
		store:       store,
		log:         log,
		listTimeout: 10 * time.Second,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetMirror sets the relational mirror, may be nil.
func (p *Pipeline) SetMirror(mirror Mirror) {
	p.mirror = mirror
}

// SetAnnouncer sets the staff notification target, may be nil.
func (p *Pipeline) SetAnnouncer(announcer Announcer) {
	p.announcer = announcer
}

// HandleJoin attributes a join and records it. An unresolved join is still recorded, with an
// empty invite code and staff id. The returned error is only set if the record could not be
// appended to the join log before ctx was done; the cache is left untouched in that case.
func (p *Pipeline) HandleJoin(ctx context.Context, event models.JoinEvent) (models.JoinRecord, Outcome, error) {
	unlock := p.lock(event.CommunityID)
	defer unlock()

	metrics.JoinsObserved.Add(1)
	log := p.logger().WithFields(logrus.Fields{
		"communityID": event.CommunityID,
		"userID":      event.UserID,
	})

	live, err := p.listInvites(ctx, event.CommunityID)
	if err != nil {
		metrics.InviteListFailures.Add(1)
		log.Warn("listing invites failed, resolving from queued uses only: ", err.Error())
		p.resolver.MarkStale(event.CommunityID)
		live = nil
	}

	decision := p.resolver.Resolve(event, live)

	err = p.log.Append(ctx, decision.Record)
	if err != nil {
		metrics.JoinLogFailures.Add(1)
		log.WithField("record", fmt.Sprintf("%+v", decision.Record)).
			Error("join record could not be appended, insert it manually: ", err.Error())
		return decision.Record, decision.Outcome, errors.Wrap(err, "appending join record failed")
	}
	p.resolver.Commit(decision)

	if live != nil {
		p.store.Refresh(event.CommunityID, live)
	}

	if p.mirror != nil {
		p.mirror.MirrorJoin(decision.Record)
	}

	switch decision.Outcome {
	case OutcomeResolved:
		metrics.JoinsResolved.Add(1)
	case OutcomeAmbiguous:
		metrics.JoinsAmbiguous.Add(1)
		log.WithFields(logrus.Fields{
			"code":    decision.Record.InviteCode,
			"staffID": decision.Record.StaffID,
			"pending": decision.Pending(),
		}).Warn("join attributed by recency tie-break, flagged for audit")
	default:
		metrics.JoinsUnresolved.Add(1)
		log.Info("join could not be attributed to a staff invite")
	}

	if decision.Record.Resolved() && p.announcer != nil {
		go p.announce(decision.Record)
	}

	return decision.Record, decision.Outcome, nil
}

// InsertManual appends a record supplied by an administrator, the recovery path for
// unresolved joins and for records the pipeline failed to append.
func (p *Pipeline) InsertManual(ctx context.Context, record models.JoinRecord) (models.JoinRecord, error) {
	if record.UserID == "" || record.CommunityID == "" {
		return record, errors.New("manual join record needs a user id and a community id")
	}
	if record.ObservedAt.IsZero() {
		record.ObservedAt = time.Now()
	}
	record.Source = models.JoinSourceManual

	unlock := p.lock(record.CommunityID)
	defer unlock()

	err := p.log.Append(ctx, record)
	if err != nil {
		return record, errors.Wrap(err, "appending manual join record failed")
	}
	if p.mirror != nil {
		p.mirror.MirrorJoin(record)
	}

	p.logger().WithFields(logrus.Fields{
		"communityID": record.CommunityID,
		"userID":      record.UserID,
		"code":        record.InviteCode,
		"staffID":     record.StaffID,
	}).Info("inserted manual join record")
	return record, nil
}

// Refresh pulls the live invite listing of a community into the cache.
func (p *Pipeline) Refresh(ctx context.Context, communityID string) (int, error) {
	unlock := p.lock(communityID)
	defer unlock()

	live, err := p.listInvites(ctx, communityID)
	if err != nil {
		metrics.InviteListFailures.Add(1)
		return 0, errors.Wrapf(err, "listing invites of %s failed", communityID)
	}
	p.store.Refresh(communityID, live)
	return len(live), nil
}

// WithCommunity runs f while holding the community's lock, for invite events that mutate the
// cache outside of a join.
func (p *Pipeline) WithCommunity(communityID string, f func()) {
	unlock := p.lock(communityID)
	defer unlock()
	f()
}

func (p *Pipeline) listInvites(ctx context.Context, communityID string) ([]models.LiveInvite, error) {
	ctx, cancel := context.WithTimeout(ctx, p.listTimeout)
	defer cancel()
	return p.lister.ListInvites(ctx, communityID)
}

func (p *Pipeline) announce(record models.JoinRecord) {
	defer helpers.Recover()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.announcer.AnnounceJoin(ctx, record)
	if err == nil {
		return
	}
	if denied, ok := models.IsPermissionDenied(err); ok {
		metrics.DirectMessagesDenied.Add(1)
		p.logger().WithFields(logrus.Fields{
			"staffID": denied.RecipientID,
			"content": denied.Content,
		}).Warn("staff member does not accept direct messages, deliver the join notice manually")
		return
	}
	helpers.RelaxLog(errors.Wrapf(err, "announcing join of %s failed", record.UserID))
}

func (p *Pipeline) lock(communityID string) func() {
	p.locksMutex.Lock()
	mutex, ok := p.locks[communityID]
	if !ok {
		mutex = new(sync.Mutex)
		p.locks[communityID] = mutex
	}
	p.locksMutex.Unlock()

	mutex.Lock()
	return mutex.Unlock
}

func (p *Pipeline) logger() *logrus.Entry {
	return p.resolver.logger()
}
