// Package attribution maps member joins to the staff invite code that was used. The platform
// never reports the code directly, so every join diffs the live invite use counts against the
// cached ones.
package attribution

import (
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bradfitz/slice"
	"github.com/sirupsen/logrus"
)

// DefaultWindow is how long an unclaimed invite use waits for its join event.
const DefaultWindow = 60 * time.Second

// Cache is the read side of the invite cache the resolver diffs against.
type Cache interface {
	Get(communityID, code string) (models.InviteCacheEntry, bool)
	StaffWrittenAt(communityID, staffID string) time.Time
}

// OwnerLookup resolves the staff member owning an invite code.
type OwnerLookup interface {
	OwnerOf(inviteCode string) (staffID string, ok bool)
}

type Outcome int

const (
	OutcomeUnresolved Outcome = iota
	OutcomeResolved
	OutcomeAmbiguous
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeAmbiguous:
		return "ambiguous"
	}
	return "unresolved"
}

// unit is a single consumed invite use: one increment of one code.
type unit struct {
	code       string
	staffID    string
	before     int
	after      int
	detectedAt time.Time
	ambiguous  bool
}

// Decision is the result of resolving one join. It is not applied to the resolver until
// Commit is called, so a failed log append leaves the pending queue untouched.
type Decision struct {
	Record  models.JoinRecord
	Outcome Outcome

	communityID string
	remaining   []unit
	expired     int
	sawLive     bool
}

// Pending returns the number of invite uses left for later joins of the same window.
func (d Decision) Pending() int {
	return len(d.remaining)
}

type Resolver struct {
	sync.Mutex
	cache   Cache
	owners  OwnerLookup
	window  time.Duration
	pending map[string][]unit
	stale   map[string]bool
	now     func() time.Time
}

func NewResolver(cache Cache, owners OwnerLookup, window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Resolver{
		cache:   cache,
		owners:  owners,
		window:  window,
		pending: make(map[string][]unit),
		stale:   make(map[string]bool),
		now:     time.Now,
	}
}

// MarkStale records that a live listing of the community could not be fetched. The next
// increases seen may span several joins and are flagged for audit.
func (r *Resolver) MarkStale(communityID string) {
	r.Lock()
	r.stale[communityID] = true
	r.Unlock()
}

// Resolve decides which invite use the join consumed. live may be nil if the listing failed,
// in which case only queued uses can be claimed.
//
// Increases are split into single uses. If they span more than one code, the uses are ordered
// by how recently the owning staff member's cache entries were written, newest first, and the
// whole batch is flagged ambiguous. The first use goes to this join; the rest wait for the
// following joins of the same community within the window. A claim taken from a queue holding
// uses of more than one code is always ambiguous.
func (r *Resolver) Resolve(event models.JoinEvent, live []models.LiveInvite) Decision {
	r.Lock()
	defer r.Unlock()

	now := r.now()
	observedAt := event.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}

	decision := Decision{
		communityID: event.CommunityID,
		Record: models.JoinRecord{
			UserID:      event.UserID,
			Username:    event.Username,
			ObservedAt:  observedAt,
			CommunityID: event.CommunityID,
			Source:      models.JoinSourceResolver,
		},
	}

	queue := make([]unit, 0, len(r.pending[event.CommunityID]))
	for _, queued := range r.pending[event.CommunityID] {
		if now.Sub(queued.detectedAt) > r.window {
			decision.expired++
			r.logger().WithFields(logrus.Fields{
				"communityID": event.CommunityID,
				"code":        queued.code,
				"before":      queued.before,
				"after":       queued.after,
			}).Warn("invite use was not claimed by any join within the window, dropping it")
			continue
		}
		queue = append(queue, queued)
	}
	hadQueue := len(queue) > 0
	decision.sawLive = live != nil

	fresh := r.increases(event.CommunityID, live, now)
	if len(fresh) > 0 && (hadQueue || r.stale[event.CommunityID]) {
		for i := range fresh {
			fresh[i].ambiguous = true
		}
	}
	queue = append(queue, fresh...)

	if len(queue) == 0 {
		decision.Outcome = OutcomeUnresolved
		return decision
	}

	claimed := queue[0]
	if distinctCodes(queue) > 1 {
		claimed.ambiguous = true
	}
	decision.remaining = queue[1:]
	decision.Record.InviteCode = claimed.code
	decision.Record.StaffID = claimed.staffID
	decision.Record.UseCountBefore = claimed.before
	decision.Record.UseCountAfter = claimed.after
	decision.Record.Ambiguous = claimed.ambiguous
	decision.Outcome = OutcomeResolved
	if claimed.ambiguous {
		decision.Outcome = OutcomeAmbiguous
	}
	return decision
}

// Commit applies the decision's pending queue. It must be called once the record was appended.
func (r *Resolver) Commit(decision Decision) {
	r.Lock()
	defer r.Unlock()

	if len(decision.remaining) == 0 {
		delete(r.pending, decision.communityID)
	} else {
		r.pending[decision.communityID] = decision.remaining
	}
	if decision.sawLive {
		delete(r.stale, decision.communityID)
	}
	metrics.PendingUnitsExpired.Add(int64(decision.expired))
}

// PendingCount returns the queued invite uses of a community.
func (r *Resolver) PendingCount(communityID string) int {
	r.Lock()
	defer r.Unlock()
	return len(r.pending[communityID])
}

// increases returns one unit per use-count increment of every staff owned code. A code missing
// from the cache yields a single ambiguous unit for its latest use.
func (r *Resolver) increases(communityID string, live []models.LiveInvite, now time.Time) []unit {
	var units []unit
	codes := make(map[string]bool)

	for _, invite := range live {
		cached, known := r.cache.Get(communityID, invite.Code)
		before := 0
		if known {
			before = cached.CumulativeUseCount
		}
		if invite.UseCount <= before {
			continue
		}

		staffID := ""
		if r.owners != nil {
			staffID, _ = r.owners.OwnerOf(invite.Code)
		}
		if staffID == "" && known {
			staffID = cached.OwningStaffID
		}
		if staffID == "" {
			r.logger().WithFields(logrus.Fields{
				"communityID": communityID,
				"code":        invite.Code,
			}).Debug("ignoring increase of an invite not owned by staff")
			continue
		}

		codes[invite.Code] = true
		if !known {
			// the previous count is unknown, only the latest use can belong to this window
			r.logger().WithFields(logrus.Fields{
				"communityID": communityID,
				"code":        invite.Code,
				"useCount":    invite.UseCount,
			}).Warn("increase on an invite missing from the cache, attributing one use for audit")
			units = append(units, unit{
				code:       invite.Code,
				staffID:    staffID,
				before:     invite.UseCount - 1,
				after:      invite.UseCount,
				detectedAt: now,
				ambiguous:  true,
			})
			continue
		}

		for count := before; count < invite.UseCount; count++ {
			units = append(units, unit{
				code:       invite.Code,
				staffID:    staffID,
				before:     count,
				after:      count + 1,
				detectedAt: now,
			})
		}
	}

	if len(codes) < 2 {
		return units
	}

	recency := make(map[string]time.Time)
	for _, u := range units {
		if _, ok := recency[u.staffID]; !ok {
			recency[u.staffID] = r.cache.StaffWrittenAt(communityID, u.staffID)
		}
	}
	slice.Sort(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if !recency[a.staffID].Equal(recency[b.staffID]) {
			return recency[a.staffID].After(recency[b.staffID])
		}
		if a.code != b.code {
			return a.code < b.code
		}
		return a.before < b.before
	})
	for i := range units {
		units[i].ambiguous = true
	}
	return units
}

func distinctCodes(units []unit) int {
	codes := make(map[string]bool, len(units))
	for _, u := range units {
		codes[u.code] = true
	}
	return len(codes)
}

func (r *Resolver) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "attribution")
}
