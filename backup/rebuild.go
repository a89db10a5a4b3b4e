package backup

import (
	"context"

	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/pkg/errors"
)

const rebuildBatchSize = 500

// JoinSource is the read side of the join log.
type JoinSource interface {
	Query(filter joinlog.Filter) *joinlog.Iterator
}

// RebuildResult summarizes a replay of the join log.
type RebuildResult struct {
	Records  int
	Mirrored int
}

// Rebuild replays the join log: every record is inserted into the relational tier and the cached
// use count of its invite code is raised to at least use_count_after. The log is only read.
func (c *Coordinator) Rebuild(ctx context.Context, source JoinSource) (result RebuildResult, err error) {
	it := source.Query(joinlog.Filter{})
	defer it.Close()

	batch := make([]models.JoinRecord, 0, rebuildBatchSize)
	flush := func() error {
		if c.relational == nil || len(batch) == 0 {
			batch = batch[:0]
			return nil
		}
		relationalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		err := c.relational.InsertJoins(relationalCtx, batch)
		if err != nil {
			return err
		}
		result.Mirrored += len(batch)
		batch = batch[:0]
		return nil
	}

	for it.Next() {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		record := it.Record()
		result.Records++
		if record.Resolved() {
			c.invites.RaiseFloor(record.CommunityID, record.InviteCode, record.UseCountAfter)
		}

		batch = append(batch, record)
		if len(batch) >= rebuildBatchSize {
			err = flush()
			if err != nil {
				return result, errors.Wrap(err, "mirroring join records failed")
			}
		}
	}
	if it.Err() != nil {
		return result, errors.Wrap(it.Err(), "reading join log failed")
	}

	err = flush()
	if err != nil {
		return result, errors.Wrap(err, "mirroring join records failed")
	}

	c.logger().Infof("rebuilt from %d join records, %d mirrored", result.Records, result.Mirrored)
	c.Trigger()
	return result, nil
}
