// Package ratelimits keeps a key bucket per user; every command drains one key and keys drip
// back in over time.
package ratelimits

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// How many keys a bucket contains when created
	BucketInitialFill = 8

	// The maximum amount of keys a user may possess
	BucketUpperBound = 16

	// How often new keys drip into the buckets
	DropInterval = 10 * time.Second

	// How many keys drop at a time
	DropSize = 1
)

var ErrNoKeysLeft = errors.New("no keys left")

// Container is the bucket set used for commands.
var Container = NewBucketContainer()

type BucketContainer struct {
	sync.Mutex

	// user id to key count
	buckets map[string]int
}

func NewBucketContainer() *BucketContainer {
	return &BucketContainer{buckets: make(map[string]int)}
}

// Run refills the buckets until ctx is done.
func (b *BucketContainer) Run(ctx context.Context) {
	ticker := time.NewTicker(DropInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b.Refill()
	}
}

// Refill drops keys into every bucket. Full buckets are forgotten, they are recreated full
// on the next drain.
func (b *BucketContainer) Refill() {
	b.Lock()
	defer b.Unlock()

	for user, keys := range b.buckets {
		keys += DropSize
		if keys >= BucketUpperBound {
			delete(b.buckets, user)
			continue
		}
		b.buckets[user] = keys
	}
}

// Drain removes amount keys from the user's bucket if enough are left.
func (b *BucketContainer) Drain(amount int, user string) error {
	b.Lock()
	defer b.Unlock()

	keys, ok := b.buckets[user]
	if !ok {
		keys = BucketInitialFill
	}
	if amount > keys {
		b.buckets[user] = keys
		return ErrNoKeysLeft
	}
	b.buckets[user] = keys - amount
	return nil
}

// Get returns the keys left for the user.
func (b *BucketContainer) Get(user string) int {
	b.Lock()
	defer b.Unlock()

	keys, ok := b.buckets[user]
	if !ok {
		return BucketInitialFill
	}
	return keys
}
