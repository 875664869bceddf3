package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

// ownerLimiter is a token bucket per owner. A zero limit disables limiting.
type ownerLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	owners    map[string]*ownerBucket
	lastSweep time.Time
	now       func() time.Time
}

type ownerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newOwnerLimiter(limit rate.Limit, burst int) *ownerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ownerLimiter{
		limit:  limit,
		burst:  burst,
		owners: make(map[string]*ownerBucket),
		now:    time.Now,
	}
}

func (l *ownerLimiter) Allow(ownerID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	l.sweepLocked(now)
	bucket, ok := l.owners[ownerID]
	if !ok {
		bucket = &ownerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.owners[ownerID] = bucket
	}
	bucket.lastSeen = now
	l.mu.Unlock()

	return bucket.limiter.AllowN(now, 1)
}

// sweepLocked drops buckets idle for longer than limiterIdleTTL. A dropped
// bucket has refilled completely by then, so forgetting it changes nothing.
func (l *ownerLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < limiterSweepInterval {
		return
	}
	l.lastSweep = now
	for owner, bucket := range l.owners {
		if now.Sub(bucket.lastSeen) > limiterIdleTTL {
			delete(l.owners, owner)
		}
	}
}
