package sip

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a source IP's limiter survives without
// traffic before the sweep drops it.
const limiterIdleTTL = 10 * time.Minute

// InviteLimiter throttles INVITE intake per source IP. A token-bucket
// limiter per address absorbs normal re-INVITE bursts while flattening
// floods.
type InviteLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInviteLimiter allows perSecond INVITEs per source with a burst of
// twice that.
func NewInviteLimiter(perSecond int) *InviteLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	return &InviteLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     perSecond * 2,
		sources:   map[string]*sourceLimiter{},
	}
}

// Allow reports whether an INVITE from the given source IP may proceed.
func (l *InviteLimiter) Allow(sourceIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sources[sourceIP]
	if !ok {
		s = &sourceLimiter{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.sources[sourceIP] = s
	}
	s.lastSeen = time.Now()
	return s.limiter.Allow()
}

// Sweep drops limiters idle past the TTL. Called periodically by the
// server loop.
func (l *InviteLimiter) Sweep() {
	cutoff := time.Now().Add(-limiterIdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, s := range l.sources {
		if s.lastSeen.Before(cutoff) {
			delete(l.sources, ip)
		}
	}
}

// TrackedSources reports how many source IPs hold a limiter.
func (l *InviteLimiter) TrackedSources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
