package broker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sessionLimiters tracks one token-bucket counter per session, following
// the teacher pack's per-visitor limiter map pattern. This is a counter, not
// a policy: callers decide what to do when Allow() reports false. It exists
// to satisfy the "per-session counters" the spec permits without a general
// throttling policy.
type sessionLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rateEntry
	rps      rate.Limit
	burst    int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSessionLimiters returns a limiter set allowing rps calls/sec per
// session, bursting up to burst.
func newSessionLimiters(rps float64, burst int) *sessionLimiters {
	return &sessionLimiters{
		limiters: make(map[string]*rateEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether sessionID may dispatch one more call right now.
func (s *sessionLimiters) Allow(sessionID string) bool {
	s.mu.Lock()
	e, ok := s.limiters[sessionID]
	if !ok {
		e = &rateEntry{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.limiters[sessionID] = e
	}
	e.lastSeen = time.Now()
	s.mu.Unlock()
	return e.limiter.Allow()
}

// sweep drops limiter entries idle for longer than maxIdle, so long-lived
// gateways don't accumulate one limiter per historical session forever.
func (s *sessionLimiters) sweep(maxIdle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, e := range s.limiters {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(s.limiters, id)
		}
	}
}
