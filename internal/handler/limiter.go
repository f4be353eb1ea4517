package handler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nai-bot/internal/session"
)

const limiterExpiration = time.Hour

type sessionRateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sessionLimiter caps generations per session per minute. A nil limiter
// allows everything.
type sessionLimiter struct {
	mu       sync.Mutex
	sessions map[session.Key]*sessionRateLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

func newSessionLimiter(perMinute int) *sessionLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &sessionLimiter{
		sessions: make(map[session.Key]*sessionRateLimiter),
		rate:     rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:    perMinute,
		now:      time.Now,
	}
}

// Allow reports whether the session may start another generation now
func (l *sessionLimiter) Allow(key session.Key) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, s := range l.sessions {
		if now.Sub(s.lastSeen) > limiterExpiration {
			delete(l.sessions, k)
		}
	}

	s, exists := l.sessions[key]
	if !exists {
		s = &sessionRateLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.sessions[key] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}
