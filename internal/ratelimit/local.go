package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"livethread/internal/logger"
)

// Local keeps one token bucket per (profile, key) in process memory
type Local struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	log      *zap.Logger
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocal(log *zap.Logger) *Local {
	return &Local{
		visitors: make(map[string]*visitor),
		log:      logger.OrNop(log),
		now:      time.Now,
	}
}

func (l *Local) getLimiter(profile Profile, key string, rule Rule, now time.Time) *rate.Limiter {
	id := string(profile) + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	every := rule.Window / time.Duration(rule.Limit)
	lim := rate.NewLimiter(rate.Every(every), rule.Limit)
	l.visitors[id] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

func (l *Local) Allow(ctx context.Context, profile Profile, key string) (Decision, error) {
	rule, ok := ruleFor(profile)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	r := l.getLimiter(profile, key, rule, now).ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: rule.Window}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		l.log.Debug("rate limit exceeded",
			zap.String("profile", string(profile)),
			zap.String("key", key),
			zap.Duration("retry_after", delay),
		)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// Cleanup forgets keys idle for longer than idle
func (l *Local) Cleanup(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
			n++
		}
	}
	return n
}

// Run cleans idle keys every minute until ctx is done
func (l *Local) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Cleanup(5 * time.Minute)
		}
	}
}
