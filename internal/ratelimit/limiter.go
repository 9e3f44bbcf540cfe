package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Class splits callers' budgets into independent read and mutate buckets.
// The two classes never share a limiter, so a burst of status polling
// cannot starve a deploy and vice versa.
type Class string

const (
	ClassRead   Class = "read"
	ClassMutate Class = "mutate"
)

// Ceilings reports the current requests-per-minute ceiling for a class.
// It is consulted on every Allow call, so live configuration changes
// apply without restarting the process.
type Ceilings func(Class) int

type key struct {
	client string
	class  Class
}

// Limiter enforces per-caller request-rate budgets using token buckets.
type Limiter struct {
	mu       sync.Mutex
	ceilings Ceilings
	limiters map[key]*rate.Limiter
}

// NewLimiter creates a limiter whose ceilings come from the given source.
func NewLimiter(ceilings Ceilings) *Limiter {
	return &Limiter{
		ceilings: ceilings,
		limiters: make(map[key]*rate.Limiter),
	}
}

// Allow reports whether the caller is within its budget for the class
// and consumes one token if so. A false return maps to RATE_LIMITED;
// the request must fail, never queue.
func (l *Limiter) Allow(clientID string, class Class) bool {
	rpm := l.ceilings(class)
	if rpm <= 0 {
		return false
	}

	limit := rate.Limit(float64(rpm) / 60.0)

	l.mu.Lock()
	k := key{client: clientID, class: class}
	lim, ok := l.limiters[k]
	if !ok || lim.Limit() != limit {
		// New caller, or the ceiling changed in live config. A changed
		// ceiling replaces the bucket so the new budget applies at once.
		lim = rate.NewLimiter(limit, rpm)
		l.limiters[k] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
