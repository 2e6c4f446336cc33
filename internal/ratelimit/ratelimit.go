package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles one connection and counts how often it was refused.
type Limiter struct {
	limiter       *rate.Limiter
	maxViolations int

	mu         sync.Mutex
	violations int
}

// NewLimiter allows perSecond events with the given burst. maxViolations
// of zero never marks the caller as exhausted.
func NewLimiter(perSecond float64, burst, maxViolations int) *Limiter {
	return &Limiter{
		limiter:       rate.NewLimiter(rate.Limit(perSecond), burst),
		maxViolations: maxViolations,
	}
}

// Allow reports whether one event may proceed. exhausted turns true once
// the caller has been refused more than maxViolations times.
func (l *Limiter) Allow() (ok bool, exhausted bool) {
	if l.limiter.Allow() {
		return true, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations++
	return false, l.maxViolations > 0 && l.violations > l.maxViolations
}

func (l *Limiter) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiters hands out one limiter per key, e.g. a remote address.
type ClientLimiters struct {
	limiters        map[string]*clientLimiter
	rate            rate.Limit
	burst           int
	idle            time.Duration
	mu              sync.Mutex
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*clientLimiter),
		rate:            rate.Limit(perSecond),
		burst:           burst,
		idle:            10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Allow(key string) bool {
	cl.mu.Lock()
	l, ok := cl.limiters[key]
	if !ok {
		l = &clientLimiter{limiter: rate.NewLimiter(cl.rate, cl.burst)}
		cl.limiters[key] = l
	}
	l.lastSeen = time.Now()
	cl.mu.Unlock()
	return l.limiter.Allow()
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evict(time.Now().Add(-cl.idle))
		}
	}
}

func (cl *ClientLimiters) evict(cutoff time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for key, l := range cl.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(cl.limiters, key)
		}
	}
}
