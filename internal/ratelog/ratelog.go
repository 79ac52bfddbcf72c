// Package ratelog emits log lines at a bounded rate and reports how many were
// suppressed in between.
package ratelog

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limiter lets one log line through per interval and counts the rest.
type Limiter struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	suppressed int
}

// New creates a Limiter allowing one event per interval.
// A non-positive interval disables limiting.
func New(interval time.Duration) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{limiter: rate.NewLimiter(limit, 1)}
}

// Allow reports whether an event may be logged now. When it returns true,
// suppressed is the number of events rejected since the last allowed one.
func (l *Limiter) Allow() (ok bool, suppressed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.limiter.Allow() {
		l.suppressed++
		return false, 0
	}
	suppressed = l.suppressed
	l.suppressed = 0
	return true, suppressed
}

// Warn logs msg at warning level if the limiter allows it, adding a
// "suppressed" field when earlier events were swallowed.
func (l *Limiter) Warn(entry *logrus.Entry, msg string) {
	l.Log(entry, logrus.WarnLevel, msg)
}

// Log logs msg at level if the limiter allows it.
func (l *Limiter) Log(entry *logrus.Entry, level logrus.Level, msg string) {
	ok, suppressed := l.Allow()
	if !ok {
		return
	}
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Log(level, msg)
}

// Set holds one Limiter per key, created on first use.
type Set struct {
	interval time.Duration
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewSet creates a keyed set of limiters sharing interval.
func NewSet(interval time.Duration) *Set {
	return &Set{interval: interval, limiters: make(map[string]*Limiter)}
}

// Get returns the limiter for key.
func (s *Set) Get(key string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = New(s.interval)
		s.limiters[key] = l
	}
	return l
}
