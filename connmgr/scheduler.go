package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/discovery"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/groutine"
	"github.com/srg/blelog/pkg/config"
)

// CandidateSource provides the current candidate set.
type CandidateSource interface {
	Candidates() []discovery.Candidate
}

// SchedulerOptions configures admission limits.
type SchedulerOptions struct {
	MaxActive   int
	MaxAttempts int
	Interval    time.Duration
	Connection  ConnectionOptions
}

// SchedulerOptionsFrom maps the connection section of the configuration.
func SchedulerOptionsFrom(cfg *config.Config) SchedulerOptions {
	return SchedulerOptions{
		MaxActive:   cfg.Connection.MaxActive,
		MaxAttempts: cfg.Connection.MaxAttempts,
		Interval:    cfg.Connection.ManagerInterval,
		Connection:  ConnectionOptionsFrom(cfg),
	}
}

// ManagedPeripheral pairs a candidate with its scheduling state.
type ManagedPeripheral struct {
	Candidate discovery.Candidate
	// LastAttempt is zero when no attempt was ever made.
	LastAttempt time.Time
	Conn        *Connection
}

// ErrLimitExceeded reports broken admission bookkeeping.
var ErrLimitExceeded = errors.New("connection limit exceeded")

// Scheduler admits connection attempts under the configured limits and owns
// the lifetime of every Connection it spawns.
type Scheduler struct {
	source    CandidateSource
	endpoints []*config.Endpoint
	transport device.Transport
	sink      RecordSink
	opts      SchedulerOptions
	logger    *logrus.Entry
	connLog   *logrus.Entry
	now       func() time.Time

	// peripherals is written only by the scheduler goroutine.
	mu          sync.RWMutex
	peripherals map[string]*ManagedPeripheral

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler. connLogger is the base entry for spawned connections.
func NewScheduler(source CandidateSource, endpoints []*config.Endpoint, transport device.Transport, sink RecordSink, opts SchedulerOptions, logger, connLogger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if connLogger == nil {
		connLogger = logger
	}
	return &Scheduler{
		source:      source,
		endpoints:   endpoints,
		transport:   transport,
		sink:        sink,
		opts:        opts,
		logger:      logger,
		connLog:     connLogger,
		now:         time.Now,
		peripherals: make(map[string]*ManagedPeripheral),
	}
}

// Run ticks every Interval until ctx is done, then waits for every spawned
// Connection to finish. A failed tick is fatal and returned.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	s.logger.WithFields(logrus.Fields{
		"max_active":   s.opts.MaxActive,
		"max_attempts": s.opts.MaxAttempts,
	}).Info("Connection scheduler started")

	defer func() {
		s.logger.Info("Waiting for connections to close...")
		s.wg.Wait()
		s.reclaim()
		s.logger.Info("Connection scheduler stopped")
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if tickErr := groutine.Protect("scheduler tick", func() error { return s.Tick(ctx) }); tickErr != nil {
			s.logger.WithError(tickErr).Error("Connection scheduler failed")
			return fmt.Errorf("connection scheduler: %w", tickErr)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one scheduling round: merge candidates, reclaim finished
// connections, count, and admit at most one new attempt.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.source.Candidates() {
		p, ok := s.peripherals[c.Address]
		if !ok {
			p = &ManagedPeripheral{}
			s.peripherals[c.Address] = p
		}
		p.Candidate = c
	}

	s.reclaimLocked()

	active, pending := s.countLocked()
	if active > s.opts.MaxActive || pending > s.opts.MaxAttempts {
		return fmt.Errorf("%w: active=%d/%d pending=%d/%d", ErrLimitExceeded, active, s.opts.MaxActive, pending, s.opts.MaxAttempts)
	}

	if ctx.Err() != nil || active >= s.opts.MaxActive || pending >= s.opts.MaxAttempts {
		return nil
	}

	p := s.pickLocked()
	if p == nil {
		return nil
	}

	p.LastAttempt = s.now()
	conn := NewConnection(p.Candidate.Address, p.Candidate.DisplayName(), s.endpoints, s.transport, s.sink, s.opts.Connection, s.connLog)
	p.Conn = conn

	s.logger.WithFields(logrus.Fields{
		"address": p.Candidate.Address,
		"device":  p.Candidate.DisplayName(),
		"active":  active + 1,
	}).Debug("Starting connection attempt")

	groutine.GoTracked(ctx, &s.wg, "connection-"+p.Candidate.Address, conn.Run)
	return nil
}

func (s *Scheduler) reclaim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimLocked()
}

func (s *Scheduler) reclaimLocked() {
	for _, p := range s.peripherals {
		if p.Conn != nil && p.Conn.State() == Disconnected {
			p.Conn = nil
		}
	}
}

func (s *Scheduler) countLocked() (active, pending int) {
	for _, p := range s.peripherals {
		if p.Conn == nil {
			continue
		}
		switch p.Conn.State() {
		case Connecting:
			active++
			pending++
		case Connected:
			active++
		}
	}
	return active, pending
}

// pickLocked selects the eligible peripheral whose last attempt is oldest.
// Never-attempted peripherals come first; ties are broken by address.
func (s *Scheduler) pickLocked() *ManagedPeripheral {
	var best *ManagedPeripheral
	for _, p := range s.peripherals {
		if p.Conn != nil || p.Candidate.Liveness != discovery.RecentlySeen {
			continue
		}
		if best == nil || attemptedBefore(p, best) {
			best = p
		}
	}
	return best
}

func attemptedBefore(a, b *ManagedPeripheral) bool {
	az, bz := a.LastAttempt.IsZero(), b.LastAttempt.IsZero()
	switch {
	case az != bz:
		return az
	case !a.LastAttempt.Equal(b.LastAttempt):
		return a.LastAttempt.Before(b.LastAttempt)
	default:
		return a.Candidate.Address < b.Candidate.Address
	}
}

// Counts returns the current active and pending connection counts.
func (s *Scheduler) Counts() (active, pending int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked()
}

// PeripheralSnapshot is a read-only copy of a ManagedPeripheral.
type PeripheralSnapshot struct {
	Candidate   discovery.Candidate
	LastAttempt time.Time
	// Connection is nil when no connection is attached.
	Connection *ConnectionSnapshot
}

// Snapshot returns every managed peripheral sorted by address.
func (s *Scheduler) Snapshot() []PeripheralSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeripheralSnapshot, 0, len(s.peripherals))
	for _, p := range s.peripherals {
		ps := PeripheralSnapshot{Candidate: p.Candidate, LastAttempt: p.LastAttempt}
		if p.Conn != nil {
			cs := p.Conn.Snapshot()
			ps.Connection = &cs
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Candidate.Address < out[j].Candidate.Address })
	return out
}
