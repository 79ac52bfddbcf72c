package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/blelog/internal/device"
)

// FakeScanner replays a fixed set of advertisements on every Scan and then
// blocks until the scan context is done.
type FakeScanner struct {
	mu    sync.Mutex
	ads   []device.Advertisement
	err   error
	scans atomic.Int32
}

// NewFakeScanner creates a scanner returning ads on every scan.
func NewFakeScanner(ads ...device.Advertisement) *FakeScanner {
	return &FakeScanner{ads: ads}
}

// SetAdvertisements replaces what later scans report.
func (s *FakeScanner) SetAdvertisements(ads ...device.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ads = ads
}

// FailWith makes every later scan return err immediately after reporting nothing.
func (s *FakeScanner) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Scans returns how many scans were started.
func (s *FakeScanner) Scans() int {
	return int(s.scans.Load())
}

func (s *FakeScanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	s.scans.Add(1)

	s.mu.Lock()
	ads := append([]device.Advertisement(nil), s.ads...)
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, a := range ads {
		handler(a)
	}
	<-ctx.Done()
	return ctx.Err()
}
