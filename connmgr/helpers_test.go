package connmgr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blelog/pkg/record"
)

// captureSink records every offered record; reject makes it behave like a full funnel.
type captureSink struct {
	mu     sync.Mutex
	recs   []*record.Record
	reject atomic.Bool
}

func (s *captureSink) Offer(rec *record.Record) bool {
	if s.reject.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return true
}

func (s *captureSink) Records() []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*record.Record(nil), s.recs...)
}

func (s *captureSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func testConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		ConnectTimeout:    time.Second,
		SubscribeTimeout:  time.Second,
		DisconnectTimeout: time.Second,
		InitialGrace:      200 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		QueueCapacity:     64,
		WarnInterval:      time.Hour,
	}
}
