package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/pkg/record"
)

// Throughput logs the received payload rate in bits per second once per period.
type Throughput struct {
	period time.Duration
	logger *logrus.Entry
	now    func() time.Time

	mu          sync.Mutex
	periodStart time.Time
	bits        int64
	last        float64
}

// NewThroughput creates a throughput meter reporting every period.
func NewThroughput(period time.Duration, logger *logrus.Entry) *Throughput {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Throughput{period: period, logger: logger, now: time.Now}
}

func (t *Throughput) Name() string { return "throughput" }

func (t *Throughput) Run(_ context.Context, in <-chan *record.Record) error {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-in:
			if !ok {
				return nil
			}
			t.add(r)
		case <-ticker.C:
			t.report()
		}
	}
}

func (t *Throughput) add(r *record.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.periodStart.IsZero() {
		t.periodStart = t.now()
	}
	t.bits += int64(len(r.Raw)) * 8
}

// report closes the current period if it is at least one period long.
func (t *Throughput) report() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.periodStart.IsZero() {
		return
	}
	elapsed := t.now().Sub(t.periodStart)
	if elapsed < t.period {
		return
	}

	rate := float64(t.bits) / elapsed.Seconds()
	if t.bits > 0 {
		t.logger.WithField("bits_per_second", rate).Info(fmt.Sprintf("RX throughput: %.4g bit/second", rate))
	}
	t.last = rate
	t.bits = 0
	t.periodStart = t.now()
}

// LastRate returns the rate of the most recently closed period.
func (t *Throughput) LastRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
