// Package fanout copies every Record from one bounded funnel into one bounded
// inbox per consumer. Producers and the distributor never block: a full queue
// drops the newest item for that queue only.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/groutine"
	"github.com/srg/blelog/internal/ratelog"
	"github.com/srg/blelog/internal/ringchan"
	"github.com/srg/blelog/pkg/config"
	"github.com/srg/blelog/pkg/record"
)

// Consumer processes records from its inbox until the inbox is closed.
type Consumer interface {
	Name() string
	Run(ctx context.Context, in <-chan *record.Record) error
}

// Options configures queue sizes and monitoring.
type Options struct {
	FunnelCapacity  int
	InboxCapacity   int
	ReceiveTimeout  time.Duration
	MonitorInterval time.Duration
	HighWater       int
	WarnInterval    time.Duration
}

// OptionsFrom maps the fanout section of the configuration.
func OptionsFrom(cfg *config.Config) Options {
	f := cfg.Fanout
	return Options{
		FunnelCapacity:  f.FunnelCapacity,
		InboxCapacity:   f.InboxCapacity,
		ReceiveTimeout:  f.ReceiveTimeout,
		MonitorInterval: f.MonitorInterval,
		HighWater:       f.HighWater,
		WarnInterval:    f.WarnInterval,
	}
}

var (
	ErrRunning         = errors.New("distributor already running")
	ErrDuplicateName   = errors.New("consumer name already registered")
	ErrInvalidConsumer = errors.New("invalid consumer")
)

// Subscription is a registered consumer and its inbox. The inbox is written
// only by the Distributor.
type Subscription struct {
	name     string
	consumer Consumer
	inbox    *ringchan.RingChannel[*record.Record]
}

// Name returns the consumer label.
func (s *Subscription) Name() string { return s.name }

// Depth returns the current inbox length.
func (s *Subscription) Depth() int { return s.inbox.Len() }

// QueueDepth describes one bounded queue.
type QueueDepth struct {
	Name    string
	Len     int
	Cap     int
	Dropped int64
}

// Depths is a snapshot of every queue owned by the Distributor.
type Depths struct {
	Funnel    QueueDepth
	Consumers []QueueDepth
}

// Total returns the number of records buffered across the funnel and all inboxes.
func (d Depths) Total() int {
	n := d.Funnel.Len
	for _, c := range d.Consumers {
		n += c.Len
	}
	return n
}

// Distributor fans records out to registered consumers.
type Distributor struct {
	opts   Options
	funnel *ringchan.RingChannel[*record.Record]
	logger *logrus.Entry

	mu      sync.RWMutex
	subs    []*Subscription
	running atomic.Bool

	funnelFull *ratelog.Limiter
	inboxFull  *ratelog.Set // keyed by consumer name
	lagging    *ratelog.Set
	dispatched atomic.Int64
}

// New creates a Distributor with an empty consumer set.
func New(opts Options, logger *logrus.Entry) *Distributor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if opts.FunnelCapacity <= 0 {
		opts.FunnelCapacity = 1
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = 500 * time.Millisecond
	}
	return &Distributor{
		opts:       opts,
		funnel:     ringchan.New[*record.Record](opts.FunnelCapacity),
		logger:     logger,
		funnelFull: ratelog.New(opts.WarnInterval),
		inboxFull:  ratelog.NewSet(opts.WarnInterval),
		lagging:    ratelog.NewSet(opts.WarnInterval),
	}
}

// Register adds a consumer with an inbox of the given capacity. A non-positive
// capacity uses the configured default. Registration is closed once Run starts.
func (d *Distributor) Register(name string, c Consumer, capacity int) (*Subscription, error) {
	if c == nil || name == "" {
		return nil, ErrInvalidConsumer
	}
	if d.running.Load() {
		return nil, ErrRunning
	}
	if capacity <= 0 {
		capacity = d.opts.InboxCapacity
	}
	if capacity <= 0 {
		capacity = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if s.name == name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}
	sub := &Subscription{
		name:     name,
		consumer: c,
		inbox:    ringchan.New[*record.Record](capacity),
	}
	d.subs = append(d.subs, sub)
	return sub, nil
}

// Offer pushes r into the funnel without blocking. It reports false when the
// funnel is full and r was dropped.
func (d *Distributor) Offer(r *record.Record) bool {
	if d.funnel.TrySend(r) {
		return true
	}
	d.funnelFull.Warn(d.logger.WithField("capacity", d.funnel.Cap()), "Distributor funnel full, dropping record")
	return false
}

// Dispatch copies r into every consumer inbox. A full inbox drops r for that
// consumer only.
func (d *Distributor) Dispatch(r *record.Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	d.dispatched.Add(1)
	for _, s := range d.subs {
		if !s.inbox.TrySend(r) {
			d.inboxFull.Get(s.name).Warn(d.logger.WithFields(logrus.Fields{
				"consumer": s.name,
				"capacity": s.inbox.Cap(),
			}), fmt.Sprintf("Consumer %s did not accept data", s.name))
		}
	}
}

// Dispatched returns the number of records taken from the funnel.
func (d *Distributor) Dispatched() int64 { return d.dispatched.Load() }

// Run starts every consumer and distributes records until ctx is done and the
// funnel is empty. It then closes every inbox and waits for the consumers to
// drain. Consumer errors are logged; a distributor panic is returned.
func (d *Distributor) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	d.mu.RLock()
	subs := append([]*Subscription(nil), d.subs...)
	d.mu.RUnlock()

	consumerCtx, cancelConsumers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConsumers()

	var wg sync.WaitGroup
	for _, s := range subs {
		d.logger.WithField("consumer", s.name).Info("Consumer enabled")
		groutine.GoTracked(consumerCtx, &wg, "consumer-"+s.name, func(ctx context.Context) {
			d.runConsumer(ctx, s)
		})
	}

	err := groutine.Protect("distributor", func() error {
		d.loop(ctx, subs)
		return nil
	})
	if err != nil {
		d.logger.WithError(err).Error("Distributor failed")
	}

	for _, s := range subs {
		s.inbox.Close()
	}
	if pending := d.Depths().Total(); pending > 0 {
		d.logger.WithField("pending", pending).Info("Waiting for consumers to drain...")
	}
	wg.Wait()
	d.logger.Info("Distributor stopped")

	if err != nil {
		return fmt.Errorf("distributor: %w", err)
	}
	return nil
}

func (d *Distributor) loop(ctx context.Context, subs []*Subscription) {
	timer := time.NewTimer(d.opts.ReceiveTimeout)
	defer timer.Stop()

	lastMonitor := time.Now()
	for {
		if ctx.Err() != nil && d.funnel.Len() == 0 {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.opts.ReceiveTimeout)

		select {
		case r := <-d.funnel.C():
			d.Dispatch(r)
		case <-timer.C:
		case <-ctx.Done():
		}

		if d.opts.MonitorInterval > 0 && time.Since(lastMonitor) >= d.opts.MonitorInterval {
			d.monitor(subs)
			lastMonitor = time.Now()
		}
	}
}

func (d *Distributor) monitor(subs []*Subscription) {
	for _, s := range subs {
		depth := s.inbox.Len()
		if depth > d.opts.HighWater {
			d.lagging.Get(s.name).Warn(d.logger.WithFields(logrus.Fields{
				"consumer": s.name,
				"depth":    depth,
			}), fmt.Sprintf("Inbox of consumer %s has more than %d items, is the consumer keeping up?", s.name, d.opts.HighWater))
		}
	}
}

func (d *Distributor) runConsumer(ctx context.Context, s *Subscription) {
	name := groutine.GetName(ctx)
	err := groutine.Protect(name, func() error {
		return s.consumer.Run(ctx, s.inbox.C())
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"consumer":  s.name,
			"goroutine": name,
		}).Error("Consumer failed")
	}
	// A consumer that quits early must not leave records pinned in its inbox.
	for range s.inbox.C() {
	}
}

// Depths returns a snapshot of the funnel and every inbox.
func (d *Distributor) Depths() Depths {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m := d.funnel.GetMetrics()
	out := Depths{
		Funnel:    QueueDepth{Name: "funnel", Len: d.funnel.Len(), Cap: d.funnel.Cap(), Dropped: m.Dropped},
		Consumers: make([]QueueDepth, 0, len(d.subs)),
	}
	for _, s := range d.subs {
		out.Consumers = append(out.Consumers, QueueDepth{
			Name:    s.name,
			Len:     s.inbox.Len(),
			Cap:     s.inbox.Cap(),
			Dropped: s.inbox.GetMetrics().Dropped,
		})
	}
	return out
}
