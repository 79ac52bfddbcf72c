// Package connmgr schedules connection attempts to discovered peripherals and
// drives each attempt through connect, subscribe, monitor and disconnect.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/decode"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/groutine"
	"github.com/srg/blelog/internal/ratelog"
	"github.com/srg/blelog/internal/ringchan"
	"github.com/srg/blelog/pkg/config"
	"github.com/srg/blelog/pkg/record"
)

// State of a Connection.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// RecordSink accepts decoded records without blocking. Offer returns false
// when the record was dropped.
type RecordSink interface {
	Offer(rec *record.Record) bool
}

// ConnectionOptions configures one Connection.
type ConnectionOptions struct {
	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	DisconnectTimeout time.Duration
	InitialGrace      time.Duration
	PollInterval      time.Duration
	QueueCapacity     int
	Heartbeat         config.Heartbeat
	// WarnInterval bounds the rate of backpressure and decode warnings.
	WarnInterval time.Duration
}

// ConnectionOptionsFrom maps the connection section of the configuration.
func ConnectionOptionsFrom(cfg *config.Config) ConnectionOptions {
	return ConnectionOptions{
		ConnectTimeout:    cfg.Connection.ConnectTimeout,
		SubscribeTimeout:  cfg.Connection.SubscribeTimeout,
		DisconnectTimeout: cfg.Connection.DisconnectTimeout,
		InitialGrace:      cfg.Connection.InitialGrace,
		PollInterval:      cfg.Connection.PollInterval,
		QueueCapacity:     cfg.Connection.NotificationQueue,
		Heartbeat:         cfg.Connection.Heartbeat,
		WarnInterval:      cfg.Fanout.WarnInterval,
	}
}

// Disconnect reasons reported in snapshots and logs.
const (
	ReasonBeforeStart      = "disconnected before start"
	ReasonConnectTimeout   = "connect timed out"
	ReasonConnectFailed    = "connect failed"
	ReasonSubscribeFailed  = "subscribe failed"
	ReasonSubscribeTimeout = "subscribe timed out"
	ReasonTransport        = "transport reported disconnect"
	ReasonHeartbeat        = "heartbeat failed"
	ReasonShutdown         = "shutdown"
	ReasonInternal         = "internal error"
)

var errDisconnectedBeforeStart = errors.New(ReasonBeforeStart)

type notification struct {
	endpoint int
	data     []byte
	at       time.Time
}

// Connection is one attempt to talk to a peripheral. Only its Run goroutine
// mutates it; the disconnect flag may also be set by the transport.
type Connection struct {
	address     string
	displayName string
	endpoints   []*config.Endpoint
	transport   device.Transport
	sink        RecordSink
	opts        ConnectionOptions
	logger      *logrus.Entry
	session     string

	state        atomic.Int32
	disconnected atomic.Bool
	startedAt    atomic.Int64
	lastNotif    []atomic.Int64
	received     atomic.Int64
	records      atomic.Int64
	reason       atomic.Value

	queue      *ringchan.RingChannel[notification]
	queueWarn  *ratelog.Limiter
	funnelWarn *ratelog.Limiter
	decodeWarn *ratelog.Limiter

	done chan struct{}
}

// NewConnection creates a Connection in state Connecting.
func NewConnection(address, displayName string, endpoints []*config.Endpoint, transport device.Transport, sink RecordSink, opts ConnectionOptions, logger *logrus.Entry) *Connection {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = opts.ConnectTimeout
	}
	session := uuid.NewString()
	c := &Connection{
		address:     device.CanonicalAddress(address),
		displayName: displayName,
		endpoints:   endpoints,
		transport:   transport,
		sink:        sink,
		opts:        opts,
		session:     session,
		lastNotif:   make([]atomic.Int64, len(endpoints)),
		queue:       ringchan.New[notification](opts.QueueCapacity),
		queueWarn:   ratelog.New(opts.WarnInterval),
		funnelWarn:  ratelog.New(opts.WarnInterval),
		decodeWarn:  ratelog.New(opts.WarnInterval),
		done:        make(chan struct{}),
	}
	c.logger = logger.WithFields(logrus.Fields{
		"address": c.address,
		"device":  displayName,
		"session": session[:8],
	})
	c.state.Store(int32(Connecting))
	return c
}

// State returns the current state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Address returns the canonical peripheral address.
func (c *Connection) Address() string { return c.address }

// Session returns the unique session id.
func (c *Connection) Session() string { return c.session }

// Done is closed when Run has returned.
func (c *Connection) Done() <-chan struct{} { return c.done }

// IsFlagged reports whether the disconnect flag is set.
func (c *Connection) IsFlagged() bool { return c.disconnected.Load() }

// Reason returns why the connection ended, or "".
func (c *Connection) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// StartedAt returns when the connection entered Connected, or zero.
func (c *Connection) StartedAt() time.Time {
	return unixTime(c.startedAt.Load())
}

// MarkDisconnected sets the disconnect flag. Safe from any goroutine; the
// monitor loop notices it on its next poll. The first reason wins.
func (c *Connection) MarkDisconnected(reason string) {
	if c.disconnected.CompareAndSwap(false, true) {
		c.setReason(reason)
	}
}

func (c *Connection) setReason(reason string) {
	c.reason.CompareAndSwap(nil, reason)
}

// Run drives the connection to Disconnected. It never panics and never
// returns an error; every failure is logged and ends this connection only.
func (c *Connection) Run(ctx context.Context) {
	defer close(c.done)

	err := groutine.Protect("connection "+c.address, func() error {
		return c.run(ctx)
	})

	var panicErr *groutine.PanicError
	switch {
	case errors.As(err, &panicErr):
		c.setReason(ReasonInternal)
		c.logger.WithField("panic", panicErr.Value).WithField("stack", string(panicErr.Stack)).Error("Connection crashed")
	case errors.Is(err, errDisconnectedBeforeStart):
		c.setReason(ReasonBeforeStart)
		c.logger.Warn("Connection flagged as disconnected before start")
	case err != nil:
		c.logger.WithError(err).Warn("Connection failed")
	}

	c.disconnected.Store(true)
	c.state.Store(int32(Disconnected))
	c.logger.WithFields(logrus.Fields{
		"reason":  c.Reason(),
		"records": c.records.Load(),
	}).Info("Disconnected")
}

func (c *Connection) run(ctx context.Context) error {
	if c.disconnected.Load() {
		return errDisconnectedBeforeStart
	}

	c.logger.Info("Connecting...")
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	client, err := c.transport.Dial(dialCtx, c.address, func() { c.MarkDisconnected(ReasonTransport) })
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			c.setReason(ReasonShutdown)
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, device.ErrTimeout) {
			c.setReason(ReasonConnectTimeout)
			return fmt.Errorf("connect timed out after %s: %w", c.opts.ConnectTimeout, err)
		}
		c.setReason(ReasonConnectFailed)
		return fmt.Errorf("connect failed: %w", err)
	}
	defer c.close(ctx, client)

	if c.disconnected.Load() {
		return errDisconnectedBeforeStart
	}

	for i, ep := range c.endpoints {
		subCtx, cancel := context.WithTimeout(ctx, c.opts.SubscribeTimeout)
		err := client.Subscribe(subCtx, ep.UUID, c.handler(i))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				c.setReason(ReasonShutdown)
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, device.ErrTimeout) {
				c.setReason(ReasonSubscribeTimeout)
				return fmt.Errorf("subscribe to endpoint %s (%s) timed out after %s: %w", ep.Name, ep.UUID, c.opts.SubscribeTimeout, err)
			}
			c.setReason(ReasonSubscribeFailed)
			return fmt.Errorf("failed to subscribe to endpoint %s (%s): %w", ep.Name, ep.UUID, err)
		}
	}

	c.startedAt.Store(time.Now().UnixNano())
	c.state.Store(int32(Connected))
	c.logger.WithField("endpoints", len(c.endpoints)).Info("Connected")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	defer func() {
		stopHeartbeat()
		hbWG.Wait()
	}()
	if c.opts.Heartbeat.Enabled() {
		groutine.GoTracked(hbCtx, &hbWG, "heartbeat-"+c.address, func(ctx context.Context) {
			c.heartbeat(ctx, client)
		})
	}

	c.monitor(ctx)
	return nil
}

// handler runs on a transport goroutine: it only timestamps and enqueues.
func (c *Connection) handler(i int) device.NotificationHandler {
	return func(data []byte) {
		now := time.Now()
		c.lastNotif[i].Store(now.UnixNano())
		c.received.Add(1)

		n := notification{endpoint: i, data: append([]byte(nil), data...), at: now}
		if !c.queue.TrySend(n) {
			c.queueWarn.Warn(c.logger.WithField("endpoint", c.endpoints[i].Name), "Notification queue full, dropping notification")
		}
	}
}

func (c *Connection) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	defer c.drain()

	for {
		select {
		case <-ctx.Done():
			c.setReason(ReasonShutdown)
			return
		case n := <-c.queue.C():
			c.process(n)
		case now := <-ticker.C:
			if c.disconnected.Load() {
				return
			}
			if ep, expired := c.expiredEndpoint(now); expired {
				c.MarkDisconnected("timeout on endpoint " + ep.Name)
				c.logger.WithFields(logrus.Fields{
					"endpoint": ep.Name,
					"timeout":  *ep.Timeout,
				}).Warn("Endpoint timed out, disconnecting")
				return
			}
		}
	}
}

// expiredEndpoint applies the two-phase timeout: after a first notification
// the endpoint timeout counts from the last one, before it the timeout plus
// the initial grace counts from connection start.
func (c *Connection) expiredEndpoint(now time.Time) (*config.Endpoint, bool) {
	start := c.StartedAt()
	for i, ep := range c.endpoints {
		if ep.Timeout == nil {
			continue
		}
		if last := c.lastNotif[i].Load(); last != 0 {
			if now.Sub(unixTime(last)) > *ep.Timeout {
				return ep, true
			}
			continue
		}
		if !start.IsZero() && now.Sub(start) > *ep.Timeout+c.opts.InitialGrace {
			return ep, true
		}
	}
	return nil, false
}

func (c *Connection) drain() {
	for {
		n, ok := c.queue.TryReceive()
		if !ok {
			return
		}
		c.process(n)
	}
}

func (c *Connection) process(n notification) {
	ep := c.endpoints[n.endpoint]

	rows, err := decodeSafely(ep, n.data)
	if err != nil {
		c.decodeWarn.Warn(c.logger.WithError(err).WithField("endpoint", ep.Name), "Failed to decode notification, dropping")
		return
	}
	if len(rows) == 0 {
		return
	}

	rec := record.New(c.address, c.displayName, ep, rows, n.data, n.at, c.session)
	if !c.sink.Offer(rec) {
		c.funnelWarn.Warn(c.logger.WithField("endpoint", ep.Name), "Data funnel full, dropping record")
		return
	}
	c.records.Add(1)
}

func decodeSafely(ep *config.Endpoint, data []byte) (rows [][]any, err error) {
	err = groutine.Protect("decoder "+ep.Name, func() error {
		var decErr error
		rows, decErr = ep.Decode(data)
		if decErr != nil {
			return decErr
		}
		return decode.CheckRows(rows, len(ep.Columns))
	})
	return rows, err
}

func (c *Connection) heartbeat(ctx context.Context, client device.Client) {
	hb := c.opts.Heartbeat
	ticker := time.NewTicker(hb.PollRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			readCtx, cancel := context.WithTimeout(ctx, hb.Timeout)
			_, err := client.Read(readCtx, hb.UUID)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.WithError(err).WithField("char_uuid", hb.UUID).Warn("Heartbeat read failed, disconnecting")
				c.MarkDisconnected(ReasonHeartbeat)
				return
			}
		}
	}
}

// close always runs, even during shutdown, bounded by the disconnect timeout.
func (c *Connection) close(ctx context.Context, client device.Client) {
	c.disconnected.Store(true)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.DisconnectTimeout)
	defer cancel()

	err := device.NormalizeError(client.Close(closeCtx))
	switch {
	case err == nil:
	case device.IsConnectionState(err, device.NotConnected):
		c.logger.WithError(err).Debug("Link already gone at close")
	default:
		c.logger.WithError(err).Warn("Failed to close connection cleanly")
	}
}

// EndpointActivity is the recency of one endpoint.
type EndpointActivity struct {
	Name string
	// LastNotification is zero when nothing was received.
	LastNotification time.Time
}

// ConnectionSnapshot is a read-only copy of a Connection.
type ConnectionSnapshot struct {
	Address   string
	Session   string
	State     State
	StartedAt time.Time
	Endpoints []EndpointActivity
	Received  int64
	Records   int64
	Reason    string
}

// Snapshot copies the connection's observable state.
func (c *Connection) Snapshot() ConnectionSnapshot {
	eps := make([]EndpointActivity, len(c.endpoints))
	for i, ep := range c.endpoints {
		eps[i] = EndpointActivity{Name: ep.Name, LastNotification: unixTime(c.lastNotif[i].Load())}
	}
	return ConnectionSnapshot{
		Address:   c.address,
		Session:   c.session,
		State:     c.State(),
		StartedAt: c.StartedAt(),
		Endpoints: eps,
		Received:  c.received.Load(),
		Records:   c.records.Load(),
		Reason:    c.Reason(),
	}
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
