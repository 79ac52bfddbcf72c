package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blelog/internal/device"
)

// ErrInjected is returned by fake operations configured to fail.
var ErrInjected = errors.New("injected failure")

// PeripheralBehavior controls how a FakeTransport treats one address.
type PeripheralBehavior struct {
	// DialDelay is how long Dial blocks before succeeding.
	DialDelay time.Duration
	// DialErr fails Dial after DialDelay.
	DialErr error
	// SubscribeDelay is how long each Subscribe blocks.
	SubscribeDelay time.Duration
	// SubscribeErr fails subscriptions to these characteristic UUIDs.
	SubscribeErr map[string]error
	// ReadErr fails reads of every characteristic.
	ReadErr error
	// ReadDelay is how long Read blocks.
	ReadDelay time.Duration
	// CloseErr is returned from Close.
	CloseErr error
}

// FakeTransport is an in-memory device.Transport. Tests push notifications
// and disconnects into live clients.
type FakeTransport struct {
	mu        sync.Mutex
	behaviors map[string]PeripheralBehavior
	clients   map[string]*FakeClient
	dials     map[string]int

	dialing       atomic.Int32
	maxDialing    atomic.Int32
	open          atomic.Int32
	maxOpen       atomic.Int32
	totalDials    atomic.Int32
	closedClients atomic.Int32
}

// NewFakeTransport creates a transport where every Dial succeeds immediately.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		behaviors: make(map[string]PeripheralBehavior),
		clients:   make(map[string]*FakeClient),
		dials:     make(map[string]int),
	}
}

// SetBehavior configures address.
func (t *FakeTransport) SetBehavior(address string, b PeripheralBehavior) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.behaviors[device.CanonicalAddress(address)] = b
}

func (t *FakeTransport) behavior(address string) PeripheralBehavior {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.behaviors[address]
}

func raise(v *atomic.Int32, max *atomic.Int32) {
	n := v.Add(1)
	for {
		m := max.Load()
		if n <= m || max.CompareAndSwap(m, n) {
			return
		}
	}
}

// Dial implements device.Transport.
func (t *FakeTransport) Dial(ctx context.Context, address string, onDisconnect func()) (device.Client, error) {
	address = device.CanonicalAddress(address)
	b := t.behavior(address)

	t.totalDials.Add(1)
	t.mu.Lock()
	t.dials[address]++
	t.mu.Unlock()

	raise(&t.dialing, &t.maxDialing)
	defer t.dialing.Add(-1)

	if b.DialDelay > 0 {
		select {
		case <-time.After(b.DialDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
		}
	}
	if b.DialErr != nil {
		return nil, b.DialErr
	}

	c := &FakeClient{
		transport:    t,
		address:      address,
		behavior:     b,
		onDisconnect: onDisconnect,
		handlers:     make(map[string]device.NotificationHandler),
		readValues:   make(map[string][]byte),
	}
	raise(&t.open, &t.maxOpen)

	t.mu.Lock()
	t.clients[address] = c
	t.mu.Unlock()
	return c, nil
}

// Client returns the most recent client for address.
func (t *FakeTransport) Client(address string) *FakeClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clients[device.CanonicalAddress(address)]
}

// Dials returns how many times address was dialed.
func (t *FakeTransport) Dials(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[device.CanonicalAddress(address)]
}

// TotalDials returns the number of Dial calls.
func (t *FakeTransport) TotalDials() int { return int(t.totalDials.Load()) }

// MaxConcurrentDials returns the highest number of simultaneous Dial calls observed.
func (t *FakeTransport) MaxConcurrentDials() int { return int(t.maxDialing.Load()) }

// OpenClients returns the number of clients not yet closed.
func (t *FakeTransport) OpenClients() int { return int(t.open.Load()) }

// MaxOpenClients returns the highest number of simultaneously open clients.
func (t *FakeTransport) MaxOpenClients() int { return int(t.maxOpen.Load()) }

// ClosedClients returns the number of clients closed.
func (t *FakeTransport) ClosedClients() int { return int(t.closedClients.Load()) }

// Notify delivers data to the subscription for charUUID on address.
// Returns false when no subscribed live client exists.
func (t *FakeTransport) Notify(address, charUUID string, data []byte) bool {
	c := t.Client(address)
	if c == nil {
		return false
	}
	return c.Notify(charUUID, data)
}

// Disconnect simulates a link loss reported by the transport.
func (t *FakeTransport) Disconnect(address string) bool {
	c := t.Client(address)
	if c == nil || c.closed.Load() {
		return false
	}
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	return true
}

var _ device.Transport = (*FakeTransport)(nil)

// FakeClient is a device.Client created by FakeTransport.
type FakeClient struct {
	transport    *FakeTransport
	address      string
	behavior     PeripheralBehavior
	onDisconnect func()

	mu         sync.Mutex
	handlers   map[string]device.NotificationHandler
	readValues map[string][]byte
	reads      int
	closed     atomic.Bool
}

// Subscribe implements device.Client.
func (c *FakeClient) Subscribe(ctx context.Context, charUUID string, handler device.NotificationHandler) error {
	charUUID = device.CanonicalUUID(charUUID)
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.behavior.SubscribeDelay > 0 {
		select {
		case <-time.After(c.behavior.SubscribeDelay):
		case <-ctx.Done():
			return device.NormalizeError(ctx.Err())
		}
	}
	if err, ok := c.behavior.SubscribeErr[charUUID]; ok {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[charUUID] = handler
	return nil
}

// Read implements device.Client.
func (c *FakeClient) Read(ctx context.Context, charUUID string) ([]byte, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()

	if c.behavior.ReadDelay > 0 {
		select {
		case <-time.After(c.behavior.ReadDelay):
		case <-ctx.Done():
			return nil, device.NormalizeError(ctx.Err())
		}
	}
	if c.behavior.ReadErr != nil {
		return nil, c.behavior.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readValues[device.CanonicalUUID(charUUID)], nil
}

// Close implements device.Client.
func (c *FakeClient) Close(_ context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		c.transport.open.Add(-1)
		c.transport.closedClients.Add(1)
	}
	return c.behavior.CloseErr
}

// Notify invokes the handler subscribed for charUUID.
func (c *FakeClient) Notify(charUUID string, data []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	h, ok := c.handlers[device.CanonicalUUID(charUUID)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Subscribed reports whether charUUID has a handler.
func (c *FakeClient) Subscribed(charUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[device.CanonicalUUID(charUUID)]
	return ok
}

// Reads returns the number of Read calls.
func (c *FakeClient) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Closed reports whether Close was called.
func (c *FakeClient) Closed() bool {
	return c.closed.Load()
}

var _ device.Client = (*FakeClient)(nil)
