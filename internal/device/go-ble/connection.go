package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/groutine"
)

// ----------------------------
// Transport
// ----------------------------

// Transport dials peripherals through a single shared ble.Device.
type Transport struct {
	dev    ble.Device
	logger *logrus.Entry
}

// NewTransport creates a device.Transport on top of dev.
func NewTransport(dev ble.Device, logger *logrus.Entry) *Transport {
	return &Transport{dev: dev, logger: logger}
}

// Dial connects to address and discovers its GATT profile. The whole operation
// is bounded by ctx.
func (t *Transport) Dial(ctx context.Context, address string, onDisconnect func()) (device.Client, error) {
	t.logger.WithField("address", address).Debug("Dialing BLE device...")

	client, err := t.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	c := &BLEClient{
		client:  client,
		address: address,
		logger:  t.logger.WithField("address", address),
		done:    make(chan struct{}),
	}

	// CoreBluetooth reports link loss through the Disconnected() channel
	if onDisconnect != nil {
		c.watchDisconnect(ctx, onDisconnect)
	}

	profile, err := runWithContext(ctx, func() (*ble.Profile, error) {
		return client.DiscoverProfile(true)
	})
	if err != nil {
		c.abort()
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}
	c.profile = profile

	c.logger.WithField("services", len(profile.Services)).Debug("Profile discovered successfully")
	return c, nil
}

// ----------------------------
// Client
// ----------------------------

// BLEClient implements device.Client over a go-ble client
type BLEClient struct {
	client  ble.Client
	profile *ble.Profile
	address string
	logger  *logrus.Entry

	closeOnce sync.Once
	done      chan struct{}
}

func (c *BLEClient) watchDisconnect(ctx context.Context, onDisconnect func()) {
	disconnected := c.client.Disconnected()
	if disconnected == nil {
		c.logger.Debug("Client does not expose a Disconnected() channel")
		return
	}

	groutine.Go(context.WithoutCancel(ctx), "ble-disconnect-monitor", func(context.Context) {
		select {
		case <-disconnected:
			c.logger.Warn("Transport reported disconnection")
			onDisconnect()
		case <-c.done:
		}
	})
}

func (c *BLEClient) characteristic(charUUID string) (*ble.Characteristic, error) {
	u, err := ble.Parse(charUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUUID, err)
	}
	if c.profile == nil {
		return nil, device.ErrNotInitialized
	}
	char := c.profile.FindCharacteristic(ble.NewCharacteristic(u))
	if char == nil {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
	}
	return char, nil
}

// Subscribe enables notifications (or indications, for indicate-only
// characteristics) and routes payloads to handler.
func (c *BLEClient) Subscribe(ctx context.Context, charUUID string, handler device.NotificationHandler) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}

	if char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %s: %w", charUUID, device.ErrUnsupported)
	}
	indicate := char.Property&ble.CharNotify == 0

	_, err = runWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, c.client.Subscribe(char, indicate, func(data []byte) {
			handler(data)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", charUUID, NormalizeError(err))
	}

	c.logger.WithField("char_uuid", charUUID).Debug("Subscribed to characteristic notifications")
	return nil
}

// Read reads the current value of a characteristic.
func (c *BLEClient) Read(ctx context.Context, charUUID string) ([]byte, error) {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return nil, err
	}

	data, err := runWithContext(ctx, func() ([]byte, error) {
		return c.client.ReadCharacteristic(char)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", charUUID, NormalizeError(err))
	}
	return data, nil
}

// Close cancels the connection. Safe to call more than once; only the first
// call talks to the peripheral.
func (c *BLEClient) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.done)
		_, err := runWithContext(ctx, func() (struct{}, error) {
			return struct{}{}, c.client.CancelConnection()
		})
		closeErr = NormalizeError(err)
	})
	return closeErr
}

// abort releases the client after a failed dial without waiting on the peripheral.
func (c *BLEClient) abort() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.client.CancelConnection(); err != nil {
			c.logger.WithField("cancel_error", err).Warn("Failed to cancel connection during profile discovery failure")
		}
	})
}

// runWithContext runs a blocking go-ble call and returns early when ctx is done.
// go-ble calls do not accept a context; an abandoned call finishes in the
// background and its result is discarded.
func runWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
