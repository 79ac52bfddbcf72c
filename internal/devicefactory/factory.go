package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/device/go-ble"
)

// Backend bundles the scanning and connecting halves of one local radio.
type Backend struct {
	Scanner   device.ScanningDevice
	Transport device.Transport
	// Stop releases the radio. It may be nil.
	Stop func() error
}

// Close calls Stop when set.
func (b *Backend) Close() error {
	if b == nil || b.Stop == nil {
		return nil
	}
	return b.Stop()
}

// Open creates the Backend for the host radio.
// This is a variable so that it can be overridden in tests.
var Open = func(logger *logrus.Entry) (*Backend, error) {
	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, err
	}
	return &Backend{
		Scanner:   goble.NewScanner(dev),
		Transport: goble.NewTransport(dev, logger),
		Stop:      func() error { return goble.NormalizeError(dev.Stop()) },
	}, nil
}
