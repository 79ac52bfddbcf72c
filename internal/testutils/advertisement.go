package testutils

import "github.com/srg/blelog/internal/device"

// Advertisement is a static device.Advertisement for tests.
type Advertisement struct {
	Name    string
	Address string
	Signal  int
	NoConn  bool
}

func (a *Advertisement) LocalName() string { return a.Name }
func (a *Advertisement) RSSI() int         { return a.Signal }
func (a *Advertisement) Addr() string      { return a.Address }
func (a *Advertisement) Connectable() bool { return !a.NoConn }

var _ device.Advertisement = (*Advertisement)(nil)

// CreateMockAdvertisement builds an advertisement with name, address and rssi.
func CreateMockAdvertisement(name, address string, rssi int) *Advertisement {
	return &Advertisement{Name: name, Address: address, Signal: rssi}
}
