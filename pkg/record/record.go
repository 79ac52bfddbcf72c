// Package record defines the unit of decoded data passed from connections to consumers.
package record

import (
	"time"

	"github.com/srg/blelog/pkg/config"
)

// Record is one decoded notification. It is shared by pointer with every
// consumer and must not be modified after construction.
type Record struct {
	// Address is the canonical peripheral address.
	Address string
	// DisplayName is the device alias, or the address when no alias is configured.
	DisplayName string
	Endpoint    *config.Endpoint
	Rows        [][]any
	Raw         []byte
	Received    time.Time
	// Session identifies the connection that produced the record.
	Session string
}

// New builds a Record, copying raw so the transport may reuse its buffer.
func New(address, displayName string, ep *config.Endpoint, rows [][]any, raw []byte, received time.Time, session string) *Record {
	return &Record{
		Address:     address,
		DisplayName: displayName,
		Endpoint:    ep,
		Rows:        rows,
		Raw:         append([]byte(nil), raw...),
		Received:    received,
		Session:     session,
	}
}

// EndpointName returns the endpoint display name, or "" when unset.
func (r *Record) EndpointName() string {
	if r.Endpoint == nil {
		return ""
	}
	return r.Endpoint.Name
}

// Columns returns the endpoint's column names.
func (r *Record) Columns() []string {
	if r.Endpoint == nil {
		return nil
	}
	return r.Endpoint.Columns
}

// DisplayNameFor resolves the display name for a canonical address.
func DisplayNameFor(address, alias string) string {
	if alias != "" {
		return alias
	}
	return address
}
