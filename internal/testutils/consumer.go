package testutils

import (
	"context"
	"sync"

	"github.com/srg/blelog/pkg/record"
)

// RecordingConsumer stores every record it receives. While Gate is non-nil it
// waits on Gate before reading each record.
type RecordingConsumer struct {
	Label string
	Gate  chan struct{}
	Err   error
	Panic bool

	mu      sync.Mutex
	records []*record.Record
	done    chan struct{}
}

// NewRecordingConsumer creates a consumer named label.
func NewRecordingConsumer(label string) *RecordingConsumer {
	return &RecordingConsumer{Label: label, done: make(chan struct{})}
}

func (c *RecordingConsumer) Name() string { return c.Label }

func (c *RecordingConsumer) Run(ctx context.Context, in <-chan *record.Record) error {
	defer close(c.done)
	if c.Panic {
		panic("consumer exploded")
	}
	if c.Err != nil {
		return c.Err
	}
	for {
		if c.Gate != nil {
			<-c.Gate
		}
		r, ok := <-in
		if !ok {
			return nil
		}
		c.mu.Lock()
		c.records = append(c.records, r)
		c.mu.Unlock()
	}
}

// Records returns a copy of the received records.
func (c *RecordingConsumer) Records() []*record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*record.Record(nil), c.records...)
}

// Done is closed when Run returns.
func (c *RecordingConsumer) Done() <-chan struct{} { return c.done }
