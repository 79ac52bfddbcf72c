package consumer

import (
	"context"
	"time"

	"github.com/srg/blelog/fanout"
	"github.com/srg/blelog/internal/testutils"
	"github.com/srg/blelog/pkg/config"
	"github.com/srg/blelog/pkg/record"
)

func testEndpoint(name string, columns ...string) *config.Endpoint {
	return testutils.NewEndpoint(name, "2a6e", columns, 0, testutils.ByteRows)
}

func newRecord(display string, ep *config.Endpoint, rows [][]any, raw []byte) *record.Record {
	return record.New("aa:bb:cc:dd:ee:ff", display, ep, rows, raw, time.Unix(1700000000, 0), "session-1")
}

// feed runs c over recs with a closed inbox and returns Run's error.
func feed(c fanout.Consumer, recs ...*record.Record) error {
	in := make(chan *record.Record, len(recs))
	for _, r := range recs {
		in <- r
	}
	close(in)
	return c.Run(context.Background(), in)
}
