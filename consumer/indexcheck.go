package consumer

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/pkg/record"
)

// IndexCheck warns when the first column of consecutive records from the same
// device and endpoint does not increase by exactly one.
type IndexCheck struct {
	endpoints map[string]bool
	modulus   int64
	logger    *logrus.Entry

	last map[indexKey]int64
	gaps atomic.Int64
}

type indexKey struct {
	address  string
	endpoint string
}

// NewIndexCheck creates a checker. An empty endpoint list checks every
// endpoint; a positive modulus wraps the expected successor.
func NewIndexCheck(endpoints []string, modulus int64, logger *logrus.Entry) *IndexCheck {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	set := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		set[e] = true
	}
	return &IndexCheck{endpoints: set, modulus: modulus, logger: logger, last: make(map[indexKey]int64)}
}

func (c *IndexCheck) Name() string { return "index_check" }

func (c *IndexCheck) Run(_ context.Context, in <-chan *record.Record) error {
	for r := range in {
		c.check(r)
	}
	return nil
}

func (c *IndexCheck) check(r *record.Record) {
	if len(c.endpoints) > 0 && !c.endpoints[r.EndpointName()] {
		return
	}
	if len(r.Rows) == 0 || len(r.Rows[0]) == 0 {
		return
	}
	index, ok := asInt64(r.Rows[0][0])
	if !ok {
		return
	}

	key := indexKey{address: r.Address, endpoint: r.EndpointName()}
	if prev, seen := c.last[key]; seen {
		want := prev + 1
		if c.modulus > 0 {
			want %= c.modulus
		}
		if index != want {
			c.gaps.Add(1)
			c.logger.WithFields(logrus.Fields{
				"device":   r.DisplayName,
				"endpoint": r.EndpointName(),
				"from":     prev,
				"to":       index,
			}).Warn("Index discontinuity")
		}
	}
	c.last[key] = index
}

// Gaps returns the number of discontinuities seen.
func (c *IndexCheck) Gaps() int64 { return c.gaps.Load() }

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	default:
		return 0, false
	}
}
