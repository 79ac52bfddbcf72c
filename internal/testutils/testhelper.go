package testutils

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blelog/internal/decode"
	"github.com/srg/blelog/pkg/config"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a test helper with a silent logger whose entries are captured.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// Entry returns a logger entry tagged with component.
func (h *TestHelper) Entry(component string) *logrus.Entry {
	return h.Logger.WithField("component", component)
}

// Entries returns captured entries at level whose message contains substr.
func (h *TestHelper) Entries(level logrus.Level, substr string) []logrus.Entry {
	var out []logrus.Entry
	for _, e := range h.Hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			out = append(out, *e)
		}
	}
	return out
}

// NewEndpoint builds an endpoint with a function decoder. timeout 0 means none.
func NewEndpoint(name, uuid string, columns []string, timeout time.Duration, fn func([]byte) ([][]any, error)) *config.Endpoint {
	ep := &config.Endpoint{Name: name, UUID: uuid, Columns: columns}
	if timeout > 0 {
		ep.Timeout = &timeout
	}
	return ep.WithDecoder(decode.Func{Fn: fn, Width: len(columns)})
}

// FixedRows returns a decoder function ignoring the payload.
func FixedRows(rows [][]any) func([]byte) ([][]any, error) {
	return func([]byte) ([][]any, error) { return rows, nil }
}

// ByteRows decodes each payload byte into a one-column row.
func ByteRows(data []byte) ([][]any, error) {
	rows := make([][]any, 0, len(data))
	for _, b := range data {
		rows = append(rows, []any{int64(b)})
	}
	return rows, nil
}
