package ratelog

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_SuppressesWithinInterval(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := New(time.Hour)

	for i := 0; i < 5; i++ {
		l.Warn(logrus.NewEntry(logger), "funnel full")
	}

	require.Len(t, hook.AllEntries(), 1, "only the first warning MUST pass within the interval")
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "funnel full", hook.LastEntry().Message)
}

func TestLimiter_ReportsSuppressedCount(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := New(20 * time.Millisecond)
	entry := logrus.NewEntry(logger)

	l.Warn(entry, "drop")
	l.Warn(entry, "drop")
	l.Warn(entry, "drop")

	require.Eventually(t, func() bool {
		l.Warn(entry, "drop")
		return len(hook.AllEntries()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.NotContains(t, hook.AllEntries()[0].Data, "suppressed")
	suppressed, ok := hook.LastEntry().Data["suppressed"].(int)
	require.True(t, ok, "second warning MUST carry the suppressed count")
	assert.GreaterOrEqual(t, suppressed, 2)
}

func TestLimiter_NonPositiveIntervalDisablesLimiting(t *testing.T) {
	l := New(0)
	for i := 0; i < 10; i++ {
		ok, _ := l.Allow()
		assert.True(t, ok)
	}
}

func TestSet_ReturnsSameLimiterPerKey(t *testing.T) {
	s := NewSet(time.Hour)
	assert.Same(t, s.Get("csv"), s.Get("csv"))
	assert.NotSame(t, s.Get("csv"), s.Get("sqlite"))

	ok, _ := s.Get("csv").Allow()
	assert.True(t, ok)
	ok, _ = s.Get("sqlite").Allow()
	assert.True(t, ok, "limiters MUST be independent per key")
}
