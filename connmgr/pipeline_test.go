package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blelog/discovery"
	"github.com/srg/blelog/internal/testutils"
	"github.com/srg/blelog/pkg/config"
	"github.com/stretchr/testify/require"
)

// TestEndToEndTimeoutScenario runs the discovery → scheduling → connection path
// with durations scaled down by 1/10.
func TestEndToEndTimeoutScenario(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := discovery.NewTracker(discovery.TrackerOptions{
		Explicit:    map[string]string{"AA:BB:CC:DD:EE:FF": ""},
		SeenTimeout: 10 * time.Second,
	}, helper.Entry("discovery"))
	scanner := testutils.NewFakeScanner(testutils.CreateMockAdvertisement("", "AA:BB:CC:DD:EE:FF", -40))
	loop := discovery.NewScanLoop(scanner, tracker, discovery.ScanOptions{Duration: 10 * time.Millisecond, Cooldown: 10 * time.Millisecond}, helper.Entry("scan"))
	go func() { _ = loop.Run(ctx) }()

	temp := testutils.NewEndpoint("temp", "2a6e", []string{"idx", "c"}, 300*time.Millisecond,
		testutils.FixedRows([][]any{{1, 22.5}}))

	transport := testutils.NewFakeTransport()
	sink := &captureSink{}
	opts := SchedulerOptions{
		MaxActive:   1,
		MaxAttempts: 1,
		Interval:    10 * time.Millisecond,
		Connection: ConnectionOptions{
			ConnectTimeout:    time.Second,
			DisconnectTimeout: time.Second,
			InitialGrace:      time.Second,
			PollInterval:      5 * time.Millisecond,
			QueueCapacity:     16,
			WarnInterval:      time.Minute,
		},
	}
	sched := NewScheduler(tracker, []*config.Endpoint{temp}, transport, sink, opts, helper.Entry("scheduler"), helper.Entry("connection"))
	go func() { _ = sched.Run(ctx) }()

	connected := func() *ConnectionSnapshot {
		for _, p := range sched.Snapshot() {
			if p.Connection != nil && p.Connection.State == Connected {
				return p.Connection
			}
		}
		return nil
	}
	require.Eventually(t, func() bool { return connected() != nil }, 2*time.Second, time.Millisecond)
	snap := connected()
	require.Equal(t, "aa:bb:cc:dd:ee:ff", snap.Address)

	require.True(t, transport.Notify("aa:bb:cc:dd:ee:ff", "2a6e", []byte{0x01}))
	silenceStart := time.Now()
	require.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, time.Millisecond)

	rec := sink.Records()[0]
	require.Equal(t, "aa:bb:cc:dd:ee:ff", rec.Address)
	require.Equal(t, "temp", rec.EndpointName())
	require.Equal(t, [][]any{{1, 22.5}}, rec.Rows)

	// 310ms of silence is the scaled 3.1s
	time.Sleep(310*time.Millisecond - time.Since(silenceStart))
	require.Eventually(t, func() bool {
		for _, p := range sched.Snapshot() {
			if p.Connection != nil && p.Connection.Session == snap.Session {
				return p.Connection.State == Disconnected
			}
		}
		return true // already reclaimed
	}, 2*opts.Connection.PollInterval+50*time.Millisecond, time.Millisecond,
		"silence beyond the endpoint timeout MUST disconnect within one poll interval")
}
