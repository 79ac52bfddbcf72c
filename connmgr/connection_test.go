package connmgr

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/testutils"
	"github.com/srg/blelog/pkg/config"
	"github.com/stretchr/testify/suite"
)

const (
	testAddr = "aa:bb:cc:dd:ee:ff"
	tempUUID = "2a6e"
	humUUID  = "2a6f"
)

type ConnectionTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.FakeTransport
	sink      *captureSink
	opts      ConnectionOptions
	ctx       context.Context
	cancel    context.CancelFunc
}

func (suite *ConnectionTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.transport = testutils.NewFakeTransport()
	suite.sink = &captureSink{}
	suite.opts = testConnectionOptions()
	suite.ctx, suite.cancel = context.WithCancel(context.Background())
}

func (suite *ConnectionTestSuite) TearDownTest() {
	suite.cancel()
}

func (suite *ConnectionTestSuite) start(endpoints ...*config.Endpoint) *Connection {
	conn := NewConnection(testAddr, "Gadget007", endpoints, suite.transport, suite.sink, suite.opts, suite.helper.Entry("connection"))
	go conn.Run(suite.ctx)
	return conn
}

func (suite *ConnectionTestSuite) waitState(conn *Connection, want State) {
	suite.Require().Eventually(func() bool { return conn.State() == want }, 2*time.Second, time.Millisecond,
		"connection MUST reach %s", want)
}

func (suite *ConnectionTestSuite) waitDone(conn *Connection) {
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		suite.FailNow("connection did not finish")
	}
}

func (suite *ConnectionTestSuite) TestStartsConnecting() {
	conn := NewConnection("AA:BB:CC:DD:EE:FF", "x", nil, suite.transport, suite.sink, suite.opts, suite.helper.Entry("connection"))
	suite.Equal(Connecting, conn.State())
	suite.Equal(testAddr, conn.Address())
	suite.Len(conn.Session(), 36)
	suite.False(conn.IsFlagged())
}

func (suite *ConnectionTestSuite) TestNotificationBecomesRecord() {
	// GOAL: Verify a notification is decoded and forwarded as a record with canonical address and session
	//
	// TEST SCENARIO: Connect → notify temp → record with rows, raw payload and display name
	ep := testutils.NewEndpoint("temp", tempUUID, []string{"idx", "c"}, 0, testutils.FixedRows([][]any{{1, 22.5}}))
	conn := suite.start(ep)
	suite.waitState(conn, Connected)
	suite.False(conn.StartedAt().IsZero())

	client := suite.transport.Client(testAddr)
	suite.Require().NotNil(client)
	suite.True(client.Subscribed(tempUUID))

	suite.True(suite.transport.Notify(testAddr, tempUUID, []byte{0x01, 0x02}))
	suite.Require().Eventually(func() bool { return suite.sink.Len() == 1 }, time.Second, time.Millisecond)

	rec := suite.sink.Records()[0]
	suite.Equal(testAddr, rec.Address)
	suite.Equal("Gadget007", rec.DisplayName)
	suite.Equal("temp", rec.EndpointName())
	suite.Equal([][]any{{1, 22.5}}, rec.Rows)
	suite.Equal([]byte{0x01, 0x02}, rec.Raw)
	suite.Equal(conn.Session(), rec.Session)
	suite.False(rec.Received.IsZero())

	snap := conn.Snapshot()
	suite.Equal(Connected, snap.State)
	suite.Equal(int64(1), snap.Received)
	suite.Equal(int64(1), snap.Records)
	suite.Require().Len(snap.Endpoints, 1)
	suite.False(snap.Endpoints[0].LastNotification.IsZero())
}

func (suite *ConnectionTestSuite) TestNotificationsKeepArrivalOrder() {
	ep := testutils.NewEndpoint("seq", tempUUID, []string{"v"}, 0, testutils.ByteRows)
	conn := suite.start(ep)
	suite.waitState(conn, Connected)

	for i := 0; i < 50; i++ {
		suite.transport.Notify(testAddr, tempUUID, []byte{byte(i)})
	}
	suite.Require().Eventually(func() bool { return suite.sink.Len() == 50 }, time.Second, time.Millisecond)

	for i, rec := range suite.sink.Records() {
		suite.Equal(int64(i), rec.Rows[0][0], "records MUST follow notification order")
	}
}

func (suite *ConnectionTestSuite) TestSteadyStateTimeout() {
	// GOAL: Verify silence longer than the endpoint timeout after a notification disconnects
	// within one poll interval
	//
	// TEST SCENARIO: timeout 100ms → notify → measure time to Disconnected → between 100ms and 100ms+slack
	ep := testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 100*time.Millisecond, testutils.ByteRows)
	conn := suite.start(ep)
	suite.waitState(conn, Connected)

	notified := time.Now()
	suite.transport.Notify(testAddr, tempUUID, []byte{1})
	suite.waitState(conn, Disconnected)
	elapsed := time.Since(notified)

	suite.GreaterOrEqual(elapsed, 100*time.Millisecond, "MUST NOT disconnect before the timeout")
	suite.Less(elapsed, 400*time.Millisecond)
	suite.Equal("timeout on endpoint temp", conn.Reason())
	suite.waitDone(conn)
	suite.True(suite.transport.Client(testAddr).Closed(), "client MUST be closed on exit")
	suite.True(conn.IsFlagged())
}

func (suite *ConnectionTestSuite) TestInitialGraceAddsToTimeout() {
	// GOAL: Verify an endpoint that never notified gets timeout + initial grace from connection start
	//
	// TEST SCENARIO: timeout 50ms, grace 200ms, no notifications → still connected at ~150ms → disconnected after 250ms
	ep := testutils.NewEndpoint("slow", tempUUID, []string{"v"}, 50*time.Millisecond, testutils.ByteRows)
	conn := suite.start(ep)
	suite.waitState(conn, Connected)
	started := conn.StartedAt()

	time.Sleep(150 * time.Millisecond)
	suite.Equal(Connected, conn.State(), "grace period MUST delay the first-notification timeout")

	suite.waitState(conn, Disconnected)
	suite.GreaterOrEqual(time.Since(started), 250*time.Millisecond)
}

func (suite *ConnectionTestSuite) TestEndpointWithoutTimeoutIsNotMonitored() {
	ep := testutils.NewEndpoint("free", tempUUID, []string{"v"}, 0, testutils.ByteRows)
	conn := suite.start(ep)
	suite.waitState(conn, Connected)

	time.Sleep(300 * time.Millisecond)
	suite.Equal(Connected, conn.State())
}

func (suite *ConnectionTestSuite) TestExpiredEndpoint() {
	// GOAL: Verify the two-phase timeout arithmetic directly
	//
	// TEST SCENARIO: Fixed start and notification times → check expiredEndpoint at boundaries
	timeout := 3 * time.Second
	temp := testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows)
	temp.Timeout = &timeout
	free := testutils.NewEndpoint("free", humUUID, []string{"v"}, 0, testutils.ByteRows)

	opts := suite.opts
	opts.InitialGrace = 10 * time.Second
	conn := NewConnection(testAddr, "", []*config.Endpoint{free, temp}, suite.transport, suite.sink, opts, suite.helper.Entry("connection"))

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	conn.startedAt.Store(start.UnixNano())

	_, expired := conn.expiredEndpoint(start.Add(13 * time.Second))
	suite.False(expired, "exactly timeout+grace MUST NOT expire")
	ep, expired := conn.expiredEndpoint(start.Add(13*time.Second + time.Millisecond))
	suite.True(expired)
	suite.Equal("temp", ep.Name)

	last := start.Add(20 * time.Second)
	conn.lastNotif[1].Store(last.UnixNano())
	_, expired = conn.expiredEndpoint(last.Add(3 * time.Second))
	suite.False(expired)
	_, expired = conn.expiredEndpoint(last.Add(3100 * time.Millisecond))
	suite.True(expired, "3.1s of silence after a notification MUST expire a 3s endpoint")
}

func (suite *ConnectionTestSuite) TestDialFailure() {
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{DialErr: testutils.ErrInjected})
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))

	suite.waitDone(conn)
	suite.Equal(Disconnected, conn.State())
	suite.Equal(ReasonConnectFailed, conn.Reason())
	suite.NotEmpty(suite.helper.Entries(logrus.WarnLevel, "Connection failed"))
}

func (suite *ConnectionTestSuite) TestDialTimeout() {
	suite.opts.ConnectTimeout = 30 * time.Millisecond
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{DialDelay: time.Second})
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))

	suite.waitDone(conn)
	suite.Equal(Disconnected, conn.State())
	suite.Equal(ReasonConnectTimeout, conn.Reason())
}

func (suite *ConnectionTestSuite) TestFlaggedBeforeStart() {
	// GOAL: Verify a connection flagged before Run never dials
	//
	// TEST SCENARIO: MarkDisconnected → Run → Disconnected, zero dials
	conn := NewConnection(testAddr, "", nil, suite.transport, suite.sink, suite.opts, suite.helper.Entry("connection"))
	conn.MarkDisconnected(ReasonTransport)
	conn.Run(suite.ctx)

	suite.Equal(Disconnected, conn.State())
	suite.Equal(0, suite.transport.TotalDials())
	suite.NotEmpty(suite.helper.Entries(logrus.WarnLevel, "before start"))
}

func (suite *ConnectionTestSuite) TestSubscribeFailureClosesClient() {
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{
		SubscribeErr: map[string]error{humUUID: testutils.ErrInjected},
	})
	conn := suite.start(
		testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows),
		testutils.NewEndpoint("hum", humUUID, []string{"v"}, 0, testutils.ByteRows),
	)

	suite.waitDone(conn)
	suite.Equal(ReasonSubscribeFailed, conn.Reason())
	suite.True(conn.StartedAt().IsZero(), "MUST NOT enter connected when a subscription fails")
	suite.True(suite.transport.Client(testAddr).Closed())
	suite.Equal(0, suite.transport.OpenClients())
}

func (suite *ConnectionTestSuite) TestSubscribeTimeoutUsesItsOwnLimit() {
	// GOAL: Verify subscriptions are bounded by the subscribe timeout, not the connect timeout
	//
	// TEST SCENARIO: connect timeout 1s, subscribe timeout 30ms, subscribe blocks 500ms → subscribe timed out quickly
	suite.opts.SubscribeTimeout = 30 * time.Millisecond
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{SubscribeDelay: 500 * time.Millisecond})

	started := time.Now()
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))
	suite.waitDone(conn)

	suite.Equal(ReasonSubscribeTimeout, conn.Reason())
	suite.Less(time.Since(started), 400*time.Millisecond, "subscribe MUST give up after the subscribe timeout")
	suite.True(suite.transport.Client(testAddr).Closed())
}

func (suite *ConnectionTestSuite) TestShutdownDuringSubscribe() {
	// GOAL: Verify a halt while subscribing is reported as shutdown, not as a failure
	//
	// TEST SCENARIO: subscribe blocks → cancel context → reason shutdown, no failure warnings, client closed
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{SubscribeDelay: time.Second})
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))

	suite.Eventually(func() bool { return suite.transport.Client(testAddr) != nil }, time.Second, time.Millisecond)
	suite.cancel()
	suite.waitDone(conn)

	suite.Equal(ReasonShutdown, conn.Reason())
	suite.Empty(suite.helper.Entries(logrus.WarnLevel, "Connection failed"), "shutdown MUST NOT be logged as a failure")
	suite.True(suite.transport.Client(testAddr).Closed(), "close MUST still be attempted")
}

func (suite *ConnectionTestSuite) TestCloseOfDroppedLinkIsQuiet() {
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{CloseErr: errors.New("device not connected")})
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))
	suite.waitState(conn, Connected)

	suite.True(suite.transport.Disconnect(testAddr))
	suite.waitDone(conn)
	suite.Empty(suite.helper.Entries(logrus.WarnLevel, "Failed to close"), "closing an already dropped link MUST NOT warn")
	suite.NotEmpty(suite.helper.Entries(logrus.DebugLevel, "Link already gone at close"))
}

func (suite *ConnectionTestSuite) TestTransportDisconnect() {
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))
	suite.waitState(conn, Connected)

	suite.True(suite.transport.Disconnect(testAddr))
	suite.waitDone(conn)
	suite.Equal(ReasonTransport, conn.Reason())
	suite.True(suite.transport.Client(testAddr).Closed())
}

func (suite *ConnectionTestSuite) TestDecodeErrorsAreContained() {
	// GOAL: Verify decoder errors and panics drop only the affected notification
	//
	// TEST SCENARIO: decoder fails on 0, panics on 1, wrong width on 2, succeeds otherwise
	var calls atomic.Int32
	ep := testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, func(data []byte) ([][]any, error) {
		calls.Add(1)
		switch data[0] {
		case 0:
			return nil, errors.New("bad payload")
		case 1:
			panic("decoder bug")
		case 2:
			return [][]any{{1, 2}}, nil
		}
		return [][]any{{int64(data[0])}}, nil
	})
	conn := suite.start(ep)
	suite.waitState(conn, Connected)

	for _, b := range []byte{0, 1, 2, 9} {
		suite.transport.Notify(testAddr, tempUUID, []byte{b})
	}
	suite.Require().Eventually(func() bool { return suite.sink.Len() == 1 }, time.Second, time.Millisecond)
	suite.Equal(int32(4), calls.Load())
	suite.Equal(int64(9), suite.sink.Records()[0].Rows[0][0])
	suite.Equal(Connected, conn.State(), "decode failures MUST NOT end the connection")

	suite.Len(suite.helper.Entries(logrus.WarnLevel, "Failed to decode"), 1, "decode warnings MUST be rate limited")
}

func (suite *ConnectionTestSuite) TestEmptyDecodeProducesNoRecord() {
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.FixedRows(nil)))
	suite.waitState(conn, Connected)

	suite.transport.Notify(testAddr, tempUUID, []byte{1})
	suite.Eventually(func() bool { return conn.Snapshot().Received == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	suite.Equal(0, suite.sink.Len())
}

func (suite *ConnectionTestSuite) TestFullFunnelDropsWithWarning() {
	suite.sink.reject.Store(true)
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))
	suite.waitState(conn, Connected)

	for i := 0; i < 10; i++ {
		suite.transport.Notify(testAddr, tempUUID, []byte{1})
	}
	suite.Eventually(func() bool {
		return len(suite.helper.Entries(logrus.WarnLevel, "Data funnel full")) == 1
	}, time.Second, time.Millisecond)
	suite.Equal(Connected, conn.State(), "a full funnel MUST NOT stall or end the connection")
	suite.Equal(int64(0), conn.Snapshot().Records)
}

func (suite *ConnectionTestSuite) TestHeartbeatFailureDisconnects() {
	suite.opts.Heartbeat = config.Heartbeat{UUID: "2a19", PollRate: 10 * time.Millisecond, Timeout: 20 * time.Millisecond}
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{ReadDelay: time.Second})
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))

	suite.waitDone(conn)
	suite.Equal(ReasonHeartbeat, conn.Reason())
	suite.True(suite.transport.Client(testAddr).Closed())
}

func (suite *ConnectionTestSuite) TestHeartbeatSuccessKeepsConnection() {
	suite.opts.Heartbeat = config.Heartbeat{UUID: "2a19", PollRate: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))
	suite.waitState(conn, Connected)

	client := suite.transport.Client(testAddr)
	suite.Eventually(func() bool { return client.Reads() >= 3 }, time.Second, time.Millisecond)
	suite.Equal(Connected, conn.State())
}

func (suite *ConnectionTestSuite) TestShutdownClosesGracefully() {
	suite.transport.SetBehavior(testAddr, testutils.PeripheralBehavior{CloseErr: testutils.ErrInjected})
	conn := suite.start(testutils.NewEndpoint("temp", tempUUID, []string{"v"}, 0, testutils.ByteRows))
	suite.waitState(conn, Connected)

	suite.cancel()
	suite.waitDone(conn)
	suite.Equal(ReasonShutdown, conn.Reason())
	suite.True(suite.transport.Client(testAddr).Closed(), "close MUST be attempted on shutdown")
	suite.NotEmpty(suite.helper.Entries(logrus.WarnLevel, "Failed to close connection cleanly"), "close failure MUST only be logged")
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}
