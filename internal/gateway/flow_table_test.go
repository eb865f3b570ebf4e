package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socks5router/internal/rlog"
)

func testKey(srcPort uint16) ConnectionKey {
	return ConnectionKey{
		Protocol: 6,
		SrcIP:    [4]byte{10, 0, 0, 1},
		SrcPort:  srcPort,
		DstIP:    [4]byte{93, 184, 216, 34},
		DstPort:  80,
	}
}

func newTestTable(t *testing.T) *ConnectionTable {
	t.Helper()
	return NewConnectionTable(rlog.New(rlog.Config{Level: "off"}))
}

type nopConn struct {
	net.Conn
	closed bool
}

func (c *nopConn) Close() error { c.closed = true; return nil }

func TestConnectionTableTCPInsertGetRemove(t *testing.T) {
	table := newTestTable(t)
	key := testKey(1111)
	conn := &nopConn{}

	tc := &TCPConnection{Key: key, Upstream: conn, state: StateSynSent}
	table.InsertTCP(tc)

	got, ok := table.GetTCP(key)
	require.True(t, ok)
	require.Same(t, tc, got)
	require.Equal(t, StateSynSent, got.State())

	stats := table.GetStatistics()
	require.EqualValues(t, 1, stats.TCPTotal)
	require.EqualValues(t, 1, stats.TCPCurrent)

	table.RemoveTCP(key)
	_, ok = table.GetTCP(key)
	require.False(t, ok)
	require.True(t, conn.closed, "RemoveTCP must close the upstream connection")

	stats = table.GetStatistics()
	require.EqualValues(t, 1, stats.TCPTotal, "total is monotonic across removal")
	require.EqualValues(t, 0, stats.TCPCurrent)
}

func TestConnectionTableTCPInsertOverwritesExisting(t *testing.T) {
	table := newTestTable(t)
	key := testKey(2222)

	first := &TCPConnection{Key: key, Upstream: &nopConn{}}
	second := &TCPConnection{Key: key, Upstream: &nopConn{}}
	table.InsertTCP(first)
	table.InsertTCP(second)

	got, ok := table.GetTCP(key)
	require.True(t, ok)
	require.Same(t, second, got, "a retransmitted SYN must replace the prior record")

	stats := table.GetStatistics()
	require.EqualValues(t, 2, stats.TCPTotal)
	require.EqualValues(t, 1, stats.TCPCurrent)
}

func TestTCPStateTransitionsAreSerializedUnderWithLock(t *testing.T) {
	tc := &TCPConnection{state: StateEstablished}
	tc.WithLock(func() {
		require.Equal(t, StateEstablished, tc.state)
		tc.state = StateFinWait1
	})
	require.Equal(t, StateFinWait1, tc.State())
}

func TestTCPStateStringCoversAllStates(t *testing.T) {
	cases := map[TCPState]string{
		StateClosed:      "CLOSED",
		StateSynSent:     "SYN_SENT",
		StateEstablished: "ESTABLISHED",
		StateFinWait1:    "FIN_WAIT_1",
		StateFinWait2:    "FIN_WAIT_2",
		StateClosing:     "CLOSING",
		StateTimeWait:    "TIME_WAIT",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
	require.Equal(t, "UNKNOWN", TCPState(99).String())
}

func TestCleanupIdleEvictsOnlyExpiredFlows(t *testing.T) {
	table := newTestTable(t)
	now := table.NowMS()

	fresh := &TCPConnection{Key: testKey(1), Upstream: &nopConn{}, state: StateEstablished, LastActivity: now}
	stale := &TCPConnection{Key: testKey(2), Upstream: &nopConn{}, state: StateEstablished, LastActivity: now - 10_000}
	table.InsertTCP(fresh)
	table.InsertTCP(stale)

	table.CleanupIdle(5_000, 1_000)

	_, ok := table.GetTCP(fresh.Key)
	require.True(t, ok, "a recently active flow must survive the sweep")
	_, ok = table.GetTCP(stale.Key)
	require.False(t, ok, "a long-idle flow must be evicted")
}

func TestCleanupIdleUsesTimeWaitLimitForTimeWaitFlows(t *testing.T) {
	table := newTestTable(t)
	now := table.NowMS()

	// Idle for 2s: would survive a 5s general idle limit, but TIME_WAIT uses
	// a much shorter limit.
	tc := &TCPConnection{Key: testKey(3), Upstream: &nopConn{}, state: StateTimeWait, LastActivity: now - 2_000}
	table.InsertTCP(tc)

	table.CleanupIdle(5_000, 1_000)

	_, ok := table.GetTCP(tc.Key)
	require.False(t, ok, "TIME_WAIT flows must expire against timeWaitMS, not idleMS")
}

func TestCloseAllReleasesEveryFlow(t *testing.T) {
	table := newTestTable(t)
	tcpConn := &nopConn{}
	assocCtrl := &nopConn{}
	assocRelay := &nopConn{}

	table.InsertTCP(&TCPConnection{Key: testKey(1), Upstream: tcpConn})
	table.InsertAssociate(&UDPAssociateConnection{Key: testKey(2), Ctrl: assocCtrl, Relay: assocRelay})
	table.InsertUDP(&UDPConnection{Key: testKey(3)})

	table.CloseAll()

	stats := table.GetStatistics()
	require.EqualValues(t, 0, stats.TCPCurrent)
	require.EqualValues(t, 0, stats.UDPAssociateCurrent)
	require.EqualValues(t, 0, stats.UDPCurrent)
	require.True(t, tcpConn.closed)
	require.True(t, assocCtrl.closed)
	require.True(t, assocRelay.closed)
}

func TestIdleForReflectsElapsedTime(t *testing.T) {
	tc := &TCPConnection{}
	tc.touch(1_000)
	require.EqualValues(t, 500, tc.idleFor(1_500))
}

func TestStartClockAdvancesNowMS(t *testing.T) {
	table := newTestTable(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := table.NowMS()
	table.StartClock(ctx)
	time.Sleep(150 * time.Millisecond)
	after := table.NowMS()

	require.Greater(t, after, before)
}
