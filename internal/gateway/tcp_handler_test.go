package gateway

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socks5router/internal/codec"
	"socks5router/internal/config"
	"socks5router/internal/rlog"
)

// pipeTun never yields a packet to read and records everything written,
// for driving HandleTCP/HandleUDP without a real TUN device.
type pipeTun struct {
	written bytes.Buffer
}

func newPipeTun() *pipeTun { return &pipeTun{} }

func (p *pipeTun) Read(b []byte) (int, error) { return 0, io.EOF }

func (p *pipeTun) Write(b []byte) (int, error) {
	return p.written.Write(b)
}

// socks5MockServer runs one accept loop speaking the slice of RFC 1928 the
// client package exercises, for driving handleSYN/establishAssociate without
// a real proxy.
type socks5MockServer struct {
	ln net.Listener
}

func startSocks5Mock(t *testing.T, handle func(conn net.Conn)) *socks5MockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &socks5MockServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *socks5MockServer) hostPort(t *testing.T) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return host, uint16(port)
}

func acceptConnect(t *testing.T, conn net.Conn, reply byte) {
	t.Helper()
	defer conn.Close()
	buf := make([]byte, 3)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	conn.Write([]byte{0x05, 0x00})

	req := make([]byte, 10)
	if _, err := io.ReadFull(conn, req); err != nil {
		return
	}
	resp := []byte{0x05, reply, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	conn.Write(resp)
	if reply == 0x00 {
		time.Sleep(100 * time.Millisecond)
	}
}

func newTestGateway(t *testing.T, socksHost string, socksPort uint16) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Socks.Host = socksHost
	cfg.Socks.Port = socksPort
	cfg.Socks.ConnectTimeout = time.Second
	cfg.RateLimit.NewFlowsPerSecond = 1000
	cfg.RateLimit.Burst = 1000

	tun := newPipeTun()
	log := rlog.New(rlog.Config{Level: "off"})
	return NewGateway(tun, log, cfg, &DefaultResolver{})
}

func synPacket(t *testing.T, srcPort, dstPort uint16) []byte {
	t.Helper()
	ip := [4]byte{10, 0, 0, 1}
	dst := [4]byte{93, 184, 216, 34}
	return codec.BuildTCPPacket(ip, srcPort, dst, dstPort, 1000, 0, codec.TCPSYN, 65535, nil)
}

func TestHandleTCPEstablishesFlowOnSuccessfulConnect(t *testing.T) {
	srv := startSocks5Mock(t, func(conn net.Conn) { acceptConnect(t, conn, 0x00) })
	host, port := srv.hostPort(t)
	g := newTestGateway(t, host, port)

	pkt := synPacket(t, 2000, 80)
	g.HandleTCP(mustParseIP(t, pkt), pkt)

	require.Eventually(t, func() bool {
		key := ConnectionKey{Protocol: codec.ProtoTCP, SrcIP: [4]byte{10, 0, 0, 1}, SrcPort: 2000, DstIP: [4]byte{93, 184, 216, 34}, DstPort: 80}
		conn, ok := g.table.GetTCP(key)
		return ok && conn.State() == StateEstablished
	}, time.Second, 5*time.Millisecond)
}

func TestHandleTCPSendsRSTOnConnectFailure(t *testing.T) {
	srv := startSocks5Mock(t, func(conn net.Conn) { acceptConnect(t, conn, 0x05) })
	host, port := srv.hostPort(t)
	g := newTestGateway(t, host, port)

	pkt := synPacket(t, 2001, 80)
	g.HandleTCP(mustParseIP(t, pkt), pkt)

	key := ConnectionKey{Protocol: codec.ProtoTCP, SrcIP: [4]byte{10, 0, 0, 1}, SrcPort: 2001, DstIP: [4]byte{93, 184, 216, 34}, DstPort: 80}
	require.Eventually(t, func() bool {
		_, ok := g.table.GetTCP(key)
		return !ok
	}, time.Second, 5*time.Millisecond)

	out := g.tun.(*pipeTun).written.Bytes()
	ip, ok := codec.ParseIPv4(out)
	require.True(t, ok)
	rst, ok := codec.ParseTCP(out, ip.HeaderLen)
	require.True(t, ok)
	require.Equal(t, codec.TCPRST, rst.Flags, "the only segment emitted is a bare RST")
	require.EqualValues(t, 0, rst.Window)
}

func TestHandleRSTRemovesExistingFlow(t *testing.T) {
	g := newTestGateway(t, "127.0.0.1", 1)
	key := ConnectionKey{Protocol: codec.ProtoTCP, SrcPort: 3000}
	g.table.InsertTCP(&TCPConnection{Key: key, Upstream: &nopConn{}, state: StateEstablished})

	g.handleRST(key, nil, false)
	_, ok := g.table.GetTCP(key)
	require.True(t, ok, "handleRST with exists=false must not touch the table")

	conn, _ := g.table.GetTCP(key)
	g.handleRST(key, conn, true)
	_, ok = g.table.GetTCP(key)
	require.False(t, ok)
}

func TestHandleFINFromEstablishedMovesToFinWait1(t *testing.T) {
	g := newTestGateway(t, "127.0.0.1", 1)
	conn := &TCPConnection{
		Key:      ConnectionKey{SrcPort: 4000},
		Upstream: &nopConn{},
		state:    StateEstablished,
	}
	tcp := codec.TCPHeader{Seq: 500, Flags: codec.TCPFIN}
	g.handleFIN(conn, tcp)

	require.Equal(t, StateFinWait1, conn.State())
	require.EqualValues(t, 501, conn.OurAck)
}

func TestHandleAckOnlyAdvancesFinWait1ToFinWait2(t *testing.T) {
	conn := &TCPConnection{state: StateFinWait1}
	g := newTestGateway(t, "127.0.0.1", 1)
	g.handleAckOnly(conn)
	require.Equal(t, StateFinWait2, conn.State())
}

func TestHandleDataWritesToUpstreamAndAdvancesAck(t *testing.T) {
	g := newTestGateway(t, "127.0.0.1", 1)
	upstream := &recordingConn{}
	conn := &TCPConnection{Key: ConnectionKey{SrcPort: 5000}, Upstream: upstream, state: StateEstablished}
	g.table.InsertTCP(conn)

	tcp := codec.TCPHeader{Seq: 100}
	g.handleData(conn, tcp, []byte("payload"))

	require.Equal(t, "payload", string(upstream.written))
	require.EqualValues(t, 107, conn.OurAck)
}

type recordingConn struct {
	net.Conn
	written []byte
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.written = append(c.written, b...)
	return len(b), nil
}
func (c *recordingConn) Close() error { return nil }

func mustParseIP(t *testing.T, pkt []byte) codec.IPv4Header {
	t.Helper()
	ip, ok := codec.ParseIPv4(pkt)
	require.True(t, ok)
	return ip
}
