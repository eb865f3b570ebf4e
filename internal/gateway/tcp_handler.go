package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"time"

	"socks5router/internal/codec"
	"socks5router/internal/socks5"
)

const (
	synAckWindow = 65535
	dataWindow   = 65535
	rstWindow    = 0

	upstreamReadChunk = 8192
)

// HandleTCP parses an incoming TCP segment off the TUN stream, keys it,
// and dispatches by (flags, state). Parse failures are dropped silently
// at verbose level.
func (g *Gateway) HandleTCP(ip codec.IPv4Header, raw []byte) {
	tcp, ok := codec.ParseTCP(raw, ip.HeaderLen)
	if !ok {
		g.log.Verbosef("TCP", "%v", &PacketMalformed{Reason: "invalid TCP header", Length: len(raw)})
		return
	}
	key := tcpKeyFromPacket(ip, tcp)
	payload := codec.TCPPayload(raw, ip.HeaderLen, tcp.DataOffset)

	conn, exists := g.table.GetTCP(key)

	switch {
	case tcp.HasFlag(codec.TCPRST):
		g.handleRST(key, conn, exists)

	case tcp.HasFlag(codec.TCPSYN) && !tcp.HasFlag(codec.TCPACK):
		if exists {
			g.log.Verbosef("TCP", "ignored SYN for existing flow %s", key)
			return
		}
		g.handleSYN(key, tcp)

	case !exists:
		g.log.Verbosef("TCP", "dropped segment for unknown flow %s", key)

	case tcp.HasFlag(codec.TCPFIN):
		g.handleFIN(conn, tcp)

	case len(payload) > 0:
		if conn.State() == StateEstablished {
			g.handleData(conn, tcp, payload)
		} else {
			g.log.Verbosef("TCP", "dropped data for %s in state %s", key, conn.State())
		}

	case tcp.HasFlag(codec.TCPACK):
		g.handleAckOnly(conn)

	default:
		g.log.Verbosef("TCP", "dropped segment for %s in state %s (no actionable flags)", key, conn.State())
	}
}

func randomISS() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real OS;
		// fall back to a time-derived value rather than panicking a flow.
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// handleSYN admits a new inbound SYN: rate-limits it, dials the upstream
// CONNECT, and inserts the resulting flow into the connection table.
func (g *Gateway) handleSYN(key ConnectionKey, tcp codec.TCPHeader) {
	if !g.admitNewFlow() {
		g.log.Debugf("TCP", "rate limit: dropped SYN for %s", key)
		return
	}

	iss := randomISS()
	ourAck := tcp.Seq + 1

	placeholder := &TCPConnection{
		Key:          key,
		state:        StateSynSent,
		OurNextSeq:   iss,
		OurAck:       ourAck,
		CreatedAt:    g.table.NowMS(),
		LastActivity: g.table.NowMS(),
	}
	g.table.InsertTCP(placeholder)

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Socks.ConnectTimeout)
	defer cancel()

	target := socks5.Endpoint{IP: key.DstIP, Port: key.DstPort}
	upstream, err := socks5.Connect(ctx, g.socksConfig(), target)
	if err != nil {
		g.log.Infof("TCP", "SOCKS5 CONNECT failed for %s: %v", key, err)
		g.table.RemoveTCP(key)
		g.sendRST(key, ourAck)
		return
	}

	readerCtx, readerCancel := context.WithCancel(context.Background())
	established := &TCPConnection{
		Key:          key,
		Upstream:     upstream,
		state:        StateEstablished,
		OurNextSeq:   iss + 1,
		OurAck:       ourAck,
		CreatedAt:    placeholder.CreatedAt,
		LastActivity: g.table.NowMS(),
		cancel:       readerCancel,
	}
	g.table.InsertTCP(established)

	go g.upstreamReaderTask(readerCtx, established)

	g.emitTCP(key, codec.TCPSYN|codec.TCPACK, iss, ourAck, synAckWindow, nil)
	g.log.Debugf("TCP", "established %s", key)
}

func (g *Gateway) handleRST(key ConnectionKey, conn *TCPConnection, exists bool) {
	if !exists {
		return
	}
	g.table.RemoveTCP(key)
	g.log.Debugf("TCP", "RST removed %s", key)
}

func (g *Gateway) handleFIN(conn *TCPConnection, tcp codec.TCPHeader) {
	switch conn.State() {
	case StateEstablished:
		ack := tcp.Seq + 1
		conn.WithLock(func() {
			conn.OurAck = ack
			conn.state = StateFinWait1
		})
		if conn.Upstream != nil {
			if cw, ok := conn.Upstream.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
		}
		conn.touch(g.table.NowMS())
		g.emitTCP(conn.Key, codec.TCPACK, conn.OurNextSeq, ack, dataWindow, nil)
		g.emitTCP(conn.Key, codec.TCPFIN|codec.TCPACK, conn.OurNextSeq, ack, dataWindow, nil)

	case StateFinWait1:
		ack := tcp.Seq + 1
		conn.WithLock(func() {
			conn.OurAck = ack
			conn.state = StateClosing
		})
		conn.touch(g.table.NowMS())
		g.emitTCP(conn.Key, codec.TCPACK, conn.OurNextSeq, ack, dataWindow, nil)

	case StateFinWait2:
		ack := tcp.Seq + 1
		conn.WithLock(func() {
			conn.OurAck = ack
			conn.state = StateTimeWait
		})
		conn.touch(g.table.NowMS())
		g.emitTCP(conn.Key, codec.TCPACK, conn.OurNextSeq, ack, dataWindow, nil)
		key := conn.Key
		time.AfterFunc(time.Second, func() { g.table.RemoveTCP(key) })

	default:
		g.log.Verbosef("TCP", "dropped FIN for %s in state %s", conn.Key, conn.State())
	}
}

func (g *Gateway) handleData(conn *TCPConnection, tcp codec.TCPHeader, payload []byte) {
	n, err := conn.Upstream.Write(payload)
	if err != nil {
		g.log.Infof("TCP", "upstream write failed for %s: %v", conn.Key, err)
		g.table.RemoveTCP(conn.Key)
		return
	}
	newAck := tcp.Seq + uint32(n)
	conn.WithLock(func() { conn.OurAck = newAck })
	conn.touch(g.table.NowMS())
	addBytesSent(conn, uint64(n))
}

func (g *Gateway) handleAckOnly(conn *TCPConnection) {
	switch conn.State() {
	case StateEstablished:
		conn.touch(g.table.NowMS())
	case StateFinWait1:
		conn.SetState(StateFinWait2)
	case StateClosing:
		conn.SetState(StateTimeWait)
		key := conn.Key
		time.AfterFunc(g.timeWaitDelay(), func() { g.table.RemoveTCP(key) })
	default:
		g.log.Verbosef("TCP", "dropped ACK-only segment for %s in state %s", conn.Key, conn.State())
	}
}

// upstreamReaderTask pumps bytes from the upstream stream back into TUN as
// PSH|ACK segments. Each read is bounded by UpstreamReadTimeout, reset after
// every call, so a peer that goes silent without closing is reclaimed on
// that schedule rather than waiting for the much longer idle sweep. On EOF
// or a read timeout it emits a synthetic FIN|ACK instead of leaving the
// peer to time out itself.
func (g *Gateway) upstreamReaderTask(ctx context.Context, conn *TCPConnection) {
	buf := make([]byte, upstreamReadChunk)
	timeout := g.cfg.Socks.UpstreamReadTimeout
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if timeout > 0 {
			_ = conn.Upstream.SetReadDeadline(time.Now().Add(timeout))
		}
		n, err := conn.Upstream.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			var seq, ack uint32
			conn.WithLock(func() {
				seq = conn.OurNextSeq
				ack = conn.OurAck
				conn.OurNextSeq += uint32(n)
			})
			g.emitTCP(conn.Key, codec.TCPPSH|codec.TCPACK, seq, ack, dataWindow, chunk)
			conn.touch(g.table.NowMS())
			addBytesReceived(conn, uint64(n))
		}
		if err != nil {
			switch ne, timedOut := err.(net.Error); {
			case err == io.EOF:
				g.log.Debugf("TCP", "upstream EOF for %s", conn.Key)
			case timedOut && ne.Timeout():
				g.log.Infof("TCP", "upstream read timed out after %s for %s", timeout, conn.Key)
			default:
				g.log.Infof("TCP", "upstream read error for %s: %v", conn.Key, err)
			}
			var seq, ack uint32
			conn.WithLock(func() {
				seq = conn.OurNextSeq
				ack = conn.OurAck
				conn.state = StateFinWait1
			})
			g.emitTCP(conn.Key, codec.TCPFIN|codec.TCPACK, seq, ack, dataWindow, nil)
			g.table.RemoveTCP(conn.Key)
			return
		}
	}
}

func (g *Gateway) timeWaitDelay() time.Duration {
	return time.Duration(g.cfg.Timeouts.TimeWaitMS) * time.Millisecond
}

func (g *Gateway) sendRST(key ConnectionKey, ack uint32) {
	g.emitTCP(key, codec.TCPRST, 0, ack, rstWindow, nil)
}

// emitTCP builds and writes a synthetic segment with source/dest inverted
// relative to the inbound packet (we are replying as the destination).
func (g *Gateway) emitTCP(key ConnectionKey, flags byte, seq, ack uint32, window uint16, payload []byte) {
	pkt := codec.BuildTCPPacket(key.DstIP, key.DstPort, key.SrcIP, key.SrcPort, seq, ack, flags, window, payload)
	if err := g.writeTun(pkt); err != nil {
		g.log.Warnf("TCP", "TUN write failed for %s: %v", key, err)
	}
}
