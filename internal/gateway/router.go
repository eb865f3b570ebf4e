package gateway

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"socks5router/internal/codec"
	"socks5router/internal/config"
	"socks5router/internal/rlog"
	"socks5router/internal/socks5"
)

const (
	tunReadBufSize    = 32 * 1024
	tunReadRetryDelay = 100 * time.Millisecond
)

// TunStream is the byte-stream abstraction the router consumes.
// Provisioning the underlying TUN device is an external collaborator; the
// router only ever sees a reader and a writer.
type TunStream interface {
	io.Reader
	io.Writer
}

// Gateway owns the TUN reader loop, dispatches parsed packets to the TCP
// and UDP handlers, and runs the periodic idle sweep.
//
// Ground: internal/gateway/router.go in the reference pack (packetLoop
// shape: manual IPv4 header inspection, per-packet dispatch task),
// generalized from NAT-hairpin redirection to full SOCKS5 relay semantics.
type Gateway struct {
	tun   TunStream
	tunMu chan struct{} // 1-buffered semaphore serializing TUN writes

	table *ConnectionTable
	log   *rlog.Logger
	cfg   config.Config

	limiter *rate.Limiter

	resolver Resolver

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// NewGateway wires a Gateway from its external collaborators: the TUN
// stream, the logger, and the loaded configuration. resolver may be nil,
// in which case the DNS fast path fails every query with ResolverFailure.
func NewGateway(tun TunStream, log *rlog.Logger, cfg config.Config, resolver Resolver) *Gateway {
	g := &Gateway{
		tun:      tun,
		tunMu:    make(chan struct{}, 1),
		table:    NewConnectionTable(log),
		log:      log,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit.NewFlowsPerSecond), cfg.RateLimit.Burst),
		resolver: resolver,
	}
	g.tunMu <- struct{}{}
	return g
}

func (g *Gateway) socksConfig() socks5.Config {
	return socks5.Config{
		Endpoint:       g.cfg.Socks.Endpoint(),
		ConnectTimeout: g.cfg.Socks.ConnectTimeout,
	}
}

func (g *Gateway) admitNewFlow() bool {
	return g.limiter.Allow()
}

// Statistics returns a snapshot of the connection table.
func (g *Gateway) Statistics() Statistics { return g.table.GetStatistics() }

// Start launches the TUN reader loop under an errgroup, so a terminal read
// error surfaces through Wait rather than silently vanishing, and starts the
// connection table's clock and periodic idle sweep on the same context.
func (g *Gateway) Start(ctx context.Context) {
	gctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(gctx)
	g.gctx = gctx
	g.cancel = cancel
	g.group = group

	g.table.StartClock(gctx)
	g.table.StartIdleSweep(gctx, g.cfg.Timeouts.IdleMS, g.cfg.Timeouts.TimeWaitMS)

	group.Go(func() error {
		return g.readLoop(gctx)
	})
}

// Stop cancels the reader loop and the sweep, then releases every flow.
// Resource cleanup must not throw: errors from Wait are logged, never
// returned.
func (g *Gateway) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	if g.group != nil {
		if err := g.group.Wait(); err != nil {
			g.log.Warnf("Router", "reader loop exited with error: %v", err)
		}
	}
	g.table.CloseAll()
}

// readLoop is the TUN reader loop. Parse failures and
// per-packet errors never abort it; only a non-transient read failure does.
func (g *Gateway) readLoop(ctx context.Context) error {
	buf := make([]byte, tunReadBufSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := g.tun.Read(buf)
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			g.log.Errorf("Router", "%v; stopping router", &TunRead{Err: err})
			return &TunRead{Err: err}
		}
		if err != nil {
			g.log.Warnf("Router", "%v", &TunRead{Err: err})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tunReadRetryDelay):
			}
			continue
		}
		if n <= 0 {
			g.log.Errorf("Router", "TUN read returned %d; stopping router", n)
			return &TunRead{Err: io.ErrNoProgress}
		}

		pkt := append([]byte(nil), buf[:n]...)
		go g.dispatch(pkt)
	}
}

// dispatch parses the IPv4 header and routes to the TCP or UDP handler.
// Runs as an independent per-packet task so a blocking SOCKS5 handshake on
// one flow never stalls the reader loop.
func (g *Gateway) dispatch(pkt []byte) {
	ip, ok := codec.ParseIPv4(pkt)
	if !ok {
		g.log.Verbosef("Router", "%v", &PacketMalformed{Reason: "invalid IPv4 header", Length: len(pkt)})
		return
	}

	switch ip.Protocol {
	case codec.ProtoTCP:
		g.HandleTCP(ip, pkt)
	case codec.ProtoUDP:
		g.HandleUDP(ip, pkt)
	default:
		g.log.Verbosef("Router", "dropped non-TCP/UDP packet (protocol=%d)", ip.Protocol)
	}
}

// writeTun serializes writes to the TUN stream so concurrent emitters never
// interleave packets.
func (g *Gateway) writeTun(pkt []byte) error {
	<-g.tunMu
	_, err := g.tun.Write(pkt)
	g.tunMu <- struct{}{}
	if err != nil {
		return &TunWrite{Err: err}
	}
	return nil
}

func addBytesSent(conn *TCPConnection, n uint64)     { atomic.AddUint64(&conn.BytesSent, n) }
func addBytesReceived(conn *TCPConnection, n uint64) { atomic.AddUint64(&conn.BytesReceived, n) }

func addUDPBytesSent(conn *UDPConnection, n uint64)     { atomic.AddUint64(&conn.BytesSent, n) }
func addUDPBytesReceived(conn *UDPConnection, n uint64) { atomic.AddUint64(&conn.BytesReceived, n) }

func addAssocBytesSent(conn *UDPAssociateConnection, n uint64) {
	atomic.AddUint64(&conn.BytesSent, n)
}
func addAssocBytesReceived(conn *UDPAssociateConnection, n uint64) {
	atomic.AddUint64(&conn.BytesReceived, n)
}
