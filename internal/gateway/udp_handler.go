package gateway

import (
	"context"
	"io"
	"net"

	"socks5router/internal/codec"
	"socks5router/internal/socks5"
)

const udpRelayReadBufSize = 2048

// HandleUDP parses a UDP datagram off the TUN stream and routes it to the
// DNS fast path or to the generic UDP-ASSOCIATE relay path.
func (g *Gateway) HandleUDP(ip codec.IPv4Header, raw []byte) {
	udp, ok := codec.ParseUDP(raw, ip.HeaderLen)
	if !ok {
		g.log.Verbosef("UDP", "%v", &PacketMalformed{Reason: "invalid UDP header", Length: len(raw)})
		return
	}
	payload := codec.UDPPayload(raw, ip.HeaderLen, udp)
	key := udpKeyFromPacket(ip, udp)

	if udp.DstPort == dnsPort && !g.cfg.DNS.RouteViaAssociate {
		g.handleDNS(ip, udp, key, payload)
		return
	}

	g.handleGenericUDP(key, payload)
}

// handleGenericUDP reuses or establishes a UDP-ASSOCIATE flow, then
// encapsulates and forwards the datagram.
func (g *Gateway) handleGenericUDP(key ConnectionKey, payload []byte) {
	assoc, ok := g.table.GetAssociate(key)
	if !ok {
		var err error
		assoc, err = g.establishAssociate(key)
		if err != nil {
			g.log.Infof("UDP", "UDP ASSOCIATE setup failed for %s: %v", key, err)
			return
		}
	}

	dst := socks5.Endpoint{IP: key.DstIP, Port: key.DstPort}
	datagram := socks5.EncapUDP(dst, payload)

	if _, err := assoc.Relay.Write(datagram); err != nil {
		g.log.Infof("UDP", "relay write failed for %s: %v", key, err)
		g.table.RemoveAssociate(key)
		return
	}
	assoc.touch(g.table.NowMS())
	addAssocBytesSent(assoc, uint64(len(payload)))
}

// establishAssociate opens the TCP control connection, performs the SOCKS5
// UDP ASSOCIATE handshake, dials the returned relay endpoint, and spawns the
// flow's reader task.
func (g *Gateway) establishAssociate(key ConnectionKey) (*UDPAssociateConnection, error) {
	if !g.admitNewFlow() {
		return nil, &UpstreamIo{Key: key, Op: "rate-limited", Err: context.DeadlineExceeded}
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Socks.ConnectTimeout)
	defer cancel()

	result, err := socks5.Associate(ctx, g.socksConfig())
	if err != nil {
		return nil, err
	}

	relayAddr := &net.UDPAddr{IP: net.IP(result.Relay.IP[:]), Port: int(result.Relay.Port)}
	relayConn, err := net.DialUDP("udp4", nil, relayAddr)
	if err != nil {
		result.Ctrl.Close()
		return nil, &UpstreamIo{Key: key, Op: "dial relay", Err: err}
	}

	readerCtx, readerCancel := context.WithCancel(context.Background())
	now := g.table.NowMS()
	assoc := &UDPAssociateConnection{
		Key:          key,
		Ctrl:         result.Ctrl,
		Relay:        relayConn,
		CreatedAt:    now,
		LastActivity: now,
		cancel:       readerCancel,
	}
	g.table.InsertAssociate(assoc)

	go g.associateReaderTask(readerCtx, assoc)

	g.log.Debugf("UDP", "established UDP-ASSOCIATE %s via relay %s", key, result.Relay)
	return assoc, nil
}

// associateReaderTask pumps datagrams from the relay socket back into TUN,
// decapsulating the SOCKS5 UDP relay header on each one.
func (g *Gateway) associateReaderTask(ctx context.Context, assoc *UDPAssociateConnection) {
	buf := make([]byte, udpRelayReadBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := assoc.Relay.Read(buf)
		if n > 0 {
			src, relayPayload, decErr := socks5.DecapUDP(buf[:n])
			if decErr != nil {
				g.log.Verbosef("UDP", "dropped malformed relay datagram for %s: %v", assoc.Key, decErr)
			} else {
				pkt := codec.BuildUDPPacket(src.IP, src.Port, assoc.Key.SrcIP, assoc.Key.SrcPort, relayPayload)
				if werr := g.writeTun(pkt); werr != nil {
					g.log.Warnf("UDP", "TUN write failed for %s: %v", assoc.Key, werr)
				} else {
					assoc.touch(g.table.NowMS())
					addAssocBytesReceived(assoc, uint64(len(relayPayload)))
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				g.log.Infof("UDP", "relay read error for %s: %v", assoc.Key, err)
			}
			g.table.RemoveAssociate(assoc.Key)
			return
		}
	}
}
