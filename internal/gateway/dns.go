package gateway

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"socks5router/internal/codec"
)

const (
	dnsPort           = 53
	dnsResolveTimeout = 3 * time.Second
	dnsAnswerTTL      = 60
)

// Resolver is the host resolver collaborator the DNS fast path depends on
// — provisioning it (system resolver, /etc/hosts, a
// recursive resolver of the caller's choosing) is out of scope here.
type Resolver interface {
	Resolve(ctx context.Context, name string) ([]net.IP, error)
}

// DefaultResolver answers through the host's stdlib resolver. It is the
// simplest faithful implementation of an out-of-scope collaborator; nothing
// in the example pack ships a resolver library more suited to this role
// than net.Resolver for a local, synchronous, single-host lookup.
type DefaultResolver struct {
	resolver net.Resolver
}

func (r *DefaultResolver) Resolve(ctx context.Context, name string) ([]net.IP, error) {
	return r.resolver.LookupIP(ctx, "ip", name)
}

// handleDNS implements the UDP port-53 fast path:
// parse the query with miekg/dns, resolve locally, and synthesize a
// response without ever opening a SOCKS5 UDP ASSOCIATE flow.
func (g *Gateway) handleDNS(ip codec.IPv4Header, udp codec.UDPHeader, key ConnectionKey, payload []byte) {
	flow, ok := g.table.GetUDP(key)
	if !ok {
		flow = &UDPConnection{Key: key, CreatedAt: g.table.NowMS(), LastActivity: g.table.NowMS()}
		g.table.InsertUDP(flow)
	}
	flow.touch(g.table.NowMS())
	addUDPBytesSent(flow, uint64(len(payload)))

	var query dns.Msg
	if err := query.Unpack(payload); err != nil {
		g.log.Verbosef("DNS", "dropped malformed DNS query (%d bytes): %v", len(payload), err)
		return
	}
	if len(query.Question) == 0 {
		g.log.Verbosef("DNS", "dropped DNS query with no question section")
		return
	}
	q := query.Question[0]
	name := strings.TrimSuffix(q.Name, ".")

	ctx, cancel := context.WithTimeout(context.Background(), dnsResolveTimeout)
	defer cancel()
	addrs, err := g.resolveName(ctx, name)
	if err != nil || len(addrs) == 0 {
		g.log.Debugf("DNS", "resolution failed for %q: %v", name, err)
		return
	}

	reply := new(dns.Msg)
	reply.SetReply(&query)
	reply.Authoritative = false
	reply.RecursionAvailable = true

	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil && q.Qtype == dns.TypeA {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: dnsAnswerTTL},
				A:   v4,
			})
		} else if v4 == nil && q.Qtype == dns.TypeAAAA {
			reply.Answer = append(reply.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: dnsAnswerTTL},
				AAAA: addr.To16(),
			})
		}
	}
	if len(reply.Answer) == 0 {
		g.log.Debugf("DNS", "no matching records for %q type %d", name, q.Qtype)
		return
	}

	out, err := reply.Pack()
	if err != nil {
		g.log.Warnf("DNS", "failed to pack response for %q: %v", name, err)
		return
	}

	pkt := codec.BuildUDPPacket(ip.DstIP, udp.DstPort, ip.SrcIP, udp.SrcPort, out)
	if err := g.writeTun(pkt); err != nil {
		g.log.Warnf("DNS", "TUN write failed: %v", err)
		return
	}
	addUDPBytesReceived(flow, uint64(len(out)))
}

func (g *Gateway) resolveName(ctx context.Context, name string) ([]net.IP, error) {
	if g.resolver == nil {
		return nil, &ResolverFailure{Name: name, Reason: "no resolver configured"}
	}
	ips, err := g.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, &ResolverFailure{Name: name, Reason: err.Error()}
	}
	return ips, nil
}
