// Package gateway owns the connection table, the TCP and UDP flow
// handlers, and the router loop that ties them to a TUN byte stream and
// an upstream SOCKS5 proxy.
package gateway

import (
	"encoding/binary"
	"fmt"

	"socks5router/internal/codec"
)

// ConnectionKey identifies one bidirectional flow. Protocol is
// codec.ProtoTCP or codec.ProtoUDP; ICMP and anything else never reaches
// the connection table.
type ConnectionKey struct {
	Protocol byte
	SrcIP    [4]byte
	SrcPort  uint16
	DstIP    [4]byte
	DstPort  uint16
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d->%d.%d.%d.%d:%d/%d",
		k.SrcIP[0], k.SrcIP[1], k.SrcIP[2], k.SrcIP[3], k.SrcPort,
		k.DstIP[0], k.DstIP[1], k.DstIP[2], k.DstIP[3], k.DstPort,
		k.Protocol)
}

// mapKey packs a ConnectionKey into a comparable fixed-size array so it can
// be used directly as a map key without per-lookup allocation.
type mapKey [13]byte

func (k ConnectionKey) mapKey() mapKey {
	var m mapKey
	m[0] = k.Protocol
	copy(m[1:5], k.SrcIP[:])
	binary.BigEndian.PutUint16(m[5:7], k.SrcPort)
	copy(m[7:11], k.DstIP[:])
	binary.BigEndian.PutUint16(m[11:13], k.DstPort)
	return m
}

func tcpKeyFromPacket(ip codec.IPv4Header, tcp codec.TCPHeader) ConnectionKey {
	return ConnectionKey{
		Protocol: codec.ProtoTCP,
		SrcIP:    ip.SrcIP,
		SrcPort:  tcp.SrcPort,
		DstIP:    ip.DstIP,
		DstPort:  tcp.DstPort,
	}
}

func udpKeyFromPacket(ip codec.IPv4Header, udp codec.UDPHeader) ConnectionKey {
	return ConnectionKey{
		Protocol: codec.ProtoUDP,
		SrcIP:    ip.SrcIP,
		SrcPort:  udp.SrcPort,
		DstIP:    ip.DstIP,
		DstPort:  udp.DstPort,
	}
}
