// Package codec parses and serializes IPv4, TCP, and UDP headers.
//
// No function here does I/O. The only shared state is the counter behind
// the IPv4 identification field of emitted packets. Checksums follow
// the classic one's-complement-over-16-bit-words algorithm, folded and
// complemented exactly once per emission, generalized from an
// incremental-checksum style to a from-scratch checksum since this codec
// builds whole packets rather than patching fields of an existing one.
package codec

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// IP protocol numbers.
const (
	ProtoICMP byte = 1
	ProtoTCP  byte = 6
	ProtoUDP  byte = 17
)

// TCP flag bits (lower 6 bits of the flags byte; NS/CWR/ECE are not modeled).
const (
	TCPFIN byte = 0x01
	TCPSYN byte = 0x02
	TCPRST byte = 0x04
	TCPPSH byte = 0x08
	TCPACK byte = 0x10
	TCPURG byte = 0x20
)

const (
	minIPv4HeaderLen = 20
	maxIPv4HeaderLen = 60
	minTCPHeaderLen  = 20
	maxTCPHeaderLen  = 60
	minUDPHeaderLen  = 8

	ipv4Version   = 4
	tunDefaultTTL = 64
)

// IPv4Header is a parsed IPv4 header.
type IPv4Header struct {
	Version    byte
	HeaderLen  int // bytes, in [20, 60]
	TotalLen   int
	ID         uint16
	Flags      byte
	TTL        byte
	Protocol   byte
	SrcIP      [4]byte
	DstIP      [4]byte
}

// TCPHeader is a parsed TCP header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int // bytes, in [20, 60]
	Flags      byte
	Window     uint16
	Checksum   uint16
	Urgent     uint16
}

func (h TCPHeader) HasFlag(f byte) bool { return h.Flags&f != 0 }

// UDPHeader is a parsed UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   int // includes the 8-byte header
	Checksum uint16
}

// ParseIPv4 parses an IPv4 header from raw bytes. Returns false if the
// bytes are too short, not version 4, the header length is out of range,
// or the declared total length exceeds the buffer.
func ParseIPv4(b []byte) (IPv4Header, bool) {
	var h IPv4Header
	if len(b) < minIPv4HeaderLen {
		return h, false
	}
	if b[0]>>4 != ipv4Version {
		return h, false
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < minIPv4HeaderLen || ihl > maxIPv4HeaderLen || len(b) < ihl {
		return h, false
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total > len(b) {
		return h, false
	}

	h.Version = ipv4Version
	h.HeaderLen = ihl
	h.TotalLen = total
	h.ID = binary.BigEndian.Uint16(b[4:6])
	h.Flags = b[6] >> 5
	h.TTL = b[8]
	h.Protocol = b[9]
	copy(h.SrcIP[:], b[12:16])
	copy(h.DstIP[:], b[16:20])
	return h, true
}

// ParseTCP parses a TCP header starting at ipHdrLen within b.
func ParseTCP(b []byte, ipHdrLen int) (TCPHeader, bool) {
	var h TCPHeader
	if len(b) < ipHdrLen+minTCPHeaderLen {
		return h, false
	}
	t := b[ipHdrLen:]
	dataOff := int(t[12]>>4) * 4
	if dataOff < minTCPHeaderLen || dataOff > maxTCPHeaderLen {
		return h, false
	}
	if len(t) < dataOff {
		return h, false
	}

	h.SrcPort = binary.BigEndian.Uint16(t[0:2])
	h.DstPort = binary.BigEndian.Uint16(t[2:4])
	h.Seq = binary.BigEndian.Uint32(t[4:8])
	h.Ack = binary.BigEndian.Uint32(t[8:12])
	h.DataOffset = dataOff
	h.Flags = t[13] & 0x3f
	h.Window = binary.BigEndian.Uint16(t[14:16])
	h.Checksum = binary.BigEndian.Uint16(t[16:18])
	h.Urgent = binary.BigEndian.Uint16(t[18:20])
	return h, true
}

// TCPPayload returns the TCP payload slice given the IP and TCP header lengths.
func TCPPayload(b []byte, ipHdrLen, tcpHdrLen int) []byte {
	off := ipHdrLen + tcpHdrLen
	if off > len(b) {
		return nil
	}
	return b[off:]
}

// ParseUDP parses a UDP header starting at ipHdrLen within b.
func ParseUDP(b []byte, ipHdrLen int) (UDPHeader, bool) {
	var h UDPHeader
	if len(b) < ipHdrLen+minUDPHeaderLen {
		return h, false
	}
	u := b[ipHdrLen:]
	length := int(binary.BigEndian.Uint16(u[4:6]))
	if length < minUDPHeaderLen || ipHdrLen+length > len(b) {
		return h, false
	}

	h.SrcPort = binary.BigEndian.Uint16(u[0:2])
	h.DstPort = binary.BigEndian.Uint16(u[2:4])
	h.Length = length
	h.Checksum = binary.BigEndian.Uint16(u[6:8])
	return h, true
}

// UDPPayload returns the UDP payload given the parsed header.
func UDPPayload(b []byte, ipHdrLen int, h UDPHeader) []byte {
	start := ipHdrLen + minUDPHeaderLen
	end := ipHdrLen + h.Length
	if start > len(b) || end > len(b) || end < start {
		return nil
	}
	return b[start:end]
}

// checksum computes the one's complement of the one's-complement sum of
// 16-bit big-endian words in data. An odd trailing byte is padded with a
// high-order zero.
func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for n > 1 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
		i += 2
		n -= 2
	}
	if n == 1 {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// checksumParts computes a checksum over several byte slices concatenated
// logically, without allocating the concatenation — used to combine the
// pseudo-header, transport header, and payload.
func checksumParts(parts ...[]byte) uint16 {
	var sum uint32
	var pending byte
	havePending := false

	feed := func(b byte) {
		if havePending {
			sum += uint32(pending)<<8 | uint32(b)
			havePending = false
		} else {
			pending = b
			havePending = true
		}
	}

	for _, p := range parts {
		i := 0
		if havePending && len(p) > 0 {
			feed(p[0])
			i = 1
		}
		n := len(p)
		for i+1 < n {
			sum += uint32(binary.BigEndian.Uint16(p[i:]))
			i += 2
		}
		if i < n {
			pending = p[i]
			havePending = true
		}
	}
	if havePending {
		sum += uint32(pending) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeader builds the 12-byte IPv4 pseudo-header used by TCP/UDP checksums.
func pseudoHeader(srcIP, dstIP [4]byte, protocol byte, length uint16) []byte {
	ph := make([]byte, 12)
	copy(ph[0:4], srcIP[:])
	copy(ph[4:8], dstIP[:])
	ph[8] = 0
	ph[9] = protocol
	binary.BigEndian.PutUint16(ph[10:12], length)
	return ph
}

var ipv4IDCounter atomic.Uint32

// nextIPv4ID returns a monotonically increasing identification value,
// wrapping at 16 bits. Emissions never need to be globally unique, only
// "arbitrary but monotonically changing".
func nextIPv4ID() uint16 {
	return uint16(ipv4IDCounter.Add(1))
}

func buildIPv4Header(srcIP, dstIP [4]byte, protocol byte, totalLen int) []byte {
	h := make([]byte, minIPv4HeaderLen)
	h[0] = (ipv4Version << 4) | (minIPv4HeaderLen / 4)
	h[1] = 0 // DSCP/ECN
	binary.BigEndian.PutUint16(h[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(h[4:6], nextIPv4ID())
	binary.BigEndian.PutUint16(h[6:8], 0) // flags/fragment offset: none
	h[8] = tunDefaultTTL
	h[9] = protocol
	binary.BigEndian.PutUint16(h[10:12], 0) // checksum, filled below
	copy(h[12:16], srcIP[:])
	copy(h[16:20], dstIP[:])

	ck := checksum(h)
	binary.BigEndian.PutUint16(h[10:12], ck)
	return h
}

// BuildTCPPacket emits a complete IPv4+TCP packet: 20-byte IPv4 header,
// 20-byte TCP header (no options, data offset 5), and payload. Both
// checksums are computed fresh.
func BuildTCPPacket(srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16, seq, ack uint32, flags byte, window uint16, payload []byte) []byte {
	tcpLen := minTCPHeaderLen + len(payload)
	totalLen := minIPv4HeaderLen + tcpLen

	th := make([]byte, minTCPHeaderLen)
	binary.BigEndian.PutUint16(th[0:2], srcPort)
	binary.BigEndian.PutUint16(th[2:4], dstPort)
	binary.BigEndian.PutUint32(th[4:8], seq)
	binary.BigEndian.PutUint32(th[8:12], ack)
	th[12] = (minTCPHeaderLen / 4) << 4
	th[13] = flags & 0x3f
	binary.BigEndian.PutUint16(th[14:16], window)
	binary.BigEndian.PutUint16(th[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(th[18:20], 0) // urgent pointer

	ph := pseudoHeader(srcIP, dstIP, ProtoTCP, uint16(tcpLen))
	ck := checksumParts(ph, th, payload)
	binary.BigEndian.PutUint16(th[16:18], ck)

	ih := buildIPv4Header(srcIP, dstIP, ProtoTCP, totalLen)

	out := make([]byte, 0, totalLen)
	out = append(out, ih...)
	out = append(out, th...)
	out = append(out, payload...)
	return out
}

// BuildUDPPacket emits a complete IPv4+UDP packet. The UDP checksum is
// computed over the pseudo-header per RFC 768; RFC 768 allows it to be
// zero, but computing it costs nothing and some peers reject a zero
// checksum when one was expected. A computed checksum of zero is sent as
// 0xFFFF (a 0 field means "no checksum" in UDP, and all-ones is the
// equivalent one's-complement value).
func BuildUDPPacket(srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16, payload []byte) []byte {
	udpLen := minUDPHeaderLen + len(payload)
	totalLen := minIPv4HeaderLen + udpLen

	uh := make([]byte, minUDPHeaderLen)
	binary.BigEndian.PutUint16(uh[0:2], srcPort)
	binary.BigEndian.PutUint16(uh[2:4], dstPort)
	binary.BigEndian.PutUint16(uh[4:6], uint16(udpLen))
	binary.BigEndian.PutUint16(uh[6:8], 0)

	ph := pseudoHeader(srcIP, dstIP, ProtoUDP, uint16(udpLen))
	ck := checksumParts(ph, uh, payload)
	if ck == 0 {
		ck = 0xffff
	}
	binary.BigEndian.PutUint16(uh[6:8], ck)

	ih := buildIPv4Header(srcIP, dstIP, ProtoUDP, totalLen)

	out := make([]byte, 0, totalLen)
	out = append(out, ih...)
	out = append(out, uh...)
	out = append(out, payload...)
	return out
}

// VerifyIPv4Checksum reports whether the header checksum of a built IPv4
// header sums to zero.
func VerifyIPv4Checksum(header []byte) (bool, error) {
	if len(header) < minIPv4HeaderLen {
		return false, fmt.Errorf("[Codec] header too short: %d bytes", len(header))
	}
	return checksum(header[:minIPv4HeaderLen]) == 0, nil
}
