package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// mockServer runs one accept loop implementing the slice of RFC 1928 this
// package's client speaks: method negotiation, CONNECT, and UDP ASSOCIATE.
type mockServer struct {
	ln net.Listener
}

func startMockServer(t *testing.T, handle func(conn net.Conn)) *mockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &mockServer{ln: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *mockServer) addr() string { return s.ln.Addr().String() }

func readGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 3)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if buf[0] != ver5 || buf[1] != 0x01 || buf[2] != methodNoAuth {
		t.Fatalf("unexpected greeting: %v", buf)
	}
	if _, err := conn.Write([]byte{ver5, methodNoAuth}); err != nil {
		t.Fatalf("write greeting reply: %v", err)
	}
}

func TestConnectSucceeds(t *testing.T) {
	srv := startMockServer(t, func(conn net.Conn) {
		defer conn.Close()
		readGreeting(t, conn)

		req := make([]byte, 10)
		if _, err := io.ReadFull(conn, req); err != nil {
			t.Errorf("read CONNECT request: %v", err)
			return
		}
		if req[1] != cmdConnect {
			t.Errorf("cmd = 0x%02x, want CONNECT", req[1])
		}
		reply := []byte{ver5, repSucceeded, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
		conn.Write(reply)

		// keep the connection open briefly so the client can use it
		time.Sleep(50 * time.Millisecond)
	})

	cfg := Config{Endpoint: srv.addr(), ConnectTimeout: time.Second}
	target := Endpoint{IP: [4]byte{93, 184, 216, 34}, Port: 80}

	conn, err := Connect(context.Background(), cfg, target)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
}

func TestConnectReturnsSocks5FailureOnNonzeroReply(t *testing.T) {
	srv := startMockServer(t, func(conn net.Conn) {
		defer conn.Close()
		readGreeting(t, conn)

		req := make([]byte, 10)
		io.ReadFull(conn, req)
		reply := []byte{ver5, byte(ReasonConnectionRefused), 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
		conn.Write(reply)
	})

	cfg := Config{Endpoint: srv.addr(), ConnectTimeout: time.Second}
	_, err := Connect(context.Background(), cfg, Endpoint{IP: [4]byte{1, 2, 3, 4}, Port: 443})
	if err == nil {
		t.Fatalf("expected an error")
	}
	var failure *Socks5Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Socks5Failure, got %T: %v", err, err)
	}
	if failure.Reason != ReasonConnectionRefused {
		t.Fatalf("reason = %v, want %v", failure.Reason, ReasonConnectionRefused)
	}
}

func TestConnectClosesConnOnHandshakeFailure(t *testing.T) {
	var serverReadErr error
	done := make(chan struct{})
	srv := startMockServer(t, func(conn net.Conn) {
		defer conn.Close()
		// reject every method, forcing the client to fail the greeting
		buf := make([]byte, 3)
		io.ReadFull(conn, buf)
		conn.Write([]byte{ver5, methodNoAcceptable})
		// once the client closes its end, the next read here sees EOF
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, serverReadErr = conn.Read(make([]byte, 1))
		close(done)
	})

	cfg := Config{Endpoint: srv.addr(), ConnectTimeout: time.Second}
	conn, err := Connect(context.Background(), cfg, Endpoint{IP: [4]byte{1, 1, 1, 1}, Port: 53})
	if err == nil {
		conn.Close()
		t.Fatalf("expected an error")
	}
	<-done
	if serverReadErr != io.EOF {
		t.Fatalf("server read after rejected greeting = %v, want io.EOF (client closed its end)", serverReadErr)
	}
}

func TestAssociateReturnsRelayEndpoint(t *testing.T) {
	srv := startMockServer(t, func(conn net.Conn) {
		defer conn.Close()
		readGreeting(t, conn)

		req := make([]byte, 10)
		io.ReadFull(conn, req)
		if req[1] != cmdUDPAssociate {
			t.Errorf("cmd = 0x%02x, want UDP ASSOCIATE", req[1])
		}

		reply := make([]byte, 10)
		reply[0] = ver5
		reply[1] = repSucceeded
		reply[3] = atypIPv4
		copy(reply[4:8], []byte{127, 0, 0, 1})
		binary.BigEndian.PutUint16(reply[8:10], 51820)
		conn.Write(reply)

		time.Sleep(50 * time.Millisecond)
	})

	cfg := Config{Endpoint: srv.addr(), ConnectTimeout: time.Second}
	result, err := Associate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	defer result.Ctrl.Close()

	if result.Relay.IP != [4]byte{127, 0, 0, 1} || result.Relay.Port != 51820 {
		t.Fatalf("unexpected relay endpoint: %v", result.Relay)
	}
}

func TestEncapDecapUDPRoundTrip(t *testing.T) {
	dst := Endpoint{IP: [4]byte{8, 8, 8, 8}, Port: 53}
	payload := []byte("query bytes")

	pkt := EncapUDP(dst, payload)
	src, got, err := DecapUDP(pkt)
	if err != nil {
		t.Fatalf("DecapUDP: %v", err)
	}
	if src != dst {
		t.Fatalf("src = %v, want %v", src, dst)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestDecapUDPRejectsFragmented(t *testing.T) {
	pkt := EncapUDP(Endpoint{}, []byte("x"))
	pkt[2] = 1 // FRAG != 0
	if _, _, err := DecapUDP(pkt); err == nil {
		t.Fatalf("expected DecapUDP to reject a fragmented datagram")
	}
}

func TestDecapUDPRejectsShortPacket(t *testing.T) {
	if _, _, err := DecapUDP([]byte{0, 0, 0}); err == nil {
		t.Fatalf("expected DecapUDP to reject a too-short packet")
	}
}
