package exporterd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/holesch/not-my-board/internal/core"
)

func TestParseAuthority(t *testing.T) {
	tests := []struct {
		name        string
		opaque      string
		host        string
		wantScheme  string
		wantTarget  string
		wantPlaceID int
		wantErr     bool
	}{
		{name: "tcp opaque", opaque: "tcp:eth0@1", wantScheme: "tcp", wantTarget: "eth0", wantPlaceID: 1},
		{name: "usb opaque", opaque: "usb:2-1@7", wantScheme: "usb", wantTarget: "2-1", wantPlaceID: 7},
		{name: "falls back to host", host: "tcp:eth0@3", wantScheme: "tcp", wantTarget: "eth0", wantPlaceID: 3},
		{name: "missing place id", opaque: "tcp:eth0", wantErr: true},
		{name: "non-numeric place id", opaque: "tcp:eth0@x", wantErr: true},
		{name: "missing scheme separator", opaque: "eth0@1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, target, placeID, err := parseAuthority(tt.opaque, tt.host)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAuthority: %v", err)
			}
			if scheme != tt.wantScheme || target != tt.wantTarget || placeID != tt.wantPlaceID {
				t.Fatalf("got (%q, %q, %d), want (%q, %q, %d)", scheme, target, placeID, tt.wantScheme, tt.wantTarget, tt.wantPlaceID)
			}
		})
	}
}

func TestGrantTableAuthorize(t *testing.T) {
	g := newGrantTable()
	if got := g.Authorize(1, "tok", "10.0.0.1"); got != AuthDenied {
		t.Fatalf("empty table: got %v, want AuthDenied", got)
	}
	g.Reserve(1, "tok", "10.0.0.1")
	if got := g.Authorize(1, "tok", "10.0.0.1"); got != AuthOK {
		t.Fatalf("matching token+ip: got %v, want AuthOK", got)
	}
	if got := g.Authorize(1, "", "10.0.0.1"); got != AuthDenied {
		t.Fatalf("missing token: got %v, want AuthDenied", got)
	}
	if got := g.Authorize(1, "wrong-token", "10.0.0.1"); got != AuthDenied {
		t.Fatalf("wrong token: got %v, want AuthDenied", got)
	}
	if got := g.Authorize(1, "tok", "10.0.0.2"); got != AuthWrongSourceIP {
		t.Fatalf("wrong source IP: got %v, want AuthWrongSourceIP", got)
	}
	g.Release(1)
	if got := g.Authorize(1, "tok", "10.0.0.1"); got != AuthDenied {
		t.Fatalf("released grant: got %v, want AuthDenied", got)
	}
}

func TestGatewayBridgesTCP(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	upstreamAddr := upstreamLn.Addr().(*net.TCPAddr)
	place := core.Place{
		ID: 1,
		Parts: []core.Part{
			{TCP: map[string]core.TCPEndpoint{"eth0": {Host: "127.0.0.1", Port: upstreamAddr.Port}}},
		},
	}
	places := newPlaceTable()
	places.Set(place)
	grants := newGrantTable()
	grants.Reserve(1, "tok", "127.0.0.1")

	gw := NewGateway("127.0.0.1:0", nil, places, grants, newDeviceCatalog(nil), nil, nil)
	listenerReady := make(chan struct{})
	go func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Errorf("listen gateway: %v", err)
			close(listenerReady)
			return
		}
		gw.mu.Lock()
		gw.listener = ln
		gw.mu.Unlock()
		close(listenerReady)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			gw.wg.Add(1)
			go func() {
				defer gw.wg.Done()
				gw.handleConn(context.Background(), conn)
			}()
		}
	}()
	<-listenerReady

	clientConn, err := net.Dial("tcp", gw.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer clientConn.Close()

	fmt.Fprintf(clientConn, "CONNECT tcp:eth0@1 HTTP/1.1\r\nHost: tcp:eth0@1\r\nAuthorization: Bearer tok\r\n\r\n")
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(clientConn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if _, err := clientConn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}
}

func TestGatewayRejectsMissingGrant(t *testing.T) {
	place := core.Place{ID: 1, Parts: []core.Part{{TCP: map[string]core.TCPEndpoint{"eth0": {Host: "127.0.0.1", Port: 1}}}}}
	places := newPlaceTable()
	places.Set(place)
	grants := newGrantTable() // no grants

	gw := NewGateway("127.0.0.1:0", nil, places, grants, newDeviceCatalog(nil), nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gw.mu.Lock()
	gw.listener = ln
	gw.mu.Unlock()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		gw.handleConn(context.Background(), conn)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	fmt.Fprintf(clientConn, "CONNECT tcp:eth0@1 HTTP/1.1\r\nHost: tcp:eth0@1\r\nAuthorization: Bearer tok\r\n\r\n")
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGatewayRejectsWrongSourceIP(t *testing.T) {
	place := core.Place{ID: 1, Parts: []core.Part{{TCP: map[string]core.TCPEndpoint{"eth0": {Host: "127.0.0.1", Port: 1}}}}}
	places := newPlaceTable()
	places.Set(place)
	grants := newGrantTable()
	// Grant reserved for a peer IP that won't match the loopback dial below.
	grants.Reserve(1, "tok", "10.0.0.1")

	gw := NewGateway("127.0.0.1:0", nil, places, grants, newDeviceCatalog(nil), nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gw.mu.Lock()
	gw.listener = ln
	gw.mu.Unlock()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		gw.handleConn(context.Background(), conn)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	fmt.Fprintf(clientConn, "CONNECT tcp:eth0@1 HTTP/1.1\r\nHost: tcp:eth0@1\r\nAuthorization: Bearer tok\r\n\r\n")
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
