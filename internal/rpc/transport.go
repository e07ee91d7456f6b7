package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// frameTransport implements Transport over a raw net.Conn (the agent
// IPC Unix socket) using a 4-byte big-endian length prefix per frame,
// per §6's "framed as length-prefixed JSON-RPC".
const maxFrameSize = 4 << 20 // 4 MiB

// Transport is the minimal duplex message transport Conn needs.
// Two implementations exist: a WebSocket transport for the hub<->
// exporter/agent control channel, and a length-prefixed transport for
// the agent's local Unix-domain IPC socket.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// wsTransport adapts a *websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an already-established WebSocket
// connection (server- or client-side) as a Transport.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// frameTransport adapts a net.Conn to Transport using a 4-byte
// big-endian length prefix per message.
type frameTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewFrameTransport wraps conn (typically a Unix-domain socket) as a
// length-prefixed Transport.
func NewFrameTransport(conn net.Conn) Transport {
	return &frameTransport{conn: conn, r: bufio.NewReader(conn)}
}

func (t *frameTransport) ReadMessage() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(t.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("rpc: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *frameTransport) WriteMessage(data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(data)
	return err
}

func (t *frameTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *frameTransport) Close() error {
	return t.conn.Close()
}
