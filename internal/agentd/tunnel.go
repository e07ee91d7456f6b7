package agentd

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
)

// dialGatewayConnect opens one CONNECT tunnel to an exporter gateway,
// mirroring internal/exporterd.Gateway's own CONNECT handling from
// the client side: dial, write a CONNECT request for authority
// bearing the reservation token, and expect a 200 response before any
// tunnel traffic flows.
func dialGatewayConnect(ctx context.Context, host string, port int, tlsCfg *tls.Config, authority, token string) (net.Conn, *bufio.Reader, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = (&tls.Dialer{Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("agent: dial gateway %s: %w", addr, err)
	}

	req, err := http.NewRequest(http.MethodConnect, "http://"+authority, nil)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	req.Host = authority
	req.Header.Set("Authorization", "Bearer "+token)
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("agent: write CONNECT %s: %w", authority, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("agent: read CONNECT response for %s: %w", authority, err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, nil, fmt.Errorf("agent: gateway CONNECT %s: %s", authority, resp.Status)
	}
	return conn, br, nil
}

// splice bidirectionally copies between local and the gateway tunnel
// (whose unread buffered bytes live in tunnelBR) until either side
// closes, exactly mirroring internal/exporterd.Gateway's splice.
func splice(local net.Conn, tunnel net.Conn, tunnelBR *bufio.Reader) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(tunnel, local)
		closeWrite(tunnel)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, tunnelBR)
		closeWrite(local)
		done <- struct{}{}
	}()
	<-done
	<-done
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// bufReadWriter adapts a buffered reader plus a raw writer to
// io.ReadWriter, so internal/usbip sees the same stream the CONNECT
// response parser already consumed bytes from.
type bufReadWriter struct {
	r *bufio.Reader
	w io.Writer
}

func (b *bufReadWriter) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bufReadWriter) Write(p []byte) (int, error) { return b.w.Write(p) }
