package exporterd

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/usbip"
)

// Gateway is the TLS-optional TCP listener §4.3 describes: every
// accepted connection is read as one HTTP/1.1 CONNECT request, whose
// authority names either a tcp or a usb interface of a published
// place. It implements internal/transport.Listener.
type Gateway struct {
	address string
	tlsCfg  *tls.Config
	places  *placeTable
	grants  *grantTable
	catalog *deviceCatalog
	waiter  *usbip.BusWaiter
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewGateway wires a Gateway over places (the exporter's own
// published Place, keyed by ID) and grants (the cache place_reserved/
// place_returned notifications keep current). tlsCfg may be nil for a
// plaintext listener.
func NewGateway(address string, tlsCfg *tls.Config, places *placeTable, grants *grantTable, catalog *deviceCatalog, waiter *usbip.BusWaiter, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		address: address,
		tlsCfg:  tlsCfg,
		places:  places,
		grants:  grants,
		catalog: catalog,
		waiter:  waiter,
		log:     log.With("component", "exporter-gateway"),
	}
}

// Start accepts connections until ctx is cancelled or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.address)
	if err != nil {
		return fmt.Errorf("exporter gateway listen %q: %w", g.address, err)
	}
	if g.tlsCfg != nil {
		ln = tls.NewListener(ln, g.tlsCfg)
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()

	g.log.Info("gateway listening", "address", g.address, "tls", g.tlsCfg != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				g.wg.Wait()
				return nil
			default:
				return fmt.Errorf("exporter gateway accept: %w", err)
			}
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener, causing Start's accept loop to return.
func (g *Gateway) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Close()
}

func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		g.log.Warn("read CONNECT request failed", "error", err)
		return
	}
	if req.Method != http.MethodConnect {
		fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\n\r\nexpected CONNECT\r\n")
		return
	}

	scheme, target, placeID, err := parseAuthority(req.URL.Opaque, req.Host)
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 404 Not Found\r\n\r\n%s\r\n", err)
		return
	}

	token := bearerToken(req)
	peerIP := sourceIP(conn)
	switch g.grants.Authorize(placeID, token, peerIP) {
	case AuthOK:
	case AuthWrongSourceIP:
		fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\n\r\nsource ip mismatch\r\n")
		return
	default:
		fmt.Fprintf(conn, "HTTP/1.1 401 Unauthorized\r\n\r\nunauthorized\r\n")
		return
	}

	place, ok := g.places.Get(placeID)
	if !ok {
		fmt.Fprintf(conn, "HTTP/1.1 404 Not Found\r\n\r\nunknown place\r\n")
		return
	}

	switch scheme {
	case "tcp":
		g.bridgeTCP(ctx, conn, br, place, target)
	case "usb":
		g.bridgeUSB(ctx, conn, br, target)
	default:
		fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\n\r\nunsupported scheme %q\r\n", scheme)
	}
}

func (g *Gateway) bridgeTCP(ctx context.Context, conn net.Conn, br *bufio.Reader, place core.Place, ifaceName string) {
	var endpoint core.TCPEndpoint
	found := false
	for _, part := range place.Parts {
		if ep, ok := part.TCP[ifaceName]; ok {
			endpoint, found = ep, true
			break
		}
	}
	if !found {
		fmt.Fprintf(conn, "HTTP/1.1 404 Not Found\r\n\r\nunknown tcp interface %q\r\n", ifaceName)
		return
	}

	upstream, err := (&net.Dialer{}).DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port))
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n%s\r\n", err)
		return
	}
	defer upstream.Close()

	fmt.Fprintf(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
	splice(conn, br, upstream)
}

func (g *Gateway) bridgeUSB(ctx context.Context, conn net.Conn, br *bufio.Reader, busID string) {
	fmt.Fprintf(conn, "HTTP/1.1 200 Connection established\r\n\r\n")

	rw := &bufReadWriter{r: br, w: conn}
	session := usbip.NewHostSession(rw, g.catalog, g.waiter, g.log)
	if err := session.Serve(ctx); err != nil {
		g.log.Info("usbip session ended", "bus_id", busID, "error", err)
	}
}

// splice bidirectionally copies between the CONNECT client (whose
// unread buffered bytes live in br) and upstream until either side
// closes, per §4.3's "bidirectionally splices bytes until either side
// closes. Backpressure is provided by the underlying sockets."
func splice(client net.Conn, br *bufio.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, br)
		if c, ok := upstream.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

// bufReadWriter adapts a buffered reader plus a raw writer to
// io.ReadWriter, so usbip.HostSession sees the same stream the HTTP
// CONNECT parser already consumed bytes from.
type bufReadWriter struct {
	r *bufio.Reader
	w io.Writer
}

func (b *bufReadWriter) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bufReadWriter) Write(p []byte) (int, error) { return b.w.Write(p) }

func parseAuthority(opaque, host string) (scheme, target string, placeID int, err error) {
	authority := opaque
	if authority == "" {
		authority = host
	}
	scheme, rest, ok := strings.Cut(authority, ":")
	if !ok {
		return "", "", 0, fmt.Errorf("malformed authority %q", authority)
	}
	target, placeStr, ok := strings.Cut(rest, "@")
	if !ok {
		return "", "", 0, fmt.Errorf("malformed authority %q", authority)
	}
	id, err := strconv.Atoi(placeStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed place id in authority %q", authority)
	}
	return scheme, target, id, nil
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func sourceIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
