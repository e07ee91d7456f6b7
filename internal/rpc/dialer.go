package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// DialFunc establishes one attempt of the underlying connection and
// returns a ready-to-Serve Conn. Session-level registration (e.g.
// register_exporter) happens in onConnect, not here, since it
// must be retried fresh on every reconnect (§4.2: "all prior state on
// H for that session is gone").
type DialFunc func(ctx context.Context) (*Conn, error)

// Dialer maintains a long-lived logical connection to the hub across
// reconnects, using exponential backoff (1s base, 30s cap per §4.2).
// It mirrors the teacher's tunnel.Client.Start loop
// (internal/transport/tunnel/client.go): dial, run until the session
// ends or errors, backoff, repeat, with no requeueing or retry logic
// living outside this loop.
type Dialer struct {
	dial      DialFunc
	onConnect func(ctx context.Context, conn *Conn) error // called after Hello exchange succeeds
	log       *slog.Logger
}

// NewDialer returns a Dialer that calls dial to establish each
// attempt and onConnect once the channel is up and version-checked.
// onConnect should block for the lifetime of the session (typically
// by calling conn.Serve or delegating to it) and return when the
// session ends.
func NewDialer(dial DialFunc, onConnect func(ctx context.Context, conn *Conn) error) *Dialer {
	return &Dialer{
		dial:      dial,
		onConnect: onConnect,
		log:       slog.Default().With("component", "rpc-dialer"),
	}
}

// Run loops dial/onConnect until ctx is cancelled.
func (d *Dialer) Run(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    1 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := d.dial(ctx)
		if err != nil {
			wait := bo.Duration()
			d.log.Warn("dial failed, retrying", "error", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()

		if err := d.onConnect(ctx, conn); err != nil && ctx.Err() == nil {
			d.log.Warn("session ended, reconnecting", "error", err)
		}
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, bo.Duration()) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// DialWebSocket dials a hub/agent control-channel WebSocket endpoint
// and performs the version handshake before returning. bearerToken may
// be empty when no AuthPolicy is configured.
func DialWebSocket(ctx context.Context, wsURL, bearerToken string, dispatch *Dispatcher) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid URL %q: %w", wsURL, err)
	}

	header := http.Header{}
	if bearerToken != "" {
		header.Set("Authorization", "Bearer "+bearerToken)
	}

	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	wsConn, _, err := d.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %q: %w", wsURL, err)
	}

	transport := NewWebSocketTransport(wsConn)
	if err := Handshake(transport); err != nil {
		transport.Close()
		return nil, err
	}

	return NewConn(transport, dispatch, true), nil
}
