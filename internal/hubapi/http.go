package hubapi

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/holesch/not-my-board/internal/rpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true }, // CORS is handled by the outer transport.Server
}

// Mount registers the hub's HTTP surface onto mux: the /ws
// control-channel upgrade endpoint plus the ambient /healthz and
// /metrics paths.
func (s *Server) Mount(mux *http.ServeMux) error {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleStatus)
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	remoteIP := remoteIP(r)

	session, dispatch, err := s.NewSession(token, remoteIP)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	transport := rpc.NewWebSocketTransport(wsConn)
	if err := rpc.Handshake(transport); err != nil {
		s.log.Warn("handshake failed", "session", session, "error", err)
		transport.Close()
		return
	}

	conn := rpc.NewConn(transport, dispatch, false, rpc.WithLogger(s.log))
	s.Attach(session, conn)
	defer s.Close(session)

	if err := conn.Serve(r.Context()); err != nil {
		s.log.Info("session ended", "session", session, "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	places := s.hub.Places()
	fmt.Fprintf(w, "not-my-board hub: %d places registered\n", len(places))
	for _, p := range places {
		fmt.Fprintf(w, "  place %d: %s:%d, %d parts, available=%v\n", p.ID, p.Host, p.Port, len(p.Parts), p.Available)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
