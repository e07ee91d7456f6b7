package exporterd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hubapi"
	"github.com/holesch/not-my-board/internal/rpc"
)

// placeTable caches this exporter process's own published place(s),
// keyed by the hub-assigned ID, so the gateway can resolve a
// CONNECT's place_id to a tcp/usb interface without round-tripping to
// the hub.
type placeTable struct {
	mu     sync.RWMutex
	places map[int]core.Place
}

func newPlaceTable() *placeTable {
	return &placeTable{places: make(map[int]core.Place)}
}

func (t *placeTable) Set(p core.Place) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.places[p.ID] = p
}

func (t *placeTable) Get(id int) (core.Place, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.places[id]
	return p, ok
}

// Session owns the exporter's control-channel connection to the hub:
// it re-registers place on every reconnect (§4.2: "on reconnect, all
// prior state on H for that session is gone") and maintains the
// gateway's grant/place caches from the register_exporter result and
// the place_reserved/place_returned notifications.
type Session struct {
	hubURL string
	token  string
	place  core.Place

	places *placeTable
	grants *grantTable
	log    *slog.Logger
}

// NewSession wires a Session publishing place against the hub at
// hubURL, authenticating with token (may be empty).
func NewSession(hubURL, token string, place core.Place, places *placeTable, grants *grantTable, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		hubURL: hubURL,
		token:  token,
		place:  place,
		places: places,
		grants: grants,
		log:    log.With("component", "exporter-session"),
	}
}

// Start maintains the hub connection until ctx is cancelled, via
// internal/rpc.Dialer's reconnect-with-backoff loop. It implements
// transport.Listener so cmd/notmyboard can run it alongside the
// gateway under transport.Serve.
func (s *Session) Start(ctx context.Context) error {
	dialer := rpc.NewDialer(s.dial, s.onConnect)
	return dialer.Run(ctx)
}

// Stop is a no-op: Start already returns as soon as its ctx is
// cancelled, which transport.Serve does before calling Stop.
func (s *Session) Stop(context.Context) error { return nil }

func (s *Session) dial(ctx context.Context) (*rpc.Conn, error) {
	dispatch := rpc.NewDispatcher()
	dispatch.HandleNotification("place_reserved", s.handlePlaceReserved)
	dispatch.HandleNotification("place_returned", s.handlePlaceReturned)
	return rpc.DialWebSocket(ctx, s.hubURL, s.token, dispatch)
}

func (s *Session) onConnect(ctx context.Context, conn *rpc.Conn) error {
	if err := s.registerExporter(conn); err != nil {
		return err
	}
	return conn.Serve(ctx)
}

func (s *Session) registerExporter(conn *rpc.Conn) error {
	parts := make([]hubapi.PartParams, len(s.place.Parts))
	for i, p := range s.place.Parts {
		pp := hubapi.PartParams{
			Compatible: p.Compatible,
			TCP:        make(map[string]hubapi.TCPInterfaceParams, len(p.TCP)),
			USB:        make(map[string]string, len(p.USB)),
		}
		for name, ep := range p.TCP {
			pp.TCP[name] = hubapi.TCPInterfaceParams{Host: ep.Host, Port: ep.Port}
		}
		for name, busID := range p.USB {
			pp.USB[name] = busID
		}
		parts[i] = pp
	}

	var result hubapi.RegisterExporterResult
	if err := conn.Call(context.Background(), "register_exporter", hubapi.RegisterExporterParams{
		Host:  s.place.Host,
		Port:  s.place.Port,
		Parts: parts,
	}, &result); err != nil {
		return fmt.Errorf("exporter session: register_exporter: %w", err)
	}

	s.place.ID = result.PlaceID
	s.places.Set(s.place)
	s.log.Info("registered with hub", "place_id", result.PlaceID)
	return nil
}

func (s *Session) handlePlaceReserved(_ context.Context, _ *rpc.Conn, raw json.RawMessage) {
	var params hubapi.PlaceReservedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.log.Warn("malformed place_reserved notification", "error", err)
		return
	}
	s.grants.Reserve(params.PlaceID, params.Token, params.PeerIP)
	s.log.Info("place reserved", "place_id", params.PlaceID, "peer_ip", params.PeerIP)
}

func (s *Session) handlePlaceReturned(_ context.Context, _ *rpc.Conn, raw json.RawMessage) {
	var params hubapi.PlaceReturnedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.log.Warn("malformed place_returned notification", "error", err)
		return
	}
	s.grants.Release(params.PlaceID)
	s.log.Info("place returned", "place_id", params.PlaceID)
}
