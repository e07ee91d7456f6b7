package hubapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hub"
	"github.com/holesch/not-my-board/internal/rpc"
)

type sessionEntry struct {
	conn      *rpc.Conn
	principal core.Principal
}

// Server wires internal/hub to internal/rpc: it holds the directory
// of connected sessions, implements hub.Notifier by looking up the
// relevant session's *rpc.Conn, and registers the register_exporter/
// reserve/return_reservation handlers on a rpc.Dispatcher.
type Server struct {
	hub        *hub.Hub
	authPolicy core.AuthPolicy
	log        *slog.Logger

	mu            sync.RWMutex
	sessions      map[core.SessionID]*sessionEntry
	nextSessionID int64
}

// NewServer wraps h, authenticating new sessions via authPolicy.
func NewServer(h *hub.Hub, authPolicy core.AuthPolicy, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub:        h,
		authPolicy: authPolicy,
		log:        log.With("component", "hubapi"),
		sessions:   make(map[core.SessionID]*sessionEntry),
	}
}

// NewSession authenticates bearerToken/remoteIP and registers a new
// session, returning its ID and its Dispatcher (bound to this
// session's identity); the caller must call Close with that ID once
// the channel closes. It does not install conn on the session directory;
// callers must do so via Attach once the Conn is constructed, since
// Dispatcher handlers are registered before the Conn exists.
func (s *Server) NewSession(bearerToken, remoteIP string) (core.SessionID, *rpc.Dispatcher, error) {
	principal, err := s.authPolicy.Authenticate(bearerToken, remoteIP)
	if err != nil {
		return 0, nil, err
	}

	s.mu.Lock()
	s.nextSessionID++
	session := core.SessionID(s.nextSessionID)
	s.sessions[session] = &sessionEntry{principal: principal}
	s.mu.Unlock()

	dispatch := rpc.NewDispatcher()
	dispatch.Handle("register_exporter", s.handleRegisterExporter(session))
	dispatch.Handle("reserve", s.handleReserve(session))
	dispatch.Handle("return_reservation", s.handleReturnReservation(session))

	return session, dispatch, nil
}

// Attach records conn as the transport for session, so Notifier calls
// and future requests over conn can reach it.
func (s *Server) Attach(session core.SessionID, conn *rpc.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[session]; ok {
		entry.conn = conn
	}
}

// Close tears down session: deregisters it from the hub (cascading
// AllocationLost/SessionClosed per internal/hub's rules) and removes
// it from the directory.
func (s *Server) Close(session core.SessionID) {
	s.hub.DeregisterSession(session)
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

func (s *Server) connFor(session core.SessionID) *rpc.Conn {
	if session == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[session]
	if !ok {
		return nil
	}
	return entry.conn
}

func (s *Server) notify(session core.SessionID, method string, params any) {
	conn := s.connFor(session)
	if conn == nil {
		return
	}
	if err := conn.Notify(method, params); err != nil {
		s.log.Warn("notify failed", "session", session, "method", method, "error", err)
	}
}

// ---------------------------------------------------------------------------
// hub.Notifier
// ---------------------------------------------------------------------------

func (s *Server) PlaceAvailable(agentSession core.SessionID, res core.Reservation, place core.Place) {
	s.notify(agentSession, "place_available", PlaceAvailableParams{
		ReservationID: res.ID,
		PlaceID:       place.ID,
		Host:          place.Host,
		Port:          place.Port,
		Parts:         partsFromCore(place.Parts),
		Token:         res.Token,
	})
}

func (s *Server) PlaceReserved(exporterSession core.SessionID, res core.Reservation, place core.Place) {
	s.notify(exporterSession, "place_reserved", PlaceReservedParams{
		PlaceID: place.ID,
		PeerIP:  res.Subject.IP,
		Token:   res.Token,
	})
}

func (s *Server) PlaceReturned(exporterSession core.SessionID, placeID int) {
	s.notify(exporterSession, "place_returned", PlaceReturnedParams{PlaceID: placeID})
}

func (s *Server) ReservationLost(agentSession core.SessionID, res core.Reservation) {
	s.notify(agentSession, "reservation_lost", ReservationLostParams{
		ReservationID: res.ID,
		Reason:        string(res.Reason),
	})
}

// ---------------------------------------------------------------------------
// RPC method handlers
// ---------------------------------------------------------------------------

func (s *Server) handleRegisterExporter(session core.SessionID) rpc.Handler {
	return func(_ context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		principal := s.principalOf(session)
		if !principal.Has(core.RoleExporter) {
			return nil, core.NewDomainError(core.CodeAuth, "session lacks the exporter role")
		}

		var params RegisterExporterParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, core.NewDomainError(core.CodeProtocol, "malformed register_exporter params: %s", err)
		}

		place := core.Place{Host: params.Host, Port: params.Port, Parts: partsToCore(params.Parts)}
		ids := s.hub.RegisterExporter(session, []core.Place{place})

		return RegisterExporterResult{PlaceID: ids[0]}, nil
	}
}

func (s *Server) handleReserve(session core.SessionID) rpc.Handler {
	return func(_ context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		principal := s.principalOf(session)
		if !principal.Has(core.RoleImporter) {
			return nil, core.NewDomainError(core.CodeAuth, "session lacks the importer role")
		}

		var params ReserveParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, core.NewDomainError(core.CodeProtocol, "malformed reserve params: %s", err)
		}

		spec := core.ImportSpec{
			AutoReturnTime: core.DefaultAutoReturnTime,
			Parts:          partSpecsToCore(params.Parts),
		}
		if params.AutoReturnTimeSeconds != nil {
			spec.AutoReturnTime = time.Duration(*params.AutoReturnTimeSeconds * float64(time.Second))
		}

		subject := core.Subject{Principal: principal.Subject, IP: principal.IP}
		res, err := s.hub.Reserve(session, subject, spec)
		if err != nil {
			return nil, err
		}
		return ReserveResult{ReservationID: res.ID, State: string(res.State)}, nil
	}
}

func (s *Server) handleReturnReservation(session core.SessionID) rpc.Handler {
	return func(_ context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
		var params ReturnReservationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, core.NewDomainError(core.CodeProtocol, "malformed return_reservation params: %s", err)
		}
		if err := s.hub.ReturnReservation(session, params.ReservationID); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}
}

func (s *Server) principalOf(session core.SessionID) core.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.sessions[session]; ok {
		return entry.principal
	}
	return core.Principal{}
}
