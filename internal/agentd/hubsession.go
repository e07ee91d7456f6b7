package agentd

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hubapi"
	"github.com/holesch/not-my-board/internal/rpc"
)

// hubSession maintains the agent's control-channel connection to the
// hub, mirroring internal/exporterd.Session: a reconnecting Dialer
// whose onConnect re-establishes nothing by itself (reserve calls are
// issued explicitly by agent commands, not replayed automatically on
// reconnect — a dropped reservation surfaces as reservation_lost or
// simply stops receiving notifications until the command layer
// reissues it), and two notification handlers that update the
// reservation table.
type hubSession struct {
	hubURL string
	token  string
	table  *reservationTable
	log    *slog.Logger

	mu   sync.RWMutex
	conn *rpc.Conn
}

func newHubSession(hubURL, token string, table *reservationTable, log *slog.Logger) *hubSession {
	if log == nil {
		log = slog.Default()
	}
	return &hubSession{
		hubURL: hubURL,
		token:  token,
		table:  table,
		log:    log.With("component", "agent-hub-session"),
	}
}

// Start maintains the hub connection until ctx is cancelled. It
// implements transport.Listener.
func (s *hubSession) Start(ctx context.Context) error {
	dialer := rpc.NewDialer(s.dial, s.onConnect)
	return dialer.Run(ctx)
}

// Stop is a no-op: Start already returns once its ctx is cancelled.
func (s *hubSession) Stop(context.Context) error { return nil }

func (s *hubSession) dial(ctx context.Context) (*rpc.Conn, error) {
	dispatch := rpc.NewDispatcher()
	dispatch.HandleNotification("place_available", s.handlePlaceAvailable)
	dispatch.HandleNotification("reservation_lost", s.handleReservationLost)
	return rpc.DialWebSocket(ctx, s.hubURL, s.token, dispatch)
}

func (s *hubSession) onConnect(ctx context.Context, conn *rpc.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	return conn.Serve(ctx)
}

// call issues an RPC against the current hub connection, failing with
// a Transient DomainError if no connection is currently up (the
// reconnect loop will re-establish one; callers should not block
// indefinitely waiting for it).
func (s *hubSession) call(ctx context.Context, method string, params, out any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return core.NewDomainError(core.CodeTransient, "not connected to hub")
	}
	return conn.Call(ctx, method, params, out)
}

func (s *hubSession) handlePlaceAvailable(_ context.Context, _ *rpc.Conn, raw json.RawMessage) {
	var params hubapi.PlaceAvailableParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.log.Warn("malformed place_available notification", "error", err)
		return
	}
	res, ok := s.table.getByID(params.ReservationID)
	if !ok {
		s.table.bufferAvailable(params)
		return
	}
	res.markAllocated(params)
	s.log.Info("place available", "reservation", res.Name, "place_id", params.PlaceID)
}

func (s *hubSession) handleReservationLost(_ context.Context, _ *rpc.Conn, raw json.RawMessage) {
	var params hubapi.ReservationLostParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.log.Warn("malformed reservation_lost notification", "error", err)
		return
	}
	res, ok := s.table.getByID(params.ReservationID)
	if !ok {
		s.log.Warn("reservation_lost for unknown reservation", "reservation_id", params.ReservationID)
		return
	}
	detachReservation(res, s.log)
	res.markReturned(core.ReturnReason(params.Reason))
	s.log.Info("reservation lost", "reservation", res.Name, "reason", params.Reason)
}

// reserve calls the hub's reserve method for spec and returns the
// assigned reservation ID.
func (s *hubSession) reserve(ctx context.Context, spec core.ImportSpec) (int, core.ReservationState, error) {
	seconds := spec.AutoReturnTime.Seconds()
	var result hubapi.ReserveResult
	err := s.call(ctx, "reserve", hubapi.ReserveParams{
		AutoReturnTimeSeconds: &seconds,
		Parts:                 partSpecsFromCore(spec.Parts),
	}, &result)
	if err != nil {
		return 0, "", err
	}
	return result.ReservationID, core.ReservationState(result.State), nil
}

// returnReservation calls the hub's return_reservation method.
func (s *hubSession) returnReservation(ctx context.Context, id int) error {
	return s.call(ctx, "return_reservation", hubapi.ReturnReservationParams{ReservationID: id}, nil)
}

func partSpecsFromCore(parts map[string]core.PartSpec) map[string]hubapi.PartSpecParams {
	out := make(map[string]hubapi.PartSpecParams, len(parts))
	for name, p := range parts {
		pp := hubapi.PartSpecParams{
			Compatible: p.Compatible,
			TCP:        make(map[string]hubapi.LocalTCPParams, len(p.TCP)),
			USB:        make(map[string]int, len(p.USB)),
		}
		for iface, tcp := range p.TCP {
			pp.TCP[iface] = hubapi.LocalTCPParams{LocalPort: tcp.LocalPort}
		}
		for iface, portNum := range p.USB {
			pp.USB[iface] = portNum
		}
		out[name] = pp
	}
	return out
}

func partSpecsToCore(parts map[string]hubapi.PartSpecParams) map[string]core.PartSpec {
	out := make(map[string]core.PartSpec, len(parts))
	for name, p := range parts {
		ps := core.PartSpec{
			Compatible: p.Compatible,
			TCP:        make(map[string]core.LocalTCP, len(p.TCP)),
			USB:        make(map[string]int, len(p.USB)),
		}
		for iface, tcp := range p.TCP {
			ps.TCP[iface] = core.LocalTCP{LocalPort: tcp.LocalPort}
		}
		for iface, portNum := range p.USB {
			ps.USB[iface] = portNum
		}
		out[name] = ps
	}
	return out
}
