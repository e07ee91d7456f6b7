package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hubapi"
	"github.com/holesch/not-my-board/internal/rpc"
)

// socketMode is group-readable/writable but not world-accessible, per
// spec.md §6's "the socket is restricted to the local user/group that
// runs the agent".
const socketMode = 0o660

// ReserveIPCParams is the board CLI's reserve request.
type ReserveIPCParams struct {
	Name                  string                          `json:"name"`
	AutoReturnTimeSeconds float64                         `json:"auto_return_time_seconds,omitempty"`
	Parts                 map[string]hubapi.PartSpecParams `json:"parts"`
}

// ReserveIPCResult is the board CLI's reserve response.
type ReserveIPCResult struct {
	Name string `json:"name"`
}

// AttachIPCParams is the board CLI's attach request: name must
// already be reserved, unless Parts is set, in which case attach
// reserves it first.
type AttachIPCParams struct {
	Name                  string                           `json:"name"`
	AutoReturnTimeSeconds float64                          `json:"auto_return_time_seconds,omitempty"`
	Parts                 map[string]hubapi.PartSpecParams `json:"parts,omitempty"`
}

// DetachIPCParams names the reservation to detach.
type DetachIPCParams struct {
	Name string `json:"name"`
}

// ReturnIPCParams names the reservation to return.
type ReturnIPCParams struct {
	Name string `json:"name"`
}

// ReservationSummary is one entry of a list/status response.
type ReservationSummary struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	PlaceID      int    `json:"place_id,omitempty"`
	Materialized bool   `json:"materialized"`
}

// StatusIPCParams names the reservation to query.
type StatusIPCParams struct {
	Name string `json:"name"`
}

// EditIPCParams updates a reservation's auto-return duration.
type EditIPCParams struct {
	Name                  string  `json:"name"`
	AutoReturnTimeSeconds float64 `json:"auto_return_time_seconds"`
}

// ipcServer is the agent's local Unix-domain socket listener: every
// connection gets its own rpc.Conn talking the same JSON-RPC 2.0
// shape as the hub channel, but framed with a length prefix
// (rpc.NewFrameTransport) rather than WebSocket, and dispatching to
// Agent's command methods instead of hub methods. It implements
// internal/transport.Listener.
type ipcServer struct {
	path  string
	agent *Agent
	log   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func newIPCServer(path string, agent *Agent, log *slog.Logger) *ipcServer {
	if log == nil {
		log = slog.Default()
	}
	return &ipcServer{path: path, agent: agent, log: log.With("component", "agent-ipc")}
}

func (s *ipcServer) Start(ctx context.Context) error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("agent ipc listen %q: %w", s.path, err)
	}
	if err := os.Chmod(s.path, socketMode); err != nil {
		ln.Close()
		return fmt.Errorf("agent ipc chmod %q: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("ipc listening", "path", s.path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("agent ipc accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *ipcServer) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *ipcServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dispatch := rpc.NewDispatcher()
	dispatch.Handle("reserve", s.handleReserve)
	dispatch.Handle("attach", s.handleAttach)
	dispatch.Handle("detach", s.handleDetach)
	dispatch.Handle("return", s.handleReturn)
	dispatch.Handle("list", s.handleList)
	dispatch.Handle("status", s.handleStatus)
	dispatch.Handle("edit", s.handleEdit)

	transport := rpc.NewFrameTransport(conn)
	if err := rpc.Handshake(transport); err != nil {
		s.log.Warn("ipc handshake failed", "error", err)
		return
	}

	c := rpc.NewConn(transport, dispatch, false)
	if err := c.Serve(ctx); err != nil {
		s.log.Debug("ipc connection closed", "error", err)
	}
}

func (s *ipcServer) handleReserve(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
	var p ReserveIPCParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.NewDomainError(core.CodeProtocol, "malformed reserve params: %s", err)
	}
	spec := core.ImportSpec{
		AutoReturnTime: time.Duration(p.AutoReturnTimeSeconds * float64(time.Second)),
		Parts:          partSpecsToCore(p.Parts),
	}
	name, err := s.agent.Reserve(ctx, p.Name, spec)
	if err != nil {
		return nil, err
	}
	return ReserveIPCResult{Name: name}, nil
}

func (s *ipcServer) handleAttach(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
	var p AttachIPCParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.NewDomainError(core.CodeProtocol, "malformed attach params: %s", err)
	}
	var spec *core.ImportSpec
	if p.Parts != nil {
		spec = &core.ImportSpec{
			AutoReturnTime: time.Duration(p.AutoReturnTimeSeconds * float64(time.Second)),
			Parts:          partSpecsToCore(p.Parts),
		}
	}
	if err := s.agent.Attach(ctx, p.Name, spec); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *ipcServer) handleDetach(_ context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
	var p DetachIPCParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.NewDomainError(core.CodeProtocol, "malformed detach params: %s", err)
	}
	if err := s.agent.Detach(p.Name); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *ipcServer) handleReturn(ctx context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
	var p ReturnIPCParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.NewDomainError(core.CodeProtocol, "malformed return params: %s", err)
	}
	if err := s.agent.Return(ctx, p.Name); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *ipcServer) handleList(_ context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
	recs := s.agent.List()
	out := make([]ReservationSummary, len(recs))
	for i, r := range recs {
		out[i] = summarize(r)
	}
	return out, nil
}

func (s *ipcServer) handleStatus(_ context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
	var p StatusIPCParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.NewDomainError(core.CodeProtocol, "malformed status params: %s", err)
	}
	r, err := s.agent.Status(p.Name)
	if err != nil {
		return nil, err
	}
	return summarize(r), nil
}

func (s *ipcServer) handleEdit(_ context.Context, _ *rpc.Conn, raw json.RawMessage) (any, error) {
	var p EditIPCParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.NewDomainError(core.CodeProtocol, "malformed edit params: %s", err)
	}
	d := time.Duration(p.AutoReturnTimeSeconds * float64(time.Second))
	if err := s.agent.Edit(p.Name, d); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func summarize(r Reservation) ReservationSummary {
	return ReservationSummary{
		Name:         r.Name,
		State:        string(r.State),
		Reason:       string(r.Reason),
		PlaceID:      r.PlaceID,
		Materialized: r.Materialized,
	}
}
