package hubapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/holesch/not-my-board/internal/authpolicy"
	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hub"
)

func newTestServer(t *testing.T) (*Server, *hub.Hub) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(nil, 0, hub.WithLogger(log))
	s := NewServer(h, authpolicy.NewPermissive(), log)
	h.SetNotifier(s)
	return s, h
}

func reserve(t *testing.T, s *Server, session core.SessionID, raw string) ReserveResult {
	t.Helper()
	handler := s.handleReserve(session)
	result, err := handler(context.Background(), nil, json.RawMessage(raw))
	if err != nil {
		t.Fatalf("handleReserve: %v", err)
	}
	return result.(ReserveResult)
}

func TestHandleReserveDefaultsAutoReturnTimeWhenOmitted(t *testing.T) {
	s, h := newTestServer(t)
	importer, _, err := s.NewSession("", "127.0.0.1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	exporter, _, err := s.NewSession("", "127.0.0.1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.RegisterExporter(exporter, []core.Place{{Available: true}})

	result := reserve(t, s, importer, `{"parts":{}}`)

	res, ok := h.Reservation(result.ReservationID)
	if !ok {
		t.Fatalf("reservation %d not found", result.ReservationID)
	}
	if res.Spec.AutoReturnTime != core.DefaultAutoReturnTime {
		t.Fatalf("AutoReturnTime = %v, want default %v", res.Spec.AutoReturnTime, core.DefaultAutoReturnTime)
	}
}

func TestHandleReserveExplicitZeroDisablesAutoReturn(t *testing.T) {
	s, h := newTestServer(t)
	importer, _, err := s.NewSession("", "127.0.0.1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	exporter, _, err := s.NewSession("", "127.0.0.1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.RegisterExporter(exporter, []core.Place{{Available: true}})

	result := reserve(t, s, importer, `{"auto_return_time_seconds":0,"parts":{}}`)

	res, ok := h.Reservation(result.ReservationID)
	if !ok {
		t.Fatalf("reservation %d not found", result.ReservationID)
	}
	if res.Spec.AutoReturnTime != 0 {
		t.Fatalf("AutoReturnTime = %v, want 0 (disabled)", res.Spec.AutoReturnTime)
	}
}
