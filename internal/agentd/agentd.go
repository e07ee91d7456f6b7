// Package agentd implements the agent role of spec.md §4.5: reserving
// places from a hub, materializing their tcp/usb interfaces locally
// on place_available, and exposing reserve/attach/detach/return/list/
// status/edit over a local Unix-domain socket to the board CLI.
package agentd

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/holesch/not-my-board/internal/transport"
)

// Config bundles the values needed to construct an Agent's runtime
// components, mirroring the teacher's per-role Config structs.
type Config struct {
	HubURL     string
	Token      string
	SocketPath string
	GatewayTLS *tls.Config
	Logger     *slog.Logger
}

// Runtime bundles the agent's two long-running components (the hub
// control session and the local IPC listener) behind
// internal/transport.Listener, so a single transport.Serve call drives
// both, exactly as exporterd and hub bundle their own components.
type Runtime struct {
	hub *hubSession
	ipc *ipcServer
}

// New wires an Agent's reservation table, hub session, command layer,
// and IPC server from cfg.
func New(cfg Config) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	table := newReservationTable()
	hub := newHubSession(cfg.HubURL, cfg.Token, table, log)
	agent := newAgent(hub, table, cfg.GatewayTLS, log)
	ipc := newIPCServer(cfg.SocketPath, agent, log)

	return &Runtime{hub: hub, ipc: ipc}
}

// Listeners returns the components New wired, ready to pass to
// transport.Serve.
func (r *Runtime) Listeners() []transport.Listener {
	return []transport.Listener{r.hub, r.ipc}
}

// Run starts both components and blocks until ctx is cancelled or
// either fails.
func (r *Runtime) Run(ctx context.Context) error {
	return transport.Serve(ctx, r.Listeners()...)
}
