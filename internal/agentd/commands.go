package agentd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hubapi"
)

// Agent implements the commands spec.md §4.5's IPC surface exposes
// (reserve/attach/detach/return/list/status/edit), orchestrating the
// reservation table, the hub control channel, and the per-interface
// tcp/usb materialization.
type Agent struct {
	hub        *hubSession
	table      *reservationTable
	gatewayTLS *tls.Config
	log        *slog.Logger
}

func newAgent(hub *hubSession, table *reservationTable, gatewayTLS *tls.Config, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{hub: hub, table: table, gatewayTLS: gatewayTLS, log: log.With("component", "agent-commands")}
}

// Reserve sends spec to the hub under name (auto-generated if empty)
// and returns the stored name. It does not wait for place_available;
// callers that want to block until the place is ready use Attach.
func (a *Agent) Reserve(ctx context.Context, name string, spec core.ImportSpec) (string, error) {
	if name == "" {
		name = uuid.NewString()
	}
	if _, exists := a.table.getByName(name); exists {
		return "", core.NewDomainError(core.CodeProtocol, "reservation named %q already exists", name)
	}

	res := newReservation(name, spec)
	a.table.put(res)

	id, state, err := a.hub.reserve(ctx, spec)
	if err != nil {
		a.table.remove(name)
		return "", err
	}
	res.mu.Lock()
	res.ID = id
	res.State = state
	res.mu.Unlock()
	a.table.indexByID(res)

	return name, nil
}

// Attach blocks until name's reservation is Allocated (or already is)
// and materializes its tcp/usb interfaces, arming the auto-return
// timer. If name is unknown and spec is non-nil, it reserves spec
// under name first.
func (a *Agent) Attach(ctx context.Context, name string, spec *core.ImportSpec) error {
	res, ok := a.table.getByName(name)
	if !ok {
		if spec == nil {
			return core.NewDomainError(core.CodeProtocol, "no reservation named %q", name)
		}
		reserved, err := a.Reserve(ctx, name, *spec)
		if err != nil {
			return err
		}
		res, _ = a.table.getByName(reserved)
	}

	select {
	case <-res.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	res.mu.Lock()
	state := res.State
	reason := res.Reason
	materialized := res.Materialized
	res.mu.Unlock()

	switch state {
	case core.StateReturned:
		return core.NewDomainError(core.CodeNoMatch, "reservation %q was returned (%s)", name, reason)
	case core.StateAllocated:
		if materialized {
			if res.Spec.AutoReturnTime > 0 {
				res.armAutoReturn(res.Spec.AutoReturnTime, func() { a.autoReturn(name) })
			}
			return nil
		}
	default:
		return fmt.Errorf("agent: reservation %q in unexpected state %s after ready", name, state)
	}

	if err := a.materialize(ctx, res); err != nil {
		return err
	}

	if res.Spec.AutoReturnTime > 0 {
		res.armAutoReturn(res.Spec.AutoReturnTime, func() { a.autoReturn(name) })
	}
	return nil
}

func (a *Agent) autoReturn(name string) {
	a.log.Info("auto-return firing", "reservation", name)
	if err := a.Return(context.Background(), name); err != nil {
		a.log.Warn("auto-return failed", "reservation", name, "error", err)
	}
}

// Detach tears down name's materialized local interfaces (listeners,
// VHCI attachments) without returning the reservation to the hub, so
// a later Attach can re-materialize them.
func (a *Agent) Detach(name string) error {
	res, ok := a.table.getByName(name)
	if !ok {
		return core.NewDomainError(core.CodeProtocol, "no reservation named %q", name)
	}
	detachReservation(res, a.log)
	return nil
}

// Return returns name's reservation to the hub and tears down its
// local interfaces. A second call on an already-Returned reservation
// is a no-op, per the idempotence property in spec.md §8.
func (a *Agent) Return(ctx context.Context, name string) error {
	res, ok := a.table.getByName(name)
	if !ok {
		return core.NewDomainError(core.CodeProtocol, "no reservation named %q", name)
	}

	res.mu.Lock()
	alreadyReturned := res.State == core.StateReturned
	id := res.ID
	res.mu.Unlock()
	if alreadyReturned {
		return nil
	}

	detachReservation(res, a.log)
	if id != 0 {
		if err := a.hub.returnReservation(ctx, id); err != nil {
			a.log.Warn("return_reservation failed", "reservation", name, "error", err)
		}
	}
	res.markReturned(core.ReturnNone)
	return nil
}

// List returns a snapshot of every reservation the agent currently
// tracks.
func (a *Agent) List() []Reservation {
	recs := a.table.list()
	out := make([]Reservation, len(recs))
	for i, r := range recs {
		out[i] = r.snapshot()
	}
	return out
}

// Status returns a snapshot of one named reservation.
func (a *Agent) Status(name string) (Reservation, error) {
	res, ok := a.table.getByName(name)
	if !ok {
		return Reservation{}, core.NewDomainError(core.CodeProtocol, "no reservation named %q", name)
	}
	return res.snapshot(), nil
}

// Edit updates name's auto-return duration and, if it is currently
// attached, re-arms the timer immediately (the Open Question
// resolution: both attach and edit reset the timer).
func (a *Agent) Edit(name string, autoReturnTime time.Duration) error {
	res, ok := a.table.getByName(name)
	if !ok {
		return core.NewDomainError(core.CodeProtocol, "no reservation named %q", name)
	}
	res.mu.Lock()
	res.Spec.AutoReturnTime = autoReturnTime
	materialized := res.Materialized
	res.mu.Unlock()

	if materialized {
		res.armAutoReturn(autoReturnTime, func() { a.autoReturn(name) })
	}
	return nil
}

// materialize binds every requested tcp/usb interface of res's spec
// against the place parts reported in place_available, recomputing
// the assignment locally with the same core.Candidate matcher the hub
// used, since the wire notification carries the place's parts but not
// the hub's internal assignment.
func (a *Agent) materialize(ctx context.Context, res *Reservation) error {
	res.mu.Lock()
	place := core.Place{Parts: partsToCore(res.Parts)}
	spec := res.Spec
	placeHost, placePort, placeID, token := res.PlaceHost, res.PlacePort, res.PlaceID, res.Token
	res.mu.Unlock()

	assignment, ok := core.Candidate(spec, place)
	if !ok {
		return core.NewDomainError(core.CodeNoMatch, "reservation %q: allocated place no longer matches its spec", res.Name)
	}

	forwarders := make(map[string]*tcpForwarder)
	attachments := make(map[string]*vhciAttachment)

	cleanup := func() {
		for _, f := range forwarders {
			f.Close()
		}
		for _, at := range attachments {
			at.Close()
		}
	}

	for partName, partSpec := range spec.Parts {
		part := place.Parts[assignment[partName]]

		for iface, local := range partSpec.TCP {
			key := partName + "/" + iface
			f, err := startTCPForwarder(ctx, local.LocalPort, placeHost, placePort, a.gatewayTLS, token, placeID, iface, a.log)
			if err != nil {
				cleanup()
				return err
			}
			forwarders[key] = f
		}

		for iface, portNum := range partSpec.USB {
			key := partName + "/" + iface
			busID := part.USB[iface]
			at, err := attachUSB(ctx, placeHost, placePort, a.gatewayTLS, token, placeID, busID, portNum, a.log)
			if err != nil {
				cleanup()
				return err
			}
			attachments[key] = at
		}
	}

	res.mu.Lock()
	res.forwarders = forwarders
	res.attachments = attachments
	res.Materialized = true
	res.mu.Unlock()
	return nil
}

// detachReservation releases every local socket and VHCI port
// materialized for res, idempotently.
func detachReservation(res *Reservation, log *slog.Logger) {
	res.mu.Lock()
	forwarders := res.forwarders
	attachments := res.attachments
	res.forwarders = nil
	res.attachments = nil
	res.Materialized = false
	res.mu.Unlock()

	for iface, f := range forwarders {
		if err := f.Close(); err != nil {
			log.Warn("tcp forwarder close failed", "interface", iface, "error", err)
		}
	}
	for iface, at := range attachments {
		if err := at.Close(); err != nil {
			log.Warn("vhci detach failed", "interface", iface, "error", err)
		}
	}
}

func partsToCore(parts []hubapi.PartParams) []core.Part {
	out := make([]core.Part, len(parts))
	for i, p := range parts {
		cp := core.Part{
			Compatible: p.Compatible,
			TCP:        make(map[string]core.TCPEndpoint, len(p.TCP)),
			USB:        make(map[string]string, len(p.USB)),
		}
		for name, iface := range p.TCP {
			cp.TCP[name] = core.TCPEndpoint{Host: iface.Host, Port: iface.Port}
		}
		for name, usbid := range p.USB {
			cp.USB[name] = usbid
		}
		out[i] = cp
	}
	return out
}
