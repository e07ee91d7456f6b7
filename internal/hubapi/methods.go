// Package hubapi exposes the hub's registry and scheduler (internal/hub)
// over the duplex control channel (internal/rpc): it defines the
// JSON-RPC method/notification wire shapes §4.1 names
// (register_exporter, reserve, return_reservation, and the
// place_available/place_reserved/place_returned/reservation_lost
// notifications) as explicit tagged structs, per §9's "adopt a tagged
// variant per method with a single typed dispatcher" — never duck
// typing across the wire.
package hubapi

import "github.com/holesch/not-my-board/internal/core"

// --- register_exporter ------------------------------------------------

// TCPInterfaceParams is one tcp-backed interface of a PartParams.
type TCPInterfaceParams struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// PartParams is the wire shape of one core.Part.
type PartParams struct {
	Compatible []string                      `json:"compatible"`
	TCP        map[string]TCPInterfaceParams `json:"tcp,omitempty"`
	USB        map[string]string             `json:"usb,omitempty"`
}

// RegisterExporterParams is the register_exporter request: the
// exporter's gateway address plus the places it publishes.
type RegisterExporterParams struct {
	Host  string       `json:"host"`
	Port  int          `json:"port"`
	Parts []PartParams `json:"parts"`
}

// RegisterExporterResult is the register_exporter response: the
// hub-assigned place ID for the single place this call registers. An
// exporter publishing multiple places calls register_exporter once
// per place (mirroring one ExportDescription file per place, §6).
type RegisterExporterResult struct {
	PlaceID int `json:"place_id"`
}

func partsFromCore(parts []core.Part) []PartParams {
	out := make([]PartParams, len(parts))
	for i, p := range parts {
		pp := PartParams{
			Compatible: p.Compatible,
			TCP:        make(map[string]TCPInterfaceParams, len(p.TCP)),
			USB:        make(map[string]string, len(p.USB)),
		}
		for name, iface := range p.TCP {
			pp.TCP[name] = TCPInterfaceParams{Host: iface.Host, Port: iface.Port}
		}
		for name, usbid := range p.USB {
			pp.USB[name] = usbid
		}
		out[i] = pp
	}
	return out
}

func partsToCore(parts []PartParams) []core.Part {
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

// --- reserve ------------------------------------------------------------

// LocalTCPParams is the wire shape of one requested tcp interface.
type LocalTCPParams struct {
	LocalPort int `json:"local_port"`
}

// PartSpecParams is the wire shape of one core.PartSpec.
type PartSpecParams struct {
	Compatible []string                  `json:"compatible"`
	TCP        map[string]LocalTCPParams `json:"tcp,omitempty"`
	USB        map[string]int            `json:"usb,omitempty"`
}

// ReserveParams is the reserve request. AutoReturnTimeSeconds is a
// pointer so the wire form can distinguish "omitted" (apply
// core.DefaultAutoReturnTime) from "explicitly 0" (disable
// auto-return), which a plain float64 with omitempty could not: both
// would otherwise marshal/unmarshal identically.
type ReserveParams struct {
	AutoReturnTimeSeconds *float64                  `json:"auto_return_time_seconds,omitempty"`
	Parts                 map[string]PartSpecParams `json:"parts"`
}

// ReserveResult is the reserve response: the assigned reservation ID
// and its initial state (Pending unless an immediate scheduler pass
// allocated it).
type ReserveResult struct {
	ReservationID int    `json:"reservation_id"`
	State         string `json:"state"`
}

func partSpecsToCore(parts map[string]PartSpecParams) map[string]core.PartSpec {
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

// --- return_reservation ---------------------------------------------------

// ReturnReservationParams is the return_reservation request.
type ReturnReservationParams struct {
	ReservationID int `json:"reservation_id"`
}

// --- notifications --------------------------------------------------------

// PlaceAvailableParams is the place_available notification, sent to the
// agent session owning a reservation once the scheduler allocates it a
// place: the place's gateway address, its parts, and the bearer token
// the agent presents to that gateway over CONNECT. ReservationID lets
// the agent correlate the notification to one of possibly several
// reservations pending on the same session.
type PlaceAvailableParams struct {
	ReservationID int          `json:"reservation_id"`
	PlaceID       int          `json:"place_id"`
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	Parts         []PartParams `json:"parts"`
	Token         string       `json:"token"`
}

// PlaceReservedParams is the place_reserved notification, sent to the
// exporter session owning a place once a reservation is allocated
// against it, so the gateway can authorize the reservation's token and
// source IP for CONNECT tunnels.
type PlaceReservedParams struct {
	PlaceID int    `json:"place_id"`
	PeerIP  string `json:"peer_ip"`
	Token   string `json:"token"`
}

// PlaceReturnedParams is the place_returned notification, sent to the
// exporter session that previously received place_reserved for
// PlaceID, once the reservation holding it ends for any reason:
// revokes the gateway's authorization for that place.
type PlaceReturnedParams struct {
	PlaceID int `json:"place_id"`
}

// ReservationLostParams is the reservation_lost notification, sent to
// the agent session owning a reservation when the hub force-returns it
// (AllocationLost, or its candidate set emptying) rather than the
// agent itself calling return_reservation (§8 scenario 3).
type ReservationLostParams struct {
	ReservationID int    `json:"reservation_id"`
	Reason        string `json:"reason"`
}
