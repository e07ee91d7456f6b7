package hub

import "github.com/holesch/not-my-board/internal/core"

// Notifier delivers the four hub-to-peer notifications named in
// §4.1 over each session's control channel. internal/hubapi
// implements this by looking up the rpc.Conn registered for a
// core.SessionID and sending the named JSON-RPC notification;
// internal/hub never imports internal/rpc directly so the registry
// and scheduler stay transport-free, mirroring the teacher's
// internal/core packages (domain state, no adapter imports).
type Notifier interface {
	// PlaceAvailable is place_available(place_id, host, port, parts,
	// token), sent to the agent session owning res once the
	// scheduler allocates it place.
	PlaceAvailable(agentSession core.SessionID, res core.Reservation, place core.Place)
	// PlaceReserved is place_reserved(place_id, peer_ip, token), sent
	// to the exporter session owning place once res is allocated to
	// it, so the gateway can authorize res's token and source IP.
	PlaceReserved(exporterSession core.SessionID, res core.Reservation, place core.Place)
	// PlaceReturned is place_returned(place_id), sent to the exporter
	// session that previously received PlaceReserved for placeID,
	// once the reservation holding it ends for any reason.
	PlaceReturned(exporterSession core.SessionID, placeID int)
	// ReservationLost is reservation_lost(reservation_id, reason),
	// sent to the agent session owning res when the hub force-returns
	// it (AllocationLost or its candidate set emptying) rather than
	// the agent returning it itself.
	ReservationLost(agentSession core.SessionID, res core.Reservation)
}
