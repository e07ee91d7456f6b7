package core

import "time"

// ReservationState is the lifecycle state of a Reservation.
// Transitions are Pending->Allocated->Returned, with Pending->Returned
// permitted directly (cancellation or candidate-set exhaustion).
type ReservationState string

const (
	StatePending   ReservationState = "pending"
	StateAllocated ReservationState = "allocated"
	StateReturned  ReservationState = "returned"
)

// ReturnReason records why a Reservation was moved to Returned when
// that wasn't a plain caller-initiated return.
type ReturnReason string

const (
	ReturnNone           ReturnReason = ""
	ReturnCandidatesGone ReturnReason = "CandidatesGone"
	ReturnExporterGone   ReturnReason = "ExporterGone"
	ReturnSessionClosed  ReturnReason = "SessionClosed"
)

// Subject identifies the principal that owns a Reservation.
type Subject struct {
	Principal string
	IP        string
}

// Reservation is a hub-owned grant of exclusive access to one Place.
type Reservation struct {
	ID         int
	Subject    Subject
	Spec       ImportSpec
	PlaceID    int // set once Allocated
	Assignment Assignment
	State      ReservationState
	Reason     ReturnReason
	Candidates []int // place IDs, in registration order, computed at Reserve time
	Token      string

	CreatedAt   time.Time
	AllocatedAt time.Time
	ReturnedAt  time.Time
}
