// Package hub implements the registry, matcher, and scheduler from
// §4.1: a single mutex-guarded domain-state owner, mirroring the
// teacher's internal/core.SessionStore (internal/core/session.go) —
// typed accessor methods over maps guarded by one lock, with
// potentially-blocking side effects (notifications) issued after the
// state mutation rather than while holding it, wherever that split is
// safe to make.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holesch/not-my-board/internal/core"
)

type placeRecord struct {
	place core.Place
	owner core.SessionID
}

type reservationRecord struct {
	res          *core.Reservation
	agentSession core.SessionID
}

// Hub owns the places, reservations, and session-ownership tables and
// runs the FIFO matching pass (§4.1, §5 "the scheduler in H is
// serialized") synchronously under its own lock after every state
// transition.
type Hub struct {
	mu       sync.Mutex
	notifier Notifier
	log      *slog.Logger
	metrics  *Metrics

	places      map[int]*placeRecord
	nextPlaceID int

	reservations      map[int]*reservationRecord
	nextReservationID int

	sessionPlaces       map[core.SessionID][]int
	sessionReservations map[core.SessionID][]int

	history *History
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option { return func(h *Hub) { h.metrics = m } }

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option { return func(h *Hub) { h.log = log } }

// SetNotifier installs notifier after construction, for the common
// case where the Notifier implementation (internal/hubapi.Server)
// itself needs a reference to this Hub and so cannot exist before it.
// Callers must install it before the Hub starts serving any sessions.
func (h *Hub) SetNotifier(notifier Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifier = notifier
}

// New returns a Hub with empty state. notifier delivers the
// place_reserved/place_returned/reservation_lost notifications the
// scheduler produces; historySize bounds the Returned-reservation
// ring buffer.
func New(notifier Notifier, historySize int, opts ...Option) *Hub {
	h := &Hub{
		notifier:            notifier,
		log:                 slog.Default().With("component", "hub"),
		places:              make(map[int]*placeRecord),
		reservations:        make(map[int]*reservationRecord),
		sessionPlaces:       make(map[core.SessionID][]int),
		sessionReservations: make(map[core.SessionID][]int),
		history:             NewHistory(historySize),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterExporter adds places owned by session, assigning each a
// fresh place ID, and runs a scheduler pass since the new places may
// satisfy already-pending reservations. It returns the assigned IDs
// in the same order as places.
func (h *Hub) RegisterExporter(session core.SessionID, places []core.Place) []int {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]int, len(places))
	for i, p := range places {
		h.nextPlaceID++
		id := h.nextPlaceID
		p.ID = id
		p.Owner = session
		p.Available = true
		h.places[id] = &placeRecord{place: p, owner: session}
		h.sessionPlaces[session] = append(h.sessionPlaces[session], id)
		ids[i] = id
	}

	h.runSchedulerPass()
	return ids
}

// DeregisterSession removes every place owned by session and returns
// every reservation owned by session, cascading AllocationLost to
// reservations that were Allocated against one of session's places
// (§8 "no place allocated to a reservation whose owning session has
// closed"; §8 scenario 3, exporter crash).
func (h *Hub) DeregisterSession(session core.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	placeIDs := h.sessionPlaces[session]
	delete(h.sessionPlaces, session)
	for _, placeID := range placeIDs {
		delete(h.places, placeID)
		for _, rec := range h.reservations {
			if rec.res.State == core.StateAllocated && rec.res.PlaceID == placeID {
				h.completeReturn(rec, core.ReturnExporterGone, session)
			}
		}
	}

	resIDs := h.sessionReservations[session]
	delete(h.sessionReservations, session)
	for _, resID := range resIDs {
		rec, ok := h.reservations[resID]
		if !ok || rec.res.State == core.StateReturned {
			continue
		}
		h.completeReturn(rec, core.ReturnSessionClosed, h.ownerOfLocked(rec.res))
	}

	h.runSchedulerPass()
}

// Reserve enqueues a new Pending reservation for session (the
// requesting agent) against spec, returning core.ErrNoMatch if no
// currently-registered place is a candidate. A non-empty candidate
// set at enqueue time does not guarantee allocation: the scheduler
// may still leave it Pending if every candidate is already allocated
// to an earlier reservation.
func (h *Hub) Reserve(session core.SessionID, subject core.Subject, spec core.ImportSpec) (core.Reservation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	candidates := h.candidatesLocked(spec)
	if len(candidates) == 0 {
		return core.Reservation{}, core.ErrNoMatch
	}

	h.nextReservationID++
	res := &core.Reservation{
		ID:         h.nextReservationID,
		Subject:    subject,
		Spec:       spec,
		State:      core.StatePending,
		Candidates: candidates,
		Token:      uuid.NewString(),
		CreatedAt:  time.Now(),
	}
	h.reservations[res.ID] = &reservationRecord{res: res, agentSession: session}
	h.sessionReservations[session] = append(h.sessionReservations[session], res.ID)

	h.runSchedulerPass()
	return *res, nil
}

// ReturnReservation ends reservation id early on behalf of session,
// the agent session that owns it. Returning an already-Returned
// reservation is a no-op (§8 "multiple return calls... the second is
// a no-op").
func (h *Hub) ReturnReservation(session core.SessionID, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.reservations[id]
	if !ok {
		return core.NewDomainError(core.CodeProtocol, "unknown reservation %d", id)
	}
	if rec.agentSession != session {
		return core.NewDomainError(core.CodeAuth, "reservation %d is not owned by this session", id)
	}
	if rec.res.State == core.StateReturned {
		return nil
	}

	h.completeReturn(rec, core.ReturnNone, h.ownerOfLocked(rec.res))
	h.runSchedulerPass()
	return nil
}

// Reservation returns a snapshot of reservation id.
func (h *Hub) Reservation(id int) (core.Reservation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.reservations[id]
	if !ok {
		return core.Reservation{}, false
	}
	return *rec.res, true
}

// Places returns a snapshot of every registered place, ordered by ID.
func (h *Hub) Places() []core.Place {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.Place, 0, len(h.places))
	for _, rec := range h.places {
		out = append(out, rec.place)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the retained Returned reservations, oldest first.
func (h *Hub) History() []core.Reservation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Snapshot()
}

// ownerOfLocked returns the SessionID owning res's place, or the zero
// SessionID if res was never allocated or its place is gone. Callers
// must hold h.mu.
func (h *Hub) ownerOfLocked(res *core.Reservation) core.SessionID {
	if rec, ok := h.places[res.PlaceID]; ok {
		return rec.owner
	}
	return 0
}

// candidatesLocked returns the IDs of every registered place (all are
// marked Available by RegisterExporter) that is a candidate (§3) for
// spec, ascending by ID, whether or not it is currently allocated.
// Callers must hold h.mu.
func (h *Hub) candidatesLocked(spec core.ImportSpec) []int {
	var ids []int
	for id, rec := range h.places {
		if !rec.place.Available {
			continue
		}
		if core.IsCandidate(spec, rec.place) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// completeReturn transitions rec to Returned, records it in history,
// and notifies the previously-allocated exporter (place_returned, if
// exporterSession is non-zero) plus, for reasons the agent didn't
// itself request (AllocationLost, CandidatesGone), the owning agent
// (reservation_lost). An agent's own explicit return_reservation call
// (ReturnNone) gets no push back to that same agent — it already
// knows. Callers must hold h.mu.
func (h *Hub) completeReturn(rec *reservationRecord, reason core.ReturnReason, exporterSession core.SessionID) {
	res := rec.res
	placeID := res.PlaceID
	res.State = core.StateReturned
	res.Reason = reason
	res.ReturnedAt = time.Now()
	h.history.Add(*res)

	if exporterSession != 0 {
		h.notifier.PlaceReturned(exporterSession, placeID)
	}
	switch reason {
	case core.ReturnExporterGone, core.ReturnCandidatesGone:
		h.notifier.ReservationLost(rec.agentSession, *res)
	}
}

// runSchedulerPass performs one FIFO walk of Pending reservations
// (ascending by ID, i.e. enqueue order), assigning each the first
// still-free candidate place it admits a valid assignment against
// (§4.1, §8 "FIFO fairness"). Callers must hold h.mu.
func (h *Hub) runSchedulerPass() {
	if h.metrics != nil {
		h.metrics.schedulerPasses.Inc()
	}

	var pendingIDs []int
	allocatedPlaces := make(map[int]bool)
	for id, rec := range h.reservations {
		switch rec.res.State {
		case core.StatePending:
			pendingIDs = append(pendingIDs, id)
		case core.StateAllocated:
			allocatedPlaces[rec.res.PlaceID] = true
		}
	}
	sort.Ints(pendingIDs)

	stillPending := 0
	for _, id := range pendingIDs {
		rec := h.reservations[id]
		res := rec.res

		candidates := h.candidatesLocked(res.Spec)
		res.Candidates = candidates
		if len(candidates) == 0 {
			h.completeReturn(rec, core.ReturnCandidatesGone, 0)
			continue
		}

		var chosenPlaceID int
		var assignment core.Assignment
		for _, placeID := range candidates {
			if allocatedPlaces[placeID] {
				continue
			}
			placeRec := h.places[placeID]
			a, ok := core.Candidate(res.Spec, placeRec.place)
			if !ok {
				continue
			}
			chosenPlaceID, assignment = placeID, a
			break
		}
		if chosenPlaceID == 0 {
			stillPending++
			continue
		}

		res.PlaceID = chosenPlaceID
		res.Assignment = assignment
		res.State = core.StateAllocated
		res.AllocatedAt = time.Now()
		allocatedPlaces[chosenPlaceID] = true

		placeRec := h.places[chosenPlaceID]
		h.notifier.PlaceAvailable(rec.agentSession, *res, placeRec.place)
		h.notifier.PlaceReserved(placeRec.owner, *res, placeRec.place)
	}

	if h.metrics != nil {
		h.metrics.places.Set(float64(len(h.places)))
		h.metrics.pending.Set(float64(stillPending))
		h.metrics.allocated.Set(float64(len(allocatedPlaces)))
	}
}
