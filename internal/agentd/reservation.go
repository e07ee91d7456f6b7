package agentd

import (
	"sync"
	"time"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hubapi"
)

// Reservation is one entry of the agent's in-memory reservation
// table, named by the CLI caller (or auto-generated) rather than by
// the hub's reservation ID, which the agent only learns once the
// reserve call returns.
type Reservation struct {
	mu sync.Mutex

	Name string
	Spec core.ImportSpec

	ID     int
	State  core.ReservationState
	Reason core.ReturnReason
	Token  string

	PlaceID   int
	PlaceHost string
	PlacePort int
	Parts     []hubapi.PartParams

	Materialized bool
	forwarders   map[string]*tcpForwarder
	attachments  map[string]*vhciAttachment

	ready     chan struct{} // closed once place_available is observed
	readyOnce sync.Once

	autoReturnTimer *time.Timer

	CreatedAt   time.Time
	AllocatedAt time.Time
	ReturnedAt  time.Time
}

func newReservation(name string, spec core.ImportSpec) *Reservation {
	return &Reservation{
		Name:      name,
		Spec:      spec,
		State:     core.StatePending,
		ready:     make(chan struct{}),
		CreatedAt: time.Now(),
	}
}

func (r *Reservation) markAllocated(params hubapi.PlaceAvailableParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = core.StateAllocated
	r.Token = params.Token
	r.PlaceID = params.PlaceID
	r.PlaceHost = params.Host
	r.PlacePort = params.Port
	r.Parts = params.Parts
	r.AllocatedAt = time.Now()
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *Reservation) markReturned(reason core.ReturnReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = core.StateReturned
	r.Reason = reason
	r.ReturnedAt = time.Now()
	r.readyOnce.Do(func() { close(r.ready) })
	if r.autoReturnTimer != nil {
		r.autoReturnTimer.Stop()
	}
}

// armAutoReturn (re)schedules fire to run d after now, cancelling any
// previously armed timer first. d<=0 disables the timer. Called on
// every successful attach and on edit, per spec.md §4.5/§9.
func (r *Reservation) armAutoReturn(d time.Duration, fire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.autoReturnTimer != nil {
		r.autoReturnTimer.Stop()
	}
	if d <= 0 {
		r.autoReturnTimer = nil
		return
	}
	r.autoReturnTimer = time.AfterFunc(d, fire)
}

// snapshot copies the fields relevant to a status/list query, under
// the reservation's own lock rather than the table's.
func (r *Reservation) snapshot() Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.forwarders = nil
	cp.attachments = nil
	return cp
}

// reservationTable is the agent's reservation directory: owned
// conceptually by a single task per spec.md §5 ("A's reservation
// table is owned by a single task; commands from the Unix socket are
// marshalled to that task"), implemented here as a mutex-guarded map
// in the same style as internal/hub.Hub's single-lock registry —
// commands from concurrent IPC connections serialize on this lock
// exactly as they would on a single actor's message queue.
type reservationTable struct {
	mu   sync.Mutex
	byName map[string]*Reservation
	byID   map[int]*Reservation

	// pendingAvailable buffers a place_available notification that
	// arrives (keyed by reservation ID) before indexByID has recorded
	// that ID, which can happen when the hub's scheduler allocates a
	// reservation in the same pass that creates it: the notification
	// is written to the wire before the reserve RPC's own response.
	pendingAvailable map[int]hubapi.PlaceAvailableParams
}

func newReservationTable() *reservationTable {
	return &reservationTable{
		byName:           make(map[string]*Reservation),
		byID:             make(map[int]*Reservation),
		pendingAvailable: make(map[int]hubapi.PlaceAvailableParams),
	}
}

func (t *reservationTable) put(r *Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[r.Name] = r
}

// indexByID records r's hub-assigned ID once the reserve call
// returns, applying any place_available notification that raced
// ahead of the response.
func (t *reservationTable) indexByID(r *Reservation) {
	t.mu.Lock()
	pending, ok := t.pendingAvailable[r.ID]
	if ok {
		delete(t.pendingAvailable, r.ID)
	}
	t.byID[r.ID] = r
	t.mu.Unlock()

	if ok {
		r.markAllocated(pending)
	}
}

func (t *reservationTable) getByName(name string) (*Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byName[name]
	return r, ok
}

func (t *reservationTable) getByID(id int) (*Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byID[id]
	return r, ok
}

// bufferAvailable records params for a reservation ID this table
// doesn't know yet, to be applied by a subsequent indexByID.
func (t *reservationTable) bufferAvailable(params hubapi.PlaceAvailableParams) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingAvailable[params.ReservationID] = params
}

func (t *reservationTable) remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byName[name]; ok {
		delete(t.byID, r.ID)
		delete(t.byName, name)
	}
}

func (t *reservationTable) list() []*Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Reservation, 0, len(t.byName))
	for _, r := range t.byName {
		out = append(out, r)
	}
	return out
}
