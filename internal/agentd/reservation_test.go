package agentd

import (
	"testing"
	"time"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hubapi"
)

func TestReservationArmAutoReturnFires(t *testing.T) {
	t.Parallel()

	r := newReservation("board-a", core.ImportSpec{})
	fired := make(chan struct{})
	r.armAutoReturn(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("auto-return timer never fired")
	}
}

func TestReservationArmAutoReturnRearmCancelsPrevious(t *testing.T) {
	t.Parallel()

	r := newReservation("board-a", core.ImportSpec{})
	firstFired := make(chan struct{})
	r.armAutoReturn(5*time.Millisecond, func() { close(firstFired) })

	// Re-arm with a duration <= 0 before the first timer fires: this
	// must cancel it outright, per armAutoReturn's "d<=0 disables the
	// timer" contract.
	r.armAutoReturn(0, func() {})

	select {
	case <-firstFired:
		t.Fatal("previous auto-return timer fired after being disabled")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestReservationMarkAllocatedClosesReadyOnce(t *testing.T) {
	t.Parallel()

	r := newReservation("board-a", core.ImportSpec{})
	r.markAllocated(hubapi.PlaceAvailableParams{ReservationID: 1, PlaceID: 7})

	select {
	case <-r.ready:
	default:
		t.Fatal("ready channel not closed after markAllocated")
	}
	if r.State != core.StateAllocated {
		t.Fatalf("state = %s, want %s", r.State, core.StateAllocated)
	}
	if r.PlaceID != 7 {
		t.Fatalf("place id = %d, want 7", r.PlaceID)
	}

	// markReturned must not panic on an already-closed ready channel.
	r.markReturned(core.ReturnNone)
	if r.State != core.StateReturned {
		t.Fatalf("state = %s, want %s", r.State, core.StateReturned)
	}
}

func TestReservationTableBufferedAvailableAppliesOnIndex(t *testing.T) {
	t.Parallel()

	table := newReservationTable()
	r := newReservation("board-a", core.ImportSpec{})
	r.ID = 42

	// A place_available notification for this ID arrives before the
	// reserve call's own response has been indexed by ID.
	table.bufferAvailable(hubapi.PlaceAvailableParams{ReservationID: 42, PlaceID: 99})

	if _, ok := table.getByID(42); ok {
		t.Fatal("reservation indexed before indexByID was called")
	}

	table.indexByID(r)

	got, ok := table.getByID(42)
	if !ok {
		t.Fatal("reservation not indexed by ID")
	}
	if got != r {
		t.Fatal("getByID returned a different reservation")
	}
	if r.State != core.StateAllocated {
		t.Fatalf("buffered place_available was not applied, state = %s", r.State)
	}
	if r.PlaceID != 99 {
		t.Fatalf("place id = %d, want 99", r.PlaceID)
	}
}

func TestReservationTableRemove(t *testing.T) {
	t.Parallel()

	table := newReservationTable()
	r := newReservation("board-a", core.ImportSpec{})
	r.ID = 5
	table.put(r)
	table.indexByID(r)

	table.remove("board-a")

	if _, ok := table.getByName("board-a"); ok {
		t.Fatal("reservation still indexed by name after remove")
	}
	if _, ok := table.getByID(5); ok {
		t.Fatal("reservation still indexed by ID after remove")
	}
}
