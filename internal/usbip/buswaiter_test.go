package usbip

import (
	"context"
	"testing"
	"time"
)

func TestBusWaiterReady(t *testing.T) {
	w := NewBusWaiter()
	done := make(chan error, 1)
	go func() {
		done <- w.Wait(context.Background(), "1-1")
	}()

	select {
	case err := <-done:
		t.Fatalf("Wait returned early with %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	w.Ready("1-1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Ready")
	}
}

func TestBusWaiterContextCancel(t *testing.T) {
	w := NewBusWaiter()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Wait(ctx, "1-1")
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after cancel")
	}
}

func TestBusWaiterMultipleWaiters(t *testing.T) {
	w := NewBusWaiter()
	const n = 3
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { done <- w.Wait(context.Background(), "2-1") }()
	}
	time.Sleep(20 * time.Millisecond)
	w.Ready("2-1")
	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("not every waiter unblocked")
		}
	}
}

func TestBusWaiterAlreadyReadyDoesNotBlockFuture(t *testing.T) {
	w := NewBusWaiter()
	w.Ready("3-1") // no waiters yet; should be a no-op, not a stuck signal
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := w.Wait(ctx, "3-1"); err == nil {
		t.Fatal("expected a stale Ready not to satisfy a later Wait")
	}
}
