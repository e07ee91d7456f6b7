package exporterd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestUeventWatcher(t *testing.T, dir string) *UeventWatcher {
	t.Helper()
	catalog := newDeviceCatalog(nil) // nothing managed: Handle is a no-op for every entry
	handler := NewUeventHandler(catalog, nil)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewUeventWatcher(handler, log)
	w.path = dir
	return w
}

func TestUeventWatcherMissingPathIsNotFatal(t *testing.T) {
	t.Parallel()

	w := newTestUeventWatcher(t, filepath.Join(t.TempDir(), "does-not-exist"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := w.Start(ctx)
	if err != nil {
		t.Fatalf("Start on a missing path returned %v, want nil", err)
	}
}

func TestUeventWatcherContextCancelUnblocksStart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := newTestUeventWatcher(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give Start time to reach its event loop before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v after context cancellation, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestUeventWatcherDispatchesUnmanagedEntryWithoutError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := newTestUeventWatcher(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)

	// An unmanaged bus ID: handleCreate resolves the symlink/file and
	// calls handler.Handle, which returns nil immediately because the
	// catalog has no managed bus IDs, so no real sysfs interaction is
	// attempted.
	if err := os.WriteFile(filepath.Join(dir, "1-1"), nil, 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestUeventWatcherHandleCreateSkipsUnresolvedEntry(t *testing.T) {
	t.Parallel()

	w := newTestUeventWatcher(t, t.TempDir())
	// A nonexistent entry fails filepath.EvalSymlinks; handleCreate must
	// not panic, it just logs and returns.
	w.handleCreate(filepath.Join(t.TempDir(), "ghost"))
}

func TestUeventWatcherStopWithoutStartIsNoop(t *testing.T) {
	t.Parallel()

	w := newTestUeventWatcher(t, t.TempDir())
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start returned %v, want nil", err)
	}
}
