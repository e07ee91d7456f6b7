package exporterd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// usbDevicesPath is where the kernel exposes a symlink per USB device
// directory, appearing exactly when udev would otherwise fire an "add"
// uevent for it.
const usbDevicesPath = "/sys/bus/usb/devices"

// UeventWatcher drives UeventHandler.Handle without depending on a
// netlink uevent socket or an external udev rule: it watches
// usbDevicesPath for new entries with fsnotify and resolves each to
// its real sysfs device path. It implements internal/transport.Listener.
type UeventWatcher struct {
	handler *UeventHandler
	log     *slog.Logger
	path    string // usbDevicesPath, overridable in tests

	watcher *fsnotify.Watcher
}

// NewUeventWatcher wires a watcher that calls handler.Handle for every
// USB device that appears under usbDevicesPath.
func NewUeventWatcher(handler *UeventHandler, log *slog.Logger) *UeventWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &UeventWatcher{handler: handler, log: log.With("component", "exporter-uevent-watch"), path: usbDevicesPath}
}

// Start watches w.path until ctx is cancelled. A missing directory (no
// USB subsystem, e.g. in a container without USB passthrough) is not
// fatal: Start logs and blocks until ctx ends.
func (w *UeventWatcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.path); err != nil {
		w.log.Warn("usb devices path unavailable, uevent watching disabled", "path", w.path, "error", err)
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("exporter uevent watch: new watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return fmt.Errorf("exporter uevent watch: add %q: %w", w.path, err)
	}
	w.watcher = watcher

	w.log.Info("watching for usb devices", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				w.handleCreate(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("uevent watch error", "error", err)
		}
	}
}

func (w *UeventWatcher) handleCreate(entry string) {
	devpath, err := filepath.EvalSymlinks(entry)
	if err != nil {
		w.log.Debug("skip unresolved usb devices entry", "entry", entry, "error", err)
		return
	}
	if err := w.handler.Handle(devpath); err != nil {
		w.log.Warn("uevent handling failed", "devpath", devpath, "error", err)
	}
}

// Stop closes the filesystem watcher, causing Start to return.
func (w *UeventWatcher) Stop(context.Context) error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
