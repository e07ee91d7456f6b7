package usbip

import "context"

// Device submits URBs against one bound USB device and cancels
// in-flight ones by sequence number. A production exporter backs this
// with usbdevfs ioctls (USBDEVFS_SUBMITURB/REAPURB/DISCARDURB) against
// the device node usbip-host bound busID to; that backend is outside
// this package's scope (it needs CGO or golang.org/x/sys/unix raw
// ioctl plumbing keyed to a real kernel device node, which cannot be
// exercised without physical hardware) — HostSession only needs this
// interface, so tests substitute an in-memory fake.
type Device interface {
	// Submit runs req and returns its completion. It blocks until the
	// URB completes or ctx is cancelled (cancellation must still
	// produce a SubmitReply so HostSession can reply on the wire,
	// conventionally with Status ECONNRESET).
	Submit(ctx context.Context, req SubmitRequest) (SubmitReply, error)
}

// Catalog resolves the USB devices currently bound to usbip-host, for
// OP_REQ_DEVLIST/OP_REQ_IMPORT.
type Catalog interface {
	// Lookup returns the DeviceInfo and a Device handle for busID, or
	// ok=false if busID is not currently bound.
	Lookup(busID string) (info DeviceInfo, dev Device, ok bool)
	// List returns every currently bound device, for OP_REQ_DEVLIST.
	List() []DeviceInfo
}
