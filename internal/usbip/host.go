package usbip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// HostSession runs the exporter side of one usb: tunnel: the
// OP_REQ_DEVLIST/OP_REQ_IMPORT control exchange, then the per-URB
// submit/unlink/reply loop (§4.4), forwarding each URB to catalog's
// matching Device. Unlike the agent side (internal/agentd's vhci
// client), the exporter never hands the raw connection off to a
// kernel driver: it implements the wire protocol itself so the import
// can block on BusWaiter before a device exists.
type HostSession struct {
	rw      io.ReadWriter
	catalog Catalog
	waiter  *BusWaiter
	log     *slog.Logger
}

// NewHostSession wraps rw (the accepted usb: CONNECT tunnel, already
// stripped of its CONNECT prefix).
func NewHostSession(rw io.ReadWriter, catalog Catalog, waiter *BusWaiter, log *slog.Logger) *HostSession {
	if log == nil {
		log = slog.Default()
	}
	return &HostSession{rw: rw, catalog: catalog, waiter: waiter, log: log.With("component", "usbip-host")}
}

// Serve handles control requests until the requested bus ID is
// imported, then runs the URB loop until rw errors or reaches EOF;
// cancelling ctx aborts a pending import wait and cancels in-flight
// URBs, but does not by itself end the URB loop. It blocks on
// OP_REQ_IMPORT per §4.4's deviation from
// upstream usbip, waiting for catalog to report the bus ID rather than
// failing immediately.
func (s *HostSession) Serve(ctx context.Context) error {
	for {
		hdr, err := ReadOpHeader(s.rw)
		if err != nil {
			return fmt.Errorf("usbip host: read control header: %w", err)
		}
		switch hdr.Command {
		case cmdReqDevlist:
			if err := WriteRepDevlist(s.rw, s.catalog.List()); err != nil {
				return fmt.Errorf("usbip host: reply devlist: %w", err)
			}
		case cmdReqImport:
			busID, err := ReadReqImport(s.rw)
			if err != nil {
				return fmt.Errorf("usbip host: read import request: %w", err)
			}
			return s.serveImport(ctx, busID)
		default:
			return fmt.Errorf("usbip host: unexpected control command 0x%04x", hdr.Command)
		}
	}
}

func (s *HostSession) serveImport(ctx context.Context, busID string) error {
	if _, _, ok := s.catalog.Lookup(busID); !ok {
		s.log.Info("import blocked, waiting for device", "bus_id", busID)
		if err := s.waiter.Wait(ctx, busID); err != nil {
			return fmt.Errorf("usbip host: wait for %s: %w", busID, err)
		}
	}
	info, dev, ok := s.catalog.Lookup(busID)
	if !ok {
		if err := WriteRepImport(s.rw, 1, DeviceInfo{}); err != nil {
			return fmt.Errorf("usbip host: reply failed import: %w", err)
		}
		return fmt.Errorf("usbip host: bus %s still unbound after wait", busID)
	}
	if err := WriteRepImport(s.rw, 0, info); err != nil {
		return fmt.Errorf("usbip host: reply import: %w", err)
	}
	if dev == nil {
		return fmt.Errorf("usbip host: bus %s bound but has no Device backend", busID)
	}
	return s.serveURBs(ctx, dev)
}

// serveURBs runs the per-connection submit/unlink/reply loop: each
// SubmitRequest is dispatched to dev on its own goroutine so concurrent
// URBs on different endpoints complete out of order, while Unlink
// requests cancel the matching in-flight submission by Seqnum.
func (s *HostSession) serveURBs(ctx context.Context, dev Device) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	inflight := make(map[uint32]context.CancelFunc)

	var writeMu sync.Mutex
	writeReply := func(rep SubmitReply) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteSubmitReply(s.rw, rep)
	}
	writeUnlinkReply := func(rep UnlinkReply) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteUnlinkReply(s.rw, rep)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		cmd, err := ReadURBCommand(s.rw)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("usbip host: read URB command: %w", err)
		}

		switch cmd {
		case cmdSubmit:
			req, err := ReadSubmit(s.rw)
			if err != nil {
				return fmt.Errorf("usbip host: read submit: %w", err)
			}
			urbCtx, urbCancel := context.WithCancel(ctx)
			mu.Lock()
			inflight[req.Seqnum] = urbCancel
			mu.Unlock()

			wg.Add(1)
			go func(req SubmitRequest) {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(inflight, req.Seqnum)
					mu.Unlock()
				}()

				rep, err := dev.Submit(urbCtx, req)
				if err != nil {
					rep = SubmitReply{Seqnum: req.Seqnum, DevID: req.DevID, Status: ECONNRESET}
				}
				if err := writeReply(rep); err != nil {
					s.log.Warn("write submit reply failed", "error", err)
				}
			}(req)

		case cmdUnlink:
			req, err := ReadUnlink(s.rw)
			if err != nil {
				return fmt.Errorf("usbip host: read unlink: %w", err)
			}
			mu.Lock()
			if cancel, ok := inflight[req.UnlinkSeqnum]; ok {
				cancel()
			}
			mu.Unlock()
			if err := writeUnlinkReply(UnlinkReply{Seqnum: req.Seqnum, DevID: req.DevID, Status: ECONNRESET}); err != nil {
				return fmt.Errorf("usbip host: write unlink reply: %w", err)
			}

		default:
			return fmt.Errorf("usbip host: unexpected URB command 0x%08x", cmd)
		}
	}
}
