package usbip

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	reply SubmitReply
}

func (d *fakeDevice) Submit(ctx context.Context, req SubmitRequest) (SubmitReply, error) {
	select {
	case <-ctx.Done():
		return SubmitReply{}, ctx.Err()
	default:
	}
	rep := d.reply
	rep.Seqnum = req.Seqnum
	rep.DevID = req.DevID
	return rep, nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	devices map[string]DeviceInfo
	dev     Device
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{devices: make(map[string]DeviceInfo), dev: &fakeDevice{reply: SubmitReply{ActualLength: 4, TransferBuffer: []byte("data")}}}
}

func (c *fakeCatalog) add(info DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[info.BusID] = info
}

func (c *fakeCatalog) Lookup(busID string) (DeviceInfo, Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.devices[busID]
	return info, c.dev, ok
}

func (c *fakeCatalog) List() []DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceInfo, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

func TestHostSessionImportAlreadyBound(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.add(DeviceInfo{BusID: "1-1", BusNum: 1, DevNum: 1, Speed: SpeedHigh})
	waiter := NewBusWaiter()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	session := NewHostSession(serverConn, catalog, waiter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- session.Serve(ctx) }()

	info, err := Import(clientConn, "1-1")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if info.BusID != "1-1" || info.Speed != SpeedHigh {
		t.Fatalf("got %+v, want bus 1-1 high speed", info)
	}

	if err := WriteSubmit(clientConn, SubmitRequest{Seqnum: 1, DevID: 1, Direction: DirIn, TransferLength: 4}); err != nil {
		t.Fatalf("WriteSubmit: %v", err)
	}
	cmd, err := ReadURBCommand(clientConn)
	if err != nil {
		t.Fatalf("ReadURBCommand: %v", err)
	}
	if cmd != cmdURBReply {
		t.Fatalf("command = 0x%08x, want submit reply", cmd)
	}
	rep, err := ReadSubmitReply(clientConn, true)
	if err != nil {
		t.Fatalf("ReadSubmitReply: %v", err)
	}
	if rep.Seqnum != 1 || string(rep.TransferBuffer) != "data" {
		t.Fatalf("got %+v, want seqnum 1 with data", rep)
	}

	cancel()
	clientConn.Close()
	select {
	case <-serveErr:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestHostSessionImportBlocksUntilReady(t *testing.T) {
	catalog := newFakeCatalog()
	waiter := NewBusWaiter()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	session := NewHostSession(serverConn, catalog, waiter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Serve(ctx)

	importDone := make(chan struct{})
	go func() {
		if _, err := Import(clientConn, "2-1"); err != nil {
			t.Errorf("Import: %v", err)
		}
		close(importDone)
	}()

	select {
	case <-importDone:
		t.Fatal("Import returned before the device was bound")
	case <-time.After(30 * time.Millisecond):
	}

	catalog.add(DeviceInfo{BusID: "2-1", Speed: SpeedSuper})
	waiter.Ready("2-1")

	select {
	case <-importDone:
	case <-time.After(time.Second):
		t.Fatal("Import did not unblock once the device was bound")
	}
}

func TestHostSessionDevlist(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.add(DeviceInfo{BusID: "1-1", Speed: SpeedHigh})
	catalog.add(DeviceInfo{BusID: "1-2", Speed: SpeedSuper})
	waiter := NewBusWaiter()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	session := NewHostSession(serverConn, catalog, waiter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Serve(ctx)

	devices, err := Devlist(clientConn)
	if err != nil {
		t.Fatalf("Devlist: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
}
