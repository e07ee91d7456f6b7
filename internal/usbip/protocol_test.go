package usbip

import (
	"bytes"
	"testing"
)

func TestDeviceInfoRoundTrip(t *testing.T) {
	want := DeviceInfo{
		Path:                "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-1",
		BusID:               "1-1",
		BusNum:              1,
		DevNum:              2,
		Speed:               SpeedHigh,
		IDVendor:            0x1234,
		IDProduct:           0x5678,
		BCDDevice:           0x0100,
		BDeviceClass:        9,
		BDeviceSubClass:     0,
		BDeviceProtocol:     1,
		BNumConfigurations:  1,
		BNumInterfaces:      0,
	}

	var buf bytes.Buffer
	if err := writeDeviceInfo(&buf, want); err != nil {
		t.Fatalf("writeDeviceInfo: %v", err)
	}
	got, err := readDeviceInfo(&buf)
	if err != nil {
		t.Fatalf("readDeviceInfo: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReqImportRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReqImport(&buf, "3-2"); err != nil {
		t.Fatalf("WriteReqImport: %v", err)
	}
	hdr, err := ReadOpHeader(&buf)
	if err != nil {
		t.Fatalf("ReadOpHeader: %v", err)
	}
	if hdr.Command != cmdReqImport {
		t.Fatalf("command = 0x%04x, want 0x%04x", hdr.Command, cmdReqImport)
	}
	busID, err := ReadReqImport(&buf)
	if err != nil {
		t.Fatalf("ReadReqImport: %v", err)
	}
	if busID != "3-2" {
		t.Fatalf("busID = %q, want %q", busID, "3-2")
	}
}

func TestRepImportRoundTrip(t *testing.T) {
	want := DeviceInfo{BusID: "1-1", BusNum: 1, DevNum: 1, Speed: SpeedSuper}
	var buf bytes.Buffer
	if err := WriteRepImport(&buf, 0, want); err != nil {
		t.Fatalf("WriteRepImport: %v", err)
	}
	got, err := ReadRepImport(&buf)
	if err != nil {
		t.Fatalf("ReadRepImport: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRepImportFailure(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRepImport(&buf, 1, DeviceInfo{}); err != nil {
		t.Fatalf("WriteRepImport: %v", err)
	}
	if _, err := ReadRepImport(&buf); err == nil {
		t.Fatal("expected an error for non-zero status")
	}
}

func TestDevlistRoundTrip(t *testing.T) {
	want := []DeviceInfo{
		{BusID: "1-1", BusNum: 1, DevNum: 1, Speed: SpeedHigh},
		{BusID: "1-2", BusNum: 1, DevNum: 2, Speed: SpeedSuper, BNumInterfaces: 2},
	}
	var buf bytes.Buffer
	if err := WriteRepDevlist(&buf, want); err != nil {
		t.Fatalf("WriteRepDevlist: %v", err)
	}
	got, err := ReadRepDevlist(&buf)
	if err != nil {
		t.Fatalf("ReadRepDevlist: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d devices, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("device %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	want := SubmitRequest{
		Seqnum:         42,
		DevID:          7,
		Direction:      DirOut,
		Endpoint:       2,
		TransferBuffer: []byte("payload"),
		TransferLength: 7,
	}
	var buf bytes.Buffer
	if err := WriteSubmit(&buf, want); err != nil {
		t.Fatalf("WriteSubmit: %v", err)
	}
	cmd, err := ReadURBCommand(&buf)
	if err != nil {
		t.Fatalf("ReadURBCommand: %v", err)
	}
	if cmd != cmdSubmit {
		t.Fatalf("command = 0x%08x, want 0x%08x", cmd, cmdSubmit)
	}
	got, err := ReadSubmit(&buf)
	if err != nil {
		t.Fatalf("ReadSubmit: %v", err)
	}
	if got.Seqnum != want.Seqnum || got.DevID != want.DevID || got.Direction != want.Direction {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.TransferBuffer, want.TransferBuffer) {
		t.Fatalf("transfer buffer = %q, want %q", got.TransferBuffer, want.TransferBuffer)
	}
}

func TestSubmitReplyRoundTrip(t *testing.T) {
	want := SubmitReply{
		Seqnum:         42,
		DevID:          7,
		Status:         0,
		ActualLength:   4,
		TransferBuffer: []byte("data"),
	}
	var buf bytes.Buffer
	if err := WriteSubmitReply(&buf, want); err != nil {
		t.Fatalf("WriteSubmitReply: %v", err)
	}
	cmd, err := ReadURBCommand(&buf)
	if err != nil {
		t.Fatalf("ReadURBCommand: %v", err)
	}
	if cmd != cmdURBReply {
		t.Fatalf("command = 0x%08x, want 0x%08x", cmd, cmdURBReply)
	}
	got, err := ReadSubmitReply(&buf, true)
	if err != nil {
		t.Fatalf("ReadSubmitReply: %v", err)
	}
	if got.Seqnum != want.Seqnum || got.ActualLength != want.ActualLength {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.TransferBuffer, want.TransferBuffer) {
		t.Fatalf("transfer buffer = %q, want %q", got.TransferBuffer, want.TransferBuffer)
	}
}

func TestUnlinkRoundTrip(t *testing.T) {
	want := UnlinkRequest{Seqnum: 10, DevID: 3, UnlinkSeqnum: 9}
	var buf bytes.Buffer
	if err := WriteUnlink(&buf, want); err != nil {
		t.Fatalf("WriteUnlink: %v", err)
	}
	cmd, err := ReadURBCommand(&buf)
	if err != nil {
		t.Fatalf("ReadURBCommand: %v", err)
	}
	if cmd != cmdUnlink {
		t.Fatalf("command = 0x%08x, want 0x%08x", cmd, cmdUnlink)
	}
	got, err := ReadUnlink(&buf)
	if err != nil {
		t.Fatalf("ReadUnlink: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestUnlinkReplyRoundTrip(t *testing.T) {
	want := UnlinkReply{Seqnum: 10, DevID: 3, Status: ECONNRESET}
	var buf bytes.Buffer
	if err := WriteUnlinkReply(&buf, want); err != nil {
		t.Fatalf("WriteUnlinkReply: %v", err)
	}
	cmd, err := ReadURBCommand(&buf)
	if err != nil {
		t.Fatalf("ReadURBCommand: %v", err)
	}
	if cmd != cmdUnlinkReply {
		t.Fatalf("command = 0x%08x, want 0x%08x", cmd, cmdUnlinkReply)
	}
	got, err := ReadUnlinkReply(&buf)
	if err != nil {
		t.Fatalf("ReadUnlinkReply: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestControllerPort(t *testing.T) {
	tests := []struct {
		name    string
		speed   Speed
		portNum int
		want    int
		wantErr bool
	}{
		{name: "high speed port 0", speed: SpeedHigh, portNum: 0, want: 0},
		{name: "high speed port 7", speed: SpeedHigh, portNum: 7, want: 7},
		{name: "super speed port 0", speed: SpeedSuper, portNum: 0, want: 8},
		{name: "super speed port 7", speed: SpeedSuper, portNum: 7, want: 15},
		{name: "out of range", speed: SpeedHigh, portNum: 8, wantErr: true},
		{name: "negative", speed: SpeedSuper, portNum: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ControllerPort(tt.speed, tt.portNum)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ControllerPort: %v", err)
			}
			if got != tt.want {
				t.Fatalf("port = %d, want %d", got, tt.want)
			}
		})
	}
}
