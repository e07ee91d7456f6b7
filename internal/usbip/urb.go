package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubmitRequest is a USBIP_CMD_SUBMIT frame: a request to run one URB
// against devid/ep. Concurrent URBs on the same stream are
// multiplexed by Seqnum (§4.4); an Unlink referencing Seqnum cancels
// it.
type SubmitRequest struct {
	Seqnum          uint32
	DevID           uint32
	Direction       Direction
	Endpoint        uint32
	TransferFlags   uint32
	TransferBuffer  []byte // present when Direction == DirOut
	TransferLength  uint32 // requested length when Direction == DirIn
	StartFrame      uint32
	NumberOfPackets uint32
	Interval        uint32
	Setup           [8]byte
}

// SubmitReply is a USBIP_RET_SUBMIT frame completing the SubmitRequest
// with matching Seqnum.
type SubmitReply struct {
	Seqnum          uint32
	DevID           uint32
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	TransferBuffer  []byte // present when the original request was DirIn
}

// UnlinkRequest is a USBIP_CMD_UNLINK frame cancelling the in-flight
// SubmitRequest with UnlinkSeqnum.
type UnlinkRequest struct {
	Seqnum       uint32
	DevID        uint32
	Direction    Direction
	Endpoint     uint32
	UnlinkSeqnum uint32
}

// UnlinkReply is a USBIP_RET_UNLINK frame; Status is -ECONNRESET (-104)
// on success, matching the usbip-core convention.
type UnlinkReply struct {
	Seqnum uint32
	DevID  uint32
	Status int32
}

// ECONNRESET is the status UnlinkReply carries when the cancelled URB
// was in flight, per the Linux usbip-core convention an unlink
// completing the target URB's reply observes.
const ECONNRESET int32 = -104

// WriteSubmit writes a USBIP_CMD_SUBMIT frame.
func WriteSubmit(w io.Writer, req SubmitRequest) error {
	if err := writeU32(w, cmdSubmit); err != nil {
		return err
	}
	fields := []uint32{
		req.Seqnum, req.DevID, uint32(req.Direction), req.Endpoint,
		req.TransferFlags, req.TransferLength, req.StartFrame,
		req.NumberOfPackets, req.Interval,
	}
	for _, f := range fields {
		if err := writeU32(w, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(req.Setup[:]); err != nil {
		return fmt.Errorf("write setup: %w", err)
	}
	if req.Direction == DirOut {
		if _, err := w.Write(req.TransferBuffer); err != nil {
			return fmt.Errorf("write transfer buffer: %w", err)
		}
	}
	return nil
}

// ReadSubmit reads a USBIP_CMD_SUBMIT frame's body (the leading
// command word already consumed by the caller's dispatch loop).
func ReadSubmit(r io.Reader) (SubmitRequest, error) {
	var req SubmitRequest
	var direction uint32
	fields := []*uint32{
		&req.Seqnum, &req.DevID, &direction, &req.Endpoint,
		&req.TransferFlags, &req.TransferLength, &req.StartFrame,
		&req.NumberOfPackets, &req.Interval,
	}
	for _, f := range fields {
		v, err := readU32(r)
		if err != nil {
			return SubmitRequest{}, err
		}
		*f = v
	}
	req.Direction = Direction(direction)
	if _, err := io.ReadFull(r, req.Setup[:]); err != nil {
		return SubmitRequest{}, fmt.Errorf("read setup: %w", err)
	}
	if req.Direction == DirOut {
		buf := make([]byte, req.TransferLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return SubmitRequest{}, fmt.Errorf("read transfer buffer: %w", err)
		}
		req.TransferBuffer = buf
	}
	return req, nil
}

// WriteSubmitReply writes a USBIP_RET_SUBMIT frame.
func WriteSubmitReply(w io.Writer, rep SubmitReply) error {
	if err := writeU32(w, cmdURBReply); err != nil {
		return err
	}
	fields := []uint32{
		rep.Seqnum, rep.DevID, uint32(rep.Status), rep.ActualLength,
		rep.StartFrame, rep.NumberOfPackets, rep.ErrorCount,
	}
	for _, f := range fields {
		if err := writeU32(w, f); err != nil {
			return err
		}
	}
	var padding [8]byte
	if _, err := w.Write(padding[:]); err != nil {
		return fmt.Errorf("write reply padding: %w", err)
	}
	if _, err := w.Write(rep.TransferBuffer); err != nil {
		return fmt.Errorf("write reply buffer: %w", err)
	}
	return nil
}

// ReadSubmitReply reads a USBIP_RET_SUBMIT frame's body given the
// expected transfer direction of the original request (the reply
// carries no direction field of its own).
func ReadSubmitReply(r io.Reader, wantBuffer bool) (SubmitReply, error) {
	var rep SubmitReply
	var status, actualLen, startFrame, numPackets, errCount uint32
	fields := []*uint32{&rep.Seqnum, &rep.DevID, &status, &actualLen, &startFrame, &numPackets, &errCount}
	for _, f := range fields {
		v, err := readU32(r)
		if err != nil {
			return SubmitReply{}, err
		}
		*f = v
	}
	rep.Status = int32(status)
	rep.ActualLength = actualLen
	rep.StartFrame = startFrame
	rep.NumberOfPackets = numPackets
	rep.ErrorCount = errCount

	var padding [8]byte
	if _, err := io.ReadFull(r, padding[:]); err != nil {
		return SubmitReply{}, fmt.Errorf("read reply padding: %w", err)
	}
	if wantBuffer && rep.ActualLength > 0 {
		buf := make([]byte, rep.ActualLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return SubmitReply{}, fmt.Errorf("read reply buffer: %w", err)
		}
		rep.TransferBuffer = buf
	}
	return rep, nil
}

// WriteUnlink writes a USBIP_CMD_UNLINK frame.
func WriteUnlink(w io.Writer, req UnlinkRequest) error {
	if err := writeU32(w, cmdUnlink); err != nil {
		return err
	}
	fields := []uint32{req.Seqnum, req.DevID, uint32(req.Direction), req.Endpoint, req.UnlinkSeqnum}
	for _, f := range fields {
		if err := writeU32(w, f); err != nil {
			return err
		}
	}
	var padding [24]byte
	_, err := w.Write(padding[:])
	return err
}

// ReadUnlink reads a USBIP_CMD_UNLINK frame's body.
func ReadUnlink(r io.Reader) (UnlinkRequest, error) {
	var req UnlinkRequest
	var direction uint32
	fields := []*uint32{&req.Seqnum, &req.DevID, &direction, &req.Endpoint, &req.UnlinkSeqnum}
	for _, f := range fields {
		v, err := readU32(r)
		if err != nil {
			return UnlinkRequest{}, err
		}
		*f = v
	}
	req.Direction = Direction(direction)
	var padding [24]byte
	if _, err := io.ReadFull(r, padding[:]); err != nil {
		return UnlinkRequest{}, fmt.Errorf("read unlink padding: %w", err)
	}
	return req, nil
}

// WriteUnlinkReply writes a USBIP_RET_UNLINK frame.
func WriteUnlinkReply(w io.Writer, rep UnlinkReply) error {
	if err := writeU32(w, cmdUnlinkReply); err != nil {
		return err
	}
	if err := writeU32(w, rep.Seqnum); err != nil {
		return err
	}
	if err := writeU32(w, rep.DevID); err != nil {
		return err
	}
	if err := writeU32(w, uint32(rep.Status)); err != nil {
		return err
	}
	var padding [24]byte
	_, err := w.Write(padding[:])
	return err
}

// ReadUnlinkReply reads a USBIP_RET_UNLINK frame's body.
func ReadUnlinkReply(r io.Reader) (UnlinkReply, error) {
	var rep UnlinkReply
	var status uint32
	fields := []*uint32{&rep.Seqnum, &rep.DevID, &status}
	for _, f := range fields {
		v, err := readU32(r)
		if err != nil {
			return UnlinkReply{}, err
		}
		*f = v
	}
	rep.Status = int32(status)
	var padding [24]byte
	if _, err := io.ReadFull(r, padding[:]); err != nil {
		return UnlinkReply{}, fmt.Errorf("read unlink reply padding: %w", err)
	}
	return rep, nil
}

// ReadURBCommand peeks the leading 32-bit command word of a
// submit/unlink frame so the caller's dispatch loop can branch before
// reading the rest of the body.
func ReadURBCommand(r io.Reader) (uint32, error) {
	return readU32(r)
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
