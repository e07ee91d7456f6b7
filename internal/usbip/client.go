package usbip

import (
	"fmt"
	"io"
)

// Import runs the agent side of the OP_REQ_IMPORT control exchange
// over rw (the usb: CONNECT tunnel) and returns the imported device's
// info. Import blocks until the exporter's matching HostSession
// replies, which per §4.4 may itself be waiting on BusWaiter — so
// Import's own blocking is bounded only by rw's read deadline/ctx
// cancellation upstream of this call, not by a timeout here.
//
// After Import returns, the caller (internal/agentd's vhci client)
// stops using rw as a Go-level USB/IP peer and instead hands its
// underlying file descriptor to the VHCI driver's attach sysfs node:
// from that point the kernel's vhci-hcd exchanges submit/unlink/reply
// frames with the exporter directly over the raw socket.
func Import(rw io.ReadWriter, busID string) (DeviceInfo, error) {
	if err := WriteReqImport(rw, busID); err != nil {
		return DeviceInfo{}, fmt.Errorf("usbip import %s: %w", busID, err)
	}
	info, err := ReadRepImport(rw)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("usbip import %s: %w", busID, err)
	}
	return info, nil
}

// Devlist runs OP_REQ_DEVLIST over rw and returns the exporter's
// currently bound devices.
func Devlist(rw io.ReadWriter) ([]DeviceInfo, error) {
	if err := WriteReqDevlist(rw); err != nil {
		return nil, fmt.Errorf("usbip devlist: %w", err)
	}
	devices, err := ReadRepDevlist(rw)
	if err != nil {
		return nil, fmt.Errorf("usbip devlist: %w", err)
	}
	return devices, nil
}

// ControllerPort reports the VHCI controller port range a device of
// the given speed attaches to, per §4.5: High-Speed devices use ports
// [0,7], SuperSpeed devices use ports [8,15]. portNum is the
// requested index within that range (core.PartSpec.USB's value).
func ControllerPort(speed Speed, portNum int) (int, error) {
	switch speed {
	case SpeedHigh, SpeedFull, SpeedLow, SpeedUnknown:
		if portNum < 0 || portNum > 7 {
			return 0, fmt.Errorf("usbip: port_num %d out of range [0,7] for speed %v", portNum, speed)
		}
		return portNum, nil
	case SpeedSuper, SpeedWireless:
		if portNum < 0 || portNum > 7 {
			return 0, fmt.Errorf("usbip: port_num %d out of range [0,7] for speed %v", portNum, speed)
		}
		return portNum + 8, nil
	default:
		return 0, fmt.Errorf("usbip: unknown speed %v", speed)
	}
}
