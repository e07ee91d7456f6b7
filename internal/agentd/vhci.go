package agentd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/holesch/not-my-board/internal/usbip"
)

// VHCI sysfs control nodes (§4.5, §6): writing "<port> <sockfd> <devid>
// <speed>" to attach hands the already-imported socket's file
// descriptor to the kernel's vhci-hcd driver, which takes over
// submit/unlink/reply traffic directly; writing the port number to
// detach releases it.
const (
	vhciAttachPath = "/sys/devices/platform/vhci_hcd.0/attach"
	vhciDetachPath = "/sys/devices/platform/vhci_hcd.0/detach"
)

// vhciAttachment is one materialized usb interface: a CONNECT tunnel
// whose control handshake has completed and whose socket has been
// handed off to vhci-hcd at the recorded controller port.
type vhciAttachment struct {
	conn net.Conn
	port int
}

func attachUSB(ctx context.Context, gatewayHost string, gatewayPort int, tlsCfg *tls.Config, token string, placeID int, busID string, portNum int, log *slog.Logger) (*vhciAttachment, error) {
	authority := fmt.Sprintf("usb:%s@%d", busID, placeID)
	conn, br, err := dialGatewayConnect(ctx, gatewayHost, gatewayPort, tlsCfg, authority, token)
	if err != nil {
		return nil, err
	}

	rw := &bufReadWriter{r: br, w: conn}
	info, err := usbip.Import(rw, busID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent: usbip import %s: %w", busID, err)
	}

	vport, err := usbip.ControllerPort(info.Speed, portNum)
	if err != nil {
		conn.Close()
		return nil, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("agent: vhci attach requires a raw TCP connection, got %T", conn)
	}
	file, err := tcpConn.File()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent: get tunnel socket fd: %w", err)
	}
	defer file.Close()

	devID := (info.BusNum << 16) | info.DevNum
	attachLine := fmt.Sprintf("%d %d %d %d", vport, file.Fd(), devID, info.Speed)
	if err := os.WriteFile(vhciAttachPath, []byte(attachLine), 0o200); err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent: vhci attach %s at port %d: %w", busID, vport, err)
	}

	log.Info("vhci attached", "bus_id", busID, "port", vport, "speed", info.Speed)
	return &vhciAttachment{conn: conn, port: vport}, nil
}

func (a *vhciAttachment) Close() error {
	err := os.WriteFile(vhciDetachPath, []byte(fmt.Sprintf("%d", a.port)), 0o200)
	a.conn.Close()
	return err
}
