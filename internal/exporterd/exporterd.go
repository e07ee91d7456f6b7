package exporterd

import (
	"crypto/tls"
	"log/slog"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/usbip"
)

// Exporter bundles the hub Session, the gateway Listener, and the
// uevent watcher for one published place, as cmd/notmyboard's exporter
// subcommand wires them into internal/transport.Serve.
type Exporter struct {
	Session *Session
	Gateway *Gateway
	Uevent  *UeventWatcher
}

// New loads the wiring for one place description: the managed USB bus
// IDs (for uevent handling), the gateway listener, and the hub
// session that publishes place and tracks its grants.
func New(hubURL, token string, place core.Place, gatewayAddress string, tlsCfg *tls.Config, log *slog.Logger) *Exporter {
	var managedBusIDs []string
	for _, p := range place.Parts {
		for _, busID := range p.USB {
			managedBusIDs = append(managedBusIDs, busID)
		}
	}

	places := newPlaceTable()
	grants := newGrantTable()
	catalog := newDeviceCatalog(managedBusIDs)
	waiter := usbip.NewBusWaiter()

	return &Exporter{
		Session: NewSession(hubURL, token, place, places, grants, log),
		Gateway: NewGateway(gatewayAddress, tlsCfg, places, grants, catalog, waiter, log),
		Uevent:  NewUeventWatcher(NewUeventHandler(catalog, waiter), log),
	}
}
