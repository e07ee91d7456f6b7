package exporterd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/holesch/not-my-board/internal/usbip"
)

// usbipHostDriverPath is the sysfs path of the usbip-host driver,
// whose match_busid and bind nodes §4.3's device-manager integration
// writes to.
const usbipHostDriverPath = "/sys/bus/usb/drivers/usbip-host"

// deviceCatalog implements usbip.Catalog over the set of bus IDs this
// exporter currently manages (i.e. that appear in some published
// part's usb map) and have been bound to usbip-host by Handle.
// A production backend resolves DeviceInfo/usbip.Device from the
// bound device's usbfs node (/dev/bus/usb/BBB/DDD); that ioctl
// plumbing is outside this package's scope (see internal/usbip/device.go's
// doc comment) so bind only records the metadata Handle reads
// from sysfs, leaving the Device handle nil until a real backend is
// wired in.
type deviceCatalog struct {
	mu      sync.RWMutex
	managed map[string]struct{} // bus IDs named by some published part
	bound   map[string]usbip.DeviceInfo
}

func newDeviceCatalog(managedBusIDs []string) *deviceCatalog {
	managed := make(map[string]struct{}, len(managedBusIDs))
	for _, id := range managedBusIDs {
		managed[id] = struct{}{}
	}
	return &deviceCatalog{managed: managed, bound: make(map[string]usbip.DeviceInfo)}
}

func (c *deviceCatalog) isManaged(busID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.managed[busID]
	return ok
}

func (c *deviceCatalog) bind(info usbip.DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound[info.BusID] = info
}

func (c *deviceCatalog) unbind(busID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bound, busID)
}

// Lookup implements usbip.Catalog.
func (c *deviceCatalog) Lookup(busID string) (usbip.DeviceInfo, usbip.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.bound[busID]
	return info, nil, ok
}

// List implements usbip.Catalog.
func (c *deviceCatalog) List() []usbip.DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]usbip.DeviceInfo, 0, len(c.bound))
	for _, d := range c.bound {
		out = append(out, d)
	}
	return out
}

// UeventHandler implements the uevent(devpath) entry point §4.3
// names: invoked by the platform device manager whenever a USB device
// appears. If the device's bus ID is one this exporter manages, it
// unbinds any existing driver, binds usbip-host, and signals waiter so
// a blocked OP_REQ_IMPORT on that bus ID unblocks. Unmanaged devices
// are left to the default driver ("don't probe twice").
type UeventHandler struct {
	catalog *deviceCatalog
	waiter  *usbip.BusWaiter
}

// NewUeventHandler wires catalog/waiter populated by the exporter's
// startup wiring (internal/exporterd.New).
func NewUeventHandler(catalog *deviceCatalog, waiter *usbip.BusWaiter) *UeventHandler {
	return &UeventHandler{catalog: catalog, waiter: waiter}
}

// Handle processes one uevent for devpath (a sysfs device path such as
// "/sys/devices/pci0000:00/.../usb1/1-1"). busID is devpath's final
// path element, the USB/IP bus ID convention ("<bus>-<port>[.<port>...]").
func (h *UeventHandler) Handle(devpath string) error {
	busID := filepath.Base(devpath)
	if !h.catalog.isManaged(busID) {
		return nil // defer to the default driver
	}

	if err := unbindExistingDriver(devpath); err != nil {
		return fmt.Errorf("uevent %s: unbind existing driver: %w", busID, err)
	}
	if err := bindUsbipHost(busID); err != nil {
		return fmt.Errorf("uevent %s: bind usbip-host: %w", busID, err)
	}

	info, err := readDeviceInfo(devpath, busID)
	if err != nil {
		return fmt.Errorf("uevent %s: read device info: %w", busID, err)
	}
	h.catalog.bind(info)
	h.waiter.Ready(busID)
	return nil
}

func unbindExistingDriver(devpath string) error {
	driverLink := filepath.Join(devpath, "driver")
	target, err := os.Readlink(driverLink)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no driver currently bound
		}
		return err
	}
	unbindPath := filepath.Join(target, "unbind")
	busID := filepath.Base(devpath)
	return os.WriteFile(unbindPath, []byte(busID), 0o200)
}

func bindUsbipHost(busID string) error {
	if err := os.WriteFile(filepath.Join(usbipHostDriverPath, "match_busid"), []byte(busID), 0o200); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(usbipHostDriverPath, "bind"), []byte(busID), 0o200)
}

// readDeviceInfo reads the sysfs attributes usbip-core reports in
// OP_REP_IMPORT (busnum, devnum, speed, descriptor fields) for the
// device at devpath.
func readDeviceInfo(devpath, busID string) (usbip.DeviceInfo, error) {
	busnum, err := readSysfsUint(filepath.Join(devpath, "busnum"))
	if err != nil {
		return usbip.DeviceInfo{}, err
	}
	devnum, err := readSysfsUint(filepath.Join(devpath, "devnum"))
	if err != nil {
		return usbip.DeviceInfo{}, err
	}
	speed, err := readSysfsSpeed(filepath.Join(devpath, "speed"))
	if err != nil {
		return usbip.DeviceInfo{}, err
	}
	idVendor, _ := readSysfsHex16(filepath.Join(devpath, "idVendor"))
	idProduct, _ := readSysfsHex16(filepath.Join(devpath, "idProduct"))

	return usbip.DeviceInfo{
		Path:      devpath,
		BusID:     busID,
		BusNum:    uint32(busnum),
		DevNum:    uint32(devnum),
		Speed:     speed,
		IDVendor:  idVendor,
		IDProduct: idProduct,
	}, nil
}

func readSysfsUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v uint64
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func readSysfsHex16(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v uint16
	if _, err := fmt.Sscanf(string(data), "%x", &v); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// readSysfsSpeed maps the kernel's "speed" sysfs value (in Mbps, as a
// string like "480" or "5000") to a usbip.Speed.
func readSysfsSpeed(path string) (usbip.Speed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return usbip.SpeedUnknown, err
	}
	var mbps int
	if _, err := fmt.Sscanf(string(data), "%d", &mbps); err != nil {
		return usbip.SpeedUnknown, fmt.Errorf("parse %s: %w", path, err)
	}
	switch {
	case mbps >= 5000:
		return usbip.SpeedSuper, nil
	case mbps >= 480:
		return usbip.SpeedHigh, nil
	case mbps >= 12:
		return usbip.SpeedFull, nil
	default:
		return usbip.SpeedLow, nil
	}
}
