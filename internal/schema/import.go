package schema

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/holesch/not-my-board/internal/core"
)

// LocalTCP is the agent-side description of where a TCP-backed
// interface should be forwarded locally.
type LocalTCP struct {
	LocalPort int `toml:"local_port"`
}

// LocalUSB is the agent-side description of which VHCI port a
// USB-backed interface should attach to.
type LocalUSB struct {
	PortNum int `toml:"port_num"`
}

// PartSpecDescription is one entry of an ImportDescription's parts table.
type PartSpecDescription struct {
	Compatible []string            `toml:"compatible"`
	TCP        map[string]LocalTCP `toml:"tcp"`
	USB        map[string]LocalUSB `toml:"usb"`
}

// ImportDescription is the top-level shape of an import specification
// file (spec.md §6: "import description has auto_return_time and
// table parts.<name> with compatible, tcp.<name>.{local_port},
// usb.<name>.{port_num} in [0,7]"). An omitted auto_return_time
// defaults to core.DefaultAutoReturnTime (§3: "default 10h, 0
// disables"); AutoReturnTime being the empty string is exactly that
// "omitted" case, since a duration string can never unmarshal to "".
type ImportDescription struct {
	AutoReturnTime string                         `toml:"auto_return_time"`
	Parts          map[string]PartSpecDescription `toml:"parts"`
}

// DecodeImportDescription parses an import specification, rejecting
// any field not named above and eagerly validating port_num ranges
// and duration syntax.
func DecodeImportDescription(data []byte) (ImportDescription, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc ImportDescription
	if err := dec.Decode(&doc); err != nil {
		return ImportDescription{}, fmt.Errorf("schema: decode import description: %w", err)
	}

	if doc.AutoReturnTime != "" {
		if _, err := time.ParseDuration(doc.AutoReturnTime); err != nil {
			return ImportDescription{}, fmt.Errorf("schema: import description: auto_return_time: %w", err)
		}
	}
	for name, p := range doc.Parts {
		for iface, usb := range p.USB {
			if usb.PortNum < 0 || usb.PortNum > 7 {
				return ImportDescription{}, fmt.Errorf("schema: import description: parts.%s.usb.%s: port_num %d out of range [0,7]", name, iface, usb.PortNum)
			}
		}
	}
	return doc, nil
}

// ToImportSpec converts a decoded ImportDescription into the
// internal/core representation used by the matcher and the hub's
// reserve call.
func (doc ImportDescription) ToImportSpec() (core.ImportSpec, error) {
	spec := core.ImportSpec{
		AutoReturnTime: core.DefaultAutoReturnTime,
		Parts:          make(map[string]core.PartSpec, len(doc.Parts)),
	}
	if doc.AutoReturnTime != "" {
		d, err := time.ParseDuration(doc.AutoReturnTime)
		if err != nil {
			return core.ImportSpec{}, fmt.Errorf("schema: auto_return_time: %w", err)
		}
		spec.AutoReturnTime = d
	}
	for name, p := range doc.Parts {
		partSpec := core.PartSpec{
			Compatible: p.Compatible,
			TCP:        make(map[string]core.LocalTCP, len(p.TCP)),
			USB:        make(map[string]int, len(p.USB)),
		}
		for iface, tcp := range p.TCP {
			partSpec.TCP[iface] = core.LocalTCP{LocalPort: tcp.LocalPort}
		}
		for iface, usb := range p.USB {
			partSpec.USB[iface] = usb.PortNum
		}
		spec.Parts[name] = partSpec
	}
	return spec, nil
}
