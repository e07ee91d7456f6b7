// Package schema decodes the TOML description files from §6: the
// exporter's place description and the agent/board's import
// specification. Both are decoded with
// pelletier/go-toml/v2 and DisallowUnknownFields, per §9's "define
// explicit schema types with eager validation at the configuration
// boundary; reject unknown fields" — the opposite of the dynamic,
// attribute-style parsing the design notes call out as needing
// re-expression. This is deliberately a separate, stricter decoding
// path from internal/config's viper-based process settings (see
// internal/config/key.go's package doc).
package schema

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/holesch/not-my-board/internal/core"
)

// TCPInterface is the exporter-side description of one TCP-backed
// interface on a Part: the real host/port the gateway proxies to.
type TCPInterface struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// USBInterface is the exporter-side description of one USB-backed
// interface on a Part: the bus ID (e.g. "2-1") the uevent handler
// watches for.
type USBInterface struct {
	USBID string `toml:"usbid"`
}

// PartDescription is one entry of an ExportDescription's parts array.
type PartDescription struct {
	Compatible []string                `toml:"compatible"`
	TCP        map[string]TCPInterface `toml:"tcp"`
	USB        map[string]USBInterface `toml:"usb"`
}

// ExportDescription is the top-level shape of an exporter's place
// description file (spec.md §6: "exporter description has top-level
// port and array parts with compatible, tcp.<name>.{host,port},
// usb.<name>.{usbid}").
type ExportDescription struct {
	Port  int               `toml:"port"`
	Parts []PartDescription `toml:"parts"`
}

// DecodeExportDescription parses an exporter place description,
// rejecting any field not named above.
func DecodeExportDescription(data []byte) (ExportDescription, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc ExportDescription
	if err := dec.Decode(&doc); err != nil {
		return ExportDescription{}, fmt.Errorf("schema: decode export description: %w", err)
	}
	if doc.Port <= 0 || doc.Port > 65535 {
		return ExportDescription{}, fmt.Errorf("schema: export description: port %d out of range", doc.Port)
	}
	for i, p := range doc.Parts {
		if len(p.Compatible) == 0 {
			return ExportDescription{}, fmt.Errorf("schema: export description: parts[%d] has no compatible tags", i)
		}
	}
	return doc, nil
}

// ToPart converts a PartDescription into the internal/core
// representation used by the matcher.
func (p PartDescription) ToPart() core.Part {
	part := core.Part{
		Compatible: p.Compatible,
		TCP:        make(map[string]core.TCPEndpoint, len(p.TCP)),
		USB:        make(map[string]string, len(p.USB)),
	}
	for name, iface := range p.TCP {
		part.TCP[name] = core.TCPEndpoint{Host: iface.Host, Port: iface.Port}
	}
	for name, iface := range p.USB {
		part.USB[name] = iface.USBID
	}
	return part
}
