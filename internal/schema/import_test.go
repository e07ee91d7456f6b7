package schema

import (
	"testing"
	"time"

	"github.com/holesch/not-my-board/internal/core"
)

func TestToImportSpecDefaultsAutoReturnTimeWhenOmitted(t *testing.T) {
	doc, err := DecodeImportDescription([]byte(`
[parts.main]
compatible = ["board"]
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	spec, err := doc.ToImportSpec()
	if err != nil {
		t.Fatalf("ToImportSpec: %v", err)
	}
	if spec.AutoReturnTime != core.DefaultAutoReturnTime {
		t.Fatalf("AutoReturnTime = %v, want default %v", spec.AutoReturnTime, core.DefaultAutoReturnTime)
	}
}

func TestToImportSpecExplicitZeroDisablesAutoReturn(t *testing.T) {
	doc, err := DecodeImportDescription([]byte(`
auto_return_time = "0s"
[parts.main]
compatible = ["board"]
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	spec, err := doc.ToImportSpec()
	if err != nil {
		t.Fatalf("ToImportSpec: %v", err)
	}
	if spec.AutoReturnTime != 0 {
		t.Fatalf("AutoReturnTime = %v, want 0 (disabled)", spec.AutoReturnTime)
	}
}

func TestToImportSpecExplicitDuration(t *testing.T) {
	doc, err := DecodeImportDescription([]byte(`
auto_return_time = "30m"
[parts.main]
compatible = ["board"]
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	spec, err := doc.ToImportSpec()
	if err != nil {
		t.Fatalf("ToImportSpec: %v", err)
	}
	if spec.AutoReturnTime != 30*time.Minute {
		t.Fatalf("AutoReturnTime = %v, want 30m", spec.AutoReturnTime)
	}
}

func TestDecodeImportDescriptionRejectsInvalidDuration(t *testing.T) {
	_, err := DecodeImportDescription([]byte(`
auto_return_time = "not-a-duration"
[parts.main]
compatible = ["board"]
`))
	if err == nil {
		t.Fatal("expected an error for an invalid auto_return_time")
	}
}

func TestDecodeImportDescriptionRejectsUnknownFields(t *testing.T) {
	_, err := DecodeImportDescription([]byte(`
bogus_field = "x"
[parts.main]
compatible = ["board"]
`))
	if err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestDecodeImportDescriptionRejectsUSBPortOutOfRange(t *testing.T) {
	_, err := DecodeImportDescription([]byte(`
[parts.main]
compatible = ["board"]
[parts.main.usb.iface]
port_num = 8
`))
	if err == nil {
		t.Fatal("expected an error for port_num out of [0,7]")
	}
}
