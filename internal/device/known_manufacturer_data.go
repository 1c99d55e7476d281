package device

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// UnknownCompanyID is a sentinel value indicating the company ID should be
	// extracted from the raw manufacturer data (first 2 bytes, little-endian).
	UnknownCompanyID uint16 = 0

	// PolarCompanyID is the Bluetooth SIG company identifier of Polar Electro Oy.
	PolarCompanyID uint16 = 0x006B
)

// ManufacturerDataParser parses company-specific manufacturer data
type ManufacturerDataParser func([]byte) (interface{}, error)

// VendorInfo interface allows parsed manufacturer data to expose vendor information.
type VendorInfo interface {
	VendorID() uint16
	VendorName() string
}

// manufacturerDataParsers maps company IDs to their parser functions
var manufacturerDataParsers = map[uint16]ManufacturerDataParser{
	PolarCompanyID: parsePolarManufacturerData,
}

// ParseManufacturerData parses BLE manufacturer data for a specific company.
//
// If companyID is UnknownCompanyID the id is taken from rawData[0:2]
// (little-endian). Unknown companies yield (nil, nil).
func ParseManufacturerData(companyID uint16, rawData []byte) (interface{}, error) {
	var id uint16

	if companyID == UnknownCompanyID {
		if len(rawData) < 2 {
			return nil, fmt.Errorf("manufacturer data too short: %d bytes", len(rawData))
		}
		id = binary.LittleEndian.Uint16(rawData[0:2])
	} else {
		id = companyID
	}

	parser, exists := manufacturerDataParsers[id]
	if !exists {
		return nil, nil
	}

	return parser(rawData)
}

// IsParsableManufacturerData returns true if a parser exists for the company ID
func IsParsableManufacturerData(companyID uint16) bool {
	_, exists := manufacturerDataParsers[companyID]
	return exists
}

// -----------------------------------------------------------------------------
// Polar heart-rate broadcast
// -----------------------------------------------------------------------------

// PolarManufacturerData is the heart-rate broadcast a Polar sensor places in its
// advertisements while worn.
//
// Format (at least 4 bytes):
//   - Bytes 0-1: Company ID (0x006B)
//   - Byte 2:    Status (bit 0 battery ok, bit 1 sensor contact, bits 2-4 frame counter)
//   - Bytes 3..: Vendor payload, the last byte is the heart rate in bpm
type PolarManufacturerData struct {
	BatteryOK    bool
	Contact      bool
	FrameCounter uint8
	HR           uint8
}

// VendorID implements VendorInfo interface
func (p *PolarManufacturerData) VendorID() uint16 {
	return PolarCompanyID
}

// VendorName implements VendorInfo interface
func (p *PolarManufacturerData) VendorName() string {
	return "Polar Electro Oy"
}

func parsePolarManufacturerData(data []byte) (interface{}, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("polar manufacturer data too short: %d bytes, expected at least 4", len(data))
	}
	if id := binary.LittleEndian.Uint16(data[0:2]); id != PolarCompanyID {
		return nil, fmt.Errorf("not polar manufacturer data: company 0x%04X", id)
	}

	status := data[2]
	return &PolarManufacturerData{
		BatteryOK:    status&0x01 != 0,
		Contact:      status&0x02 != 0,
		FrameCounter: (status & 0x1C) >> 2,
		HR:           data[len(data)-1],
	}, nil
}

// PolarDeviceID extracts the sensor id from a "Polar <model> <id>" local name.
// It returns "" for names that do not follow the convention.
func PolarDeviceID(localName string) string {
	fields := strings.Fields(localName)
	if len(fields) < 3 || fields[0] != "Polar" {
		return ""
	}
	return fields[len(fields)-1]
}
