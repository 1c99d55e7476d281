package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Well-known GATT UUIDs (16-bit short form, normalized without dashes)
const (
	ServiceHeartRate = "180d"
	ServiceBattery   = "180f"

	CharacteristicHeartRateMeasurement = "2a37"
	CharacteristicBatteryLevel         = "2a19"
)

// ErrNoContact is returned for heart-rate measurements taken without skin contact.
var ErrNoContact = errors.New("no sensor contact")

// CharacteristicParser is a function that parses a characteristic value
type CharacteristicParser func([]byte) (interface{}, error)

// HeartRate is a decoded Heart Rate Measurement (0x2A37).
type HeartRate struct {
	BPM              uint16
	RR               []time.Duration
	Energy           int // kJ, -1 when absent
	Contact          bool
	ContactSupported bool
}

// parseHeartRate decodes a Heart Rate Measurement value.
//
//	| 0x10 | 0x8 | 0x4  0x2 | 0x1 |
//	|  rr  | nrg | scs  cnt | fmt |
func parseHeartRate(value []byte) (interface{}, error) {
	if len(value) < 2 {
		return nil, fmt.Errorf("heart rate measurement too short: %d bytes", len(value))
	}

	flags := value[0]
	wide := int(flags & 0x01)
	contactSupported := flags&0x04 != 0
	contact := flags&0x06 == 0x06
	energyPresent := flags&0x08 != 0
	rrPresent := flags&0x10 != 0

	if contactSupported && !contact {
		return &HeartRate{ContactSupported: true, Energy: -1}, ErrNoContact
	}

	need := 2 + wide
	if energyPresent {
		need += 2
	}
	if len(value) < need {
		return nil, fmt.Errorf("heart rate measurement truncated: %d bytes, need %d", len(value), need)
	}

	offset := 1
	var bpm uint16
	if wide == 1 {
		bpm = binary.LittleEndian.Uint16(value[offset:])
	} else {
		bpm = uint16(value[offset])
	}
	offset += 1 + wide

	energy := -1
	if energyPresent {
		energy = int(binary.LittleEndian.Uint16(value[offset:]))
		offset += 2
	}

	var rr []time.Duration
	if rrPresent {
		rrData := value[offset:]
		rr = make([]time.Duration, 0, len(rrData)/2)
		for i := 0; i+1 < len(rrData); i += 2 {
			rr = append(rr, time.Duration(binary.LittleEndian.Uint16(rrData[i:]))*time.Second/1024)
		}
	}

	return &HeartRate{
		BPM:              bpm,
		RR:               rr,
		Energy:           energy,
		Contact:          contact,
		ContactSupported: contactSupported,
	}, nil
}

// parseBatteryLevel decodes Battery Level (0x2A19) as a percentage.
func parseBatteryLevel(value []byte) (interface{}, error) {
	if len(value) != 1 {
		return nil, fmt.Errorf("battery level value must be 1 byte, got %d", len(value))
	}
	if value[0] > 100 {
		return nil, fmt.Errorf("battery level out of range: %d", value[0])
	}
	return int(value[0]), nil
}

// characteristicParsers maps normalized characteristic UUIDs to their parser functions
var characteristicParsers = map[string]CharacteristicParser{
	CharacteristicHeartRateMeasurement: parseHeartRate,
	CharacteristicBatteryLevel:         parseBatteryLevel,
}

// IsParsableCharacteristic returns true if the characteristic UUID supports value parsing
func IsParsableCharacteristic(uuid string) bool {
	_, exists := characteristicParsers[NormalizeUUID(uuid)]
	return exists
}

// ParseCharacteristicValue parses a characteristic value based on its UUID.
// Unknown characteristics yield (nil, nil).
func ParseCharacteristicValue(uuid string, value []byte) (interface{}, error) {
	parser, exists := characteristicParsers[NormalizeUUID(uuid)]
	if !exists {
		return nil, nil
	}

	return parser(value)
}
