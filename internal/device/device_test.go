package device_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/srg/companiond/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionError(t *testing.T) {
	wrapped := fmt.Errorf("dial: %w", &device.ConnectionError{State: device.NotConnected, Msg: "link lost"})

	assert.ErrorIs(t, wrapped, device.ErrNotConnected)
	assert.NotErrorIs(t, wrapped, device.ErrAlreadyConnected)
	assert.True(t, device.IsConnectionState(wrapped, device.NotConnected))
	assert.False(t, device.IsConnectionState(errors.New("plain"), device.NotConnected))
	assert.Equal(t, "not_connected: link lost", errors.Unwrap(wrapped).Error())
	assert.Equal(t, "already_connected", device.ErrAlreadyConnected.Error())
}

func TestNotFoundError(t *testing.T) {
	tests := []struct {
		err      *device.NotFoundError
		expected string
	}{
		{&device.NotFoundError{Resource: "service"}, "service not found"},
		{&device.NotFoundError{Resource: "service", UUIDs: []string{"180d"}}, `service "180d" not found`},
		{&device.NotFoundError{Resource: "characteristic", UUIDs: []string{"180d", "2a37"}}, `characteristic "2a37" not found in service "180d"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.err.Error())
	}
}

func TestNormalizeUUID(t *testing.T) {
	tests := map[string]string{
		"180D":                                 "180d",
		"0x2A37":                               "2a37",
		"0000180d-0000-1000-8000-00805f9b34fb": "180d",
		"6E400001-B5A3-F393-E0A9-E50E24DCCA9E": "6e400001b5a3f393e0a9e50e24dcca9e",
	}
	for in, want := range tests {
		assert.Equal(t, want, device.NormalizeUUID(in), in)
	}
	assert.Equal(t, []string{"180d", "2a19"}, device.NormalizeUUIDs([]string{"180D", "2A19"}))
}

func TestParseHeartRate(t *testing.T) {
	t.Run("8-bit value without contact support", func(t *testing.T) {
		v, err := device.ParseCharacteristicValue("2A37", []byte{0x00, 75})
		require.NoError(t, err)
		hr := v.(*device.HeartRate)
		assert.Equal(t, uint16(75), hr.BPM)
		assert.Equal(t, -1, hr.Energy)
		assert.Nil(t, hr.RR)
	})

	t.Run("16-bit value with energy and rr intervals", func(t *testing.T) {
		v, err := device.ParseCharacteristicValue("2a37", []byte{0x1F, 0x2C, 0x01, 0x10, 0x00, 0x00, 0x04})
		require.NoError(t, err)
		hr := v.(*device.HeartRate)
		assert.Equal(t, uint16(300), hr.BPM)
		assert.Equal(t, 16, hr.Energy)
		assert.True(t, hr.Contact)
		assert.Equal(t, []time.Duration{time.Second}, hr.RR)
	})

	t.Run("contact supported but missing", func(t *testing.T) {
		_, err := device.ParseCharacteristicValue("2a37", []byte{0x04, 80})
		assert.ErrorIs(t, err, device.ErrNoContact)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := device.ParseCharacteristicValue("2a37", []byte{0x01, 0x2C})
		assert.Error(t, err)
	})
}

func TestParseBatteryLevel(t *testing.T) {
	v, err := device.ParseCharacteristicValue("2A19", []byte{85})
	require.NoError(t, err)
	assert.Equal(t, 85, v)

	_, err = device.ParseCharacteristicValue("2A19", []byte{101})
	assert.Error(t, err)

	v, err = device.ParseCharacteristicValue("2A00", []byte{1})
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, device.IsParsableCharacteristic("2A00"))
	assert.True(t, device.IsParsableCharacteristic("0x2A37"))
}

func TestParsePolarManufacturerData(t *testing.T) {
	t.Run("decodes status and heart rate", func(t *testing.T) {
		v, err := device.ParseManufacturerData(device.UnknownCompanyID, []byte{0x6B, 0x00, 0x07, 0x20, 0x42})
		require.NoError(t, err)
		p := v.(*device.PolarManufacturerData)
		assert.True(t, p.BatteryOK)
		assert.True(t, p.Contact)
		assert.Equal(t, uint8(1), p.FrameCounter)
		assert.Equal(t, uint8(0x42), p.HR)
		assert.Equal(t, "Polar Electro Oy", p.VendorName())
	})

	t.Run("too short", func(t *testing.T) {
		_, err := device.ParseManufacturerData(device.PolarCompanyID, []byte{0x6B, 0x00, 0x01})
		assert.Error(t, err)
	})

	t.Run("unknown company is not an error", func(t *testing.T) {
		v, err := device.ParseManufacturerData(device.UnknownCompanyID, []byte{0x4C, 0x00, 0x02})
		assert.NoError(t, err)
		assert.Nil(t, v)
		assert.False(t, device.IsParsableManufacturerData(0x004C))
	})
}

func TestPolarDeviceID(t *testing.T) {
	assert.Equal(t, "A1B2C3D4", device.PolarDeviceID("Polar H10 A1B2C3D4"))
	assert.Equal(t, "", device.PolarDeviceID("Garmin HRM"))
	assert.Equal(t, "", device.PolarDeviceID("Polar"))
}
