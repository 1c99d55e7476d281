package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/companiond/internal/device"
)

// ErrRadioPermission is returned when the HCI socket cannot be opened for
// lack of privileges.
var ErrRadioPermission = errors.New("no permission to open the bluetooth radio")

// errorPatterns maps go-ble error text (darwin and linux backends) to the
// device error taxonomy. Matched case-insensitively, first match wins.
var errorPatterns = []struct {
	substr string
	target error
}{
	{"central manager has invalid state: have=4", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"can't init hci", device.ErrBluetoothOff},
	{"operation not permitted", ErrRadioPermission},
	{"device already connected", device.ErrAlreadyConnected},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"connection is not initialized", device.ErrNotInitialized},
}

// NormalizeError wraps a go-ble error with the matching device sentinel so
// callers can use errors.Is. The original message is kept.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(msg, p.substr) {
			return fmt.Errorf("%w: %v", p.target, err)
		}
	}
	return err
}
