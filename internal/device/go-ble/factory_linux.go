//go:build linux

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory opens the HCI radio hci<hciDevice>. Without CAP_NET_RAW and
// CAP_NET_ADMIN the error matches ErrRadioPermission.
var DeviceFactory = func(hciDevice int) (ble.Device, error) {
	dev, err := linux.NewDevice(ble.OptDeviceID(hciDevice))
	if err != nil {
		return nil, fmt.Errorf("open hci%d: %w", hciDevice, NormalizeError(err))
	}
	return dev, nil
}
