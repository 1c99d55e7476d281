package main

import (
	"errors"
	"strings"

	"github.com/srg/companiond/internal/bluez"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/config"
	"github.com/srg/companiond/internal/device"
	goble "github.com/srg/companiond/internal/device/go-ble"
)

// Command-level errors
var (
	// ErrNoAssociations is returned by run when there is nothing to watch.
	ErrNoAssociations = errors.New("no associated devices")
)

// FormatUserError turns an error into a message with a hint on how to fix
// it, when one is known.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	var hint string
	switch {
	case errors.Is(err, ErrNoAssociations):
		hint = "associate a device first: companiond associate <address>"
	case errors.Is(err, config.ErrAssociationExists):
		hint = "the device is already associated, see: companiond associations"
	case errors.Is(err, config.ErrAssociationNotFound):
		hint = "list associated devices with: companiond associations"
	case errors.Is(err, bluez.ErrAdapterOff), errors.Is(err, device.ErrBluetoothOff):
		hint = "turn Bluetooth on, for example: bluetoothctl power on"
	case errors.Is(err, companion.ErrPermissionDenied), errors.Is(err, goble.ErrRadioPermission):
		hint = "grant the binary raw Bluetooth access: sudo setcap cap_net_raw,cap_net_admin+eip $(which companiond)"
	case errors.Is(err, config.ErrAdapterShared):
		hint = "pass --hci-device with a second controller, or use --presence scan"
	case strings.Contains(msg, "org.bluez not found"):
		hint = "start BlueZ (systemctl start bluetooth) or use --presence scan"
	}

	if hint == "" {
		return msg
	}
	return msg + "\n  hint: " + hint
}
