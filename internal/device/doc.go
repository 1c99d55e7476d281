// Package device defines the BLE abstractions companiond talks to: advertisements
// seen while scanning, heart-rate readings decoded from GATT notifications and
// from vendor broadcast frames, and the connection error taxonomy shared by the
// go-ble backed implementation in the go-ble subpackage.
package device
