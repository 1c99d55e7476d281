package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/companiond/internal/device"
)

// GATTClient is the part of ble.Client a heart-rate connection needs.
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Adapter is the local radio: it scans and dials.
type Adapter interface {
	device.ScanningDevice
	Dial(ctx context.Context, address string) (GATTClient, error)
}

// bleAdapter wraps ble.Device to implement Adapter
type bleAdapter struct {
	dev ble.Device
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (a *bleAdapter) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := a.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(newSighting(adv))
	})
	return NormalizeError(err)
}

func (a *bleAdapter) Dial(ctx context.Context, address string) (GATTClient, error) {
	client, err := a.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}

// AdapterFactory opens the local radio (can be overridden in tests)
var AdapterFactory = func(hciDevice int) (Adapter, error) {
	dev, err := DeviceFactory(hciDevice)
	if err != nil {
		return nil, err
	}
	return &bleAdapter{dev: dev}, nil
}
