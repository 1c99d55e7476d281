package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/device"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	HCIDevice       int
	ConnectTimeout  time.Duration
	AllowDuplicates bool
}

// Client manages heart-rate sensor connections and the broadcast listener
// on one local radio.
type Client struct {
	opts   ClientOptions
	logger *logrus.Logger

	adapterMu sync.Mutex
	adapter   Adapter

	conns *hashmap.Map[string, *BLEConnection]
	hub   *ScanHub

	onHeartRate HeartRateHandler
}

// NewClient creates a Client. The radio is opened lazily on first use.
func NewClient(opts ClientOptions, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Client{
		opts:   opts,
		logger: logger,
		conns:  hashmap.New[string, *BLEConnection](),
	}
	c.hub = NewScanHub(c.radio, logger)
	return c
}

// Scanner returns the shared scan hub, usable as a device.ScanningDevice.
func (c *Client) Scanner() *ScanHub {
	return c.hub
}

// OnHeartRate registers a callback for heart-rate notifications of every connection.
func (c *Client) OnHeartRate(h HeartRateHandler) {
	c.onHeartRate = h
}

func (c *Client) radio() (Adapter, error) {
	c.adapterMu.Lock()
	defer c.adapterMu.Unlock()

	if c.adapter != nil {
		return c.adapter, nil
	}
	adapter, err := AdapterFactory(c.opts.HCIDevice)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	c.adapter = adapter
	return adapter, nil
}

// Connect opens a GATT connection to address. Connecting an already
// connected address returns device.ErrAlreadyConnected.
func (c *Client) Connect(ctx context.Context, address string) error {
	address = device.NormalizeAddress(address)
	if address == "" {
		return device.ErrEmptyAddress
	}

	adapter, err := c.radio()
	if err != nil {
		return err
	}

	conn, loaded := c.conns.GetOrInsert(address, NewBLEConnection(address, c.logger))
	if loaded && conn.IsConnected() {
		return device.ErrAlreadyConnected
	}
	conn.OnHeartRate(c.onHeartRate)
	conn.OnDisconnected(func(addr string) {
		c.logger.WithField("address", addr).Info("Device disconnected")
	})

	if err := conn.Connect(ctx, adapter, &device.ConnectOptions{ConnectTimeout: c.opts.ConnectTimeout}); err != nil {
		if !errors.Is(err, device.ErrAlreadyConnected) {
			c.conns.Del(address)
		}
		return err
	}

	c.logger.WithField("address", address).Info("Device connected")
	return nil
}

// Disconnect closes the connection to address. Unknown addresses are a no-op.
func (c *Client) Disconnect(address string) error {
	address = device.NormalizeAddress(address)

	conn, ok := c.conns.Get(address)
	if !ok {
		c.logger.WithField("address", address).Debug("Disconnect for unknown device")
		return nil
	}
	c.conns.Del(address)
	return conn.Disconnect()
}

// Connected returns the addresses with a live connection.
func (c *Client) Connected() []string {
	var out []string
	c.conns.Range(func(addr string, conn *BLEConnection) bool {
		if conn.IsConnected() {
			out = append(out, addr)
		}
		return true
	})
	return out
}

// ListenBroadcasts reports every heart-rate broadcast seen until ctx is done.
// An empty deviceIDs accepts every sensor. A cancelled ctx yields nil.
func (c *Client) ListenBroadcasts(ctx context.Context, deviceIDs []string, onItem func(device.Broadcast)) error {
	accept := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		accept[id] = struct{}{}
	}

	return c.hub.Scan(ctx, c.opts.AllowDuplicates, func(adv device.Advertisement) {
		b, ok := broadcastFromAdvertisement(adv)
		if !ok {
			return
		}
		if len(accept) > 0 {
			if _, wanted := accept[b.DeviceID]; !wanted {
				return
			}
		}
		onItem(b)
	})
}

// Close disconnects every connection.
func (c *Client) Close() error {
	var errs []error
	c.conns.Range(func(addr string, _ *BLEConnection) bool {
		if err := c.Disconnect(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
		return true
	})
	return errors.Join(errs...)
}

func broadcastFromAdvertisement(adv device.Advertisement) (device.Broadcast, bool) {
	raw := adv.ManufacturerData()
	if len(raw) < 2 {
		return device.Broadcast{}, false
	}
	parsed, err := device.ParseManufacturerData(device.UnknownCompanyID, raw)
	if err != nil || parsed == nil {
		return device.Broadcast{}, false
	}
	polar, ok := parsed.(*device.PolarManufacturerData)
	if !ok {
		return device.Broadcast{}, false
	}

	return device.Broadcast{
		Address:   adv.Addr(),
		Name:      adv.LocalName(),
		DeviceID:  device.PolarDeviceID(adv.LocalName()),
		RSSI:      adv.RSSI(),
		HR:        polar.HR,
		BatteryOK: polar.BatteryOK,
		Contact:   polar.Contact,
		Received:  time.Now(),
	}, true
}
