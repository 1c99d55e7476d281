package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/device"
	"github.com/srg/companiond/internal/groutine"
)

// DefaultConnectTimeout bounds Dial plus profile discovery when no timeout is configured.
const DefaultConnectTimeout = 15 * time.Second

// HeartRateHandler receives decoded heart-rate notifications.
type HeartRateHandler func(address string, hr *device.HeartRate)

// BLEConnection is a live GATT connection to one heart-rate sensor.
type BLEConnection struct {
	address string
	logger  *logrus.Logger

	connMutex   sync.RWMutex
	client      GATTClient
	isConnected bool
	// linked mirrors isConnected for readers that must not wait on a dial
	// holding connMutex.
	linked atomic.Bool
	hrChar      *ble.Characteristic
	battery     int

	onHeartRate    HeartRateHandler
	onDisconnected func(address string)

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewBLEConnection creates a disconnected connection for address.
func NewBLEConnection(address string, logger *logrus.Logger) *BLEConnection {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEConnection{
		address: device.NormalizeAddress(address),
		logger:  logger,
		battery: -1,
		ctx:     context.Background(),
	}
}

// Address returns the peer address.
func (c *BLEConnection) Address() string { return c.address }

// Battery returns the last read battery level, -1 if unknown.
func (c *BLEConnection) Battery() int {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.battery
}

// Connect dials the sensor, discovers its profile, reads the battery level and
// subscribes to heart-rate measurements when the sensor offers them.
func (c *BLEConnection) Connect(ctx context.Context, adapter Adapter, opts *device.ConnectOptions) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if strings.TrimSpace(c.address) == "" {
		c.logger.Error("Connection attempt with empty address")
		return device.ErrEmptyAddress
	}
	if c.isConnectedInternal() {
		c.logger.WithField("address", c.address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	timeout := DefaultConnectTimeout
	if opts != nil && opts.ConnectTimeout > 0 {
		timeout = opts.ConnectTimeout
	}

	c.logger.WithFields(logrus.Fields{
		"address": c.address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := adapter.Dial(connCtx, c.address)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address %q: %w", c.address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			c.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	c.client = client
	c.isConnected = true
	c.linked.Store(true)
	c.ctx, c.cancel = context.WithCancelCause(context.Background())

	if batteryChar := findCharacteristic(profile, device.ServiceBattery, device.CharacteristicBatteryLevel); batteryChar != nil {
		c.readBattery(client, batteryChar)
	}

	c.hrChar = findCharacteristic(profile, device.ServiceHeartRate, device.CharacteristicHeartRateMeasurement)
	if c.hrChar == nil {
		c.logger.WithField("address", c.address).Warn("Device has no heart rate measurement characteristic")
	} else if err := NormalizeError(client.Subscribe(c.hrChar, false, c.handleHeartRate)); err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   err,
		}).Error("Failed to subscribe to heart rate notifications")
		c.hrChar = nil
	}

	// go-ble clients expose Disconnected() on every backend but it is not part of ble.Client
	if notifier, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		connCtx := c.ctx
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-notifier.Disconnected():
				c.handleLinkLoss()
			case <-connCtx.Done():
			}
		})
	}

	c.logger.WithFields(logrus.Fields{
		"address":   c.address,
		"services":  len(profile.Services),
		"heartrate": c.hrChar != nil,
		"battery":   c.battery,
	}).Info("BLE device connected successfully")
	return nil
}

// OnHeartRate registers the heart-rate notification callback.
func (c *BLEConnection) OnHeartRate(h HeartRateHandler) {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	c.onHeartRate = h
}

// OnDisconnected registers a callback fired once when the peer drops the link.
func (c *BLEConnection) OnDisconnected(fn func(address string)) {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	c.onDisconnected = fn
}

// Disconnect unsubscribes and tears the link down. Disconnecting a
// disconnected connection is a no-op.
func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if !c.isConnectedInternal() {
		c.connMutex.Unlock()
		c.logger.WithField("address", c.address).Debug("Disconnect called but already disconnected")
		return nil
	}

	client := c.client
	hrChar := c.hrChar
	cancel := c.cancel
	c.client = nil
	c.hrChar = nil
	c.cancel = nil
	c.isConnected = false
	c.linked.Store(false)
	c.connMutex.Unlock()

	c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")

	if cancel != nil {
		cancel(nil)
	}

	if hrChar != nil {
		if err := NormalizeError(client.Unsubscribe(hrChar, false)); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": c.address,
				"error":   err,
			}).Warn("Failed to unsubscribe from heart rate notifications")
		}
	}

	if err := NormalizeError(client.CancelConnection()); err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}

	c.logger.WithField("address", c.address).Info("BLE device disconnected successfully")
	return nil
}

// IsConnected reports the link state. It never waits for a Connect in
// progress, which reports as not connected.
func (c *BLEConnection) IsConnected() bool {
	return c.linked.Load()
}

// isConnectedInternal must be called with connMutex held.
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.isConnected
}

func (c *BLEConnection) readBattery(client GATTClient, char *ble.Characteristic) {
	raw, err := client.ReadCharacteristic(char)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   NormalizeError(err),
		}).Debug("Battery level read failed")
		return
	}
	v, err := device.ParseCharacteristicValue(device.CharacteristicBatteryLevel, raw)
	if err != nil {
		c.logger.WithField("error", err).Debug("Battery level not decodable")
		return
	}
	c.battery = v.(int)
}

func (c *BLEConnection) handleHeartRate(data []byte) {
	v, err := device.ParseCharacteristicValue(device.CharacteristicHeartRateMeasurement, data)
	if err != nil {
		level := logrus.WarnLevel
		if errors.Is(err, device.ErrNoContact) {
			level = logrus.DebugLevel
		}
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   err,
		}).Log(level, "Heart rate notification dropped")
		return
	}

	hr := v.(*device.HeartRate)
	c.logger.WithFields(logrus.Fields{
		"address": c.address,
		"hr":      hr.BPM,
		"rr":      hr.RR,
	}).Debug("Heart rate notification")

	c.connMutex.RLock()
	h := c.onHeartRate
	c.connMutex.RUnlock()
	if h != nil {
		h(c.address, hr)
	}
}

func (c *BLEConnection) handleLinkLoss() {
	c.connMutex.Lock()
	if !c.isConnectedInternal() {
		c.connMutex.Unlock()
		return
	}
	cancel := c.cancel
	fn := c.onDisconnected
	c.client = nil
	c.hrChar = nil
	c.cancel = nil
	c.isConnected = false
	c.linked.Store(false)
	c.connMutex.Unlock()

	if cancel != nil {
		cancel(device.ErrNotConnected)
	}
	c.logger.WithField("address", c.address).Warn("BLE device reported disconnection")
	if fn != nil {
		fn(c.address)
	}
}

func findCharacteristic(profile *ble.Profile, service, characteristic string) *ble.Characteristic {
	if profile == nil {
		return nil
	}
	for _, svc := range profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != service {
			continue
		}
		for _, char := range svc.Characteristics {
			if device.NormalizeUUID(char.UUID.String()) == characteristic {
				return char
			}
		}
	}
	return nil
}
