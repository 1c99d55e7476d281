package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/companiond/internal/device"
	"github.com/stretchr/testify/mock"
)

type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	args := m.Called(ctx, allowDup, handler)
	return args.Error(0)
}

func (m *MockAdapter) Dial(ctx context.Context, address string) (GATTClient, error) {
	args := m.Called(ctx, address)
	client, _ := args.Get(0).(GATTClient)
	return client, args.Error(1)
}

type MockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func NewMockClient() *MockClient {
	return &MockClient{disconnected: make(chan struct{})}
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

type fakeAdvertisement struct {
	name  string
	addr  string
	rssi  int
	manuf []byte
}

func (a fakeAdvertisement) LocalName() string        { return a.name }
func (a fakeAdvertisement) ManufacturerData() []byte { return a.manuf }
func (a fakeAdvertisement) Services() []string       { return nil }
func (a fakeAdvertisement) Connectable() bool        { return true }
func (a fakeAdvertisement) RSSI() int                { return a.rssi }
func (a fakeAdvertisement) Addr() string             { return a.addr }

// heartRateProfile builds a profile with battery and heart-rate services.
func heartRateProfile() (*ble.Profile, *ble.Characteristic, *ble.Characteristic) {
	hr := &ble.Characteristic{UUID: ble.UUID16(0x2A37), Property: ble.CharNotify}
	battery := &ble.Characteristic{UUID: ble.UUID16(0x2A19), Property: ble.CharRead}
	return &ble.Profile{
		Services: []*ble.Service{
			{UUID: ble.UUID16(0x180F), Characteristics: []*ble.Characteristic{battery}},
			{UUID: ble.UUID16(0x180D), Characteristics: []*ble.Characteristic{hr}},
		},
	}, hr, battery
}
