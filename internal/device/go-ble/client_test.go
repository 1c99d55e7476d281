package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/config"
	"github.com/srg/companiond/internal/device"
	"github.com/srg/companiond/internal/presence"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const sensorAddr = "A0:9E:1A:00:00:01"

type ClientTestSuite struct {
	suite.Suite

	logger          *logrus.Logger
	adapter         *MockAdapter
	gatt            *MockClient
	originalFactory func(int) (Adapter, error)
	client          *Client
}

func (s *ClientTestSuite) SetupSuite() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.originalFactory = AdapterFactory
	s.T().Cleanup(func() { AdapterFactory = s.originalFactory })
}

func (s *ClientTestSuite) SetupTest() {
	s.adapter = &MockAdapter{}
	s.gatt = NewMockClient()
	AdapterFactory = func(int) (Adapter, error) { return s.adapter, nil }
	s.client = NewClient(ClientOptions{ConnectTimeout: time.Second, AllowDuplicates: true}, s.logger)
}

func (s *ClientTestSuite) expectHeartRateSensor() (notify *func([]byte)) {
	profile, hr, battery := heartRateProfile()
	var handler func([]byte)

	s.adapter.On("Dial", mock.Anything, sensorAddr).Return(s.gatt, nil)
	s.gatt.On("DiscoverProfile", true).Return(profile, nil)
	s.gatt.On("ReadCharacteristic", battery).Return([]byte{77}, nil)
	s.gatt.On("Subscribe", hr, false, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
		Return(nil)
	s.gatt.On("Unsubscribe", hr, false).Return(nil)
	s.gatt.On("CancelConnection").Return(nil)

	return &handler
}

func (s *ClientTestSuite) TestConnectSubscribesToHeartRate() {
	handler := s.expectHeartRateSensor()

	var (
		mu       sync.Mutex
		readings []uint16
	)
	s.client.OnHeartRate(func(address string, hr *device.HeartRate) {
		mu.Lock()
		defer mu.Unlock()
		s.Equal(sensorAddr, address)
		readings = append(readings, hr.BPM)
	})

	s.Require().NoError(s.client.Connect(context.Background(), "a0:9e:1a:00:00:01"))
	s.Equal([]string{sensorAddr}, s.client.Connected())

	conn, ok := s.client.conns.Get(sensorAddr)
	s.Require().True(ok)
	s.Equal(77, conn.Battery())

	s.Require().NotNil(*handler)
	(*handler)([]byte{0x00, 64})
	(*handler)([]byte{0x04, 99}) // contact supported but lost: dropped

	mu.Lock()
	s.Equal([]uint16{64}, readings)
	mu.Unlock()

	s.Require().NoError(s.client.Disconnect(sensorAddr))
	s.Empty(s.client.Connected())
	s.gatt.AssertCalled(s.T(), "Unsubscribe", mock.Anything, false)
	s.gatt.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
}

func (s *ClientTestSuite) TestConnectTwiceIsRejected() {
	s.expectHeartRateSensor()

	s.Require().NoError(s.client.Connect(context.Background(), sensorAddr))
	err := s.client.Connect(context.Background(), sensorAddr)

	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.adapter.AssertNumberOfCalls(s.T(), "Dial", 1)
}

func (s *ClientTestSuite) TestConnectFailures() {
	s.Run("empty address", func() {
		s.ErrorIs(s.client.Connect(context.Background(), "  "), device.ErrEmptyAddress)
	})

	s.Run("dial error is wrapped and forgotten", func() {
		s.adapter.On("Dial", mock.Anything, "11:22:33:44:55:66").Return(nil, errors.New("device not connected")).Once()

		err := s.client.Connect(context.Background(), "11:22:33:44:55:66")

		s.ErrorIs(err, device.ErrNotConnected)
		s.Empty(s.client.Connected())
		_, known := s.client.conns.Get("11:22:33:44:55:66")
		s.False(known)
	})

	s.Run("profile discovery error cancels the link", func() {
		gatt := NewMockClient()
		s.adapter.On("Dial", mock.Anything, "22:33:44:55:66:77").Return(gatt, nil).Once()
		gatt.On("DiscoverProfile", true).Return(nil, errors.New("att timeout"))
		gatt.On("CancelConnection").Return(nil)

		err := s.client.Connect(context.Background(), "22:33:44:55:66:77")

		s.ErrorContains(err, "failed to discover profile")
		gatt.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
	})

	s.Run("radio unavailable", func() {
		AdapterFactory = func(int) (Adapter, error) { return nil, device.ErrBluetoothOff }
		c := NewClient(ClientOptions{}, s.logger)

		s.ErrorIs(c.Connect(context.Background(), sensorAddr), device.ErrBluetoothOff)
	})
}

func (s *ClientTestSuite) TestDisconnectUnknownIsNoop() {
	s.NoError(s.client.Disconnect("99:99:99:99:99:99"))
}

func (s *ClientTestSuite) TestPeerDisconnectClearsState() {
	s.expectHeartRateSensor()
	s.Require().NoError(s.client.Connect(context.Background(), sensorAddr))

	close(s.gatt.disconnected)

	s.Eventually(func() bool { return len(s.client.Connected()) == 0 }, time.Second, 5*time.Millisecond)
	s.NoError(s.client.Disconnect(sensorAddr), "disconnecting a dropped link is a no-op")
	s.gatt.AssertNotCalled(s.T(), "CancelConnection")
}

func (s *ClientTestSuite) TestPendingDialDoesNotBlockReaders() {
	const pendingAddr = "11:22:33:44:55:66"
	dialing := make(chan struct{})
	s.adapter.On("Dial", mock.Anything, pendingAddr).
		Run(func(args mock.Arguments) {
			close(dialing)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	connectDone := make(chan error, 1)
	go func() { connectDone <- s.client.Connect(ctx, pendingAddr) }()
	<-dialing

	dispatcher := companion.NewDispatcher(0, s.logger)
	tracker := presence.NewTracker(s.client.Scanner(), presence.Options{
		Associations: []config.Association{{ID: 1, Address: sensorAddr}},
		Connections:  s.client,
		Logger:       s.logger,
	}, dispatcher)

	returned := make(chan struct{})
	go func() {
		s.Empty(s.client.Connected())
		tracker.Sighting(fakeAdvertisement{name: "Polar H10 A1B2C3D4", addr: sensorAddr})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(200 * time.Millisecond):
		s.Fail("sighting waited for the pending dial")
	}
	s.True(tracker.Present(sensorAddr))
	s.EqualValues(1, dispatcher.Stats().Written)

	cancel()
	s.Error(<-connectDone)
	<-returned
}

func (s *ClientTestSuite) TestListenBroadcasts() {
	advs := []device.Advertisement{
		fakeAdvertisement{name: "Polar H10 A1B2C3D4", addr: sensorAddr, rssi: -50, manuf: []byte{0x6B, 0x00, 0x03, 0x00, 72}},
		fakeAdvertisement{name: "Polar OH1 FFFF0000", addr: "11:11:11:11:11:11", manuf: []byte{0x6B, 0x00, 0x01, 0x00, 90}},
		fakeAdvertisement{name: "Speaker", addr: "22:22:22:22:22:22", manuf: []byte{0x4C, 0x00, 0x10, 0x05}},
		fakeAdvertisement{name: "Beacon", addr: "33:33:33:33:33:33"},
	}
	s.adapter.On("Scan", mock.Anything, true, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			handler := args.Get(2).(func(device.Advertisement))
			for _, adv := range advs {
				handler(adv)
			}
			<-ctx.Done()
		}).
		Return(context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	var got []device.Broadcast
	err := s.client.ListenBroadcasts(ctx, []string{"A1B2C3D4"}, func(b device.Broadcast) {
		got = append(got, b)
		cancel()
	})

	s.NoError(err, "cancellation completes the stream")
	s.Require().Len(got, 1)
	s.Equal(sensorAddr, got[0].Address)
	s.Equal("A1B2C3D4", got[0].DeviceID)
	s.Equal(uint8(72), got[0].HR)
	s.True(got[0].BatteryOK)
	s.True(got[0].Contact)
	s.Equal(-50, got[0].RSSI)
}

func (s *ClientTestSuite) TestListenBroadcastsWithoutDuplicates() {
	const otherAddr = "11:11:11:11:11:11"
	advs := []device.Advertisement{
		fakeAdvertisement{name: "Polar H10 A1B2C3D4", addr: sensorAddr, manuf: []byte{0x6B, 0x00, 0x03, 0x00, 72}},
		fakeAdvertisement{name: "Polar H10 A1B2C3D4", addr: sensorAddr, manuf: []byte{0x6B, 0x00, 0x03, 0x00, 80}},
		fakeAdvertisement{name: "Polar OH1 FFFF0000", addr: otherAddr, manuf: []byte{0x6B, 0x00, 0x01, 0x00, 90}},
	}
	s.adapter.On("Scan", mock.Anything, true, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			handler := args.Get(2).(func(device.Advertisement))
			for _, adv := range advs {
				handler(adv)
			}
			<-ctx.Done()
		}).
		Return(context.Canceled)

	client := NewClient(ClientOptions{AllowDuplicates: false}, s.logger)
	ctx, cancel := context.WithCancel(context.Background())
	var got []uint8
	err := client.ListenBroadcasts(ctx, nil, func(b device.Broadcast) {
		got = append(got, b.HR)
		if b.Address == otherAddr {
			cancel()
		}
	})

	s.NoError(err)
	s.Equal([]uint8{72, 90}, got, "repeated reports of a sensor are dropped")
	s.Zero(client.hub.listeners.Len())
}

func (s *ClientTestSuite) TestListenBroadcastsScanFailure() {
	s.adapter.On("Scan", mock.Anything, true, mock.Anything).Return(errors.New("hci: command disallowed"))

	err := s.client.ListenBroadcasts(context.Background(), nil, func(device.Broadcast) {})

	s.ErrorContains(err, "command disallowed")
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
