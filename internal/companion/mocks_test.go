package companion

import (
	"context"
	"sync"

	"github.com/srg/companiond/internal/device"
	"github.com/stretchr/testify/mock"
)

type MockPresenter struct {
	mock.Mock
}

func (m *MockPresenter) Present(address, state, status string) {
	m.Called(address, state, status)
}

type MockPermissions struct {
	mock.Mock
}

func (m *MockPermissions) Check(ctx context.Context, perm Permission) error {
	args := m.Called(ctx, perm)
	return args.Error(0)
}

type MockStatus struct {
	mock.Mock
}

func (m *MockStatus) ConnectionState(address string) (string, error) {
	args := m.Called(address)
	return args.String(0), args.Error(1)
}

type MockPeripheral struct {
	mock.Mock
}

func (m *MockPeripheral) Connect(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

func (m *MockPeripheral) Disconnect(address string) error {
	args := m.Called(address)
	return args.Error(0)
}

func (m *MockPeripheral) ListenBroadcasts(ctx context.Context, deviceIDs []string, onItem func(device.Broadcast)) error {
	args := m.Called(ctx, deviceIDs, onItem)
	return args.Error(0)
}

// callLog is a goroutine-safe list of recorded calls.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (r *callLog) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *callLog) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// streamLog records broadcast listener lifecycles.
type streamLog struct {
	mu      sync.Mutex
	entries []string
	active  int
	peak    int
}

func (l *streamLog) record(entry string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	l.active += delta
	if l.active > l.peak {
		l.peak = l.active
	}
}

func (l *streamLog) snapshot() ([]string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...), l.peak
}

type recordingListener struct {
	callLog
}

func (r *recordingListener) OnDeviceAppeared(info AssociationInfo) {
	r.add("appeared:" + info.Address)
}

func (r *recordingListener) OnDeviceDisappeared(info AssociationInfo) {
	r.add("disappeared:" + info.Address)
}

func (r *recordingListener) OnDeviceAppearedAddress(address string) {
	r.add("appeared-address:" + address)
}

func (r *recordingListener) OnDeviceDisappearedAddress(address string) {
	r.add("disappeared-address:" + address)
}
