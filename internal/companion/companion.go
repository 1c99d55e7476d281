// Package companion reacts to associated devices appearing and disappearing.
//
// Presence sources report events through a Dispatcher. The Observer turns
// both historical call shapes (rich association records and bare addresses)
// into a single Event, checks permissions, updates the device notification,
// connects or disconnects the peripheral and owns the one broadcast listener
// that may run at a time.
package companion

import (
	"context"
	"fmt"

	"github.com/srg/companiond/internal/device"
)

// RichEventsVersion is the first platform version that reports rich
// association records. Below it only bare addresses are reported.
const RichEventsVersion = 2

// Notification states passed to Presenter.Present.
const (
	StateAppeared    = "appeared"
	StateDisappeared = "disappeared"
)

// Connection statuses reported for an appeared device.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusUnknown      = "unknown"
)

// Kind tags an Event.
type Kind int

const (
	Appeared Kind = iota + 1
	Disappeared
)

func (k Kind) String() string {
	switch k {
	case Appeared:
		return StateAppeared
	case Disappeared:
		return StateDisappeared
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// AssociationInfo is the rich record reported for an associated device.
type AssociationInfo struct {
	ID            int
	Address       string
	DisplayName   string
	DeviceProfile string
	Connected     bool
}

// Event is the single shape the Observer handles, whatever the call shape
// it was reported with.
type Event struct {
	Kind    Kind
	Address string
	Status  string

	// Association is nil for events reported as a bare address.
	Association *AssociationInfo
}

// Platform reports the running generation of the presence API.
type Platform interface {
	Version() int
}

// PlatformVersion is a fixed Platform.
type PlatformVersion int

func (v PlatformVersion) Version() int { return int(v) }

// Permission names a capability the daemon needs before acting on an event.
type Permission string

const (
	BluetoothConnect  Permission = "bluetooth_connect"
	PostNotifications Permission = "post_notifications"
)

// PermissionChecker reports whether a permission is granted. A nil error
// means granted.
type PermissionChecker interface {
	Check(ctx context.Context, perm Permission) error
}

// Presenter posts or updates the notification of a device.
type Presenter interface {
	Present(address, state, status string)
}

// PeripheralClient manages sensor connections and the broadcast stream.
type PeripheralClient interface {
	Connect(ctx context.Context, address string) error
	Disconnect(address string) error
	// ListenBroadcasts blocks until ctx is done (nil) or the stream fails.
	ListenBroadcasts(ctx context.Context, deviceIDs []string, onItem func(device.Broadcast)) error
}

// StatusQuerier reports the platform view of a device connection, used to
// fill in the status of events reported as a bare address.
type StatusQuerier interface {
	ConnectionState(address string) (string, error)
}
