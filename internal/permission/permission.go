// Package permission answers whether the daemon may act on a device event.
package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/companion"
)

const notificationsName = "org.freedesktop.Notifications"

var (
	ErrUnknownPermission    = errors.New("unknown permission")
	ErrNoNotificationServer = errors.New("no notification server on the session bus")
)

// capability is a Linux process capability raw HCI access depends on.
type capability struct {
	name  string
	value int
}

var bluetoothCapabilities = []capability{
	{name: "CAP_NET_RAW", value: 13},
	{name: "CAP_NET_ADMIN", value: 12},
}

// NameOwner reports whether a well-known bus name has an owner.
type NameOwner interface {
	NameHasOwner(ctx context.Context, name string) (bool, error)
}

// Checker grants BluetoothConnect when the process may drive the radio and
// PostNotifications when a notification server is running.
type Checker struct {
	hasCapability func(value int) (bool, error)
	notifications NameOwner
	logger        *logrus.Logger
}

var _ companion.PermissionChecker = (*Checker)(nil)

// NewChecker creates a Checker. A nil notifications owner grants
// PostNotifications unconditionally, which suits the log presenter.
func NewChecker(notifications NameOwner, logger *logrus.Logger) *Checker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Checker{
		hasCapability: processCapability,
		notifications: notifications,
		logger:        logger,
	}
}

func (c *Checker) Check(ctx context.Context, perm companion.Permission) error {
	switch perm {
	case companion.BluetoothConnect:
		for _, cp := range bluetoothCapabilities {
			held, err := c.hasCapability(cp.value)
			if err != nil {
				return c.deny(perm, fmt.Errorf("query %s: %w", cp.name, err))
			}
			if !held {
				return c.deny(perm, fmt.Errorf("%s not held", cp.name))
			}
		}
		return nil

	case companion.PostNotifications:
		if c.notifications == nil {
			return nil
		}
		owned, err := c.notifications.NameHasOwner(ctx, notificationsName)
		if err != nil {
			return c.deny(perm, err)
		}
		if !owned {
			return c.deny(perm, ErrNoNotificationServer)
		}
		return nil

	default:
		return c.deny(perm, ErrUnknownPermission)
	}
}

func (c *Checker) deny(perm companion.Permission, reason error) error {
	c.logger.WithFields(logrus.Fields{
		"permission": perm,
		"reason":     reason,
	}).Debug("Permission denied")
	return companion.NewPermissionError(perm, reason)
}

// SessionBus checks name ownership on the session bus.
type SessionBus struct {
	conn *dbus.Conn
}

// ConnectSessionBus opens a private session bus connection.
func ConnectSessionBus() (*SessionBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &SessionBus{conn: conn}, nil
}

func (b *SessionBus) NameHasOwner(ctx context.Context, name string) (bool, error) {
	var owned bool
	err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, name).Store(&owned)
	return owned, err
}

func (b *SessionBus) Close() error {
	return b.conn.Close()
}
