package notify

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/companion"
)

const (
	notificationsName  = "org.freedesktop.Notifications"
	notificationsPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod       = notificationsName + ".Notify"
	capabilitiesMethod = notificationsName + ".GetCapabilities"
)

// busObject is the part of dbus.BusObject the presenter uses.
type busObject interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DesktopPresenter posts notifications to the freedesktop notification
// server on the session bus. Each device keeps one server-side notification,
// replaced on every update.
type DesktopPresenter struct {
	opts   Options
	logger *logrus.Logger
	conn   *dbus.Conn
	obj    busObject

	ids *hashmap.Map[int32, uint32]

	// channelMu guards the capability query. Only a successful answer is
	// kept, so a server started after the daemon is picked up on the next post.
	channelMu sync.Mutex
	ready     bool
	caps      []string
}

var _ Presenter = (*DesktopPresenter)(nil)

// NewDesktopPresenter opens a private session bus connection.
func NewDesktopPresenter(opts Options, logger *logrus.Logger) (*DesktopPresenter, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	p := newDesktopPresenter(conn.Object(notificationsName, notificationsPath), opts, logger)
	p.conn = conn
	return p, nil
}

func newDesktopPresenter(obj busObject, opts Options, logger *logrus.Logger) *DesktopPresenter {
	if logger == nil {
		logger = logrus.New()
	}
	return &DesktopPresenter{
		opts:   opts,
		logger: logger,
		obj:    obj,
		ids:    hashmap.New[int32, uint32](),
	}
}

// EnsureChannel asks the notification server for its capabilities until it
// answers once. The
// freedesktop protocol has no channels: the channel maps to the category and
// urgency hints sent with every notification.
func (p *DesktopPresenter) EnsureChannel() error {
	_, err := p.capabilities()
	return err
}

func (p *DesktopPresenter) capabilities() ([]string, error) {
	p.channelMu.Lock()
	defer p.channelMu.Unlock()

	if p.ready {
		return p.caps, nil
	}

	var caps []string
	if err := p.obj.Call(capabilitiesMethod, 0).Store(&caps); err != nil {
		return nil, fmt.Errorf("query notification server capabilities: %w", err)
	}
	p.caps = caps
	p.ready = true

	p.logger.WithFields(logrus.Fields{
		"channel":      p.opts.Channel.ID,
		"name":         p.opts.Channel.Name,
		"importance":   p.opts.Channel.Importance,
		"capabilities": strings.Join(caps, ","),
	}).Debug("Notification channel ready")
	return caps, nil
}

// Present posts or updates the notification of address. Failures are logged.
func (p *DesktopPresenter) Present(address, state, status string) {
	if _, err := p.Notify(address, state, status); err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": address,
			"state":   state,
			"error":   err,
		}).Error("Failed to post notification")
	}
}

// Notify posts or updates the notification of address.
func (p *DesktopPresenter) Notify(address, state, status string) (Record, error) {
	caps, err := p.capabilities()
	if err != nil {
		return Record{}, err
	}

	rec, err := NewRecord(p.opts.Title, address, state, status)
	if err != nil {
		return Record{}, err
	}

	summary, body := rec.Title, rec.Body
	if !slices.Contains(caps, "body") {
		summary = rec.Title + ": " + strings.ReplaceAll(rec.Body, "\n", " ")
		body = ""
	}

	replaces, _ := p.ids.Get(rec.Key)
	var id uint32
	err = p.obj.Call(notifyMethod, 0,
		p.opts.AppName,
		replaces,
		"",
		summary,
		body,
		[]string{},
		p.hints(state),
		int32(-1),
	).Store(&id)
	if err != nil {
		return Record{}, fmt.Errorf("post notification: %w", err)
	}
	p.ids.Set(rec.Key, id)

	p.logger.WithFields(logrus.Fields{
		"key":      rec.Key,
		"id":       id,
		"replaces": replaces,
	}).Debug("Notification posted")
	return rec, nil
}

// Close releases the bus connection.
func (p *DesktopPresenter) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func (p *DesktopPresenter) hints(state string) map[string]dbus.Variant {
	category := "device.added"
	if state == companion.StateDisappeared {
		category = "device.removed"
	}
	return map[string]dbus.Variant{
		"urgency":   dbus.MakeVariant(urgency(p.opts.Channel.Importance)),
		"category":  dbus.MakeVariant(category),
		"x-channel": dbus.MakeVariant(p.opts.Channel.ID),
	}
}

// urgency maps a channel importance to a freedesktop urgency level.
func urgency(importance string) byte {
	switch strings.ToLower(importance) {
	case "high", "max":
		return 2
	case "low", "min", "none":
		return 0
	default:
		return 1
	}
}
