// Package presence derives device presence from advertisement sightings.
//
// An associated device appears on its first sighting and disappears once it
// has not been seen for the lost timeout. It serves setups where BlueZ is
// not available and the radio is driven directly.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/config"
	"github.com/srg/companiond/internal/device"
	"github.com/srg/companiond/internal/groutine"
)

// DefaultLostTimeout applies when Options.LostTimeout is not set.
const DefaultLostTimeout = 30 * time.Second

// Connections reports live peripheral connections.
type Connections interface {
	Connected() []string
}

type Options struct {
	Associations []config.Association
	LostTimeout  time.Duration
	Platform     companion.Platform
	// Connections answers connection state queries. Optional.
	Connections Connections
	Logger      *logrus.Logger
}

// Tracker reports associated devices appearing and disappearing based on
// the advertisements a scanner delivers.
type Tracker struct {
	scanner  device.ScanningDevice
	opts     Options
	logger   *logrus.Logger
	listener companion.Listener
	now      func() time.Time

	associations map[string]config.Association

	// mu serialises presence transitions and their events; lastSeen is also
	// read without it. Connections is never queried while mu is held.
	mu       sync.Mutex
	lastSeen *hashmap.Map[string, time.Time]
}

var _ companion.StatusQuerier = (*Tracker)(nil)

func NewTracker(scanner device.ScanningDevice, opts Options, listener companion.Listener) *Tracker {
	if opts.LostTimeout <= 0 {
		opts.LostTimeout = DefaultLostTimeout
	}
	if opts.Platform == nil {
		opts.Platform = companion.PlatformVersion(companion.RichEventsVersion)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	assoc := make(map[string]config.Association, len(opts.Associations))
	for _, a := range opts.Associations {
		assoc[config.NormalizeAddress(a.Address)] = a
	}

	return &Tracker{
		scanner:      scanner,
		opts:         opts,
		logger:       logger,
		listener:     listener,
		now:          time.Now,
		associations: assoc,
		lastSeen:     hashmap.New[string, time.Time](),
	}
}

// Run scans until ctx is done or the scan fails. Devices still present when
// Run returns are reported as disappeared.
func (t *Tracker) Run(ctx context.Context) error {
	sweep := groutine.Start(ctx, "presence-sweep", func(ctx context.Context) {
		ticker := time.NewTicker(t.sweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	})

	t.logger.WithFields(logrus.Fields{
		"associations": len(t.associations),
		"lost_timeout": t.opts.LostTimeout,
	}).Info("Tracking device presence from advertisements")

	err := t.scanner.Scan(ctx, true, t.Sighting)

	sweep.Stop()
	t.forgetAll()
	return err
}

// Sighting records an advertisement.
func (t *Tracker) Sighting(adv device.Advertisement) {
	addr := config.NormalizeAddress(adv.Addr())
	assoc, ok := t.associations[addr]
	if !ok {
		return
	}

	var connected map[string]bool
	if _, seen := t.lastSeen.Get(addr); !seen {
		connected = t.connected()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, seen := t.lastSeen.Get(addr)
	t.lastSeen.Set(addr, t.now())
	if seen {
		return
	}

	t.logger.WithFields(logrus.Fields{
		"address": addr,
		"rssi":    adv.RSSI(),
		"name":    adv.LocalName(),
	}).Info("Device appeared")
	t.emit(assoc, addr, true, connected[addr])
}

// Sweep reports devices not seen within the lost timeout as disappeared.
func (t *Tracker) Sweep() {
	if t.lastSeen.Len() == 0 {
		return
	}
	connected := t.connected()

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var lost []string
	t.lastSeen.Range(func(addr string, seen time.Time) bool {
		if now.Sub(seen) > t.opts.LostTimeout {
			lost = append(lost, addr)
		}
		return true
	})

	for _, addr := range lost {
		t.lastSeen.Del(addr)
		t.logger.WithField("address", addr).Info("Device disappeared")
		t.emit(t.associations[addr], addr, false, connected[addr])
	}
}

// Present reports whether address is currently considered present.
func (t *Tracker) Present(address string) bool {
	_, ok := t.lastSeen.Get(config.NormalizeAddress(address))
	return ok
}

// ConnectionState reports whether the peripheral client holds a connection
// to address.
func (t *Tracker) ConnectionState(address string) (string, error) {
	if t.opts.Connections == nil {
		return companion.StatusUnknown, nil
	}
	address = config.NormalizeAddress(address)
	for _, c := range t.opts.Connections.Connected() {
		if config.NormalizeAddress(c) == address {
			return companion.StatusConnected, nil
		}
	}
	return companion.StatusDisconnected, nil
}

func (t *Tracker) forgetAll() {
	connected := t.connected()

	t.mu.Lock()
	defer t.mu.Unlock()

	var addrs []string
	t.lastSeen.Range(func(addr string, _ time.Time) bool {
		addrs = append(addrs, addr)
		return true
	})
	for _, addr := range addrs {
		t.lastSeen.Del(addr)
		t.emit(t.associations[addr], addr, false, connected[addr])
	}
}

// connected snapshots the live connections. Nil on the legacy generation,
// whose events carry no connection flag.
func (t *Tracker) connected() map[string]bool {
	if t.opts.Connections == nil || t.opts.Platform.Version() < companion.RichEventsVersion {
		return nil
	}
	out := make(map[string]bool)
	for _, c := range t.opts.Connections.Connected() {
		out[config.NormalizeAddress(c)] = true
	}
	return out
}

func (t *Tracker) sweepInterval() time.Duration {
	interval := t.opts.LostTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// emit must be called with mu held.
func (t *Tracker) emit(assoc config.Association, addr string, appeared, connected bool) {
	if t.opts.Platform.Version() < companion.RichEventsVersion {
		if appeared {
			t.listener.OnDeviceAppearedAddress(addr)
		} else {
			t.listener.OnDeviceDisappearedAddress(addr)
		}
		return
	}

	info := companion.AssociationInfo{
		ID:            assoc.ID,
		Address:       addr,
		DisplayName:   assoc.DisplayName,
		DeviceProfile: assoc.DeviceProfile,
		Connected:     connected,
	}
	if appeared {
		t.listener.OnDeviceAppeared(info)
	} else {
		t.listener.OnDeviceDisappeared(info)
	}
}
