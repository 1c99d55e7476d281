package bluez

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/config"
)

// ErrAdapterOff is returned when the adapter is not powered.
var ErrAdapterOff = errors.New("bluetooth adapter is powered off")

// Options configures a Watcher.
type Options struct {
	Adapter      string
	Associations []config.Association
	Platform     companion.Platform
	// Discovery keeps LE discovery running so devices in range are seen
	// before they connect.
	Discovery bool
	Logger    *logrus.Logger
}

// deviceState tracks what BlueZ reports about one associated device. A
// device is present while it is connected or BlueZ has a signal strength
// for it.
type deviceState struct {
	connected bool
	inRange   bool
}

func (s deviceState) present() bool {
	return s.connected || s.inRange
}

// Watcher turns BlueZ device changes into presence events for associated
// devices. It also answers connection state queries.
type Watcher struct {
	bus      bus
	opts     Options
	logger   *logrus.Logger
	listener companion.Listener

	associations map[string]config.Association

	mu     sync.Mutex
	states map[string]deviceState
}

var _ companion.StatusQuerier = (*Watcher)(nil)

// NewWatcher connects to the system bus and checks that BlueZ is running.
func NewWatcher(opts Options, listener companion.Listener) (*Watcher, error) {
	b, err := connectSystemBus()
	if err != nil {
		return nil, err
	}
	return newWatcher(b, opts, listener), nil
}

func newWatcher(b bus, opts Options, listener companion.Listener) *Watcher {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
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

	return &Watcher{
		bus:          b,
		opts:         opts,
		logger:       logger,
		listener:     listener,
		associations: assoc,
		states:       make(map[string]deviceState),
	}
}

// AdapterPowered reports whether the adapter is powered.
func (w *Watcher) AdapterPowered() (bool, error) {
	return getBool(w.bus, AdapterPath(w.opts.Adapter), adapterIface, "Powered")
}

// ConnectionState queries BlueZ for the connection state of address.
func (w *Watcher) ConnectionState(address string) (string, error) {
	connected, err := getBool(w.bus, DevicePath(w.opts.Adapter, address), deviceIface, "Connected")
	if err != nil {
		return "", fmt.Errorf("query connection state of %s: %w", address, err)
	}
	if connected {
		return companion.StatusConnected, nil
	}
	return companion.StatusDisconnected, nil
}

// Present reports whether address is currently considered present.
func (w *Watcher) Present(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[config.NormalizeAddress(address)].present()
}

// Run reports presence changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	powered, err := w.AdapterPowered()
	if err != nil {
		return fmt.Errorf("query adapter %s: %w", w.opts.Adapter, err)
	}
	if !powered {
		return fmt.Errorf("%w: %s", ErrAdapterOff, w.opts.Adapter)
	}

	signals := make(chan *dbus.Signal, 32)
	if err := w.bus.Subscribe(signals); err != nil {
		return err
	}
	defer w.bus.Unsubscribe(signals)

	if err := w.sync(); err != nil {
		return err
	}

	if w.opts.Discovery {
		if err := w.startDiscovery(); err != nil {
			return err
		}
		defer w.stopDiscovery()
	}

	w.logger.WithFields(logrus.Fields{
		"adapter":      w.opts.Adapter,
		"associations": len(w.associations),
		"discovery":    w.opts.Discovery,
	}).Info("Watching BlueZ devices")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			w.handleSignal(sig)
		}
	}
}

// Close releases the bus connection.
func (w *Watcher) Close() error {
	return w.bus.Close()
}

// sync seeds presence from the objects BlueZ already knows about.
func (w *Watcher) sync() error {
	var objs managedObjects
	if err := w.bus.Call("/", objectManagerIface+".GetManagedObjects").Store(&objs); err != nil {
		return fmt.Errorf("list BlueZ objects: %w", err)
	}

	paths := make([]dbus.ObjectPath, 0, len(objs))
	for path := range objs {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	for _, path := range paths {
		if props, ok := objs[path][deviceIface]; ok {
			w.deviceAdded(path, props)
		}
	}
	return nil
}

func (w *Watcher) startDiscovery() error {
	adapter := AdapterPath(w.opts.Adapter)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(false),
	}
	if err := w.bus.Call(adapter, adapterIface+".SetDiscoveryFilter", filter).Err; err != nil {
		return fmt.Errorf("set discovery filter: %w", err)
	}
	if err := w.bus.Call(adapter, adapterIface+".StartDiscovery").Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return nil
}

func (w *Watcher) stopDiscovery() {
	if err := w.bus.Call(AdapterPath(w.opts.Adapter), adapterIface+".StopDiscovery").Err; err != nil {
		w.logger.WithField("error", err).Warn("Failed to stop discovery")
	}
}

func (w *Watcher) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propsSignal:
		// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != deviceIface {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		var invalidated []string
		if len(sig.Body) > 2 {
			invalidated, _ = sig.Body[2].([]string)
		}
		w.propertiesChanged(sig.Path, changed, invalidated)

	case interfacesAdded:
		// Body: [object_path ObjectPath, interfaces map[string]map[string]Variant]
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[deviceIface]; ok {
			w.deviceAdded(path, props)
		}

	case interfacesRemoved:
		// Body: [object_path ObjectPath, interfaces []string]
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok || !slices.Contains(ifaces, deviceIface) {
			return
		}
		w.update(path, func(s *deviceState) {
			s.connected = false
			s.inRange = false
		})
	}
}

func (w *Watcher) deviceAdded(path dbus.ObjectPath, props map[string]dbus.Variant) {
	w.update(path, func(s *deviceState) {
		if v, ok := props["Connected"]; ok {
			s.connected, _ = v.Value().(bool)
		}
		_, s.inRange = props["RSSI"]
	})
}

func (w *Watcher) propertiesChanged(path dbus.ObjectPath, changed map[string]dbus.Variant, invalidated []string) {
	w.update(path, func(s *deviceState) {
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok {
				s.connected = connected
			}
		}
		if _, ok := changed["RSSI"]; ok {
			s.inRange = true
		}
		if slices.Contains(invalidated, "RSSI") {
			s.inRange = false
		}
	})
}

// update applies mutate to the state of the associated device at path and
// reports a presence transition, if any.
func (w *Watcher) update(path dbus.ObjectPath, mutate func(*deviceState)) {
	addr := AddressFromPath(w.opts.Adapter, path)
	if addr == "" {
		return
	}
	assoc, ok := w.associations[addr]
	if !ok {
		return
	}

	w.mu.Lock()
	st := w.states[addr]
	before := st.present()
	mutate(&st)
	w.states[addr] = st
	w.mu.Unlock()

	if before == st.present() {
		return
	}
	w.emit(assoc, addr, st)
}

func (w *Watcher) emit(assoc config.Association, addr string, st deviceState) {
	log := w.logger.WithFields(logrus.Fields{
		"address":   addr,
		"connected": st.connected,
		"in_range":  st.inRange,
	})

	rich := w.opts.Platform.Version() >= companion.RichEventsVersion
	info := companion.AssociationInfo{
		ID:            assoc.ID,
		Address:       addr,
		DisplayName:   assoc.DisplayName,
		DeviceProfile: assoc.DeviceProfile,
		Connected:     st.connected,
	}

	if st.present() {
		log.Info("Device appeared")
		if rich {
			w.listener.OnDeviceAppeared(info)
		} else {
			w.listener.OnDeviceAppearedAddress(addr)
		}
		return
	}

	log.Info("Device disappeared")
	if rich {
		w.listener.OnDeviceDisappeared(info)
	} else {
		w.listener.OnDeviceDisappearedAddress(addr)
	}
}
