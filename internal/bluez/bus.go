// Package bluez reports associated devices appearing and disappearing by
// watching BlueZ device objects on the system bus.
package bluez

import (
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName            = "org.bluez"
	adapterIface       = "org.bluez.Adapter1"
	deviceIface        = "org.bluez.Device1"
	propsIface         = "org.freedesktop.DBus.Properties"
	propsSignal        = propsIface + ".PropertiesChanged"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	interfacesAdded    = objectManagerIface + ".InterfacesAdded"
	interfacesRemoved  = objectManagerIface + ".InterfacesRemoved"
)

// managedObjects is the reply of ObjectManager.GetManagedObjects.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// AdapterPath returns the object path of a local adapter such as "hci0".
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func DevicePath(adapter, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(AdapterPath(adapter)) + "/dev_" + escaped)
}

// AddressFromPath extracts the MAC address from a device object path of
// adapter. Paths of other adapters and of GATT objects below a device
// yield "".
func AddressFromPath(adapter string, path dbus.ObjectPath) string {
	prefix := string(AdapterPath(adapter)) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// bus is the part of a system bus connection the watcher uses.
type bus interface {
	Call(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call
	Subscribe(ch chan<- *dbus.Signal) error
	Unsubscribe(ch chan<- *dbus.Signal)
	Close() error
}

type systemBus struct {
	conn *dbus.Conn
}

func connectSystemBus() (*systemBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, busName) {
		conn.Close()
		return nil, fmt.Errorf("%s not found on system bus, is bluetooth.service running?", busName)
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) Call(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	return b.conn.Object(busName, path).Call(method, 0, args...)
}

func (b *systemBus) Subscribe(ch chan<- *dbus.Signal) error {
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace("/org/bluez"),
	); err != nil {
		return fmt.Errorf("subscribe to property changes: %w", err)
	}
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(objectManagerIface),
	); err != nil {
		return fmt.Errorf("subscribe to object changes: %w", err)
	}
	b.conn.Signal(ch)
	return nil
}

func (b *systemBus) Unsubscribe(ch chan<- *dbus.Signal) {
	b.conn.RemoveSignal(ch)
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}

func getProp(b bus, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.Call(path, propsIface+".Get", iface, prop).Store(&v)
	return v, err
}

func getBool(b bus, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := getProp(b, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}
