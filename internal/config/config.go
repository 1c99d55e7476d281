package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Presence sources
const (
	PresenceBlueZ = "bluez"
	PresenceScan  = "scan"
)

// Presenters
const (
	PresenterDesktop = "desktop"
	PresenterLog     = "log"
)

var (
	ErrAssociationExists   = errors.New("association already exists")
	ErrAssociationNotFound = errors.New("association not found")

	// ErrAdapterShared is returned when BlueZ presence and the peripheral
	// client would drive the same controller. Opening the HCI user channel
	// detaches the adapter from bluetoothd.
	ErrAdapterShared = errors.New("bluez presence and peripheral client share an adapter")
)

// Config holds application configuration
type Config struct {
	LogLevel        string `yaml:"log_level" default:"info"`
	PlatformVersion int    `yaml:"platform_version" default:"2"`

	Presence     PresenceConfig     `yaml:"presence"`
	Peripheral   PeripheralConfig   `yaml:"peripheral"`
	Broadcast    BroadcastConfig    `yaml:"broadcast"`
	Notification NotificationConfig `yaml:"notification"`

	Associations []Association `yaml:"associations,omitempty"`
}

// PresenceConfig selects where device appeared/disappeared events come from.
type PresenceConfig struct {
	Source      string        `yaml:"source" default:"scan"`
	Adapter     string        `yaml:"adapter" default:"hci0"`
	LostTimeout time.Duration `yaml:"lost_timeout" default:"30s"`
	Discovery   bool          `yaml:"discovery" default:"false"`
}

type PeripheralConfig struct {
	HCIDevice      int           `yaml:"hci_device" default:"0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`
}

// Adapter names the controller the peripheral client opens, as BlueZ names
// it.
func (p PeripheralConfig) Adapter() string {
	return fmt.Sprintf("hci%d", p.HCIDevice)
}

type BroadcastConfig struct {
	DeviceIDs       []string `yaml:"device_ids,omitempty"`
	AllowDuplicates bool     `yaml:"allow_duplicates" default:"true"`
}

type NotificationConfig struct {
	Presenter   string `yaml:"presenter" default:"desktop"`
	AppName     string `yaml:"app_name" default:"companiond"`
	Title       string `yaml:"title" default:"Companion Device Manager Sample"`
	ChannelID   string `yaml:"channel_id" default:"cdm_channel"`
	ChannelName string `yaml:"channel_name" default:"CDM Sample"`
	Importance  string `yaml:"importance" default:"high"`
}

// Association is a device the daemon has been told to watch.
type Association struct {
	ID            int    `yaml:"id"`
	Address       string `yaml:"address"`
	DisplayName   string `yaml:"display_name,omitempty"`
	DeviceProfile string `yaml:"device_profile,omitempty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultPath returns $XDG_CONFIG_HOME/companiond/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "companiond", "config.yaml")
}

// Load reads the YAML file at path on top of the defaults.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Presence.Source {
	case PresenceBlueZ, PresenceScan:
	default:
		return fmt.Errorf("unknown presence source %q (must be %s or %s)", c.Presence.Source, PresenceBlueZ, PresenceScan)
	}
	if c.Presence.Source == PresenceBlueZ && c.Presence.Adapter == c.Peripheral.Adapter() {
		return fmt.Errorf("%w: %s (set peripheral.hci_device to another controller)", ErrAdapterShared, c.Presence.Adapter)
	}
	switch c.Notification.Presenter {
	case PresenterDesktop, PresenterLog:
	default:
		return fmt.Errorf("unknown presenter %q (must be %s or %s)", c.Notification.Presenter, PresenterDesktop, PresenterLog)
	}
	for _, a := range c.Associations {
		if NormalizeAddress(a.Address) == "" {
			return fmt.Errorf("association %d has an empty address", a.ID)
		}
	}
	return nil
}

// NormalizeAddress upper-cases and trims a MAC address.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Association returns the association for address, if any.
func (c *Config) Association(address string) (Association, bool) {
	address = NormalizeAddress(address)
	for _, a := range c.Associations {
		if NormalizeAddress(a.Address) == address {
			return a, true
		}
	}
	return Association{}, false
}

// AddAssociation registers a new device and assigns it the next free id.
func (c *Config) AddAssociation(address, displayName, profile string) (Association, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return Association{}, fmt.Errorf("device address is required")
	}
	if _, ok := c.Association(address); ok {
		return Association{}, fmt.Errorf("%w: %s", ErrAssociationExists, address)
	}

	nextID := 1
	for _, a := range c.Associations {
		if a.ID >= nextID {
			nextID = a.ID + 1
		}
	}

	a := Association{ID: nextID, Address: address, DisplayName: displayName, DeviceProfile: profile}
	c.Associations = append(c.Associations, a)
	return a, nil
}

// RemoveAssociation drops the association for address.
func (c *Config) RemoveAssociation(address string) (Association, error) {
	address = NormalizeAddress(address)
	for i, a := range c.Associations {
		if NormalizeAddress(a.Address) == address {
			c.Associations = append(c.Associations[:i], c.Associations[i+1:]...)
			return a, nil
		}
	}
	return Association{}, fmt.Errorf("%w: %s", ErrAssociationNotFound, address)
}

// Addresses returns the normalised addresses of all associations.
func (c *Config) Addresses() []string {
	out := make([]string, 0, len(c.Associations))
	for _, a := range c.Associations {
		out = append(out, NormalizeAddress(a.Address))
	}
	return out
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
