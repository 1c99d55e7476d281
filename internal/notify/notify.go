// Package notify posts one notification per device and updates it in place.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/config"
)

// ErrUnknownState is returned for a state other than appeared or disappeared.
var ErrUnknownState = errors.New("unknown device state")

// Record is the rendered notification of one device.
type Record struct {
	Key   int32
	Title string
	Body  string
}

// Channel groups the notifications posted by the daemon.
type Channel struct {
	ID         string
	Name       string
	Importance string
}

// Options configures a presenter.
type Options struct {
	AppName string
	Title   string
	Channel Channel
}

// OptionsFromConfig maps the notification section of the configuration.
func OptionsFromConfig(cfg config.NotificationConfig) Options {
	return Options{
		AppName: cfg.AppName,
		Title:   cfg.Title,
		Channel: Channel{
			ID:         cfg.ChannelID,
			Name:       cfg.ChannelName,
			Importance: cfg.Importance,
		},
	}
}

// Presenter posts device notifications.
type Presenter interface {
	companion.Presenter

	// Notify posts or updates the notification of address and returns what
	// was posted.
	Notify(address, state, status string) (Record, error)
	// EnsureChannel prepares the notification channel. Idempotent.
	EnsureChannel() error
	Close() error
}

// New creates the presenter selected by cfg.Presenter.
func New(cfg config.NotificationConfig, logger *logrus.Logger) (Presenter, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Presenter {
	case config.PresenterDesktop:
		return NewDesktopPresenter(opts, logger)
	case config.PresenterLog:
		return NewLogPresenter(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown presenter %q", cfg.Presenter)
	}
}

// Key derives the notification key of address. The same address always
// yields the same key: the 31-multiplier hash over the UTF-16 code units of
// the upper-cased address, wrapping at 32 bits.
func Key(address string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(normalizeAddress(address))) {
		h = 31*h + int32(u)
	}
	return h
}

// Body renders the notification text for a device state.
func Body(address, state, status string) (string, error) {
	switch state {
	case companion.StateAppeared:
		return fmt.Sprintf("Device: %s appeared.\nStatus: %s", address, status), nil
	case companion.StateDisappeared:
		return fmt.Sprintf("Device: %s disappeared", address), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
}

// NewRecord renders the record for address.
func NewRecord(title, address, state, status string) (Record, error) {
	address = normalizeAddress(address)
	body, err := Body(address, state, status)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: Key(address), Title: title, Body: body}, nil
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
