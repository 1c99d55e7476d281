package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/companiond/internal/bluez"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/config"
	"github.com/srg/companiond/internal/device"
	goble "github.com/srg/companiond/internal/device/go-ble"
	"github.com/srg/companiond/internal/notify"
	"github.com/srg/companiond/internal/permission"
	"github.com/srg/companiond/internal/presence"
)

// presenceSource reports presence events and answers connection state
// queries for bare-address events.
type presenceSource interface {
	companion.StatusQuerier
	Run(ctx context.Context) error
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch associated devices",
		Long: `Watch associated devices until interrupted.

Presence comes from BlueZ over the system bus (--presence bluez) or from
scanning advertisements directly (--presence scan). Notifications go to the
desktop notification server (--presenter desktop) or to the log
(--presenter log).

With BlueZ presence the peripheral client must use a different controller
(--hci-device) than the BlueZ adapter, since it takes the controller away
from bluetoothd.`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}

	cmd.Flags().String("presence", "", "Presence source (bluez, scan)")
	cmd.Flags().String("presenter", "", "Notification presenter (desktop, log)")
	cmd.Flags().Int("hci-device", -1, "HCI controller index for peripheral connections and broadcasts")
	cmd.Flags().Int("platform-version", 0, "Presence API generation (1 = address events, 2 = association events)")

	return cmd
}

// applyRunFlags overrides configuration values with the flags that were set.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if v, _ := cmd.Flags().GetString("presence"); v != "" {
		cfg.Presence.Source = v
	}
	if v, _ := cmd.Flags().GetString("presenter"); v != "" {
		cfg.Notification.Presenter = v
	}
	if v, _ := cmd.Flags().GetInt("hci-device"); v >= 0 {
		cfg.Peripheral.HCIDevice = v
	}
	if v, _ := cmd.Flags().GetInt("platform-version"); v > 0 {
		cfg.PlatformVersion = v
	}
	return cfg.Validate()
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if len(cfg.Associations) == 0 {
		return ErrNoAssociations
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	presenter, err := notify.New(cfg.Notification, logger)
	if err != nil {
		return err
	}
	defer presenter.Close()
	if err := presenter.EnsureChannel(); err != nil {
		logger.WithField("error", err).Warn("Notification channel unavailable, retrying on the next notification")
	}

	var notifications permission.NameOwner
	if cfg.Notification.Presenter == config.PresenterDesktop {
		bus, err := permission.ConnectSessionBus()
		if err != nil {
			return err
		}
		defer bus.Close()
		notifications = bus
	}

	client := goble.NewClient(goble.ClientOptions{
		HCIDevice:       cfg.Peripheral.HCIDevice,
		ConnectTimeout:  cfg.Peripheral.ConnectTimeout,
		AllowDuplicates: cfg.Broadcast.AllowDuplicates,
	}, logger)
	defer func() {
		if err := client.Close(); err != nil {
			logger.WithField("error", err).Warn("Failed to disconnect devices")
		}
	}()
	client.OnHeartRate(func(address string, hr *device.HeartRate) {
		logger.WithFields(logrus.Fields{
			"address": address,
			"hr":      hr.BPM,
			"rr":      hr.RR,
			"contact": hr.Contact,
		}).Info("Heart rate")
	})

	dispatcher := companion.NewDispatcher(companion.DefaultQueueSize, logger)
	platform := companion.PlatformVersion(cfg.PlatformVersion)

	source, err := newPresenceSource(cfg, platform, client, dispatcher, logger)
	if err != nil {
		return err
	}

	observer := companion.NewObserver(ctx, companion.Options{
		Platform:    platform,
		Permissions: permission.NewChecker(notifications, logger),
		Presenter:   presenter,
		Peripheral:  client,
		Status:      source,
		DeviceIDs:   cfg.Broadcast.DeviceIDs,
		Logger:      logger,
	})
	defer observer.Close()

	dispatcher.Start(ctx, observer)
	defer func() {
		dispatcher.Close()
		stats := dispatcher.Stats()
		logger.WithFields(logrus.Fields{
			"events":      stats.Written,
			"overwritten": stats.Overwritten,
			"dropped":     stats.Dropped,
		}).Debug("Dispatcher stopped")
	}()

	logger.WithFields(logrus.Fields{
		"presence":         cfg.Presence.Source,
		"presenter":        cfg.Notification.Presenter,
		"platform_version": cfg.PlatformVersion,
		"associations":     len(cfg.Associations),
	}).Info("companiond started")

	if err := source.Run(ctx); err != nil {
		return fmt.Errorf("presence source stopped: %w", err)
	}
	logger.Info("companiond stopped")
	return nil
}

func newPresenceSource(cfg *config.Config, platform companion.Platform, client *goble.Client, listener companion.Listener, logger *logrus.Logger) (presenceSource, error) {
	switch cfg.Presence.Source {
	case config.PresenceBlueZ:
		w, err := bluez.NewWatcher(bluez.Options{
			Adapter:      cfg.Presence.Adapter,
			Associations: cfg.Associations,
			Platform:     platform,
			Discovery:    cfg.Presence.Discovery,
			Logger:       logger,
		}, listener)
		if err != nil {
			return nil, err
		}
		return &closingSource{presenceSource: w, close: w.Close}, nil

	case config.PresenceScan:
		return presence.NewTracker(client.Scanner(), presence.Options{
			Associations: cfg.Associations,
			LostTimeout:  cfg.Presence.LostTimeout,
			Platform:     platform,
			Connections:  client,
			Logger:       logger,
		}, listener), nil

	default:
		return nil, fmt.Errorf("unknown presence source %q", cfg.Presence.Source)
	}
}

// closingSource releases the source's resources once Run returns.
type closingSource struct {
	presenceSource
	close func() error
}

func (s *closingSource) Run(ctx context.Context) error {
	defer s.close()
	return s.presenceSource.Run(ctx)
}
