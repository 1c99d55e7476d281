package companion

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/device"
	"github.com/srg/companiond/internal/groutine"
)

// Listener receives presence events in either call shape. Observer and
// Dispatcher both implement it.
type Listener interface {
	OnDeviceAppeared(info AssociationInfo)
	OnDeviceDisappeared(info AssociationInfo)
	OnDeviceAppearedAddress(address string)
	OnDeviceDisappearedAddress(address string)
}

// Options wires an Observer to its collaborators.
type Options struct {
	Platform    Platform
	Permissions PermissionChecker
	Presenter   Presenter
	Peripheral  PeripheralClient

	// Status fills in the status of bare-address events. Optional.
	Status StatusQuerier

	// DeviceIDs filters the broadcast listener. Empty accepts every sensor.
	DeviceIDs []string

	Logger *logrus.Logger
}

// Observer handles device lifecycle events. Its methods must be called from
// a single goroutine; use a Dispatcher to feed it from callback threads.
type Observer struct {
	ctx    context.Context
	opts   Options
	logger *logrus.Logger

	subscription SubscriptionSlot
}

var _ Listener = (*Observer)(nil)

// NewObserver creates an Observer. ctx bounds connection attempts and
// broadcast listeners.
func NewObserver(ctx context.Context, opts Options) *Observer {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Platform == nil {
		opts.Platform = PlatformVersion(RichEventsVersion)
	}
	return &Observer{ctx: ctx, opts: opts, logger: logger}
}

func (o *Observer) rich() bool {
	return o.opts.Platform.Version() >= RichEventsVersion
}

// OnDeviceAppeared handles a rich appeared event. Ignored on platforms
// reporting bare addresses.
func (o *Observer) OnDeviceAppeared(info AssociationInfo) {
	o.logger.WithField("association", info.ID).Debug("onDeviceAppeared")
	if !o.rich() {
		return
	}

	status := StatusDisconnected
	if info.Connected {
		status = StatusConnected
	}
	o.dispatchRich(Appeared, info, status)
}

// OnDeviceDisappeared handles a rich disappeared event. Ignored on platforms
// reporting bare addresses.
func (o *Observer) OnDeviceDisappeared(info AssociationInfo) {
	o.logger.WithField("association", info.ID).Debug("onDeviceDisappeared")
	if !o.rich() {
		return
	}
	o.dispatchRich(Disappeared, info, "")
}

// OnDeviceAppearedAddress handles a bare-address appeared event. Once the
// permission check passes, the status is the connection state queried from
// the platform. Ignored on platforms reporting rich records.
func (o *Observer) OnDeviceAppearedAddress(address string) {
	if o.rich() {
		return
	}
	address = normalizeAddress(address)
	if address == "" {
		o.logger.Debug("Appeared event without address dropped")
		return
	}
	o.handle(Event{Kind: Appeared, Address: address})
}

// OnDeviceDisappearedAddress handles a bare-address disappeared event.
// Ignored on platforms reporting rich records.
func (o *Observer) OnDeviceDisappearedAddress(address string) {
	if o.rich() {
		return
	}
	address = normalizeAddress(address)
	if address == "" {
		o.logger.Debug("Disappeared event without address dropped")
		return
	}
	o.handle(Event{Kind: Disappeared, Address: address})
}

// Close disposes the broadcast listener.
func (o *Observer) Close() {
	if o.subscription.Release() {
		o.logger.Debug("Broadcast listener disposed on close")
	}
}

func (o *Observer) dispatchRich(kind Kind, info AssociationInfo, status string) {
	address := normalizeAddress(info.Address)
	if address == "" {
		o.logger.WithField("association", info.ID).Debug("Association without device address dropped")
		return
	}
	info.Address = address
	o.handle(Event{Kind: kind, Address: address, Status: status, Association: &info})
}

func (o *Observer) queryStatus(address string) string {
	if o.opts.Status == nil {
		return StatusUnknown
	}
	status, err := o.opts.Status.ConnectionState(address)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Failed to query connection state")
		return StatusUnknown
	}
	return status
}

func (o *Observer) handle(ev Event) {
	log := o.logger.WithFields(logrus.Fields{
		"address": ev.Address,
		"event":   ev.Kind,
	})

	if err := o.checkPermissions(); err != nil {
		log.WithField("error", err).Debug("Event dropped")
		return
	}

	switch ev.Kind {
	case Appeared:
		o.appeared(log, ev)
	case Disappeared:
		o.disappeared(log, ev)
	default:
		log.Warn("Unknown event kind")
	}
}

func (o *Observer) checkPermissions() error {
	if o.opts.Permissions == nil {
		return nil
	}
	perms := []Permission{BluetoothConnect}
	if o.rich() {
		perms = append(perms, PostNotifications)
	}
	for _, p := range perms {
		if err := o.opts.Permissions.Check(o.ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Observer) appeared(log *logrus.Entry, ev Event) {
	if ev.Association == nil {
		ev.Status = o.queryStatus(ev.Address)
	}
	o.opts.Presenter.Present(ev.Address, StateAppeared, ev.Status)

	if err := o.opts.Peripheral.Connect(o.ctx, ev.Address); err != nil {
		log.WithField("error", peripheralError("connect", ev.Address, err)).Error("Failed to connect to device")
	}

	if o.subscription.Release() {
		log.Debug("Previous broadcast listener disposed")
	}
	o.listenBroadcasts()
}

func (o *Observer) disappeared(log *logrus.Entry, ev Event) {
	o.opts.Presenter.Present(ev.Address, StateDisappeared, "")

	if err := o.opts.Peripheral.Disconnect(ev.Address); err != nil {
		log.WithField("error", peripheralError("disconnect", ev.Address, err)).Error("Failed to disconnect from device")
	}

	if o.subscription.Release() {
		log.Debug("Broadcast listener disposed")
	}
}

// listenBroadcasts starts the broadcast listener and installs it in the
// subscription slot. Items and the terminal outcome are only logged.
func (o *Observer) listenBroadcasts() {
	started := make(chan *Subscription, 1)

	w := groutine.Start(o.ctx, "broadcast-listener", func(ctx context.Context) {
		sub := <-started
		log := o.logger.WithField("subscription", sub.ID)

		err := o.opts.Peripheral.ListenBroadcasts(ctx, o.opts.DeviceIDs, func(b device.Broadcast) {
			log.WithFields(logrus.Fields{
				"device_id":  b.DeviceID,
				"hr":         b.HR,
				"battery_ok": b.BatteryOK,
				"contact":    b.Contact,
				"rssi":       b.RSSI,
			}).Debug("HR broadcast")
		})

		switch {
		case err != nil:
			log.WithField("error", broadcastError(err)).Error("Broadcast listener failed")
		case ctx.Err() != nil:
			log.Debug("Broadcast listener disposed")
		default:
			log.Debug("Broadcast listener complete")
		}
		o.subscription.ReleaseIf(sub)
	})

	sub := NewSubscription(w.Cancel, w.Done())
	o.subscription.Replace(sub)
	started <- sub
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
