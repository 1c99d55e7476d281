package companion

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/groutine"
	"github.com/srg/companiond/internal/ringchan"
)

// DefaultQueueSize is the number of pending events a Dispatcher buffers.
const DefaultQueueSize = 64

type call struct {
	kind    Kind
	info    *AssociationInfo
	address string
}

// Dispatcher queues presence events from callback threads and delivers them
// to a Listener on one goroutine. Reporting an event never blocks; when the
// queue is full the oldest pending event is dropped.
type Dispatcher struct {
	queue  *ringchan.RingChannel[call]
	logger *logrus.Logger

	startOnce sync.Once
	done      <-chan struct{}
}

var _ Listener = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. A non-positive size selects
// DefaultQueueSize. Events reported before Start are buffered.
func NewDispatcher(size int, logger *logrus.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		queue:  ringchan.New[call](size),
		logger: logger,
	}
}

// Start launches the goroutine delivering to target. It stops when ctx is
// done or after Close once the queue is drained. Calling Start again is a
// no-op.
func (d *Dispatcher) Start(ctx context.Context, target Listener) {
	d.startOnce.Do(func() {
		d.done = groutine.Go(ctx, "companion-dispatch", func(ctx context.Context) {
			d.run(ctx, target)
		})
	})
}

// Close stops accepting events and waits for queued events to be delivered.
func (d *Dispatcher) Close() {
	d.queue.Close()
	d.startOnce.Do(func() {})
	if d.done != nil {
		<-d.done
	}
}

// Stats returns the queue counters.
func (d *Dispatcher) Stats() ringchan.Stats {
	return d.queue.Stats()
}

func (d *Dispatcher) OnDeviceAppeared(info AssociationInfo) {
	d.enqueue(call{kind: Appeared, info: &info, address: info.Address})
}

func (d *Dispatcher) OnDeviceDisappeared(info AssociationInfo) {
	d.enqueue(call{kind: Disappeared, info: &info, address: info.Address})
}

func (d *Dispatcher) OnDeviceAppearedAddress(address string) {
	d.enqueue(call{kind: Appeared, address: address})
}

func (d *Dispatcher) OnDeviceDisappearedAddress(address string) {
	d.enqueue(call{kind: Disappeared, address: address})
}

func (d *Dispatcher) enqueue(c call) {
	if !d.queue.Send(c) {
		d.logger.WithFields(logrus.Fields{
			"address": c.address,
			"event":   c.kind,
		}).Debug("Event reported after dispatcher closed")
	}
}

func (d *Dispatcher) run(ctx context.Context, target Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-d.queue.C():
			if !ok {
				return
			}
			deliver(target, c)
		}
	}
}

func deliver(target Listener, c call) {
	switch {
	case c.kind == Appeared && c.info != nil:
		target.OnDeviceAppeared(*c.info)
	case c.kind == Disappeared && c.info != nil:
		target.OnDeviceDisappeared(*c.info)
	case c.kind == Appeared:
		target.OnDeviceAppearedAddress(c.address)
	case c.kind == Disappeared:
		target.OnDeviceDisappearedAddress(c.address)
	}
}
