package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/companiond/internal/device"
	"github.com/srg/companiond/internal/groutine"
)

// ScanHub multiplexes one radio scan to any number of listeners. The radio
// scans while at least one listener is registered; a radio supports a single
// scan at a time, so presence tracking and broadcast listening share it.
type ScanHub struct {
	adapter func() (Adapter, error)
	logger  *logrus.Logger

	listeners *hashmap.Map[uint64, func(device.Advertisement)]
	nextID    atomic.Uint64

	mu  sync.Mutex
	run *scanRun
}

type scanRun struct {
	stopping bool // guarded by ScanHub.mu
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewScanHub creates a hub scanning with the adapter returned by adapter.
func NewScanHub(adapter func() (Adapter, error), logger *logrus.Logger) *ScanHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &ScanHub{
		adapter:   adapter,
		logger:    logger,
		listeners: hashmap.New[uint64, func(device.Advertisement)](),
	}
}

// Scan delivers advertisements to handler until ctx is done or the radio
// scan fails. The radio always scans with duplicates so every listener sees
// every report; with allowDup false this listener gets only the first report
// of each address. A cancelled ctx yields nil.
func (h *ScanHub) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if !allowDup {
		handler = firstPerAddress(handler)
	}

	id := h.nextID.Add(1)
	run, err := h.register(id, handler)
	if err != nil {
		return err
	}
	defer h.unregister(id, run)

	select {
	case <-ctx.Done():
		return nil
	case <-run.done:
		return run.err
	}
}

func (h *ScanHub) register(id uint64, handler func(device.Advertisement)) (*scanRun, error) {
	h.mu.Lock()
	// a cancelled scan must fully stop before the radio can scan again
	for h.run != nil && h.run.stopping {
		done := h.run.done
		h.mu.Unlock()
		<-done
		h.mu.Lock()
	}
	defer h.mu.Unlock()

	h.listeners.Set(id, handler)
	if h.run != nil {
		return h.run, nil
	}

	adapter, err := h.adapter()
	if err != nil {
		h.listeners.Del(id)
		return nil, err
	}

	scanCtx, cancel := context.WithCancel(context.Background())
	run := &scanRun{cancel: cancel, done: make(chan struct{})}
	h.run = run

	h.logger.Debug("Starting radio scan")
	groutine.Go(scanCtx, "ble-scan-hub", func(ctx context.Context) {
		err := adapter.Scan(ctx, true, h.dispatch)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			h.logger.WithField("error", err).Error("Radio scan failed")
			run.err = err
		}

		h.mu.Lock()
		if h.run == run {
			h.run = nil
		}
		h.mu.Unlock()

		h.logger.Debug("Radio scan stopped")
		close(run.done)
	})

	return run, nil
}

func (h *ScanHub) unregister(id uint64, run *scanRun) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.listeners.Del(id)
	if h.listeners.Len() == 0 && h.run == run && !run.stopping {
		run.stopping = true
		run.cancel()
	}
}

func (h *ScanHub) dispatch(adv device.Advertisement) {
	h.listeners.Range(func(_ uint64, fn func(device.Advertisement)) bool {
		fn(adv)
		return true
	})
}

// firstPerAddress drops reports from addresses handler has already seen.
// Reports may arrive on concurrent goroutines.
func firstPerAddress(handler func(device.Advertisement)) func(device.Advertisement) {
	seen := hashmap.New[string, struct{}]()
	return func(adv device.Advertisement) {
		if _, dup := seen.GetOrInsert(adv.Addr(), struct{}{}); dup {
			return
		}
		handler(adv)
	}
}
