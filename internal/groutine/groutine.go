// Package groutine starts named goroutines. The name is set as a pprof label
// and carried in the goroutine's context so logs and profiles can tell the
// dispatch loop, scan hub and broadcast listeners apart.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

const labelKey = "goroutine"

// Worker is a named goroutine with its own cancellation.
type Worker struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs fn on a new goroutine. The context passed to fn is cancelled by
// Cancel, Stop, or when parent is done. A nil parent means
// context.Background().
func Start(parent context.Context, name string, fn func(ctx context.Context)) *Worker {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(context.WithValue(parent, ctxKey{}, name))
	w := &Worker{name: name, cancel: cancel, done: make(chan struct{})}

	go pprof.Do(ctx, pprof.Labels(labelKey, name), func(ctx context.Context) {
		defer close(w.done)
		defer cancel()
		fn(ctx)
	})
	return w
}

// Go is Start for goroutines nobody stops directly; the returned channel is
// closed when fn returns.
func Go(parent context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	return Start(parent, name, fn).Done()
}

func (w *Worker) Name() string { return w.name }

// Done is closed once fn has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Cancel asks the worker to stop without waiting.
func (w *Worker) Cancel() { w.cancel() }

// Stop cancels the worker and waits for fn to return.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
}

// Name returns the name of the goroutine owning ctx, or "" outside one.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}
