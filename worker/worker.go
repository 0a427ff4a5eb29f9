// Package worker provides the cooperative-goroutine primitive that
// corerelay's long-running components are built on: chat-owner tasks,
// RPC connections, transport listeners, and the registry poller.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background goroutines that share a single
// halt signal. Multiple goroutines may be started under the same Worker;
// each is responsible for observing HaltCh (or Context) and returning
// promptly once it fires.
type Worker struct {
	wg       sync.WaitGroup
	initOnce sync.Once

	haltCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
	w.ctx, w.cancel = context.WithCancel(context.Background())
}

// Go executes fn in a new goroutine tracked by this Worker.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes HaltCh, cancels Context, and blocks until every goroutine
// started with Go has returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.cancel()
	select {
	case <-w.haltCh:
	default:
		close(w.haltCh)
	}
	w.wg.Wait()
}

// HaltCh returns the channel closed when Halt is called.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Context returns a context.Context canceled when Halt is called. Blocking
// calls that accept a context (dials, lookups, timed reads) should use this
// instead of a bare HaltCh select so cancellation is composable with
// per-call timeouts via context.WithTimeout.
func (w *Worker) Context() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}
