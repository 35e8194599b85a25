package bus

import (
	"context"

	"github.com/attestra-io/attestra/pkg/event"
)

// ResultFuture is the handle returned by EmitDeferred. It can be awaited or
// polled; either way the caller's thread of control is never blocked by the
// dispatch itself.
type ResultFuture struct {
	ch  chan event.EmitResult
	err error

	done   bool
	result event.EmitResult
}

func failedFuture(err error) *ResultFuture {
	return &ResultFuture{err: err}
}

// Wait blocks until the result is available or ctx is done.
func (f *ResultFuture) Wait(ctx context.Context) (event.EmitResult, error) {
	if f.err != nil {
		return event.EmitResult{}, f.err
	}
	if f.done {
		return f.result, nil
	}
	select {
	case result := <-f.ch:
		f.done = true
		f.result = result
		return result, nil
	case <-ctx.Done():
		return event.EmitResult{}, ctx.Err()
	}
}

// Poll returns the result if it has already arrived, without blocking.
func (f *ResultFuture) Poll() (event.EmitResult, bool) {
	if f.err != nil || f.done {
		return f.result, f.done
	}
	select {
	case result := <-f.ch:
		f.done = true
		f.result = result
		return result, true
	default:
		return event.EmitResult{}, false
	}
}

// Err returns the immediate failure, if the event never entered the queue.
func (f *ResultFuture) Err() error { return f.err }
