package request

import (
	"context"
	"errors"
)

// errCancelledByCaller is the context cause recorded by Future.Cancel.
var errCancelledByCaller = errors.New("request cancelled by caller")

// Future is a request running on its own goroutine.
type Future struct {
	req    *Request
	cancel context.CancelCauseFunc
	done   chan struct{}
	result Result
}

// Start runs r on a new goroutine.
func (r *Request) Start(ctx context.Context) *Future {
	ctx, cancel := context.WithCancelCause(ctx)
	f := &Future{req: r, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer cancel(nil)
		f.result = r.Run(ctx)
	}()
	return f
}

// Request returns the running request.
func (f *Future) Request() *Request {
	return f.req
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request ends or ctx is done. Giving up on the wait
// does not cancel the request.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel cancels the interactive leg. A request still in its silent phases
// finishes them and then ends cancelled instead of prompting.
func (f *Future) Cancel() {
	f.cancel(errCancelledByCaller)
}
