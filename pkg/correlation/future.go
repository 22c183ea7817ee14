package correlation

import (
	"context"

	"github.com/rotisserie/eris"
)

// Future is the pending result of an asynchronous call. Hosts that step in frames poll it once per
// frame instead of blocking.
type Future[T any] struct {
	done chan struct{}
	out  Outcome[T]
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(out Outcome[T]) {
	f.out = out
	close(f.done)
}

// Done is closed once the outcome is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Poll returns the outcome and true once the call has resolved. It never blocks.
func (f *Future[T]) Poll() (Outcome[T], bool) {
	select {
	case <-f.done:
		return f.out, true
	default:
		return Outcome[T]{}, false
	}
}

// Wait blocks until the outcome is available or ctx ends. Ending ctx does not cancel the call;
// cancel the context the call was started with for that.
func (f *Future[T]) Wait(ctx context.Context) Outcome[T] {
	select {
	case <-f.done:
		return f.out
	case <-ctx.Done():
		return Failure[T](eris.Wrap(ErrCancelled, ctx.Err().Error()))
	}
}
