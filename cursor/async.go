package cursor

import (
	"context"
	"sync"

	"github.com/liftbridge-io/managedlog/entry"
	"github.com/liftbridge-io/managedlog/position"
)

// Future[T] is a single-assignment, awaitable result shared by the async
// variants of cursor operations (spec.md section 9: "derive sync variants
// by awaiting rather than maintaining two parallel code paths").
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete resolves the future exactly once; later calls are no-ops.
func (f *Future[T]) complete(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves and returns its value and error.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// runAsync executes fn on its own goroutine and returns a Future resolved
// with its result, the pattern every Async* cursor method shares.
func runAsync[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		v, err := fn()
		f.complete(v, err)
	}()
	return f
}

// RunAsync is runAsync exported for callers outside this package (e.g.
// ledger.ManagedLog.AsyncAddEntry) that want the same future-backed async
// pattern without duplicating it.
func RunAsync[T any](fn func() (T, error)) *Future[T] {
	return runAsync(fn)
}

// AsyncMarkDelete runs MarkDelete on a background goroutine, returning a
// Future the caller may await instead of blocking on the call itself.
func (c *Cursor) AsyncMarkDelete(ctx context.Context, p position.Position) *Future[struct{}] {
	return runAsync(func() (struct{}, error) {
		return struct{}{}, c.MarkDelete(ctx, p)
	})
}

// AsyncDelete runs Delete on a background goroutine.
func (c *Cursor) AsyncDelete(ctx context.Context, p position.Position) *Future[struct{}] {
	return runAsync(func() (struct{}, error) {
		return struct{}{}, c.Delete(ctx, p)
	})
}

// AsyncResetCursor runs ResetCursor on a background goroutine.
func (c *Cursor) AsyncResetCursor(p position.Position) *Future[struct{}] {
	return runAsync(func() (struct{}, error) {
		return struct{}{}, c.ResetCursor(p)
	})
}

// AsyncReadEntries runs ReadEntries on a background goroutine.
func (c *Cursor) AsyncReadEntries(ctx context.Context, max int) *Future[[]*entry.Entry] {
	return runAsync(func() ([]*entry.Entry, error) {
		return c.ReadEntries(ctx, max)
	})
}
