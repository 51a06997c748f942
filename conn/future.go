package conn

import (
	"context"
	"sync/atomic"
)

// Future is the handle returned by Connection.Execute. Outside a pipeline
// scope it is immediately awaitable; inside one it refuses to be awaited
// until the owning scope exits (§4.4).
type Future struct {
	r      *resolver
	locked int32 // 1 while the owning pipeline scope is still open
}

func newFuture(r *resolver) *Future {
	return &Future{r: r}
}

func newLockedFuture(r *resolver) *Future {
	return &Future{r: r, locked: 1}
}

// unlock is called by the owning scope at exit (or by the reader loop if
// the connection dies mid-scope), before the scope's resolvers are flushed,
// fulfilled or failed, so a caller racing the scope exit never observes a
// window where the future is awaitable but not yet going to be fulfilled.
func (f *Future) unlock() {
	atomic.StoreInt32(&f.locked, 0)
}

// Await blocks until the command's reply has been decoded and fulfilled,
// or ctx is done. It fails synchronously with ErrPipelineAwait if called
// while the owning pipeline scope is still open — awaiting here would
// deadlock, since the command has not been written yet. Await may be
// called more than once; every call after fulfillment observes the same
// outcome.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	if atomic.LoadInt32(&f.locked) == 1 {
		return nil, ErrPipelineAwait
	}
	select {
	case <-f.r.ready:
		return f.r.result.value, f.r.result.err
	case <-ctx.Done():
		// Cancellation never desynchronizes the resolver queue: the
		// resolver stays queued and its eventual fulfillment is simply
		// never observed by this call.
		return nil, ctx.Err()
	}
}

// gather waits for every future in fs to be fulfilled, bounded by ctx. It
// does not return per-future errors — callers retrieve those via each
// Future's own Await after gather returns — but a ctx deadline/cancel
// during the wait is reported so the scope exit can surface it.
func gather(ctx context.Context, fs []*Future) error {
	for _, f := range fs {
		select {
		case <-f.r.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
