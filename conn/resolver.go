package conn

import (
	"sync"

	"github.com/mervinkid/rediwire/resp"
)

// Encoding selects how bulk-string bytes are decoded into a Go value.
type Encoding int

const (
	// EncodingDefault defers to the owning connection's configured default.
	EncodingDefault Encoding = iota
	// EncodingRawBytes leaves bulk-string bytes untouched ([]byte).
	EncodingRawBytes
	// EncodingText decodes bulk-string bytes as a string.
	EncodingText
)

// Transform is one stage of a resolver's post-decode transform chain,
// applied left to right to the decoded value.
type Transform func(value interface{}) (interface{}, error)

// RemapFunc remaps a server error reply into a domain-specific error.
type RemapFunc func(*ResponseError) error

// ErrorFunc is a resolver's error-remap policy: a function bound at submit
// time plus whether a nil return genuinely suppresses the error. Plain
// error funcs keep the original ResponseError on a nil return — swallowing
// an error unconditionally on nil is a footgun, so suppression is an
// explicit opt-in via IgnoreError.
type ErrorFunc struct {
	remap       RemapFunc
	ignoreOnNil bool
}

// NewErrorFunc wraps a remap function. A nil return from fn keeps the
// original *ResponseError.
func NewErrorFunc(fn RemapFunc) *ErrorFunc {
	return &ErrorFunc{remap: fn}
}

// IgnoreError wraps fn so that a nil return suppresses the error entirely
// (the future resolves with a nil error) instead of falling back to the
// original ResponseError.
func IgnoreError(fn RemapFunc) *ErrorFunc {
	return &ErrorFunc{remap: fn, ignoreOnNil: true}
}

// apply runs the remap function and reports the error to deliver, honoring
// the ignore-on-nil policy. ok is false only when the error should be
// suppressed entirely.
func (e *ErrorFunc) apply(responseErr *ResponseError) (err error, ok bool) {
	if e == nil || e.remap == nil {
		return responseErr, true
	}
	remapped := e.remap(responseErr)
	if remapped != nil {
		return remapped, true
	}
	if e.ignoreOnNil {
		return nil, false
	}
	return responseErr, true
}

// resolverResult is the one-shot outcome delivered to a resolver's sink.
type resolverResult struct {
	value interface{}
	err   error
}

// resolver is one pending request: the decoding policy plus a one-shot
// result sink, fulfilled exactly once. The result is stored directly and
// guarded by closing ready, rather than sent over a channel, so both the
// pipeline scope's gather step and a later caller Await can both observe
// the same outcome.
type resolver struct {
	encoding  Encoding
	transform []Transform
	errorFunc *ErrorFunc

	once   sync.Once
	ready  chan struct{}
	result resolverResult

	// placeholder marks a synthetic resolver (the MULTI placeholder of
	// 4.2.1, or a standalone UNWATCH): popped silently by the reader loop,
	// never fulfilled with a visible value.
	placeholder bool
}

func newResolver(encoding Encoding, transform []Transform, errorFunc *ErrorFunc) *resolver {
	return &resolver{
		encoding:  encoding,
		transform: transform,
		errorFunc: errorFunc,
		ready:     make(chan struct{}),
	}
}

func newPlaceholderResolver() *resolver {
	r := newResolver(EncodingDefault, nil, nil)
	r.placeholder = true
	return r
}

// fulfill delivers exactly one outcome to the resolver. Subsequent calls
// are no-ops: a dropped or already-cancelled caller must not desync the
// queue, so fulfillment after the caller stopped listening is harmless.
func (r *resolver) fulfill(value interface{}, err error) {
	r.once.Do(func() {
		r.result = resolverResult{value: value, err: err}
		close(r.ready)
	})
}

// resolverQueue is the FIFO of pending resolvers. Order equals the order of
// written (or buffered) commands on the wire.
type resolverQueue struct {
	mu    sync.Mutex
	items []*resolver
}

func newResolverQueue() *resolverQueue {
	return &resolverQueue{}
}

func (q *resolverQueue) push(r *resolver) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
}

// popFront removes and returns the head resolver, or nil if the queue is
// empty.
func (q *resolverQueue) popFront() *resolver {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r
}

// drainAll removes every pending resolver and returns them, in order.
func (q *resolverQueue) drainAll() []*resolver {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *resolverQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// prepend inserts r at the head of the queue, ahead of every resolver
// already present. Used to splice the synthetic MULTI placeholder in
// front of a scope's already-enqueued command resolvers at flush time.
func (q *resolverQueue) prepend(r *resolver) {
	q.mu.Lock()
	q.items = append([]*resolver{r}, q.items...)
	q.mu.Unlock()
}

// popMany removes and returns up to n resolvers from the head of the
// queue, in order. Fewer than n are returned if the queue is shorter.
func (q *resolverQueue) popMany(n int) []*resolver {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	popped := q.items[:n]
	q.items = q.items[n:]
	return popped
}

// removeTail removes the last n resolvers pushed onto the queue and
// returns them, in the order they were pushed. Used when a scope's
// buffered commands are discarded before ever being written to the wire
// (abort or error disposition), so they don't linger to desync later
// non-scope dispatch.
func (q *resolverQueue) removeTail(n int) []*resolver {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	cut := len(q.items) - n
	removed := q.items[cut:]
	q.items = q.items[:cut]
	return removed
}

// decodeAndFulfill applies the decode pipeline (encoding + transform chain
// + error remap) to a parsed reply and fulfills the resolver.
func decodeAndFulfill(r *resolver, reply resp.Reply) {
	if reply.Kind == resp.KindError {
		responseErr := NewResponseError(reply.Str)
		err, ok := r.errorFunc.apply(responseErr)
		if !ok {
			r.fulfill(nil, nil)
			return
		}
		r.fulfill(nil, err)
		return
	}

	value, err := decodeValue(reply, r.encoding)
	if err != nil {
		r.fulfill(nil, err)
		return
	}

	for _, t := range r.transform {
		value, err = t(value)
		if err != nil {
			r.fulfill(nil, err)
			return
		}
	}
	r.fulfill(value, nil)
}

func decodeValue(reply resp.Reply, encoding Encoding) (interface{}, error) {
	switch reply.Kind {
	case resp.KindInteger:
		return reply.Integer, nil
	case resp.KindSimpleString:
		if reply.Str == "OK" {
			return true, nil
		}
		return reply.Str, nil
	case resp.KindBulkString:
		if reply.Bulk == nil {
			return nil, nil
		}
		if encoding == EncodingRawBytes {
			return reply.Bulk, nil
		}
		return string(reply.Bulk), nil
	case resp.KindArray:
		if reply.Array == nil {
			return nil, nil
		}
		out := make([]interface{}, len(reply.Array))
		for i, elem := range reply.Array {
			v, err := decodeValue(elem, encoding)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, nil
	}
}
