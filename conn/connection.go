// Package conn implements the connection state machine: byte framing via
// resp.Parser, request/response correlation through a FIFO resolver queue,
// pipeline buffering, and MULTI/EXEC/WATCH transaction coordination over a
// single duplex byte stream.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mervinkid/rediwire/logging"
	"github.com/mervinkid/rediwire/parallel"
	"github.com/mervinkid/rediwire/resp"
)

// Stream is the duplex byte transport a Connection drives — satisfied by
// *net.TCPConn, *net.UnixConn, or anything test code wires up with
// net.Pipe.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// mode is the connection's buffering state. It governs only whether
// Execute writes immediately or appends to the pipeline buffer; the
// independent "is a transaction scope open" flag (inTransaction) decides
// whether a pipeline flush gets wrapped in MULTI/EXEC.
type mode int

const (
	modeNormal mode = iota
	modePipeline
	modePipelineInTransaction
)

// txnWireState tracks where the reader loop is within a flushed
// MULTI...EXEC sequence, so it knows how to interpret each arriving reply
// (§4.2.1).
type txnWireState int

const (
	txnWireIdle txnWireState = iota
	txnWireAwaitingMultiAck
	txnWireAwaitingQueuedOrExec
)

// Options configures a Connection at construction time.
type Options struct {
	Remote          string
	DB              int
	DefaultEncoding Encoding
	MaxChunkSize    int
	GatherTimeout   time.Duration
	Parser          resp.Parser
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = 65535
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = 30 * time.Second
	}
	if o.Parser == nil {
		o.Parser = resp.NewParser()
	}
	return o
}

// Connection owns one duplex byte stream, runs a background reader loop,
// and exposes Execute / PipelineScope / TransactionScope / Close.
type Connection struct {
	id     string
	stream Stream
	opts   Options

	mu              sync.Mutex
	mode            mode
	inTransaction   bool
	watching        bool
	watchedKeys     []string
	nestedPipeline  bool
	pipelineBuf     []byte
	scopeFutures    []*Future
	txnState        txnWireState
	closing         bool
	closed          bool
	closedCh        chan struct{}
	closedErr       error
	waitClosedReady bool

	queue  *resolverQueue
	reader parallel.Goroutine
}

// Dial opens a Connection over stream, optionally selecting a database,
// and starts its background reader loop.
func Dial(stream Stream, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	c := &Connection{
		id:       uuid.NewString(),
		stream:   stream,
		opts:     opts,
		closedCh: make(chan struct{}),
		queue:    newResolverQueue(),
	}
	c.reader = parallel.NewGoroutine(c.readLoop)
	c.reader.Start()

	if opts.DB != 0 {
		future, err := c.Execute("SELECT", []interface{}{opts.DB})
		if err != nil {
			c.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.GatherTimeout)
		defer cancel()
		if _, err := future.Await(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("conn: SELECT %d failed: %w", opts.DB, err)
		}
	}
	return c, nil
}

// ID returns the connection's generated identifier, useful for log
// correlation and pool bookkeeping.
func (c *Connection) ID() string {
	return c.id
}

// Closed reports whether the connection is no longer usable: the reader
// hit EOF, or Close has been called (shutdown may still be in progress).
// Mirrors the observable original_source pins down as reader-at-EOF OR
// writer-closing.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.closing
}

// ExecOption customizes one Execute call's decode policy.
type ExecOption func(*execConfig)

type execConfig struct {
	encoding  Encoding
	transform []Transform
	errorFunc *ErrorFunc
}

// WithEncoding overrides the target encoding for one call.
func WithEncoding(e Encoding) ExecOption {
	return func(c *execConfig) { c.encoding = e }
}

// WithTransform appends stages to the post-decode transform chain.
func WithTransform(t ...Transform) ExecOption {
	return func(c *execConfig) { c.transform = append(c.transform, t...) }
}

// WithErrorFunc sets the error-remap policy for one call.
func WithErrorFunc(f *ErrorFunc) ExecOption {
	return func(c *execConfig) { c.errorFunc = f }
}

// Execute encodes verb+args and either writes them immediately (normal
// mode) or appends them to the pipeline buffer (any pipeline mode),
// enqueuing a resolver either way, and returns its Future.
func (c *Connection) Execute(verb string, args []interface{}, opts ...ExecOption) (*Future, error) {
	cfg := execConfig{encoding: c.opts.DefaultEncoding}
	for _, o := range opts {
		o(&cfg)
	}

	encoded, err := resp.Encode(verb, args...)
	if err != nil {
		return nil, &EncodingUnsupportedError{Cause: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.closing {
		c.mu.Unlock()
		return nil, ErrConnectionClosing
	}

	r := newResolver(cfg.encoding, cfg.transform, cfg.errorFunc)
	buffering := c.mode == modePipeline || c.mode == modePipelineInTransaction

	if buffering {
		c.pipelineBuf = append(c.pipelineBuf, encoded...)
		c.queue.push(r)
		future := newLockedFuture(r)
		c.scopeFutures = append(c.scopeFutures, future)
		c.mu.Unlock()
		return future, nil
	}

	c.queue.push(r)
	c.mu.Unlock()

	if _, err := c.stream.Write(encoded); err != nil {
		c.failWithError(fmt.Errorf("conn: write failed: %w", err))
		return newFuture(r), nil
	}
	return newFuture(r), nil
}

// PipelineScope runs body with the connection's mode set to pipeline (or
// pipeline-in-transaction, if a transaction scope is open). Enter rejects
// if closed/closing or already inside a pipeline scope. Exit follows the
// disposition table in §4.2: body returning nil is a normal exit, body
// returning ErrAbortTransaction is a caller-requested abort (swallowed —
// PipelineScope itself returns nil), and any other error discards the
// buffer and propagates.
func (c *Connection) PipelineScope(ctx context.Context, body func() error) error {
	prevMode, wasTransaction, err := c.enterPipeline()
	if err != nil {
		return err
	}

	bodyErr := runGuarded(body)
	return c.exitPipeline(ctx, prevMode, wasTransaction, bodyErr)
}

func (c *Connection) enterPipeline() (prevMode mode, wasTransaction bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, false, ErrConnectionClosed
	}
	if c.closing {
		return 0, false, ErrConnectionClosing
	}
	if c.mode != modeNormal {
		return 0, false, ErrPipelineNested
	}

	prevMode = c.mode
	wasTransaction = c.inTransaction
	if wasTransaction {
		c.mode = modePipelineInTransaction
		c.nestedPipeline = true
	} else {
		c.mode = modePipeline
	}
	c.pipelineBuf = nil
	c.scopeFutures = nil
	return prevMode, wasTransaction, nil
}

func (c *Connection) exitPipeline(ctx context.Context, prevMode mode, wasTransaction bool, bodyErr error) error {
	c.mu.Lock()
	buf := c.pipelineBuf
	futures := c.scopeFutures
	c.pipelineBuf = nil
	c.scopeFutures = nil
	c.mode = prevMode
	for _, f := range futures {
		f.unlock()
	}

	switch {
	case bodyErr == nil:
		wire, unwatch := c.exitPipelineNormalLocked(buf, wasTransaction)
		c.mu.Unlock()
		if err := c.writeScopeWire(wire, unwatch); err != nil {
			return err
		}
		return c.gatherScope(ctx, futures)

	case errors.Is(bodyErr, ErrAbortTransaction):
		unwatch := c.exitPipelineAbortLocked(len(futures), wasTransaction)
		c.mu.Unlock()
		c.writeUnwatchIfNeeded(unwatch)
		return nil

	default:
		c.exitPipelineErrorLocked(len(futures), bodyErr)
		c.mu.Unlock()
		return bodyErr
	}
}

// exitPipelineNormalLocked prepares (but does not write) the wire bytes for
// a normal-disposition flush, splicing in the MULTI placeholder and
// flipping txnState when the scope was transaction-wrapped. Must be called
// with c.mu held. Returns nil wire and unwatch=true when the scope had no
// buffered commands but owes an UNWATCH.
func (c *Connection) exitPipelineNormalLocked(buf []byte, wasTransaction bool) (wire []byte, unwatch bool) {
	if len(buf) == 0 {
		return nil, wasTransaction && c.watching
	}

	wire = buf
	if wasTransaction {
		placeholder := newPlaceholderResolver()
		c.queue.prepend(placeholder)

		multiBytes, _ := resp.Encode("MULTI")
		execBytes, _ := resp.Encode("EXEC")
		wire = append(append(append([]byte{}, multiBytes...), buf...), execBytes...)
		c.txnState = txnWireAwaitingMultiAck
	}
	return wire, false
}

// writeScopeWire writes a prepared pipeline/transaction flush, or issues a
// standalone UNWATCH when there was nothing to flush but watches are
// active. Must be called without c.mu held.
func (c *Connection) writeScopeWire(wire []byte, unwatch bool) error {
	if unwatch {
		return c.writeUnwatchIfNeeded(true)
	}
	if len(wire) == 0 {
		return nil
	}
	if _, err := c.stream.Write(wire); err != nil {
		err = fmt.Errorf("conn: pipeline flush failed: %w", err)
		c.failWithError(err)
		return err
	}
	return nil
}

// writeUnwatchIfNeeded enqueues and writes a standalone UNWATCH. Must be
// called without c.mu held.
func (c *Connection) writeUnwatchIfNeeded(needed bool) error {
	if !needed {
		return nil
	}
	c.mu.Lock()
	encoded := c.enqueueUnwatchLocked()
	c.mu.Unlock()
	if _, err := c.stream.Write(encoded); err != nil {
		err = fmt.Errorf("conn: UNWATCH failed: %w", err)
		c.failWithError(err)
		return err
	}
	return nil
}

// exitPipelineAbortLocked discards the scope's buffered resolvers (they
// were never written to the wire) and fails each with the abort error.
// Must be called with c.mu held. Returns whether an UNWATCH is owed.
func (c *Connection) exitPipelineAbortLocked(n int, wasTransaction bool) (unwatch bool) {
	removed := c.queue.removeTail(n)
	for _, r := range removed {
		r.fulfill(nil, ErrAbortTransaction)
	}
	return wasTransaction && c.watching
}

// exitPipelineErrorLocked discards the scope's buffered resolvers and
// fails each with the body's own error. Must be called with c.mu held.
func (c *Connection) exitPipelineErrorLocked(n int, bodyErr error) {
	removed := c.queue.removeTail(n)
	for _, r := range removed {
		r.fulfill(nil, bodyErr)
	}
}

func (c *Connection) gatherScope(ctx context.Context, futures []*Future) error {
	if len(futures) == 0 {
		return nil
	}
	gatherCtx := ctx
	if c.opts.GatherTimeout > 0 {
		var cancel context.CancelFunc
		gatherCtx, cancel = context.WithTimeout(ctx, c.opts.GatherTimeout)
		defer cancel()
	}
	return gather(gatherCtx, futures)
}

// TransactionScope opens a WATCH-guarded transaction: if watchKeys is
// non-empty, WATCH is issued synchronously via the normal path before body
// runs. On any exit it clears the transaction flag and watch set, and —
// only if body never entered a nested PipelineScope — issues UNWATCH when
// watches were active.
func (c *Connection) TransactionScope(ctx context.Context, watchKeys []string, body func() error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.closing {
		c.mu.Unlock()
		return ErrConnectionClosing
	}
	if c.inTransaction {
		c.mu.Unlock()
		return ErrTransactionNested
	}
	c.mu.Unlock()

	if len(watchKeys) > 0 {
		args := make([]interface{}, len(watchKeys))
		for i, k := range watchKeys {
			args[i] = k
		}
		future, err := c.Execute("WATCH", args)
		if err != nil {
			return err
		}
		if _, err := future.Await(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.inTransaction = true
	c.watching = len(watchKeys) > 0
	c.watchedKeys = watchKeys
	c.nestedPipeline = false
	c.mu.Unlock()

	bodyErr := runGuarded(body)

	c.mu.Lock()
	c.inTransaction = false
	watchingWasActive := c.watching
	c.watching = false
	c.watchedKeys = nil
	nestedEntered := c.nestedPipeline
	c.nestedPipeline = false
	c.mu.Unlock()

	if !nestedEntered && watchingWasActive {
		_ = c.writeUnwatchIfNeeded(true)
	}

	return bodyErr
}

// enqueueUnwatchLocked pushes a placeholder resolver for an UNWATCH about
// to be written and returns its encoded bytes. Must be called with c.mu
// held; the actual write happens after the caller releases the lock, so a
// blocked Write can never hold up the reader loop's dispatch.
func (c *Connection) enqueueUnwatchLocked() []byte {
	encoded, _ := resp.Encode("UNWATCH")
	r := newResolver(c.opts.DefaultEncoding, nil, nil)
	r.placeholder = true
	c.queue.push(r)
	return encoded
}

// runGuarded executes body, converting a panic into an error result so a
// pipeline/transaction body that panics still runs scope exit/disposition
// cleanup instead of unwinding through it.
func runGuarded(body func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("conn: scope body panicked: %v", r)
			}
		}
	}()
	return body()
}

// readLoop is the connection's single background reader. It is the only
// goroutine that consumes stream bytes and dispatches resolvers, so all
// reply-side bookkeeping (queue pops, transaction state) is free of data
// races with itself; it still takes c.mu when touching fields Execute or
// the scope methods also touch.
func (c *Connection) readLoop() {
	chunk := make([]byte, c.opts.MaxChunkSize)
	for {
		n, err := c.stream.Read(chunk)
		if n > 0 {
			c.opts.Parser.Feed(chunk[:n])
			c.drainReplies()
		}
		if err != nil {
			c.onReaderEOF(err)
			return
		}
	}
}

func (c *Connection) drainReplies() {
	for {
		reply, ok, err := c.opts.Parser.Next()
		if err != nil {
			c.failWithError(fmt.Errorf("conn: parser error: %w", err))
			return
		}
		if !ok {
			return
		}
		c.dispatch(reply)
	}
}

// dispatch routes one top-level reply per §4.2.2's numbered rules.
func (c *Connection) dispatch(reply resp.Reply) {
	c.mu.Lock()
	state := c.txnState
	watchedKeys := c.watchedKeys

	switch state {
	case txnWireAwaitingMultiAck:
		c.txnState = txnWireAwaitingQueuedOrExec
		placeholder := c.queue.popFront()
		c.mu.Unlock()
		if placeholder != nil {
			placeholder.fulfill(nil, nil)
		}
		return

	case txnWireAwaitingQueuedOrExec:
		if reply.Kind == resp.KindSimpleString && reply.Str == "QUEUED" {
			c.mu.Unlock()
			return
		}
		if reply.Kind != resp.KindArray {
			c.mu.Unlock()
			c.failWithError(ErrExecLengthMismatch)
			return
		}
		c.txnState = txnWireIdle
		if reply.IsNilArray() {
			remaining := c.queue.drainAll()
			c.mu.Unlock()
			for _, r := range remaining {
				r.fulfill(nil, NewWatchError(watchedKeys))
			}
			return
		}
		popped := c.queue.popMany(len(reply.Array))
		c.mu.Unlock()
		if len(popped) != len(reply.Array) {
			c.failWithError(ErrExecLengthMismatch)
			return
		}
		for i, r := range popped {
			decodeAndFulfill(r, reply.Array[i])
		}
		return

	default:
		r := c.queue.popFront()
		c.mu.Unlock()
		if r == nil {
			logging.Warn("conn: reply with no pending resolver: %v", reply)
			return
		}
		if r.placeholder {
			r.fulfill(nil, nil)
			return
		}
		decodeAndFulfill(r, reply)
	}
}

func (c *Connection) onReaderEOF(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.closing = false
	remaining := c.queue.drainAll()
	pending := c.scopeFutures
	c.scopeFutures = nil
	if !alreadyClosed {
		c.closedErr = err
		close(c.closedCh)
	}
	c.mu.Unlock()

	for _, f := range pending {
		f.unlock()
	}
	for _, r := range remaining {
		r.fulfill(nil, ErrConnectionClosed)
	}
	logging.Debug("conn: reader loop for %s terminated: %v", c.id, err)
}

// failWithError tears the connection down as if the reader had hit EOF,
// used for fatal protocol-level errors (e.g. an EXEC array length that
// does not match the queued resolver count) and for write failures.
func (c *Connection) failWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closing = false
	c.closedErr = err
	remaining := c.queue.drainAll()
	close(c.closedCh)
	c.mu.Unlock()

	for _, r := range remaining {
		r.fulfill(nil, err)
	}
	logging.Error("conn: connection %s failed: %v", c.id, err)
	_ = c.stream.Close()
}

// Close begins shutdown: marks the connection closing, closes the
// underlying stream (which unblocks the reader loop's pending Read with
// EOF/an error), and waits for the reader loop to finish draining.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	_ = c.stream.Close()
	c.reader.Join()
}

// WaitClosed blocks until the connection has fully closed, or ctx is done.
// It returns ErrNotClosing if called before Close (mirrors original_source
// redical's wait_closed, which raises rather than blocking forever on a
// connection nobody asked to close).
func (c *Connection) WaitClosed(ctx context.Context) error {
	c.mu.Lock()
	closing := c.closing
	closed := c.closed
	c.mu.Unlock()

	if !closing && !closed {
		return ErrNotClosing
	}

	select {
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
