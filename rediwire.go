// Package rediwire is the minimal facade tying the connection state
// machine (package conn) and the connection pool (package pool) together
// into a single usable client. It is deliberately thin: execute, pipeline
// scope, and transaction scope delegate straight to a loaned Connection,
// propagating that connection through the body via an ambient
// context.Context carrier so nested calls inside a scope resolve onto the
// same wire.
package rediwire

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/mervinkid/rediwire/config"
	"github.com/mervinkid/rediwire/conn"
	"github.com/mervinkid/rediwire/pool"
)

// Client is a pooled RESP client bound to one endpoint.
type Client struct {
	pool *pool.Pool
	opts config.Options
}

// New dials opts.MinSize connections up front and returns a Client backed
// by a pool sized opts.MinSize..opts.MaxSize.
func New(opts config.Options) (*Client, error) {
	network, address, err := opts.Network()
	if err != nil {
		return nil, err
	}

	dialer := func() (*conn.Connection, error) {
		stream, err := net.DialTimeout(network, address, dialTimeout(opts))
		if err != nil {
			return nil, err
		}
		return conn.Dial(stream, conn.Options{
			DB:              opts.DB,
			DefaultEncoding: opts.Encoding,
			MaxChunkSize:    opts.MaxChunkSize,
			GatherTimeout:   opts.Timeout,
			Parser:          opts.Parser,
		})
	}

	p, err := pool.New(dialer, pool.Options{
		MinSize:       opts.MinSize,
		MaxSize:       opts.MaxSize,
		PruneInterval: opts.PruneInterval,
	})
	if err != nil {
		return nil, err
	}
	return &Client{pool: p, opts: opts}, nil
}

// NewWithPool builds a Client around an already-constructed pool — useful
// for tests and for callers that want a dialer other than plain TCP/unix
// (e.g. one that wraps net.Dial with custom TLS or auth handshaking, which
// this module does not implement itself).
func NewWithPool(p *pool.Pool) *Client {
	return &Client{pool: p}
}

func dialTimeout(opts config.Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return 30 * time.Second
}

// Close tears down every connection in the pool.
func (c *Client) Close() {
	c.pool.Close()
}

type scopeConnKey struct{}

// withScopeConnection binds conn to ctx so nested Execute calls inside a
// pipeline/transaction scope body resolve onto the same loaned connection.
func withScopeConnection(ctx context.Context, connection *conn.Connection) context.Context {
	return context.WithValue(ctx, scopeConnKey{}, connection)
}

func scopeConnectionFrom(ctx context.Context) (*conn.Connection, bool) {
	c, ok := ctx.Value(scopeConnKey{}).(*conn.Connection)
	return c, ok
}

// Execute runs one command and waits for its reply. Inside a
// PipelineScope/TransactionScope body it reuses the scope's loaned
// connection (ctx carries it). Inside a PipelineScope body (including one
// nested in a transaction) Await on the returned value fails immediately
// with conn.ErrPipelineAwait, since the scope hasn't flushed yet; use
// ExecuteAsync there instead. Outside a scope it takes any idle
// connection from the pool, since one-shot commands may be multiplexed
// across connections.
func (c *Client) Execute(ctx context.Context, verb string, args []interface{}, opts ...conn.ExecOption) (interface{}, error) {
	future, err := c.ExecuteAsync(ctx, verb, args, opts...)
	if err != nil {
		return nil, err
	}
	return future.Await(ctx)
}

// ExecuteAsync encodes and submits one command without waiting for its
// reply, returning the Future. Inside a pipeline/transaction scope body
// this is how a caller retains a handle to await after the scope exits
// and the buffered commands have actually been flushed.
func (c *Client) ExecuteAsync(ctx context.Context, verb string, args []interface{}, opts ...conn.ExecOption) (*conn.Future, error) {
	if bound, ok := scopeConnectionFrom(ctx); ok {
		return bound.Execute(verb, args, opts...)
	}

	connection, err := c.pool.AcquireShared(ctx)
	if err != nil {
		return nil, err
	}
	return connection.Execute(verb, args, opts...)
}

// PipelineScope loans an exclusive connection for the lifetime of body,
// binds it into ctx, and releases it back to the pool on exit (dropping
// it instead of recycling it if the scope returned a non-abort error,
// since the pipeline-exit disposition table may have left the wire in an
// unrecoverable state).
func (c *Client) PipelineScope(ctx context.Context, body func(ctx context.Context) error) error {
	connection, release, err := c.pool.AcquireExclusive(ctx)
	if err != nil {
		return err
	}
	scopedCtx := withScopeConnection(ctx, connection)

	bodyErr := connection.PipelineScope(ctx, func() error {
		return body(scopedCtx)
	})
	release(healthyAfterScope(connection, bodyErr))
	return bodyErr
}

// TransactionScope loans an exclusive connection, runs body under
// WATCH/MULTI/EXEC coordination, and releases the connection on exit.
func (c *Client) TransactionScope(ctx context.Context, watchKeys []string, body func(ctx context.Context) error) error {
	connection, release, err := c.pool.AcquireExclusive(ctx)
	if err != nil {
		return err
	}
	scopedCtx := withScopeConnection(ctx, connection)

	bodyErr := connection.TransactionScope(ctx, watchKeys, func() error {
		return body(scopedCtx)
	})
	release(healthyAfterScope(connection, bodyErr))
	return bodyErr
}

// healthyAfterScope decides whether a scope's connection should return to
// the idle ring. A caller-requested abort is a clean, recoverable exit;
// any other non-nil error may have left buffered writes half-flushed, so
// the connection is dropped rather than risked on the next caller.
func healthyAfterScope(connection *conn.Connection, bodyErr error) bool {
	if connection.Closed() {
		return false
	}
	return bodyErr == nil || errors.Is(bodyErr, conn.ErrAbortTransaction)
}
