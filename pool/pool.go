// Package pool implements the connection pool: admission control between a
// configured min/max size, an idle ring shared for one-shot commands, and
// exclusive loans for pipeline/transaction scopes.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mervinkid/rediwire/conn"
	"github.com/mervinkid/rediwire/logging"
	"github.com/mervinkid/rediwire/misc"
	"github.com/mervinkid/rediwire/task"
)

var (
	// ErrInvalidSize is returned when min/max fail 0 <= min <= max.
	ErrInvalidSize = errors.New("pool: min/max size invalid")
	// ErrPoolClosing is returned for new operations once Close has started.
	ErrPoolClosing = errors.New("pool: closing")
	// ErrPoolClosed is returned for new operations once Close has finished.
	ErrPoolClosed = errors.New("pool: closed")
)

// Dialer opens one new backing connection. Pool calls it synchronously
// during pre-warm and on demand during acquire.
type Dialer func() (*conn.Connection, error)

// Options configures a Pool.
type Options struct {
	MinSize int
	MaxSize int
	// PruneInterval controls how often the background sweep removes dead
	// connections from the idle ring and tops the pool back up to MinSize.
	// Zero disables the background sweep; idle connections are still
	// pruned lazily while walked during Acquire.
	PruneInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = 1
	}
	if o.MinSize < 0 {
		o.MinSize = 0
	}
	return o
}

// Pool owns a set of Connections dialed from a single Dialer and arbitrates
// shared (one-shot) and exclusive (pipeline/transaction scope) access to
// them under a single condition variable.
type Pool struct {
	dialer Dialer
	opts   Options

	mu        sync.Mutex
	cond      *sync.Cond
	idle      []*conn.Connection
	inUse     map[string]*conn.Connection
	acquiring int
	closing   bool
	closed    bool
	closedCh  chan struct{}

	pruner task.Scheduler
}

// New constructs a Pool, validates min <= max, and serially pre-warms
// connections one at a time until size reaches MinSize — serialized so a
// failed Nth dial can be reported unambiguously rather than racing with
// other in-flight dials (original_source/redical/pool.py's construction
// behavior).
func New(dialer Dialer, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	if opts.MinSize < 0 || opts.MaxSize < opts.MinSize {
		return nil, ErrInvalidSize
	}

	p := &Pool{
		dialer:   dialer,
		opts:     opts,
		inUse:    make(map[string]*conn.Connection),
		closedCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < opts.MinSize; i++ {
		c, err := dialer()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle = append(p.idle, c)
	}

	if opts.PruneInterval > 0 {
		p.pruner = task.NewFixedDelayScheduler(p.pruneAndTopUp, opts.PruneInterval)
		if err := misc.LifecycleStart(p.pruner); err != nil {
			logging.Warn("pool: prune scheduler failed to start: %v", err)
		}
	}

	return p, nil
}

// Size returns the current total connection count, including dials in
// flight (idle + in-use + acquiring).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + len(p.inUse) + p.acquiring
}

// AcquireShared returns an idle connection for a one-shot command without
// removing it from the idle ring — multiple one-shots may be multiplexed
// onto the same connection since RESP pipelining on the wire is safe.
func (p *Pool) AcquireShared(ctx context.Context) (*conn.Connection, error) {
	return p.acquire(ctx, false)
}

// AcquireExclusive removes a connection from the idle ring for the
// duration of a pipeline or transaction scope. The caller must call the
// returned release func exactly once when the scope exits.
func (p *Pool) AcquireExclusive(ctx context.Context) (c *conn.Connection, release func(healthy bool), err error) {
	c, err = p.acquire(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	return c, func(healthy bool) { p.release(c, healthy) }, nil
}

// acquire walks the idle ring pruning dead entries, returns a candidate if
// one qualifies, dials a new connection if under max, else parks on the
// condition variable.
func (p *Pool) acquire(ctx context.Context, exclusive bool) (*conn.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stopWaiting := p.watchContext(ctx)
	defer stopWaiting()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if p.closing {
			return nil, ErrPoolClosing
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if c, ok := p.pruneAndTakeLocked(exclusive); ok {
			return c, nil
		}

		if len(p.idle)+len(p.inUse)+p.acquiring < p.opts.MaxSize {
			p.acquiring++
			p.mu.Unlock()
			c, err := p.dialer()
			p.mu.Lock()
			p.acquiring--
			if err != nil {
				p.cond.Broadcast()
				return nil, err
			}
			if exclusive {
				p.inUse[c.ID()] = c
			} else {
				p.idle = append(p.idle, c)
			}
			return c, nil
		}

		p.cond.Wait()
	}
}

// pruneAndTakeLocked walks the idle ring at most once, dropping
// closed/closing entries in place (idle and in-use are always disjoint
// sets, so every surviving entry here already qualifies) and rotating the
// first healthy candidate to the tail. For a shared loan the candidate
// stays in idle; for an exclusive loan it moves into inUse.
func (p *Pool) pruneAndTakeLocked(exclusive bool) (*conn.Connection, bool) {
	kept := p.idle[:0:0]
	var found *conn.Connection
	for _, c := range p.idle {
		if c.Closed() {
			continue // prune, do not carry forward
		}
		if found == nil {
			found = c
			continue
		}
		kept = append(kept, c)
	}
	if found != nil && !exclusive {
		kept = append(kept, found) // rotate candidate to tail
	}
	p.idle = kept
	if found != nil && exclusive {
		p.inUse[found.ID()] = found
	}
	return found, found != nil
}

// release returns c to the idle ring if still healthy, else drops it and
// lets the pool dial a replacement on the next acquire that needs one.
func (p *Pool) release(c *conn.Connection, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, c.ID())
	if healthy && !c.Closed() {
		p.idle = append(p.idle, c)
	} else {
		misc.TryClose(c)
	}
	p.cond.Broadcast()
}

// pruneAndTopUp is the background sweep: drop closed idle connections and
// redial up to MinSize if the sweep left the pool under it.
func (p *Pool) pruneAndTopUp() {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return
	}
	alive := p.idle[:0:0]
	for _, c := range p.idle {
		if c.Closed() {
			continue
		}
		alive = append(alive, c)
	}
	p.idle = alive
	deficit := p.opts.MinSize - (len(p.idle) + len(p.inUse) + p.acquiring)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		c, err := p.dialer()
		if err != nil {
			logging.Warn("pool: background top-up dial failed: %v", err)
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, c)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Close transitions the pool to closing, closes every connection in both
// the idle ring and the in-use set, waits for each to finish shutting
// down, then marks the pool fully closed. New operations after Close
// starts observe ErrPoolClosing, then ErrPoolClosed once it completes.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return
	}
	p.closing = true
	all := make([]*conn.Connection, 0, len(p.idle)+len(p.inUse))
	all = append(all, p.idle...)
	for _, c := range p.inUse {
		all = append(all, c)
	}
	p.idle = nil
	p.inUse = make(map[string]*conn.Connection)
	p.cond.Broadcast()
	p.mu.Unlock()

	misc.LifecycleStop(p.pruner)

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func(c *conn.Connection) {
			defer wg.Done()
			misc.TryClose(c)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.WaitClosed(ctx); err != nil {
				logging.Warn("pool: waiting for connection %s to close: %v", c.ID(), err)
			}
		}(c)
	}
	wg.Wait()

	p.mu.Lock()
	p.closing = false
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()
}

// watchContext broadcasts on the pool's condition variable when ctx is
// done, so a parked acquire wakes up and observes ctx.Err() instead of
// blocking forever. Returns a stop func to release the watcher goroutine
// once the acquire completes through any other path.
func (p *Pool) watchContext(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}
