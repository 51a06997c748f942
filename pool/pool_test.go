package pool_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mervinkid/rediwire/conn"
	"github.com/mervinkid/rediwire/pool"
)

// echoServer answers every inbound command with +OK\r\n, enough to let
// Dial's optional SELECT and any exercised Execute calls complete.
func echoServer(t *testing.T, server net.Conn) {
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
			if _, err := server.Write([]byte("+OK\r\n")); err != nil {
				return
			}
		}
	}()
}

func dialPair(t *testing.T) *conn.Connection {
	t.Helper()
	client, server := net.Pipe()
	echoServer(t, server)
	c, err := conn.Dial(client, conn.Options{DefaultEncoding: conn.EncodingText, GatherTimeout: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func countingDialer(t *testing.T, count *int32) pool.Dialer {
	return func() (*conn.Connection, error) {
		atomic.AddInt32(count, 1)
		return dialPair(t), nil
	}
}

func TestNewPrewarmsToMinSize(t *testing.T) {
	var dials int32
	p, err := pool.New(countingDialer(t, &dials), pool.Options{MinSize: 3, MaxSize: 5})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if got := atomic.LoadInt32(&dials); got != 3 {
		t.Fatalf("expected 3 pre-warm dials, got %d", got)
	}
	if p.Size() != 3 {
		t.Fatalf("expected pool size 3, got %d", p.Size())
	}
}

func TestInvalidSizeRejected(t *testing.T) {
	_, err := pool.New(func() (*conn.Connection, error) { return nil, nil }, pool.Options{MinSize: 5, MaxSize: 2})
	if err != pool.ErrInvalidSize {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestAcquireSharedReusesIdleConnection(t *testing.T) {
	var dials int32
	p, err := pool.New(countingDialer(t, &dials), pool.Options{MinSize: 1, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := context.Background()
	c1, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c1.ID() != c2.ID() {
		t.Fatalf("expected shared acquire to reuse the same idle connection")
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("expected no extra dials for shared acquire, got %d", dials)
	}
}

func TestAcquirePrunesDeadIdleConnectionAndRedials(t *testing.T) {
	var dials int32
	p, err := pool.New(countingDialer(t, &dials), pool.Options{MinSize: 1, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := context.Background()
	dead, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate the connection dying while idle, without going through
	// release/Close on the pool itself.
	dead.Close()

	fresh, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID() == dead.ID() {
		t.Fatalf("expected the dead idle connection to be pruned rather than reused")
	}
	if atomic.LoadInt32(&dials) != 2 {
		t.Fatalf("expected acquire to redial up to MaxSize after pruning the dead entry, got %d", dials)
	}
}

func TestAcquireExclusiveRemovesFromIdleUntilReleased(t *testing.T) {
	var dials int32
	p, err := pool.New(countingDialer(t, &dials), pool.Options{MinSize: 1, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := context.Background()
	c, release, err := p.AcquireExclusive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Size() != 1 {
		t.Fatalf("expected total size to stay 1 while on loan, got %d", p.Size())
	}

	acquired := make(chan struct{})
	go func() {
		acquireCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		if _, err := p.AcquireShared(acquireCtx); err == nil {
			t.Error("expected shared acquire to block while the only connection is on exclusive loan")
		}
		close(acquired)
	}()
	<-acquired

	release(true)
	c2, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c2.ID() != c.ID() {
		t.Fatalf("expected the released connection to be reused")
	}
}

func TestAcquireDialsUpToMaxThenParks(t *testing.T) {
	var dials int32
	p, err := pool.New(countingDialer(t, &dials), pool.Options{MinSize: 0, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := context.Background()
	_, release, err := p.AcquireExclusive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := p.AcquireShared(timeoutCtx); err == nil {
		t.Fatal("expected acquire to time out at max size")
	}

	release(true)
}

func TestPruneIntervalSweepsDeadConnectionsAndTopsUp(t *testing.T) {
	var dials int32
	p, err := pool.New(countingDialer(t, &dials), pool.Options{
		MinSize:       1,
		MaxSize:       2,
		PruneInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := context.Background()
	dead, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}
	dead.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if atomic.LoadInt32(&dials) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected background sweep to redial up to MinSize, got %d dials", dials)
		}
		time.Sleep(10 * time.Millisecond)
	}

	fresh, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID() == dead.ID() {
		t.Fatalf("expected the pruned dead connection to no longer be served from idle")
	}
}

func TestClosePropagatesToConnections(t *testing.T) {
	var dials int32
	p, err := pool.New(countingDialer(t, &dials), pool.Options{MinSize: 2, MaxSize: 2})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c, err := p.AcquireShared(ctx)
	if err != nil {
		t.Fatal(err)
	}

	p.Close()

	if !c.Closed() {
		t.Fatal("expected connections to be closed after pool Close")
	}
	if _, err := p.AcquireShared(ctx); err != pool.ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed after Close, got %v", err)
	}
}
