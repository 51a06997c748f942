package rediwire_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mervinkid/rediwire"
	"github.com/mervinkid/rediwire/conn"
	"github.com/mervinkid/rediwire/pool"
	"github.com/mervinkid/rediwire/resp"
)

// fakeServer mirrors conn's test helper: read one RESP command array at a
// time off a net.Pipe half and answer it with canned reply bytes.
type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	parser resp.Parser
}

func (s *fakeServer) nextCommand() string {
	s.t.Helper()
	buf := make([]byte, 4096)
	for {
		reply, ok, err := s.parser.Next()
		if err != nil {
			s.t.Fatalf("fake server parse error: %v", err)
		}
		if ok {
			return string(reply.Array[0].Bulk)
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			s.t.Fatalf("fake server read error: %v", err)
		}
		s.parser.Feed(buf[:n])
	}
}

func (s *fakeServer) reply(raw string) {
	s.t.Helper()
	if _, err := s.conn.Write([]byte(raw)); err != nil {
		s.t.Fatalf("fake server write error: %v", err)
	}
}

// newTestClient builds a Client whose pool dialer hands out net.Pipe
// connections instead of real sockets, with one fakeServer per dialed
// connection handed back to the test for scripting replies.
func newTestClient(t *testing.T, minSize, maxSize int) (*rediwire.Client, chan *fakeServer) {
	t.Helper()
	servers := make(chan *fakeServer, maxSize)

	dialer := func() (*conn.Connection, error) {
		client, server := net.Pipe()
		servers <- &fakeServer{t: t, conn: server, parser: resp.NewParser()}
		return conn.Dial(client, conn.Options{DefaultEncoding: conn.EncodingText, GatherTimeout: 2 * time.Second})
	}

	p, err := pool.New(dialer, pool.Options{MinSize: minSize, MaxSize: maxSize})
	if err != nil {
		t.Fatal(err)
	}

	c := rediwire.NewWithPool(p)
	return c, servers
}

func TestClientExecuteOneShot(t *testing.T) {
	c, servers := newTestClient(t, 1, 1)
	defer c.Close()
	server := <-servers

	go func() {
		if server.nextCommand() != "GET" {
			t.Error("expected GET")
		}
		server.reply("$5\r\nhello\r\n")
	}()

	v, err := c.Execute(context.Background(), "GET", []interface{}{"greeting"})
	if err != nil {
		t.Fatal(err)
	}
	if v != "hello" {
		t.Fatalf("got %v", v)
	}
}

func TestClientPipelineScopePropagatesConnection(t *testing.T) {
	c, servers := newTestClient(t, 1, 1)
	defer c.Close()
	server := <-servers

	go func() {
		for _, verb := range []string{"SET", "SET"} {
			if got := server.nextCommand(); got != verb {
				t.Errorf("expected %s, got %s", verb, got)
			}
		}
		server.reply("+OK\r\n+OK\r\n")
	}()

	err := c.PipelineScope(context.Background(), func(ctx context.Context) error {
		if _, err := c.ExecuteAsync(ctx, "SET", []interface{}{"a", "1"}, conn.WithEncoding(conn.EncodingText)); err != nil {
			return err
		}
		_, err := c.ExecuteAsync(ctx, "SET", []interface{}{"b", "2"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClientExecuteInsideScopeDoesNotAwaitLocked(t *testing.T) {
	c, servers := newTestClient(t, 1, 1)
	defer c.Close()
	server := <-servers

	go func() {
		if server.nextCommand() != "SET" {
			t.Error("expected SET")
		}
		server.reply("+OK\r\n")
	}()

	err := c.PipelineScope(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := c.Execute(ctx, "SET", []interface{}{"a", "1"})
		if err != conn.ErrPipelineAwait {
			t.Fatalf("expected ErrPipelineAwait from an Await inside the scope, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
