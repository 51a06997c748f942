//go:build integration

// Package integration runs rediwire against a real RESP-speaking server
// started in a disposable container, gated behind the "integration" build
// tag so `go test ./...` stays hermetic by default (SPEC_FULL.md §2.4).
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mervinkid/rediwire"
	"github.com/mervinkid/rediwire/config"
	"github.com/mervinkid/rediwire/conn"
)

// startServer launches a disposable redis-protocol container and returns a
// Client dialed against it. Registers t.Cleanup to terminate the container
// and close the client.
func startServer(t *testing.T) *rediwire.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(2 * time.Minute),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts := config.Default()
	opts.Endpoint = fmt.Sprintf("redis://%s:%d", host, port.Int())
	opts.MinSize, opts.MaxSize = 1, 4

	client, err := rediwire.New(opts)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

func TestExecuteRoundTrip(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	_, err := client.Execute(ctx, "SET", []interface{}{"greeting", "hello"})
	require.NoError(t, err)

	value, err := client.Execute(ctx, "GET", []interface{}{"greeting"})
	require.NoError(t, err)
	require.Equal(t, "hello", value)

	missing, err := client.Execute(ctx, "GET", []interface{}{"does-not-exist"})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestPipelineScopeRoundTrip(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	var futures []*conn.Future
	err := client.PipelineScope(ctx, func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			future, err := client.ExecuteAsync(ctx, "SET", []interface{}{fmt.Sprintf("key-%d", i), i})
			if err != nil {
				return err
			}
			futures = append(futures, future)
		}
		return nil
	})
	require.NoError(t, err)

	for _, future := range futures {
		_, err := future.Await(ctx)
		require.NoError(t, err)
	}

	value, err := client.Execute(ctx, "GET", []interface{}{"key-1"})
	require.NoError(t, err)
	require.Equal(t, "1", value)
}

func TestTransactionScopeWatchConflictSurfacesWatchError(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	_, err := client.Execute(ctx, "SET", []interface{}{"balance", "100"})
	require.NoError(t, err)

	var setFuture *conn.Future
	err = client.TransactionScope(ctx, []string{"balance"}, func(ctx context.Context) error {
		// A concurrent writer touches the watched key between WATCH and
		// EXEC, forcing the server to fail the optimistic transaction —
		// the SET future below observes it as a *conn.WatchError rather
		// than the scope itself returning an error. context.Background()
		// carries no scope connection, so this SET runs on another pooled
		// connection to the same server.
		_, err := client.Execute(context.Background(), "SET", []interface{}{"balance", "999"})
		require.NoError(t, err)

		return client.PipelineScope(ctx, func(ctx context.Context) error {
			future, err := client.ExecuteAsync(ctx, "SET", []interface{}{"balance", "200"})
			setFuture = future
			return err
		})
	})
	require.NoError(t, err)

	_, err = setFuture.Await(ctx)
	var watchErr *conn.WatchError
	require.ErrorAs(t, err, &watchErr)
}
