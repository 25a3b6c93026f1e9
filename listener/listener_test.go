package listener

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func dialLoopback(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	return c
}

// waitForBind polls until the listener's port accepts connections.
func waitForBind(t *testing.T, port int) {
	t.Helper()
	for i := 0; i < 50; i++ {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener never came up")
}

// TestListenerDispatchesAcceptedConnectionsToHandler drives spec.md
// §4.A: connections accepted on the bound port are handed to Handle
// concurrently, and Close causes Serve to return.
func TestListenerDispatchesAcceptedConnectionsToHandler(t *testing.T) {
	port := freePort(t)

	var handled int32
	var wg sync.WaitGroup
	wg.Add(3)

	l := &Listener{
		Port:       port,
		MaxWorkers: 4,
		Handle: func(ctx context.Context, raw net.Conn) {
			defer raw.Close()
			atomic.AddInt32(&handled, 1)
			wg.Done()
		},
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve(context.Background()) }()
	waitForBind(t, port)

	for i := 0; i < 3; i++ {
		dialLoopback(t, port).Close()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked for all accepted connections")
	}

	require.NoError(t, l.Close())
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&handled), int32(3))
}

// TestListenerServeReturnsOnContextCancel confirms Serve also exits
// cleanly when its context is cancelled, not just on explicit Close.
func TestListenerServeReturnsOnContextCancel(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	l := &Listener{
		Port:   port,
		Handle: func(ctx context.Context, raw net.Conn) { raw.Close() },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve(ctx) }()
	waitForBind(t, port)

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
