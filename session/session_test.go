package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/localproxy/config"
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

// TestSessionStartServesDirectRequestsAndStopCleansUp exercises the full
// listener→router→processor chain wired up by Start, using a DIRECT
// upstream so no external network access is required, then verifies Stop
// tears the listener down (spec.md §5).
func TestSessionStartServesDirectRequestsAndStopCleansUp(t *testing.T) {
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer originLn.Close()
	go func() {
		upConn, err := originLn.Accept()
		if err != nil {
			return
		}
		defer upConn.Close()
		br := bufio.NewReader(upConn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		upConn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()
	originAddr := originLn.Addr().String()

	port := freePort(t)
	cfg := &config.Config{
		ListenPort:       port,
		ProxyType:        config.KindDirect,
		BlacklistTimeout: time.Minute,
	}

	s, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer client.Close()

	req := "GET http://" + originAddr + "/ HTTP/1.1\r\nHost: " + originAddr + "\r\n\r\n"
	_, err = client.Write([]byte(req))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The response arrives in several TCP writes; handle closes the
	// connection once Route returns, so read it all up to EOF.
	resp, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "200 OK")
	assert.Contains(t, string(resp), "ok")

	require.NoError(t, s.Stop(context.Background()))

	// After Stop, a fresh dial to the listen port must fail.
	time.Sleep(50 * time.Millisecond)
	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	assert.Error(t, err)
}
