package processor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/localproxy/auth"
	"github.com/Polqt/localproxy/config"
	"github.com/Polqt/localproxy/conn"
	"github.com/Polqt/localproxy/proxyerr"
	"github.com/Polqt/localproxy/upstream"
)

// listenLoopback starts a raw TCP listener standing in for an upstream
// (HTTP proxy or a plain origin server reached DIRECT).
func listenLoopback(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, host, port
}

// readUntil reads from c until the bytes read so far contain want. A
// net.Pipe Read returns the bytes of at most one peer Write, and the
// processors write a response in several Writes.
func readUntil(c net.Conn, want string) (string, error) {
	var got []byte
	buf := make([]byte, 1024)
	for !strings.Contains(string(got), want) {
		n, err := c.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return string(got), err
		}
	}
	return string(got), nil
}

// TestNonConnectProcessorForwardsGETThroughHTTPUpstream drives scenario 1
// of spec.md §8: a plain GET forwarded through an HTTP-kind upstream,
// with Proxy-Connection stripped and the response streamed back verbatim
// according to its Content-Length.
func TestNonConnectProcessorForwardsGETThroughHTTPUpstream(t *testing.T) {
	ln, host, port := listenLoopback(t)
	defer ln.Close()

	requestSeen := make(chan string, 1)
	go func() {
		upConn, err := ln.Accept()
		if err != nil {
			return
		}
		defer upConn.Close()
		br := bufio.NewReader(upConn)
		var raw []byte
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			raw = append(raw, line...)
			if line == "\r\n" {
				break
			}
		}
		requestSeen <- string(raw)
		upConn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	}()

	directive := upstream.Directive{Kind: upstream.DirectHTTP, Host: host, Port: port}
	target := upstream.TargetEndpoint{Host: "example.org", Port: 80, Scheme: "http"}
	head := &conn.RequestHead{
		Method:  "GET",
		Target:  "http://example.org/",
		Version: "HTTP/1.1",
		Fields: []conn.HeaderField{
			{Name: "Host", Value: "example.org"},
			{Name: "Proxy-Connection", Value: "Keep-Alive"},
			{Name: "Accept", Value: "*/*"},
		},
	}

	clientSide, proxySide := net.Pipe()
	cc := conn.New(proxySide)

	p := &NonConnectProcessor{Deps: Deps{Config: &config.Config{}, DialTimeout: 2 * time.Second}}

	done := make(chan error, 1)
	go func() { done <- p.Handle(context.Background(), cc, head, target, directive) }()

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := readUntil(clientSide, "hello")
	require.NoError(t, err)

	assert.Contains(t, resp, "HTTP/1.1 200 OK")
	assert.Contains(t, resp, "hello")

	require.NoError(t, <-done)

	req := <-requestSeen
	assert.Contains(t, req, "GET http://example.org/ HTTP/1.1")
	assert.Contains(t, req, "Host: example.org:80")
	assert.NotContains(t, req, "Proxy-Connection")
}

// TestNonConnectProcessorUpstreamDialFailureIsProxyConnectException covers
// the error-taxonomy contract (spec.md §7): a dial failure against the
// chosen directive must surface as ProxyConnectException, not a generic
// error, so the router knows to blacklist and retry.
func TestNonConnectProcessorUpstreamDialFailureIsProxyConnectException(t *testing.T) {
	ln, host, port := listenLoopback(t)
	ln.Close() // nothing listens here anymore

	directive := upstream.Directive{Kind: upstream.DirectHTTP, Host: host, Port: port}
	target := upstream.TargetEndpoint{Host: "example.org", Port: 80, Scheme: "http"}
	head := &conn.RequestHead{Method: "GET", Target: "http://example.org/", Version: "HTTP/1.1"}

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	cc := conn.New(proxySide)

	p := &NonConnectProcessor{Deps: Deps{Config: &config.Config{}, DialTimeout: 500 * time.Millisecond}}
	err := p.Handle(context.Background(), cc, head, target, directive)
	require.Error(t, err)

	var connectErr *proxyerr.ProxyConnectException
	assert.True(t, errors.As(err, &connectErr), "expected a ProxyConnectException, got %T: %v", err, err)
}

// TestNonConnectProcessorRetriesTransparentlyOn407 drives spec.md §4.I's
// transparent-retry requirement: a bare 407 from the HTTP upstream must
// be answered with injected Basic credentials on a fresh connection,
// invisibly to the client, rather than passed through.
func TestNonConnectProcessorRetriesTransparentlyOn407(t *testing.T) {
	ln, host, port := listenLoopback(t)
	defer ln.Close()

	var attempts int
	go func() {
		for i := 0; i < 2; i++ {
			upConn, err := ln.Accept()
			if err != nil {
				return
			}
			attempts++
			br := bufio.NewReader(upConn)
			var raw []byte
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					upConn.Close()
					return
				}
				raw = append(raw, line...)
				if line == "\r\n" {
					break
				}
			}
			if attempts == 1 {
				assert.NotContains(t, string(raw), "Proxy-Authorization")
				upConn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"up\"\r\nContent-Length: 0\r\n\r\n"))
				upConn.Close()
				continue
			}
			assert.Contains(t, string(raw), "Proxy-Authorization: Basic")
			upConn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			upConn.Close()
		}
	}()

	cfg := &config.Config{Username: "alice", Password: "secret"}
	directive := upstream.Directive{Kind: upstream.DirectHTTP, Host: host, Port: port}
	target := upstream.TargetEndpoint{Host: "example.org", Port: 80, Scheme: "http"}
	head := &conn.RequestHead{
		Method:  "GET",
		Target:  "http://example.org/",
		Version: "HTTP/1.1",
		Fields:  []conn.HeaderField{{Name: "Host", Value: "example.org"}},
	}

	clientSide, proxySide := net.Pipe()
	cc := conn.New(proxySide)

	p := &NonConnectProcessor{Deps: Deps{Config: cfg, Auth: auth.New(cfg), DialTimeout: 2 * time.Second}}

	done := make(chan error, 1)
	go func() { done <- p.Handle(context.Background(), cc, head, target, directive) }()

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := readUntil(clientSide, "ok")
	require.NoError(t, err)

	assert.Contains(t, resp, "HTTP/1.1 200 OK")
	assert.Contains(t, resp, "ok")
	assert.NotContains(t, resp, "407")

	require.NoError(t, <-done)
	assert.Equal(t, 2, attempts)
}

// TestSocketConnectProcessorDirectEstablishesTunnel drives a DIRECT
// CONNECT through SocketConnectProcessor: the client gets "200 Connection
// established" and bytes flow both ways once the tunnel is up.
func TestSocketConnectProcessorDirectEstablishesTunnel(t *testing.T) {
	ln, host, port := listenLoopback(t)
	defer ln.Close()

	go func() {
		upConn, err := ln.Accept()
		if err != nil {
			return
		}
		defer upConn.Close()
		buf := make([]byte, 4)
		io.ReadFull(upConn, buf)
		assert.Equal(t, "ping", string(buf))
		upConn.Write([]byte("pong"))
	}()

	directive := upstream.Directive{Kind: upstream.DirectDirect}
	target := upstream.TargetEndpoint{Host: host, Port: port}
	head := &conn.RequestHead{Method: "CONNECT", Target: target.String(), Version: "HTTP/1.1"}

	clientSide, proxySide := net.Pipe()
	cc := conn.New(proxySide)

	p := &SocketConnectProcessor{Deps: Deps{Config: &config.Config{}, DialTimeout: 2 * time.Second, Grace: time.Second}}

	done := make(chan error, 1)
	go func() { done <- p.Handle(context.Background(), cc, head, target, directive) }()

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := readUntil(clientSide, "\r\n\r\n")
	require.NoError(t, err)
	assert.Contains(t, status, "200 Connection established")

	clientSide.Write([]byte("ping"))
	replyBuf := make([]byte, 4)
	n2, err := io.ReadFull(clientSide, replyBuf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(replyBuf[:n2]))

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SocketConnectProcessor.Handle did not return after client closed")
	}
}
