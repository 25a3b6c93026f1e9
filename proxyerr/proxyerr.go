// Package proxyerr defines the error taxonomy a processor can raise, per
// the propagation rules in spec.md §7.
package proxyerr

import "fmt"

// ProtocolError means the client sent a request the parser couldn't make
// sense of. The router replies 400 and closes.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// ProxyConnectException means the TCP connect to an upstream directive
// failed, timed out, or was refused. The router blacklists the directive
// and tries the next one.
type ProxyConnectException struct {
	Kind string // e.g. "HTTP", "SOCKS5"
	Host string
	Port int
	Err  error
}

func (e *ProxyConnectException) Error() string {
	return fmt.Sprintf("connect %s %s:%d: %v", e.Kind, e.Host, e.Port, e.Err)
}

func (e *ProxyConnectException) Unwrap() error { return e.Err }

// ProxyAuthorizationException means the upstream kept returning 407 after
// every configured auth scheme was exhausted. The router forwards the
// upstream's 407 response verbatim; it never blacklists the directive.
type ProxyAuthorizationException struct {
	StatusLine string
	Header     []byte // raw header block, including the trailing CRLFCRLF
	Body       []byte
}

func (e *ProxyAuthorizationException) Error() string {
	return "proxy authorization failed: " + e.StatusLine
}

// TunnelRefused means the upstream answered a CONNECT with a non-2xx
// status. The router forwards the response verbatim.
type TunnelRefused struct {
	StatusLine string
	Header     []byte
	Body       []byte
}

func (e *TunnelRefused) Error() string { return "tunnel refused: " + e.StatusLine }

// Committed wraps any error that occurred after the response was already
// committed to the client. The router must not write another response;
// it only closes the connection.
type Committed struct {
	Err error
}

func (e *Committed) Error() string { return "after response committed: " + e.Err.Error() }

func (e *Committed) Unwrap() error { return e.Err }
