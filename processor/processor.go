// Package processor implements the three request processors chosen by
// the ProcessorRouter: HttpConnectProcessor, SocketConnectProcessor, and
// NonConnectProcessor (components G, H, I in spec.md §4).
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Polqt/localproxy/auth"
	"github.com/Polqt/localproxy/config"
	"github.com/Polqt/localproxy/conn"
	"github.com/Polqt/localproxy/metrics"
	"github.com/Polqt/localproxy/tunnel"
	"github.com/Polqt/localproxy/upstream"
)

// Deps are the dependencies shared by every processor, bundled so the
// ProcessorRouter doesn't have to know each processor's constructor
// signature individually.
type Deps struct {
	Config      *config.Config
	Auth        *auth.Authenticator
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	DialTimeout time.Duration
	Grace       time.Duration
}

func (d Deps) dialTimeout() time.Duration {
	if d.DialTimeout > 0 {
		return d.DialTimeout
	}
	return 10 * time.Second
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// count and observe are no-ops when no Collector was wired (e.g. in
// tests), so every processor can call them unconditionally.
func (d Deps) count(name string, n int64) {
	if d.Metrics != nil {
		d.Metrics.Record(name, n)
	}
}

func (d Deps) observe(name string, dur time.Duration) {
	if d.Metrics != nil {
		d.Metrics.RecordLatency(name, dur)
	}
}

// statusClass buckets an HTTP status code for the response-status
// counter, e.g. 200 -> "proxy.response_2xx".
func statusClass(code int) string {
	return fmt.Sprintf("proxy.response_%dxx", code/100)
}

// Processor handles one request against one candidate directive.
type Processor interface {
	Handle(ctx context.Context, cc *conn.ClientConnection, head *conn.RequestHead, target upstream.TargetEndpoint, directive upstream.Directive) error
}

func dialDirect(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// newDuplex builds the DuplexSession used by HttpConnectProcessor and
// SocketConnectProcessor alike once a tunnel is established.
func newDuplex(grace time.Duration, logger *slog.Logger) *tunnel.DuplexSession {
	return &tunnel.DuplexSession{Grace: grace, Logger: logger}
}
