package processor

import (
	"context"
	"time"

	"github.com/Polqt/localproxy/conn"
	"github.com/Polqt/localproxy/proxyerr"
	"github.com/Polqt/localproxy/socks"
	"github.com/Polqt/localproxy/upstream"
)

// SocketConnectProcessor handles CONNECT via SOCKS4/SOCKS5/DIRECT by
// opening a raw TCP socket (spec.md §4.H).
type SocketConnectProcessor struct {
	Deps
}

var _ Processor = (*SocketConnectProcessor)(nil)

// Handle implements Processor.
func (p *SocketConnectProcessor) Handle(ctx context.Context, cc *conn.ClientConnection, head *conn.RequestHead, target upstream.TargetEndpoint, directive upstream.Directive) error {
	logger := p.logger().With("component", "socket-connect", "target", target.String(), "upstream", directive.String())

	p.count("proxy.connect_attempts", 1)
	upConn, err := dialDirect(ctx, dialHost(directive, target), dialPort(directive, target), p.dialTimeout())
	if err != nil {
		p.count("proxy.upstream_dial_failure", 1)
		return &proxyerr.ProxyConnectException{Kind: string(directive.Kind), Host: directive.Host, Port: directive.Port, Err: err}
	}
	p.count("proxy.upstream_dial_success", 1)

	switch directive.Kind {
	case upstream.DirectSOCKS5:
		if err := socks.DialSOCKS5(upConn, target.Host, target.Port, p.Config.Username, p.Config.Password); err != nil {
			upConn.Close()
			return &proxyerr.TunnelRefused{StatusLine: err.Error()}
		}
	case upstream.DirectSOCKS4:
		if err := socks.DialSOCKS4(upConn, target.Host, target.Port, p.Config.Username); err != nil {
			upConn.Close()
			return &proxyerr.TunnelRefused{StatusLine: err.Error()}
		}
	case upstream.DirectDirect:
		// upConn already points straight at the target; nothing more to do.
	}

	if err := cc.Write("HTTP/1.1 200 Connection established"); err != nil {
		upConn.Close()
		return &proxyerr.Committed{Err: err}
	}
	if err := cc.Writeln(); err != nil {
		upConn.Close()
		return &proxyerr.Committed{Err: err}
	}

	logger.Info("tunnel established")
	start := time.Now()
	d := newDuplex(p.Grace, logger)
	if err := d.Run(ctx, cc.Raw(), upConn); err != nil {
		logger.Debug("tunnel ended", "err", err)
	}
	p.observe("proxy.tunnel_duration_seconds", time.Since(start))
	return nil
}

// dialHost/dialPort pick where the raw TCP connect goes: the SOCKS
// server for SOCKS4/5, or the target itself for DIRECT.
func dialHost(d upstream.Directive, target upstream.TargetEndpoint) string {
	if d.Kind == upstream.DirectDirect {
		return target.Host
	}
	return d.Host
}

func dialPort(d upstream.Directive, target upstream.TargetEndpoint) int {
	if d.Kind == upstream.DirectDirect {
		return target.Port
	}
	return d.Port
}
