// Package router implements the ProcessorRouter (component F in
// spec.md §4.F): it picks a processor per the method/upstream-kind
// table, retries across candidate directives, and synthesizes the
// final error response when every candidate fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Polqt/localproxy/conn"
	"github.com/Polqt/localproxy/processor"
	"github.com/Polqt/localproxy/proxyerr"
	"github.com/Polqt/localproxy/upstream"
)

// Router dispatches one parsed request to the right Processor,
// iterating candidate directives on ProxyConnectException.
type Router struct {
	Selector  *upstream.Selector
	Blacklist *upstream.Blacklist
	Deps      processor.Deps
}

// Route parses the target from head, selects upstream directives, and
// dispatches to the right processor, retrying across directives.
func (r *Router) Route(ctx context.Context, cc *conn.ClientConnection, head *conn.RequestHead) error {
	target, err := parseTarget(head)
	if err != nil {
		_ = cc.WriteErrorResponse(400, err.Error())
		return err
	}

	directives, err := r.Selector.Select(ctx, target)
	if err != nil {
		_ = cc.WriteErrorResponse(502, "upstream selection failed: "+err.Error())
		return err
	}

	var lastErr error
	for _, d := range directives {
		p := r.pick(head, d)
		err := p.Handle(ctx, cc, head, target, d)
		if err == nil {
			return nil
		}

		var connectErr *proxyerr.ProxyConnectException
		if errors.As(err, &connectErr) {
			r.Blacklist.MarkBad(d, r.Deps.Config.BlacklistTimeout)
			lastErr = err
			slog.Default().Debug("upstream unreachable, trying next directive", "directive", d.String(), "err", err)
			continue
		}

		var authErr *proxyerr.ProxyAuthorizationException
		if errors.As(err, &authErr) {
			r.forwardVerbatim(cc, authErr.StatusLine, authErr.Header, authErr.Body)
			return err
		}

		var refused *proxyerr.TunnelRefused
		if errors.As(err, &refused) {
			r.forwardVerbatim(cc, refused.StatusLine, refused.Header, refused.Body)
			return err
		}

		var committed *proxyerr.Committed
		if errors.As(err, &committed) {
			// Response (or part of it) already went out; just close.
			return err
		}

		var protoErr *proxyerr.ProtocolError
		if errors.As(err, &protoErr) {
			_ = cc.WriteErrorResponse(400, err.Error())
			return err
		}

		// Internal/unhandled error.
		if !cc.Committed() {
			_ = cc.WriteErrorResponse(500, "internal error: "+err.Error())
		}
		return err
	}

	if !cc.Committed() {
		msg := "no reachable upstream"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		_ = cc.WriteErrorResponse(502, msg)
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no upstream directives available")
}

func (r *Router) forwardVerbatim(cc *conn.ClientConnection, statusLine string, header, body []byte) {
	if cc.Committed() {
		return
	}
	_ = cc.Write(statusLine)
	if len(header) > 0 {
		_, _ = cc.WriteRaw(header)
	} else {
		_ = cc.Writeln()
	}
	if len(body) > 0 {
		_, _ = cc.WriteRaw(body)
	}
}

// pick implements the selection table in spec.md §4.F.
func (r *Router) pick(head *conn.RequestHead, d upstream.Directive) processor.Processor {
	if head.IsConnect() {
		if d.Kind == upstream.DirectHTTP {
			return &processor.HttpConnectProcessor{Deps: r.Deps}
		}
		return &processor.SocketConnectProcessor{Deps: r.Deps}
	}
	return &processor.NonConnectProcessor{Deps: r.Deps}
}

// parseTarget extracts the TargetEndpoint from a request head: the
// authority-form target for CONNECT, or host[:port] parsed out of
// either an absolute-URI or a Host header for other methods.
func parseTarget(head *conn.RequestHead) (upstream.TargetEndpoint, error) {
	if head.IsConnect() {
		host, portStr, ok := strings.Cut(head.Target, ":")
		if !ok {
			return upstream.TargetEndpoint{}, &proxyerr.ProtocolError{Msg: "CONNECT target must be host:port, got " + head.Target}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return upstream.TargetEndpoint{}, &proxyerr.ProtocolError{Msg: "CONNECT target has invalid port: " + head.Target}
		}
		return upstream.TargetEndpoint{Host: host, Port: port}, nil
	}

	if strings.Contains(head.Target, "://") {
		rest := head.Target[strings.Index(head.Target, "://")+3:]
		hostport := rest
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			hostport = rest[:slash]
		}
		return splitHostDefaultPort(hostport, schemeOf(head.Target))
	}

	if h := head.Get("Host"); h != "" {
		return splitHostDefaultPort(h, "http")
	}

	return upstream.TargetEndpoint{}, &proxyerr.ProtocolError{Msg: "cannot determine target host"}
}

func schemeOf(target string) string {
	idx := strings.Index(target, "://")
	if idx < 0 {
		return "http"
	}
	return target[:idx]
}

func splitHostDefaultPort(hostport, scheme string) (upstream.TargetEndpoint, error) {
	host, portStr, ok := strings.Cut(hostport, ":")
	if !ok {
		port := 80
		if scheme == "https" {
			port = 443
		}
		return upstream.TargetEndpoint{Host: hostport, Port: port, Scheme: scheme}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return upstream.TargetEndpoint{}, &proxyerr.ProtocolError{Msg: "invalid port in " + hostport}
	}
	return upstream.TargetEndpoint{Host: host, Port: port, Scheme: scheme}, nil
}
