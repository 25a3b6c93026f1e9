package processor

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/Polqt/localproxy/conn"
	"github.com/Polqt/localproxy/proxyerr"
	"github.com/Polqt/localproxy/upstream"
)

// HttpConnectProcessor handles CONNECT through an upstream HTTP proxy
// (CONNECT-over-CONNECT, with auth) — spec.md §4.G.
type HttpConnectProcessor struct {
	Deps
}

var _ Processor = (*HttpConnectProcessor)(nil)

// Handle implements Processor.
func (p *HttpConnectProcessor) Handle(ctx context.Context, cc *conn.ClientConnection, head *conn.RequestHead, target upstream.TargetEndpoint, directive upstream.Directive) error {
	logger := p.logger().With("component", "http-connect", "target", target.String(), "upstream", directive.String())

	p.count("proxy.connect_attempts", 1)
	upConn, err := dialDirect(ctx, directive.Host, directive.Port, p.dialTimeout())
	if err != nil {
		p.count("proxy.upstream_dial_failure", 1)
		return &proxyerr.ProxyConnectException{Kind: string(directive.Kind), Host: directive.Host, Port: directive.Port, Err: err}
	}
	p.count("proxy.upstream_dial_success", 1)
	br := bufio.NewReader(upConn)

	authHeader := ""
	if p.Config.Username != "" && !p.Config.Kerberos {
		authHeader = p.Auth.BasicHeader()
	}

	respHead, err := sendConnectAndRead(upConn, br, target, authHeader)
	if err != nil {
		upConn.Close()
		return fmt.Errorf("http-connect: %w", err)
	}

	if respHead.StatusCode == 407 {
		retryHeader, retryable := buildChallengeResponse(p.Deps, respHead.Values("Proxy-Authenticate"), target)
		if retryable {
			respHead, err = sendConnectAndRead(upConn, br, target, retryHeader)
			if err != nil {
				upConn.Close()
				return fmt.Errorf("http-connect retry: %w", err)
			}
		}
		if respHead.StatusCode == 407 {
			p.count(statusClass(respHead.StatusCode), 1)
			body, _ := readUpstreamBody(br, respHead)
			upConn.Close()
			return &proxyerr.ProxyAuthorizationException{StatusLine: respHead.StatusLine, Header: respHead.Raw, Body: body}
		}
	}

	if respHead.StatusCode < 200 || respHead.StatusCode >= 300 {
		p.count(statusClass(respHead.StatusCode), 1)
		body, _ := readUpstreamBody(br, respHead)
		upConn.Close()
		return &proxyerr.TunnelRefused{StatusLine: respHead.StatusLine, Header: respHead.Raw, Body: body}
	}
	p.count(statusClass(respHead.StatusCode), 1)

	if err := cc.Write(respHead.StatusLine); err != nil {
		upConn.Close()
		return &proxyerr.Committed{Err: err}
	}
	for _, h := range respHead.Headers {
		if err := cc.WriteHeader(h.Name, h.Value); err != nil {
			upConn.Close()
			return &proxyerr.Committed{Err: err}
		}
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

// buildChallengeResponse inspects the offered schemes and returns a
// Proxy-Authorization header to retry with, per spec.md §4.G step 5.
// The second return value is false when no configured scheme applies
// (e.g. the upstream only offers Negotiate but Kerberos isn't configured).
// Shared by HttpConnectProcessor and NonConnectProcessor, since both
// retry a 407 from an HTTP upstream the same way.
func buildChallengeResponse(d Deps, challenges []string, target upstream.TargetEndpoint) (string, bool) {
	for _, c := range challenges {
		switch {
		case d.Config.Kerberos && hasScheme(c, "Negotiate"):
			spn := "HTTP/" + target.Host
			hdr, err := d.Auth.NegotiateHeader(spn)
			if err != nil {
				d.logger().Debug("kerberos negotiate failed", "err", err)
				continue
			}
			return hdr, true
		case hasScheme(c, "NTLM"):
			hdr, err := d.Auth.NTLMAuthenticateHeader(c)
			if err != nil {
				hdr, err = d.Auth.NTLMNegotiateHeader()
				if err != nil {
					continue
				}
			}
			return hdr, true
		case hasScheme(c, "Basic") && d.Config.Username != "":
			return d.Auth.BasicHeader(), true
		}
	}
	return "", false
}

func hasScheme(challenge, scheme string) bool {
	return len(challenge) >= len(scheme) && challenge[:len(scheme)] == scheme
}

func sendConnectAndRead(upConn interface {
	Write([]byte) (int, error)
}, br *bufio.Reader, target upstream.TargetEndpoint, authHeader string) (*upstreamHead, error) {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target.String(), target.String())
	if authHeader != "" {
		req += "Proxy-Authorization: " + authHeader + "\r\n"
	}
	req += "Proxy-Connection: Keep-Alive\r\n\r\n"
	if _, err := upConn.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("writing CONNECT: %w", err)
	}
	return readUpstreamHead(br)
}
