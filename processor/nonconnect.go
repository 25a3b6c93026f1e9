package processor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/Polqt/localproxy/conn"
	"github.com/Polqt/localproxy/proxyerr"
	"github.com/Polqt/localproxy/socks"
	"github.com/Polqt/localproxy/upstream"
	"golang.org/x/net/http/httpguts"
)

// NonConnectProcessor handles non-CONNECT methods, either by issuing the
// request through an HTTP upstream with auth, or by opening a raw socket
// (direct/SOCKS) and speaking HTTP over it ourselves (spec.md §4.I).
type NonConnectProcessor struct {
	Deps
}

var _ Processor = (*NonConnectProcessor)(nil)

// Handle implements Processor.
func (p *NonConnectProcessor) Handle(ctx context.Context, cc *conn.ClientConnection, head *conn.RequestHead, target upstream.TargetEndpoint, directive upstream.Directive) error {
	logger := p.logger().With("component", "non-connect", "target", target.String(), "upstream", directive.String())

	// The body is read into memory up front (rather than streamed
	// straight through) so it can be resent if the upstream challenges
	// with a 407 after we've already committed bytes to this socket,
	// per spec.md §4.I's transparent-retry requirement.
	body, err := bufferRequestBody(cc, head)
	if err != nil {
		return fmt.Errorf("non-connect: reading request body: %w", err)
	}

	p.count("proxy.connect_attempts", 1)
	upConn, err := dialDirect(ctx, dialHost(directive, target), dialPort(directive, target), p.dialTimeout())
	if err != nil {
		p.count("proxy.upstream_dial_failure", 1)
		return &proxyerr.ProxyConnectException{Kind: string(directive.Kind), Host: directive.Host, Port: directive.Port, Err: err}
	}
	p.count("proxy.upstream_dial_success", 1)
	defer func() { upConn.Close() }()

	if directive.Kind == upstream.DirectSOCKS5 {
		if err := socks.DialSOCKS5(upConn, target.Host, target.Port, p.Config.Username, p.Config.Password); err != nil {
			return &proxyerr.TunnelRefused{StatusLine: err.Error()}
		}
	} else if directive.Kind == upstream.DirectSOCKS4 {
		if err := socks.DialSOCKS4(upConn, target.Host, target.Port, p.Config.Username); err != nil {
			return &proxyerr.TunnelRefused{StatusLine: err.Error()}
		}
	}

	useAbsoluteURI := directive.Kind == upstream.DirectHTTP

	// The first attempt carries no Proxy-Authorization; credentials are
	// injected only on the retry that answers a 407 below.
	respHead, br, err := sendNonConnectRequest(upConn, head, target, useAbsoluteURI, "", body)
	if err != nil {
		return fmt.Errorf("non-connect: %w", err)
	}

	if respHead.StatusCode == 407 && directive.Kind == upstream.DirectHTTP && p.Config.Username != "" {
		challenges := respHead.Values("Proxy-Authenticate")
		if retryHeader, retryable := buildChallengeResponse(p.Deps, challenges, target); retryable {
			upConn.Close()
			upConn, err = dialDirect(ctx, dialHost(directive, target), dialPort(directive, target), p.dialTimeout())
			if err != nil {
				return &proxyerr.ProxyConnectException{Kind: string(directive.Kind), Host: directive.Host, Port: directive.Port, Err: err}
			}
			respHead, br, err = sendNonConnectRequest(upConn, head, target, useAbsoluteURI, retryHeader, body)
			if err != nil {
				return fmt.Errorf("non-connect retry: %w", err)
			}
			logger.Debug("retried request with upstream credentials after 407")
		}
	}

	p.count(statusClass(respHead.StatusCode), 1)

	if err := forwardResponseHead(cc, respHead); err != nil {
		return &proxyerr.Committed{Err: err}
	}
	if err := forwardResponseBody(cc, br, respHead); err != nil {
		return &proxyerr.Committed{Err: err}
	}
	return nil
}

// sendNonConnectRequest writes the forwarded request (head + body) to
// upConn and reads back the response head, returning the bufio.Reader
// the caller must keep using to read the response body off the same
// connection.
func sendNonConnectRequest(upConn net.Conn, head *conn.RequestHead, target upstream.TargetEndpoint, absoluteURI bool, authHeader string, body []byte) (*upstreamHead, *bufio.Reader, error) {
	if err := writeForwardedRequest(upConn, head, target, absoluteURI, authHeader); err != nil {
		return nil, nil, err
	}
	if len(body) > 0 {
		if _, err := upConn.Write(body); err != nil {
			return nil, nil, fmt.Errorf("writing request body: %w", err)
		}
	}
	br := bufio.NewReader(upConn)
	respHead, err := readUpstreamHead(br)
	if err != nil {
		return nil, nil, err
	}
	return respHead, br, nil
}

func writeForwardedRequest(w io.Writer, head *conn.RequestHead, target upstream.TargetEndpoint, absoluteURI bool, authHeader string) error {
	requestTarget := head.Target
	if absoluteURI && !strings.Contains(requestTarget, "://") {
		requestTarget = fmt.Sprintf("%s://%s%s", targetSchemeFor(head), target.String(), ensureLeadingSlash(requestTarget))
	} else if !absoluteURI && strings.Contains(requestTarget, "://") {
		requestTarget = originFormOf(requestTarget)
	}

	out := fmt.Sprintf("%s %s %s\r\n", head.Method, requestTarget, head.Version)

	outHead := *head
	outHead.Fields = append([]conn.HeaderField(nil), head.Fields...)
	outHead.StripHopByHop()
	outHead.Set("Host", target.String())
	if authHeader != "" {
		outHead.Set("Proxy-Authorization", authHeader)
	}

	for _, f := range outHead.Fields {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			continue
		}
		out += f.Name + ": " + f.Value + "\r\n"
	}
	out += "\r\n"

	_, err := w.Write([]byte(out))
	return err
}

func targetSchemeFor(head *conn.RequestHead) string {
	if idx := strings.Index(head.Target, "://"); idx >= 0 {
		return head.Target[:idx]
	}
	return "http"
}

func ensureLeadingSlash(path string) string {
	if path == "" || path[0] != '/' {
		return "/" + path
	}
	return path
}

func originFormOf(absoluteURI string) string {
	idx := strings.Index(absoluteURI, "://")
	if idx < 0 {
		return absoluteURI
	}
	rest := absoluteURI[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return rest[slash:]
	}
	return "/"
}

// bufferRequestBody reads the client's request body into memory,
// honoring Content-Length or chunked Transfer-Encoding as the framing
// (spec.md §4.I). A request with neither has no body. A chunked body is
// decoded and head is rewritten to carry a Content-Length instead, since
// Transfer-Encoding is stripped as hop-by-hop when forwarding.
func bufferRequestBody(cc *conn.ClientConnection, head *conn.RequestHead) ([]byte, error) {
	if strings.EqualFold(head.Get("Transfer-Encoding"), "chunked") {
		body, err := io.ReadAll(httputil.NewChunkedReader(cc.InputStream()))
		if err != nil {
			return nil, err
		}
		head.Del("Transfer-Encoding")
		head.Set("Content-Length", strconv.Itoa(len(body)))
		return body, nil
	}
	if cl := head.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return nil, &proxyerr.ProtocolError{Msg: "invalid Content-Length: " + cl}
		}
		if n == 0 {
			return nil, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(cc.InputStream(), buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return nil, nil
}

func forwardResponseHead(cc *conn.ClientConnection, respHead *upstreamHead) error {
	if err := cc.Write(respHead.StatusLine); err != nil {
		return err
	}
	for _, h := range respHead.Headers {
		if err := cc.WriteHeader(h.Name, h.Value); err != nil {
			return err
		}
	}
	return cc.Writeln()
}

func forwardResponseBody(cc *conn.ClientConnection, br *bufio.Reader, respHead *upstreamHead) error {
	if strings.EqualFold(respHead.Get("Transfer-Encoding"), "chunked") {
		_, err := io.Copy(structWriter{cc}, br)
		return err
	}
	if cl := respHead.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return nil
		}
		_, err = io.CopyN(structWriter{cc}, br, n)
		if err == io.EOF {
			return nil
		}
		return err
	}
	// No framing header: stream until upstream closes (e.g. HTTP/1.0).
	_, err := io.Copy(structWriter{cc}, br)
	if err == io.EOF {
		return nil
	}
	return err
}

// structWriter adapts ClientConnection's WriteRaw to io.Writer.
type structWriter struct{ cc *conn.ClientConnection }

func (s structWriter) Write(b []byte) (int, error) { return s.cc.WriteRaw(b) }
