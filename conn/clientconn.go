// Package conn implements the per-connection request parser and
// response writer (component B in spec.md §4.B).
package conn

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/Polqt/localproxy/proxyerr"
)

// MaxHeadSize bounds the request head the parser will read before
// failing with a ProtocolError (spec.md §4.B).
const MaxHeadSize = 64 * 1024

// ClientConnection owns a client socket for the lifetime of one request.
type ClientConnection struct {
	raw     net.Conn
	br      *bufio.Reader
	head    *RequestHead
	written bool // true once the first response byte has been written
}

// New wraps raw for parsing and response writing.
func New(raw net.Conn) *ClientConnection {
	return &ClientConnection{raw: raw, br: bufio.NewReader(raw)}
}

// ParseRequestHead reads one HTTP/1.x request head: the request line and
// headers up to CRLFCRLF. The byte offset immediately after is available
// through InputStream for the body or tunneled bytes.
func (c *ClientConnection) ParseRequestHead() (*RequestHead, error) {
	limited := &limitedReader{r: c.br, limit: MaxHeadSize}

	line, err := readCRLFLine(limited)
	if err != nil {
		return nil, &proxyerr.ProtocolError{Msg: "reading request line: " + err.Error()}
	}
	method, target, version, err := parseRequestLine(line)
	if err != nil {
		return nil, &proxyerr.ProtocolError{Msg: err.Error()}
	}

	head := &RequestHead{Method: method, Target: target, Version: version}
	for {
		line, err := readCRLFLine(limited)
		if err != nil {
			return nil, &proxyerr.ProtocolError{Msg: "reading headers: " + err.Error()}
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &proxyerr.ProtocolError{Msg: "malformed header line: " + line}
		}
		head.Fields = append(head.Fields, HeaderField{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	c.head = head
	return head, nil
}

// RequestLine returns the parsed head's method/target/version, already
// exposed as a *RequestHead via ParseRequestHead.
func (c *ClientConnection) RequestLine() *RequestHead { return c.head }

// InputStream is the raw bytes remaining after the head: body bytes for
// non-CONNECT requests, tunnel bytes for CONNECT. The bufio.Reader may
// already hold buffered bytes read past the head, so reads must go
// through it rather than the raw net.Conn.
func (c *ClientConnection) InputStream() io.Reader { return c.br }

// OutputStream is the raw socket for writing bytes back to the client.
func (c *ClientConnection) OutputStream() io.Writer { return c.raw }

// Raw returns the underlying connection, e.g. for half-close in a Tunnel.
func (c *ClientConnection) Raw() net.Conn { return c.raw }

// Write writes a raw status line, terminated with CRLF.
func (c *ClientConnection) Write(statusLine string) error {
	return c.writeLine(statusLine)
}

// WriteHeader writes one "Name: Value" header line, terminated with CRLF.
func (c *ClientConnection) WriteHeader(name, value string) error {
	return c.writeLine(name + ": " + value)
}

// Writeln writes a bare CRLF, ending the header block.
func (c *ClientConnection) Writeln() error {
	return c.writeLine("")
}

func (c *ClientConnection) writeLine(s string) error {
	_, err := c.raw.Write([]byte(s + "\r\n"))
	if err == nil {
		c.written = true
	}
	return err
}

// WriteRaw writes bytes verbatim (e.g. a buffered upstream response).
func (c *ClientConnection) WriteRaw(b []byte) (int, error) {
	n, err := c.raw.Write(b)
	if n > 0 {
		c.written = true
	}
	return n, err
}

// Committed reports whether any response byte has already been written.
// Once true, WriteErrorResponse must not be called (spec.md §4.B, §7).
func (c *ClientConnection) Committed() bool { return c.written }

// WriteErrorResponse writes a minimal synthesized HTTP error response.
// Must only be called before Committed().
func (c *ClientConnection) WriteErrorResponse(code int, message string) error {
	if c.written {
		return fmt.Errorf("cannot write error response: response already committed")
	}
	body := message + "\n"
	if err := c.Write(fmt.Sprintf("HTTP/1.1 %d %s", code, statusText(code))); err != nil {
		return err
	}
	if err := c.WriteHeader("Content-Length", strconv.Itoa(len(body))); err != nil {
		return err
	}
	if err := c.WriteHeader("Connection", "close"); err != nil {
		return err
	}
	if err := c.Writeln(); err != nil {
		return err
	}
	_, err := c.WriteRaw([]byte(body))
	return err
}

// Close closes the underlying socket. It is not guarded against repeated
// calls; each call closes the socket again.
func (c *ClientConnection) Close() error { return c.raw.Close() }

func statusText(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

// ─────────────────────────────────────────────────────────────
// request-line / header-line parsing helpers
// ─────────────────────────────────────────────────────────────

func parseRequestLine(line string) (method, target, version string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed request line: %q", line)
	}
	return parts[0], parts[1], parts[2], nil
}

// limitedReader fails once more than limit bytes have been read,
// surfacing as a ProtocolError at the call site.
type limitedReader struct {
	r     *bufio.Reader
	limit int
	read  int
}

func (l *limitedReader) ReadByte() (byte, error) {
	if l.read >= l.limit {
		return 0, fmt.Errorf("request head exceeds %d bytes", l.limit)
	}
	b, err := l.r.ReadByte()
	if err == nil {
		l.read++
	}
	return b, err
}

// readCRLFLine reads one line terminated by CRLF, with the CRLF
// stripped. A bare LF is tolerated for leniency with non-conforming
// clients, matching common proxy implementations.
func readCRLFLine(l *limitedReader) (string, error) {
	var buf []byte
	for {
		b, err := l.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}
