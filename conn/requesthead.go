package conn

import "strings"

// HeaderField is one header line, preserving original casing.
type HeaderField struct {
	Name  string
	Value string
}

// RequestHead is the parsed first line + headers of an HTTP/1.x request.
//
// Headers preserve both order and duplicates (spec.md §3); lookups are
// case-insensitive via Get.
type RequestHead struct {
	Method  string
	Target  string // origin-form, absolute-URI, or authority-form (CONNECT)
	Version string // "HTTP/1.1" etc.
	Fields  []HeaderField
}

// Get returns the first value for name (case-insensitive), or "".
func (h *RequestHead) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name (case-insensitive), in order.
func (h *RequestHead) Values(name string) []string {
	var out []string
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces all existing values for name with a single value,
// appending it if name wasn't present.
func (h *RequestHead) Set(name, value string) {
	for i, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			h.Fields[i].Value = value
			h.removeAllAfter(name, i)
			return
		}
	}
	h.Fields = append(h.Fields, HeaderField{Name: name, Value: value})
}

func (h *RequestHead) removeAllAfter(name string, keepIdx int) {
	out := h.Fields[:keepIdx+1]
	for i := keepIdx + 1; i < len(h.Fields); i++ {
		if !strings.EqualFold(h.Fields[i].Name, name) {
			out = append(out, h.Fields[i])
		}
	}
	h.Fields = out
}

// Del removes every field named name (case-insensitive).
func (h *RequestHead) Del(name string) {
	out := h.Fields[:0]
	for _, f := range h.Fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.Fields = out
}

// IsConnect reports whether this is a CONNECT request.
func (h *RequestHead) IsConnect() bool {
	return strings.EqualFold(h.Method, "CONNECT")
}

// hopByHop are the headers NonConnectProcessor strips before forwarding
// upstream, per spec.md §4.I.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection", // not RFC hop-by-hop, but proxy-specific and never forwarded
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes all hop-by-hop headers in place.
func (h *RequestHead) StripHopByHop() {
	for _, name := range hopByHop {
		h.Del(name)
	}
}
