package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestHeadGetCaseInsensitive(t *testing.T) {
	h := &RequestHead{Fields: []HeaderField{{Name: "Host", Value: "example.org"}}}
	assert.Equal(t, "example.org", h.Get("host"))
	assert.Equal(t, "example.org", h.Get("HOST"))
	assert.Equal(t, "", h.Get("missing"))
}

func TestRequestHeadValuesPreservesDuplicatesAndOrder(t *testing.T) {
	h := &RequestHead{Fields: []HeaderField{
		{Name: "Via", Value: "1.1 a"},
		{Name: "Via", Value: "1.1 b"},
	}}
	assert.Equal(t, []string{"1.1 a", "1.1 b"}, h.Values("Via"))
}

func TestRequestHeadSetReplacesAndDedupes(t *testing.T) {
	h := &RequestHead{Fields: []HeaderField{
		{Name: "Host", Value: "old.example"},
		{Name: "X-Extra", Value: "keep"},
		{Name: "Host", Value: "old2.example"},
	}}
	h.Set("Host", "new.example")
	assert.Equal(t, "new.example", h.Get("Host"))
	assert.Equal(t, []string{"new.example"}, h.Values("Host"))
	assert.Equal(t, "keep", h.Get("X-Extra"))
}

func TestRequestHeadDel(t *testing.T) {
	h := &RequestHead{Fields: []HeaderField{
		{Name: "Connection", Value: "keep-alive"},
		{Name: "Host", Value: "example.org"},
	}}
	h.Del("connection")
	assert.Equal(t, "", h.Get("Connection"))
	assert.Equal(t, "example.org", h.Get("Host"))
}

func TestIsConnect(t *testing.T) {
	assert.True(t, (&RequestHead{Method: "CONNECT"}).IsConnect())
	assert.True(t, (&RequestHead{Method: "connect"}).IsConnect())
	assert.False(t, (&RequestHead{Method: "GET"}).IsConnect())
}

func TestStripHopByHopRemovesOnlyHopByHopHeaders(t *testing.T) {
	h := &RequestHead{Fields: []HeaderField{
		{Name: "Connection", Value: "keep-alive"},
		{Name: "Proxy-Authorization", Value: "Basic xyz"},
		{Name: "Proxy-Connection", Value: "keep-alive"},
		{Name: "Host", Value: "example.org"},
		{Name: "Accept", Value: "*/*"},
	}}
	h.StripHopByHop()

	assert.Equal(t, "", h.Get("Connection"))
	assert.Equal(t, "", h.Get("Proxy-Authorization"))
	assert.Equal(t, "", h.Get("Proxy-Connection"))
	assert.Equal(t, "example.org", h.Get("Host"))
	assert.Equal(t, "*/*", h.Get("Accept"))
}
