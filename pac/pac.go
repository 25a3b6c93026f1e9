// Package pac implements upstream.PacEvaluator by running a PAC script
// (the FindProxyForURL(url, host) JavaScript contract) through goja.
//
// The scripting semantics themselves are out of scope (spec.md §1); this
// package only has to satisfy the contract in spec.md §4.E: a pure,
// concurrency-safe function from (url, host) to a directive string.
package pac

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Evaluator loads a PAC script once and evaluates it per request.
//
// goja.Runtime is not safe for concurrent use, so each Evaluator owns a
// single *goja.Runtime and serializes every call to it behind a mutex,
// keeping the FindProxyForURL contract safe to call concurrently as
// spec.md §9 requires.
type Evaluator struct {
	script string

	mu      sync.Mutex
	runtime *goja.Runtime
	fn      goja.Callable
}

// Load fetches a PAC script from a file path or an http(s) URL and
// compiles it. The standard PAC helper functions (dnsDomainIs,
// isPlainHostName, shExpMatch, myIpAddress, ...) are injected into the
// runtime's global scope before the script body runs.
func Load(ctx context.Context, location string) (*Evaluator, error) {
	script, err := fetch(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("load pac script %q: %w", location, err)
	}
	e := &Evaluator{script: script}
	if err := e.reset(); err != nil {
		return nil, err
	}
	return e, nil
}

func fetch(ctx context.Context, location string) (string, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if rerr != nil {
				break
			}
		}
		return string(buf), nil
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Evaluator) reset() error {
	rt := goja.New()
	installHelpers(rt)
	if _, err := rt.RunString(e.script); err != nil {
		return fmt.Errorf("compile pac script: %w", err)
	}
	val := rt.Get("FindProxyForURL")
	if val == nil || goja.IsUndefined(val) {
		return fmt.Errorf("pac script does not define FindProxyForURL")
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("FindProxyForURL is not callable")
	}
	e.mu.Lock()
	e.runtime = rt
	e.fn = fn
	e.mu.Unlock()
	return nil
}

// FindProxyForURL implements upstream.PacEvaluator.
//
// The runtime is serialized behind a mutex rather than pooled: PAC
// evaluations are short (microseconds of pure JS) and happen once per
// connection, so lock contention is not a meaningful cost compared to
// the TCP connect that follows.
func (e *Evaluator) FindProxyForURL(ctx context.Context, targetURL, host string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.fn(goja.Undefined(), e.runtime.ToValue(targetURL), e.runtime.ToValue(host))
	if err != nil {
		return "", fmt.Errorf("FindProxyForURL(%q, %q): %w", targetURL, host, err)
	}
	return res.String(), nil
}

// installHelpers registers the subset of the standard PAC helper API
// (per Netscape's PAC spec) that matters for corporate gateway scripts:
// host/domain matching, shell-glob matching, and local address lookup.
func installHelpers(rt *goja.Runtime) {
	must := func(name string, fn func(goja.FunctionCall) goja.Value) {
		if err := rt.Set(name, fn); err != nil {
			panic(err)
		}
	}

	must("isPlainHostName", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		return rt.ToValue(!strings.Contains(host, "."))
	})

	must("dnsDomainIs", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		domain := call.Argument(1).String()
		return rt.ToValue(strings.HasSuffix(host, domain))
	})

	must("shExpMatch", func(call goja.FunctionCall) goja.Value {
		str := call.Argument(0).String()
		pattern := call.Argument(1).String()
		ok, _ := globMatch(pattern, str)
		return rt.ToValue(ok)
	})

	must("myIpAddress", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(localIP())
	})

	must("dnsResolve", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		addrs, err := net.LookupHost(host)
		if err != nil || len(addrs) == 0 {
			return goja.Undefined()
		}
		return rt.ToValue(addrs[0])
	})

	must("weekdayRange", func(call goja.FunctionCall) goja.Value {
		// Time-of-day/day-of-week conditionals are not needed by the
		// corporate gateway scripts this proxy targets; always-true
		// keeps scripts that call it from erroring out.
		return rt.ToValue(true)
	})
}

func localIP() string {
	conn, err := net.DialTimeout("udp", "8.8.8.8:80", time.Second)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// globMatch implements the shell-glob subset shExpMatch needs (* and ?).
func globMatch(pattern, s string) (bool, error) {
	return path.Match(pattern, s)
}
