// Package upstream selects and tracks the candidate upstreams a request
// can be forwarded through (component C/D in spec.md §4).
package upstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Polqt/localproxy/config"
)

// DirectiveKind is the upstream mechanism a Directive uses.
type DirectiveKind string

// Kinds a Directive can take. These mirror config.ProxyKind but PAC is
// never a Directive kind — PAC only selects among the other four.
const (
	DirectHTTP   DirectiveKind = "HTTP"
	DirectSOCKS4 DirectiveKind = "SOCKS4"
	DirectSOCKS5 DirectiveKind = "SOCKS5"
	DirectDirect DirectiveKind = "DIRECT"
)

// Directive is one selectable way to reach a target.
type Directive struct {
	Kind DirectiveKind
	Host string // empty for DIRECT
	Port int    // zero for DIRECT
}

// Key identifies a directive for blacklist bookkeeping.
func (d Directive) Key() string {
	return string(d.Kind) + "|" + d.Host + "|" + strconv.Itoa(d.Port)
}

func (d Directive) String() string {
	if d.Kind == DirectDirect {
		return "DIRECT"
	}
	return fmt.Sprintf("%s %s:%d", d.Kind, d.Host, d.Port)
}

// TargetEndpoint is the thing a client wants to reach.
type TargetEndpoint struct {
	Host   string
	Port   int
	Scheme string // "http", "https-ish" (implicit, for CONNECT)
}

func (t TargetEndpoint) String() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// FromConfig builds the single Directive a fixed (non-PAC) Config.ProxyType
// implies — per spec.md §4.C step 1.
func FromConfig(cfg *config.Config) Directive {
	switch cfg.ProxyType {
	case config.KindHTTP:
		ep := cfg.Upstream(config.KindHTTP)
		return Directive{Kind: DirectHTTP, Host: ep.Host, Port: ep.Port}
	case config.KindSOCKS4:
		ep := cfg.Upstream(config.KindSOCKS4)
		return Directive{Kind: DirectSOCKS4, Host: ep.Host, Port: ep.Port}
	case config.KindSOCKS5:
		ep := cfg.Upstream(config.KindSOCKS5)
		return Directive{Kind: DirectSOCKS5, Host: ep.Host, Port: ep.Port}
	default:
		return Directive{Kind: DirectDirect}
	}
}

// ParsePACResult parses a PAC return value such as
// "PROXY host:port; SOCKS host:port; DIRECT" into an ordered directive
// list, preserving order (spec.md §4.C step 2).
func ParsePACResult(result string) ([]Directive, error) {
	var directives []Directive
	for _, entry := range strings.Split(result, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		kind := strings.ToUpper(fields[0])
		switch kind {
		case "DIRECT":
			directives = append(directives, Directive{Kind: DirectDirect})
		case "PROXY", "SOCKS", "SOCKS5":
			if len(fields) < 2 {
				return nil, fmt.Errorf("pac directive %q missing host:port", entry)
			}
			host, port, err := splitHostPort(fields[1])
			if err != nil {
				return nil, fmt.Errorf("pac directive %q: %w", entry, err)
			}
			dkind := DirectHTTP
			if kind == "SOCKS" || kind == "SOCKS5" {
				dkind = DirectSOCKS5
			}
			directives = append(directives, Directive{Kind: dkind, Host: host, Port: port})
		case "SOCKS4":
			if len(fields) < 2 {
				return nil, fmt.Errorf("pac directive %q missing host:port", entry)
			}
			host, port, err := splitHostPort(fields[1])
			if err != nil {
				return nil, fmt.Errorf("pac directive %q: %w", entry, err)
			}
			directives = append(directives, Directive{Kind: DirectSOCKS4, Host: host, Port: port})
		default:
			return nil, fmt.Errorf("unrecognized pac directive kind %q", kind)
		}
	}
	return directives, nil
}

func splitHostPort(hostport string) (string, int, error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("expected host:port, got %q", hostport)
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	return hostport[:idx], port, nil
}
