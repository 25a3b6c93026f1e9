// Package config loads and holds the immutable per-session proxy configuration.
package config

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyKind identifies which upstream mechanism a session uses.
type ProxyKind string

// Recognized upstream kinds, per proxy.type.
const (
	KindHTTP   ProxyKind = "HTTP"
	KindSOCKS4 ProxyKind = "SOCKS4"
	KindSOCKS5 ProxyKind = "SOCKS5"
	KindPAC    ProxyKind = "PAC"
	KindDirect ProxyKind = "DIRECT"
)

// Endpoint is a host+port pair for one upstream kind.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string {
	if e.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Config is the immutable snapshot read once at session start.
//
// Nothing in this struct is mutated after Load returns; a new Session
// gets a fresh Config instead of touching an existing one.
type Config struct {
	ListenPort int       `yaml:"local_port"`
	ProxyType  ProxyKind `yaml:"proxy_type"`

	HTTPProxy   Endpoint `yaml:"http_proxy"`
	SOCKS4Proxy Endpoint `yaml:"socks4_proxy"`
	SOCKS5Proxy Endpoint `yaml:"socks5_proxy"`

	PACFileLocation string `yaml:"pac_file_location"`

	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	StorePassword bool   `yaml:"store_password"`
	Kerberos      bool   `yaml:"kerberos"`

	TestURL string `yaml:"test_url"`

	BlacklistTimeout time.Duration `yaml:"blacklist_timeout"`

	Autostart  bool `yaml:"autostart"`
	Autodetect bool `yaml:"autodetect"`

	// AdminPort, when non-zero, exposes metrics.Collector.Handler() on
	// 127.0.0.1:AdminPort. Ambient, not part of the upstream wire protocol.
	AdminPort int `yaml:"admin_port"`
}

// defaults mirror the documented defaults in spec.md §6.
var defaults = Config{
	ListenPort:       3129,
	ProxyType:        KindDirect,
	BlacklistTimeout: 30 * time.Minute,
}

// SetHTTPUpstream sets the HTTP upstream endpoint.
//
// Per-kind setters are explicit and independent — unlike a switch with
// missing break statements, setting one kind's endpoint never touches
// another kind's (see the REDESIGN FLAG in spec.md §9).
func (c *Config) SetHTTPUpstream(host string, port int) {
	c.HTTPProxy = Endpoint{Host: host, Port: port}
}

// SetSOCKS4Upstream sets the SOCKS4 upstream endpoint.
func (c *Config) SetSOCKS4Upstream(host string, port int) {
	c.SOCKS4Proxy = Endpoint{Host: host, Port: port}
}

// SetSOCKS5Upstream sets the SOCKS5 upstream endpoint.
func (c *Config) SetSOCKS5Upstream(host string, port int) {
	c.SOCKS5Proxy = Endpoint{Host: host, Port: port}
}

// Upstream returns the host+port configured for the given kind.
// DIRECT and PAC have no fixed endpoint and return the zero Endpoint.
func (c *Config) Upstream(kind ProxyKind) Endpoint {
	switch kind {
	case KindHTTP:
		return c.HTTPProxy
	case KindSOCKS4:
		return c.SOCKS4Proxy
	case KindSOCKS5:
		return c.SOCKS5Proxy
	default:
		return Endpoint{}
	}
}

// Load reads a configuration file and applies defaults for missing fields.
//
// YAML files (.yaml/.yml extension) are parsed with gopkg.in/yaml.v3.
// Anything else is treated as the key=value properties format documented
// in spec.md §6 (local.port, proxy.type, ...). A missing file yields the
// package defaults: port 3129, a DIRECT upstream, and a 30-minute
// blacklist timeout.
func Load(path string) (*Config, error) {
	cfg := defaults

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
		return &cfg, nil
	}

	if err := loadProperties(&cfg, data); err != nil {
		return nil, fmt.Errorf("parse properties config: %w", err)
	}
	return &cfg, nil
}

// loadProperties populates cfg from a key=value properties file per the
// table in spec.md §6.
func loadProperties(cfg *Config, data []byte) error {
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	props := make(map[string]string)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		props[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	if err := sc.Err(); err != nil {
		return err
	}

	if v, ok := props["local.port"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("local.port: %w", err)
		}
		cfg.ListenPort = p
	}
	if v, ok := props["proxy.type"]; ok {
		cfg.ProxyType = ProxyKind(strings.ToUpper(v))
	}
	if h, ok := props["proxy.http.host"]; ok {
		p, _ := strconv.Atoi(props["proxy.http.port"])
		cfg.SetHTTPUpstream(h, p)
	}
	if h, ok := props["proxy.socks4.host"]; ok {
		p, _ := strconv.Atoi(props["proxy.socks4.port"])
		cfg.SetSOCKS4Upstream(h, p)
	}
	if h, ok := props["proxy.socks5.host"]; ok {
		p, _ := strconv.Atoi(props["proxy.socks5.port"])
		cfg.SetSOCKS5Upstream(h, p)
	}
	if v, ok := props["proxy.pac.fileLocation"]; ok {
		cfg.PACFileLocation = v
	}
	if v, ok := props["proxy.username"]; ok {
		cfg.Username = v
	}
	if v, ok := props["proxy.password"]; ok {
		pw, err := DecodePassword(v)
		if err != nil {
			return fmt.Errorf("proxy.password: %w", err)
		}
		cfg.Password = pw
	}
	if v, ok := props["proxy.storePassword"]; ok {
		cfg.StorePassword = v == "true"
	}
	if v, ok := props["proxy.kerberos"]; ok {
		cfg.Kerberos = v == "true"
	}
	if v, ok := props["proxy.test.url"]; ok {
		cfg.TestURL = v
	}
	if v, ok := props["blacklist.timeout"]; ok {
		mins, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("blacklist.timeout: %w", err)
		}
		cfg.BlacklistTimeout = time.Duration(mins) * time.Minute
	}
	if v, ok := props["autostart"]; ok {
		cfg.Autostart = v == "true"
	}
	if v, ok := props["autodetect"]; ok {
		cfg.Autodetect = v == "true"
	}
	if v, ok := props["admin.port"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("admin.port: %w", err)
		}
		cfg.AdminPort = p
	}
	return nil
}

// EncodePassword wraps a password for disk storage. This is obfuscation,
// not encryption — see the Design Note in spec.md §9.
func EncodePassword(plain string) string {
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

// DecodePassword reverses EncodePassword. A value that isn't valid
// base64 is returned as-is, so a plaintext password in a hand-edited
// config file still works unless it happens to be valid base64, in
// which case it is decoded like an encoded one.
func DecodePassword(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return stored, nil
	}
	return string(raw), nil
}
