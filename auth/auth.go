// Package auth provides upstream credentials — Basic, NTLM, Kerberos —
// and answers the upstream's 407 challenges (component K in spec.md §4.K).
package auth

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Azure/go-ntlmssp"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"

	proxycfg "github.com/Polqt/localproxy/config"
)

// Scheme identifies an auth mechanism offered in a Proxy-Authenticate header.
type Scheme string

const (
	SchemeBasic     Scheme = "Basic"
	SchemeNTLM      Scheme = "NTLM"
	SchemeNegotiate Scheme = "Negotiate"
)

// Authenticator issues credentials and carries out 407 challenge-response
// handshakes. One Authenticator is created per Session and discarded at
// stop — its Kerberos client is cached for the session's lifetime only
// (spec.md §4.K).
type Authenticator struct {
	cfg *proxycfg.Config

	mu        sync.Mutex
	krbClient *client.Client
}

// New creates an Authenticator bound to a session's config snapshot.
func New(cfg *proxycfg.Config) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// BasicHeader returns a "Proxy-Authorization: Basic ..." header value.
func (a *Authenticator) BasicHeader() string {
	raw := a.cfg.Username + ":" + a.cfg.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// NTLMNegotiateHeader returns the first NTLM message (type 1) to send
// with the initial request.
func (a *Authenticator) NTLMNegotiateHeader() (string, error) {
	msg, err := ntlmssp.NewNegotiateMessage("", "")
	if err != nil {
		return "", fmt.Errorf("ntlm negotiate message: %w", err)
	}
	return "NTLM " + base64.StdEncoding.EncodeToString(msg), nil
}

// NTLMAuthenticateHeader consumes the upstream's type-2 challenge
// (base64 after "NTLM ") and returns the type-3 response header.
func (a *Authenticator) NTLMAuthenticateHeader(challengeHeader string) (string, error) {
	token := strings.TrimPrefix(challengeHeader, "NTLM ")
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", fmt.Errorf("decode ntlm challenge: %w", err)
	}
	resp, err := ntlmssp.ProcessChallenge(raw, a.cfg.Username, a.cfg.Password)
	if err != nil {
		return "", fmt.Errorf("ntlm challenge response: %w", err)
	}
	return "NTLM " + base64.StdEncoding.EncodeToString(resp), nil
}

// NegotiateHeader obtains a Kerberos ticket from the OS credential cache
// (no password prompt, per spec.md §4.K) and returns a SPNEGO
// "Negotiate" header for spn (e.g. "HTTP/gateway.corp.example").
func (a *Authenticator) NegotiateHeader(spn string) (string, error) {
	cl, err := a.kerberosClient()
	if err != nil {
		return "", fmt.Errorf("kerberos client: %w", err)
	}
	spnegoCl := spnego.SPNEGOClient(cl, spn)
	if err := spnegoCl.AcquireCred(); err != nil {
		return "", fmt.Errorf("acquire kerberos credential: %w", err)
	}
	tok, err := spnegoCl.InitSecContext()
	if err != nil {
		return "", fmt.Errorf("init spnego context: %w", err)
	}
	b, err := tok.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal spnego token: %w", err)
	}
	return "Negotiate " + base64.StdEncoding.EncodeToString(b), nil
}

func (a *Authenticator) kerberosClient() (*client.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.krbClient != nil {
		return a.krbClient, nil
	}

	krb5cfg, err := config.Load(krb5ConfPath())
	if err != nil {
		return nil, fmt.Errorf("load krb5.conf: %w", err)
	}
	ccache, err := credentials.LoadCCache(ccachePath())
	if err != nil {
		return nil, fmt.Errorf("load ccache: %w", err)
	}
	cl, err := client.NewFromCCache(ccache, krb5cfg)
	if err != nil {
		return nil, fmt.Errorf("client from ccache: %w", err)
	}
	a.krbClient = cl
	return cl, nil
}

// Invalidate discards any cached Kerberos client. Called at session stop.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.krbClient != nil {
		a.krbClient.Destroy()
		a.krbClient = nil
	}
}

func krb5ConfPath() string {
	if p := os.Getenv("KRB5_CONFIG"); p != "" {
		return p
	}
	return "/etc/krb5.conf"
}

func ccachePath() string {
	if p := os.Getenv("KRB5CCNAME"); p != "" {
		return strings.TrimPrefix(p, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// ParseSchemes extracts the auth schemes offered across one or more
// Proxy-Authenticate header values, preserving order of appearance.
func ParseSchemes(headerValues []string) []Scheme {
	var out []Scheme
	for _, v := range headerValues {
		field := strings.TrimSpace(strings.SplitN(v, " ", 2)[0])
		out = append(out, Scheme(field))
	}
	return out
}
