package upstream

import (
	"context"
	"fmt"

	"github.com/Polqt/localproxy/config"
)

// PacEvaluator is the external collaborator that evaluates a PAC script.
// Implementations must be safe for concurrent use (spec.md §4.E, §9).
type PacEvaluator interface {
	FindProxyForURL(ctx context.Context, targetURL, host string) (string, error)
}

// Selector produces the ordered list of candidate upstreams for a target,
// per the algorithm in spec.md §4.C.
type Selector struct {
	Config    *config.Config
	Blacklist *Blacklist
	PAC       PacEvaluator // only consulted when Config.ProxyType == KindPAC
}

// NewSelector builds a Selector bound to a session's config and blacklist.
func NewSelector(cfg *config.Config, bl *Blacklist, pac PacEvaluator) *Selector {
	return &Selector{Config: cfg, Blacklist: bl, PAC: pac}
}

// Select returns the ordered, blacklist-filtered directive list for target.
func (s *Selector) Select(ctx context.Context, target TargetEndpoint) ([]Directive, error) {
	var candidates []Directive

	if s.Config.ProxyType == config.KindPAC {
		if s.PAC == nil {
			return nil, fmt.Errorf("pac upstream configured but no PacEvaluator wired")
		}
		targetURL := fmt.Sprintf("%s://%s", targetScheme(target), target.String())
		result, err := s.PAC.FindProxyForURL(ctx, targetURL, target.Host)
		if err != nil {
			return nil, fmt.Errorf("pac evaluation: %w", err)
		}
		directives, err := ParsePACResult(result)
		if err != nil {
			return nil, fmt.Errorf("pac result: %w", err)
		}
		candidates = directives
	} else {
		candidates = []Directive{FromConfig(s.Config)}
	}

	filtered := s.Blacklist.Filter(candidates)
	if len(filtered) == 0 {
		// Last-resort unfiltered retry — prevents total starvation when
		// every candidate is currently blacklisted (spec.md §4.C step 3,
		// open question in spec.md §9 resolved in favor of the spec text).
		return candidates, nil
	}
	return filtered, nil
}

func targetScheme(t TargetEndpoint) string {
	if t.Scheme != "" {
		return t.Scheme
	}
	return "http"
}
