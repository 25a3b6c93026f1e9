package upstream

import (
	"sync"
	"time"
)

// Blacklist tracks directives that recently failed to connect, so the
// selector can skip them for a cooldown window (spec.md §4.D).
//
// Shaped like the teacher's CircuitBreaker: process-wide shared state
// guarded by a mutex rather than per-entry atomics, since entries come
// and go (unlike the teacher's fixed per-upstream CBs) and a map needs
// a lock regardless.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	now     func() time.Time
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// MarkBad records that d failed and should be skipped until now+cooldown.
//
// Per spec.md §4.D, only TCP-connect-layer failures call this — 407
// challenges must never blacklist a directive.
func (b *Blacklist) MarkBad(d Directive, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[d.Key()] = b.now().Add(cooldown)
}

// IsBad reports whether d has an active (non-expired) blacklist entry.
// Expired entries are lazily removed here.
func (b *Blacklist) IsBad(d Directive) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.entries[d.Key()]
	if !ok {
		return false
	}
	if b.now().After(expiry) || b.now().Equal(expiry) {
		delete(b.entries, d.Key())
		return false
	}
	return true
}

// Filter removes blacklisted directives from the list, preserving order.
func (b *Blacklist) Filter(directives []Directive) []Directive {
	var out []Directive
	for _, d := range directives {
		if !b.IsBad(d) {
			out = append(out, d)
		}
	}
	return out
}
