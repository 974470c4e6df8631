// Package throttle enforces per-worker, per-domain minimum access intervals.
package throttle

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// maxJitter is the upper bound of the random fraction added to every interval.
const maxJitter = 0.5

// Interval is the politeness policy for one domain.
type Interval struct {
	Domain string
	Min    time.Duration
}

// Cooldowns stores the earliest time a worker may access each domain again.
// Cooldowns are kept per worker, so two workers may hit the same domain concurrently.
type Cooldowns interface {
	NextAccess(domain string) (time.Time, bool)
	SetNextAccess(domain string, at time.Time)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option customizes a Matcher.
type Option func(*Matcher)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(m *Matcher) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithJitter overrides the source of the jitter fraction; fn must return a value in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(m *Matcher) {
		if fn != nil {
			m.jitter = fn
		}
	}
}

// Matcher decides whether a worker may fetch a URL right now and books the access.
type Matcher struct {
	mu        sync.RWMutex
	intervals map[string]time.Duration
	clock     Clock
	jitter    func() float64
}

// New creates a Matcher with no domain policies installed.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		intervals: make(map[string]time.Duration),
		clock:     systemClock{},
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDomainInterval installs or overwrites the policy for domain. The policy is
// keyed by the registrable domain, so "www.example.com" and "example.com" name the
// same policy.
func (m *Matcher) SetDomainInterval(domain string, iv Interval) {
	key := registrable(domain)
	if key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervals[key] = iv.Min
}

// Intervals returns a copy of the installed policies.
func (m *Matcher) Intervals() []Interval {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Interval, 0, len(m.intervals))
	for domain, minimum := range m.intervals {
		out = append(out, Interval{Domain: domain, Min: minimum})
	}
	return out
}

// Matches reports whether w may fetch rawURL now. When a policy exists and the worker
// is not cooling down, the next allowed access is pushed to now + min*(1+U(0,0.5)).
func (m *Matcher) Matches(w Cooldowns, rawURL string) bool {
	domain, err := RegistrableDomain(rawURL)
	if err != nil {
		return true
	}
	m.mu.RLock()
	minimum, ok := m.intervals[domain]
	m.mu.RUnlock()
	if !ok {
		return true
	}

	now := m.clock.Now()
	if next, found := w.NextAccess(domain); found && next.After(now) {
		return false
	}
	gap := time.Duration(float64(minimum) * (1 + maxJitter*m.jitter()))
	w.SetNextAccess(domain, now.Add(gap))
	return true
}

// RegistrableDomain returns the eTLD+1 of the URL host. IP addresses and hosts
// without a public suffix are returned as-is.
func RegistrableDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	domain := registrable(u.Hostname())
	if domain == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return domain, nil
}

func registrable(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
