// Package auth maintains the ordered credential fallback chain used by the
// worker driver: oauth first, then api-key, then enterprise-key. Credentials
// that fail are stamped and skipped until the stamp expires.
package auth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gofer/internal/config"
)

// Method identifies a credential variant.
type Method string

const (
	MethodOAuth       Method = "oauth"
	MethodAPIKey      Method = "api-key"
	MethodEnterprise  Method = "enterprise-key"
	MethodMarketplace Method = "marketplace-key"
)

// failureTTL is how long a failure stamp keeps a credential out of rotation.
const failureTTL = 5 * time.Minute

// Credential is one entry in the fallback chain. OAuth carries no secret
// material here; the worker CLI's own user agent holds it.
type Credential struct {
	Method   Method
	Label    string
	Key      string
	Project  string
	Location string
}

// FreeTier reports whether usage under this credential is unbilled.
func (c Credential) FreeTier() bool {
	return c.Method == MethodOAuth
}

type failure struct {
	at     time.Time
	reason string
}

// Chain is the credential fallback manager. All methods are safe for
// concurrent use. The marketplace credential sits outside the fallback
// order: it authenticates the aggregator HTTP client, never the CLI.
type Chain struct {
	mu     sync.Mutex
	creds  []Credential
	market *Credential
	failed map[Method]failure
}

// NewChain builds a chain from credentials in preference order.
func NewChain(creds ...Credential) *Chain {
	return &Chain{
		creds:  creds,
		failed: make(map[Method]failure),
	}
}

// FromConfig assembles the chain from configured credentials, preserving the
// oauth → api-key → enterprise-key preference order.
func FromConfig(cfg *config.Config) *Chain {
	var creds []Credential
	if cfg.Auth.OAuthEnabled {
		creds = append(creds, Credential{Method: MethodOAuth, Label: "oauth"})
	}
	if cfg.Auth.APIKey != "" {
		creds = append(creds, Credential{Method: MethodAPIKey, Label: "api-key", Key: cfg.Auth.APIKey})
	}
	if cfg.Auth.Enterprise.Key != "" {
		creds = append(creds, Credential{
			Method:   MethodEnterprise,
			Label:    "enterprise-key",
			Key:      cfg.Auth.Enterprise.Key,
			Project:  cfg.Auth.Enterprise.Project,
			Location: cfg.Auth.Enterprise.Location,
		})
	}
	c := NewChain(creds...)
	if cfg.Auth.MarketplaceKey != "" {
		c.market = &Credential{Method: MethodMarketplace, Label: "marketplace-key", Key: cfg.Auth.MarketplaceKey}
	}
	return c
}

// Reload replaces the configured credentials from a freshly loaded config.
// Failure stamps are cleared: a credential edit usually means the operator
// just fixed the one that was failing.
func (c *Chain) Reload(cfg *config.Config) {
	next := FromConfig(cfg)
	c.mu.Lock()
	c.creds = next.creds
	c.market = next.market
	c.failed = make(map[Method]failure)
	c.mu.Unlock()
	slog.Info("auth.chain_reloaded", "credentials", len(next.creds))
}

// Has reports whether a credential of the given method is configured,
// regardless of failure stamps.
func (c *Chain) Has(method Method) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if method == MethodMarketplace {
		return c.market != nil
	}
	for _, cred := range c.creds {
		if cred.Method == method {
			return true
		}
	}
	return false
}

// Marketplace returns the aggregator credential when configured.
func (c *Chain) Marketplace() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.market == nil {
		return Credential{}, false
	}
	return *c.market, true
}

// Active returns the first credential without an unexpired failure stamp.
// When every credential is stamped it returns the first entry anyway, so a
// fully failed chain still gets an optimistic retry rather than a dead end.
// ok is false only for an empty chain.
func (c *Chain) Active() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.creds) == 0 {
		return Credential{}, false
	}
	for _, cred := range c.creds {
		if !c.stampedLocked(cred.Method) {
			return cred, true
		}
	}
	return c.creds[0], true
}

// Next returns the first healthy credential after failed in preference
// order. ok is false when no healthy credential remains.
func (c *Chain) Next(failed Credential) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, cred := range c.creds {
		if cred.Method == failed.Method {
			idx = i
			break
		}
	}
	for i := idx + 1; i < len(c.creds); i++ {
		if !c.stampedLocked(c.creds[i].Method) {
			return c.creds[i], true
		}
	}
	return Credential{}, false
}

// RecordFailure stamps the credential with the current time and a short
// reason. The credential is skipped until the stamp expires or Sweep clears
// it.
func (c *Chain) RecordFailure(cred Credential, reason string) {
	c.mu.Lock()
	c.failed[cred.Method] = failure{at: time.Now(), reason: reason}
	c.mu.Unlock()
	slog.Warn("auth.credential_failed", "method", string(cred.Method), "reason", reason)
}

// Sweep clears failure stamps older than the expiry window. Callers run it
// at the top of every request so yesterday's failures do not linger.
func (c *Chain) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-failureTTL)
	for method, f := range c.failed {
		if f.at.Before(cutoff) {
			delete(c.failed, method)
			slog.Debug("auth.stamp_expired", "method", string(method))
		}
	}
}

// Len returns the number of credentials in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.creds)
}

// stampedLocked reports whether the method has an unexpired failure stamp.
// Expiry is checked inline so Active stays correct even between sweeps.
func (c *Chain) stampedLocked(method Method) bool {
	f, ok := c.failed[method]
	if !ok {
		return false
	}
	return time.Since(f.at) < failureTTL
}

// Status describes one credential's health for inspection surfaces.
type Status struct {
	Method   Method    `json:"method"`
	Label    string    `json:"label"`
	Healthy  bool      `json:"healthy"`
	Reason   string    `json:"reason,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// Snapshot returns the per-credential health of the chain.
func (c *Chain) Snapshot() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Status, 0, len(c.creds))
	for _, cred := range c.creds {
		st := Status{Method: cred.Method, Label: cred.Label, Healthy: true}
		if f, ok := c.failed[cred.Method]; ok && time.Since(f.at) < failureTTL {
			st.Healthy = false
			st.Reason = f.reason
			st.FailedAt = f.at
		}
		out = append(out, st)
	}
	return out
}
