package mxconnect

import (
	"context"
	"strings"

	"github.com/foxcpp/go-mtasts"

	mxdns "github.com/zone-eu/mx-connect/framework/dns"
)

// matchMXPattern implements RFC 8461 §4.1 MX pattern matching: a pattern may
// carry one wildcard label ("*.example.com") which matches exactly one
// label, never a suffix of multiple labels.
func matchMXPattern(pattern, mx string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return mxdns.Equal(pattern, mx)
	}

	pattern, _ = mxdns.ForLookup(pattern)
	mx, _ = mxdns.ForLookup(mx)

	suffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(mx, suffix) {
		return false
	}
	// The wildcard must match exactly one label: the remaining prefix must
	// not itself contain a dot.
	prefix := strings.TrimSuffix(mx, suffix)
	return prefix != "" && !strings.Contains(prefix, ".")
}

// goMtastsFetcher is the default PolicyFetcher, delegating to the real
// MTA-STS implementation (github.com/foxcpp/go-mtasts) for the HTTPS
// policy-document fetch/parse spec §1 places out of scope for this module.
// It wraps a *mtasts.Cache the same way the teacher's mtastsPolicy does
// (internal/target/remote/security.go's Init): Cache.Get fetches over HTTPS
// on a miss or expiry and falls back to its own last-known-good policy
// otherwise. There is no package-level mtasts.Fetch function.
type goMtastsFetcher struct {
	cache *mtasts.Cache
}

// DefaultPolicyFetcher wraps a process-lifetime github.com/foxcpp/go-mtasts
// RAM cache, adapting its Policy type to this package's MtaStsPolicy.
func DefaultPolicyFetcher() PolicyFetcher {
	cache := mtasts.NewRAMCache()
	cache.Resolver = mxdns.DefaultResolver()
	return &goMtastsFetcher{cache: cache}
}

func (f *goMtastsFetcher) Fetch(ctx context.Context, domain string, cached *MtaStsPolicy, _ Resolver) (*MtaStsPolicy, string, error) {
	policy, err := f.cache.Get(ctx, domain)
	if err != nil {
		if cached != nil {
			// Keep using the last known-good policy if the fresh fetch
			// fails; the caller's cache TTL governs how long this is valid.
			return cached, "cached", nil
		}
		return nil, "", err
	}

	return &MtaStsPolicy{
		Mode: string(policy.Mode),
		MX:   policy.MX,
	}, "fetched", nil
}

// ramPolicyCache is a trivial in-process PolicyCache, useful for callers
// that don't need the policy to survive process restarts. Production
// callers are expected to supply their own cache, per §6 ("a pluggable
// cache is consumed, not defined").
type ramPolicyCache struct {
	policies map[string]*MtaStsPolicy
}

// NewRAMPolicyCache returns a process-lifetime, in-memory PolicyCache.
func NewRAMPolicyCache() PolicyCache {
	return &ramPolicyCache{policies: make(map[string]*MtaStsPolicy)}
}

func (c *ramPolicyCache) Get(_ context.Context, domain string) (*MtaStsPolicy, error) {
	return c.policies[domain], nil
}

func (c *ramPolicyCache) Set(_ context.Context, domain string, policy *MtaStsPolicy) error {
	c.policies[domain] = policy
	return nil
}

// fetchMtaSts implements the Fetch half of §4.4: consult the cache, call the
// fetcher, and write back on a non-cached status.
func fetchMtaSts(ctx context.Context, d *Delivery) error {
	if !d.MtaSts.Enabled {
		return nil
	}

	var cached *MtaStsPolicy
	if d.MtaSts.Cache != nil {
		cached, _ = d.MtaSts.Cache.Get(ctx, d.DecodedDomain)
	}

	fetcher := d.MtaSts.Fetcher
	if fetcher == nil {
		fetcher = DefaultPolicyFetcher()
	}

	policy, status, err := fetcher.Fetch(ctx, d.DecodedDomain, cached, d.DnsOptions.Resolver)
	if err != nil {
		d.MtaSts.Logger.Msg("mta-sts", "action", "mta-sts", "success", false, "domain", d.DecodedDomain, "reason", err.Error())
		return &Error{
			Message:   "MTA-STS policy fetch failed: " + err.Error(),
			Code:      "ESTSFETCH",
			Category:  CategoryPolicy,
			temporary: true,
			Err:       err,
		}
	}

	if status != "cached" && d.MtaSts.Cache != nil {
		_ = d.MtaSts.Cache.Set(ctx, d.DecodedDomain, policy)
	}

	d.MtaSts.Logger.Msg("mta-sts", "action", "mta-sts", "success", true, "domain", d.DecodedDomain, "status", status)
	d.MtaSts.policy = policy
	return nil
}

// validateMtaSts implements the Validate half of §4.4: compute policyMatch
// for every MX entry. No entry is dropped here -- the connection engine
// enforces.
func validateMtaSts(d *Delivery) {
	if !d.MtaSts.Enabled || d.MtaSts.policy == nil {
		return
	}

	policy := d.MtaSts.policy
	for i := range d.Mx {
		valid := policy.Match(d.Mx[i].Exchange)
		testing := policy.Mode == "testing"
		d.Mx[i].PolicyMatch = &PolicyMatch{
			Valid:   valid,
			Mode:    policy.Mode,
			Testing: testing,
		}
	}
}
