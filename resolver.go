package mxconnect

import (
	"context"
	"net"

	mxdns "github.com/zone-eu/mx-connect/framework/dns"
)

// MxRecord is the pluggable-resolver view of one MX answer, per §6.
type MxRecord struct {
	Host     string
	Priority uint16
}

// Resolver is the DNS access point consumed by every stage of the pipeline
// (§4.9). Callers may substitute their own implementation (e.g. to route
// through a specific recursive resolver, or to inject fixtures in tests);
// NewDefaultResolver wraps the platform resolver plus, where available, the
// DNSSEC-aware ExtResolver used for DANE discovery.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]MxRecord, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupTLSA(ctx context.Context, service, network, domain string) ([]mxdns.TLSA, error)
}

// defaultResolver adapts framework/dns.Resolver and, opportunistically, an
// ExtResolver (for DNSSEC-aware TLSA lookups) into the Resolver interface.
type defaultResolver struct {
	base mxdns.Resolver
	ext  *mxdns.ExtResolver
}

// NewDefaultResolver builds the resolver used when Options does not supply
// one: the platform stub resolver for MX/A/AAAA, and a best-effort
// ExtResolver (reading /etc/resolv.conf) for TLSA lookups. If the ExtResolver
// cannot be constructed (e.g. no resolv.conf, as in a container without
// one), TLSA lookups fail closed with an error rather than panicking --
// resolveDane treats that error as a TLSA lookup failure.
func NewDefaultResolver() Resolver {
	ext, _ := mxdns.NewExtResolver()
	return &defaultResolver{
		base: mxdns.DefaultResolver(),
		ext:  ext,
	}
}

func (r *defaultResolver) LookupMX(ctx context.Context, name string) ([]MxRecord, error) {
	mxs, err := r.base.LookupMX(ctx, mxdns.FQDN(name))
	if err != nil {
		return nil, err
	}
	out := make([]MxRecord, 0, len(mxs))
	for _, mx := range mxs {
		out = append(out, MxRecord{Host: mx.Host, Priority: mx.Pref})
	}
	return out, nil
}

func (r *defaultResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return r.base.LookupIPAddr(ctx, host)
}

func (r *defaultResolver) LookupTLSA(ctx context.Context, service, network, domain string) ([]mxdns.TLSA, error) {
	if r.ext == nil {
		return nil, &Error{
			Message:   "DANE TLSA lookup unavailable: no DNSSEC-capable resolver configured",
			Code:      "ENORESOLVER",
			Category:  CategoryDANE,
			temporary: false,
		}
	}
	_, recs, err := r.ext.AuthLookupTLSA(ctx, service, network, domain)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func isNotFoundDNS(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	return mxdns.IsNotFound(err)
}
