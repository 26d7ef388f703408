package mxconnect

import (
	"context"
	"net"
	"sort"
)

// resolveMX implements §4.3: locate the candidate mail hosts for the
// target, synthesizing a single entry for IP-literal targets and otherwise
// querying MX with the RFC 5321 §5.1 fallback to A, then AAAA.
func resolveMX(ctx context.Context, d *Delivery) error {
	if d.IsIP {
		entry := MxEntry{Exchange: d.DecodedDomain, Priority: 0, MX: false}
		ip := net.ParseIP(d.DecodedDomain)
		if ip.To4() != nil {
			entry.A = []string{d.DecodedDomain}
		} else {
			entry.AAAA = []string{d.DecodedDomain}
		}
		d.Mx = []MxEntry{entry}
		return nil
	}

	resolver := d.DnsOptions.Resolver

	mxs, err := resolver.LookupMX(ctx, d.DecodedDomain)
	if err == nil && len(mxs) > 0 {
		sort.Slice(mxs, func(i, j int) bool {
			return mxs[i].Priority < mxs[j].Priority
		})
		entries := make([]MxEntry, 0, len(mxs))
		for _, mx := range mxs {
			entries = append(entries, MxEntry{
				Exchange: mx.Host,
				Priority: mx.Priority,
				MX:       true,
			})
		}
		d.Mx = entries
		return nil
	}
	if err != nil && !isNotFoundDNS(err) {
		return WrapDNSError(d.DecodedDomain, err)
	}

	// MX is NODATA/NXDOMAIN: fall back to A, per RFC 5321 §5.1.
	entry, fallbackErr := fallbackToAddr(ctx, resolver, d.DecodedDomain, false, d.DnsOptions.BlockLocalAddresses)
	if entry != nil {
		d.Mx = []MxEntry{*entry}
		return nil
	}
	if fallbackErr != nil && !isNotFoundDNS(unwrapRootErr(fallbackErr)) {
		return fallbackErr
	}

	// A is also NODATA/NXDOMAIN: fall back to AAAA, unless IPv6 is disabled.
	if !d.DnsOptions.IgnoreIPv6 {
		entry, fallbackErr = fallbackToAddr(ctx, resolver, d.DecodedDomain, true, d.DnsOptions.BlockLocalAddresses)
		if entry != nil {
			d.Mx = []MxEntry{*entry}
			return nil
		}
		if fallbackErr != nil {
			return fallbackErr
		}
	}

	return &Error{
		Message:   "no MX, A, or AAAA records found for " + d.DecodedDomain,
		Code:      "ENOTFOUND",
		Category:  CategoryDNS,
		temporary: false,
	}
}

// fallbackToAddr queries A (or AAAA, if v6 is true) for domain and, on
// success, synthesizes a single MxEntry per RFC 5321 §5.1. Addresses are
// run through the validator; if every address is rejected and at least one
// rejection was observed, that rejection is returned as the error.
func fallbackToAddr(ctx context.Context, resolver Resolver, domain string, v6, blockLocalAddresses bool) (*MxEntry, error) {
	addrs, err := resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return nil, WrapDNSError(domain, err)
	}

	entry := MxEntry{Exchange: domain, Priority: 0, MX: false}
	var rejectMsg string
	for _, addr := range addrs {
		isV4 := addr.IP.To4() != nil
		if isV4 == v6 {
			continue
		}
		if msg := isInvalid(addr.IP.String(), blockLocalAddresses); msg != "" {
			rejectMsg = msg
			continue
		}
		if isV4 {
			entry.A = append(entry.A, addr.IP.String())
		} else {
			entry.AAAA = append(entry.AAAA, addr.IP.String())
		}
	}

	if len(entry.A) == 0 && len(entry.AAAA) == 0 {
		if rejectMsg != "" {
			return nil, &Error{
				Message:   rejectMsg,
				Code:      "EINVAL",
				Category:  CategoryDNS,
				temporary: false,
			}
		}
		return nil, nil
	}

	return &entry, nil
}

func unwrapRootErr(err error) error {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
	return err
}
