package mxconnect

import (
	"context"
	"net"

	"github.com/zone-eu/mx-connect/framework/future"
)

// addrLookupResult is the in-band marker that a per-host lookup joined with
// either a list of addresses or a captured error (§4.5: "errors are
// captured in-band, not thrown, so one failing host never aborts the
// join").
type addrLookupResult struct {
	addrs []net.IPAddr
	err   error
}

// resolveIPs implements §4.5: populate A/AAAA on every MxEntry lacking them,
// issuing one A and (unless IgnoreIPv6) one AAAA lookup per entry, all
// started in parallel and joined afterwards.
func resolveIPs(ctx context.Context, d *Delivery) error {
	resolver := d.DnsOptions.Resolver

	type pending struct {
		idx    int
		future *future.Future
	}
	var v4Futures, v6Futures []pending

	for i := range d.Mx {
		entry := &d.Mx[i]
		if ip := net.ParseIP(entry.Exchange); ip != nil {
			// Already an IP literal -- nothing to resolve; the literal itself
			// becomes the entry's address if it passes the validator.
			if len(entry.A) == 0 && len(entry.AAAA) == 0 && isInvalid(ip.String(), d.DnsOptions.BlockLocalAddresses) == "" {
				if ip.To4() != nil {
					entry.A = []string{ip.String()}
				} else if !d.DnsOptions.IgnoreIPv6 {
					entry.AAAA = []string{ip.String()}
				}
			}
			continue
		}
		if len(entry.A) > 0 || len(entry.AAAA) > 0 {
			continue
		}

		host := entry.Exchange

		v4fut := future.New()
		go func() {
			addrs, err := resolver.LookupIPAddr(ctx, host)
			v4fut.Set(addrLookupResult{addrs: filterFamily(addrs, false), err: wrapLookupErr(host, err)}, nil)
		}()
		v4Futures = append(v4Futures, pending{i, v4fut})

		if !d.DnsOptions.IgnoreIPv6 {
			v6fut := future.New()
			go func() {
				addrs, err := resolver.LookupIPAddr(ctx, host)
				v6fut.Set(addrLookupResult{addrs: filterFamily(addrs, true), err: wrapLookupErr(host, err)}, nil)
			}()
			v6Futures = append(v6Futures, pending{i, v6fut})
		}
	}

	var (
		capturedErr  error
		addressFound bool
	)

	for _, p := range v4Futures {
		val, err := p.future.GetContext(ctx)
		if err != nil {
			return err // context cancellation
		}
		res := val.(addrLookupResult)
		entry := &d.Mx[p.idx]
		found, firstErr := filterAddresses(res, entry, false, d.DnsOptions.BlockLocalAddresses)
		if found {
			addressFound = true
		}
		if firstErr != nil && capturedErr == nil {
			capturedErr = firstErr
		}
	}
	for _, p := range v6Futures {
		val, err := p.future.GetContext(ctx)
		if err != nil {
			return err
		}
		res := val.(addrLookupResult)
		entry := &d.Mx[p.idx]
		found, firstErr := filterAddresses(res, entry, true, d.DnsOptions.BlockLocalAddresses)
		if found {
			addressFound = true
		}
		if firstErr != nil && capturedErr == nil {
			capturedErr = firstErr
		}
	}

	if !addressFound {
		for i := range d.Mx {
			if len(d.Mx[i].A) > 0 || len(d.Mx[i].AAAA) > 0 {
				addressFound = true
				break
			}
		}
	}

	if !addressFound && len(d.Mx) > 0 {
		if capturedErr != nil {
			return capturedErr
		}
		return &Error{
			Message:   "no usable address found for any MX host",
			Code:      "ENOTFOUND",
			Category:  CategoryDNS,
			temporary: false,
		}
	}

	return nil
}

func filterFamily(addrs []net.IPAddr, v6 bool) []net.IPAddr {
	out := make([]net.IPAddr, 0, len(addrs))
	for _, a := range addrs {
		isV4 := a.IP.To4() != nil
		if isV4 == v6 {
			continue
		}
		out = append(out, a)
	}
	return out
}

func wrapLookupErr(host string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFoundDNS(err) {
		// NODATA/NXDOMAIN: not an error for the join, just an empty set.
		return nil
	}
	return WrapDNSError(host, err)
}

// filterAddresses runs the validator over one family's lookup result for an
// entry, appending survivors to A or AAAA and reporting whether anything
// survived plus the first captured rejection/error.
func filterAddresses(res addrLookupResult, entry *MxEntry, v6 bool, blockLocal bool) (found bool, firstErr error) {
	if res.err != nil {
		return false, res.err
	}
	for _, addr := range res.addrs {
		ipStr := addr.IP.String()
		if msg := isInvalid(ipStr, blockLocal); msg != "" {
			if firstErr == nil {
				firstErr = &Error{Message: msg, Code: "EINVAL", Category: CategoryDNS, temporary: false}
			}
			continue
		}
		found = true
		if v6 {
			entry.AAAA = append(entry.AAAA, ipStr)
		} else {
			entry.A = append(entry.A, ipStr)
		}
	}
	return found, firstErr
}
