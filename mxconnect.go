// Package mxconnect resolves and connects to the correct mail-exchange host
// for an Internet mail domain, validating the destination against
// MTA-STS and DANE/TLSA policy along the way, and hands the established TCP
// connection -- plus per-host verification material -- to the caller's
// SMTP/TLS layer.
package mxconnect

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/zone-eu/mx-connect/framework/address"
)

// Options configures one Connect call. A bare string target is shorthand
// for Options{Target: <string>}.
type Options struct {
	Target string

	Port uint16

	Mx []MxEntry

	DnsOptions DnsConfig

	LocalAddress      string
	LocalHostname     string
	LocalAddressIPv4  string
	LocalAddressIPv6  string
	LocalHostnameIPv4 string
	LocalHostnameIPv6 string

	MaxConnectTimeSeconds int

	IgnoreMXHosts []string
	MxLastError   error

	ConnectHook  ConnectHook
	ConnectError ConnectErrorNotifier

	MtaSts MtaStsConfig
	Dane   DaneConfig
}

// Connect is the sole entry point of the pipeline (§4.1, §6):
// format -> policy fetch -> mx-resolve -> policy-validate -> ip-resolve ->
// dane-resolve -> connect. Stages that are unnecessary for the supplied
// Options (caller-provided MX/IP hints, disabled MTA-STS/DANE) are elided.
func Connect(ctx context.Context, opts Options) (*Connection, error) {
	d, err := newDeliveryFromOptions(opts)
	if err != nil {
		return nil, err
	}
	return run(ctx, d)
}

// ConnectString is shorthand for Connect(ctx, Options{Target: target}).
func ConnectString(ctx context.Context, target string) (*Connection, error) {
	return Connect(ctx, Options{Target: target})
}

func newDeliveryFromOptions(opts Options) (*Delivery, error) {
	// Target may be a bare domain/IP (the common case for this library) or a
	// full RFC 5321 forward-path; address.Valid/ToASCII reject malformed
	// addresses and normalize the domain to A-label form before
	// address.Split strips the local-part (§6). A Target with no at-sign is
	// not an address.Split error case we care about -- it just means
	// "already a domain".
	target := opts.Target
	if strings.Contains(target, "@") {
		if !address.Valid(target) {
			return nil, &Error{
				Message:  "target is not a valid RFC 5321 forward-path: " + target,
				Code:     "EINVALIDTARGET",
				Category: CategoryDNS,
			}
		}
		aLabel, err := address.ToASCII(target)
		if err == nil {
			target = aLabel
		}
		if _, domain, err := address.Split(target); err == nil && domain != "" {
			target = domain
		}
	}

	d := NewDelivery(target)

	if opts.Port != 0 {
		d.Port = opts.Port
	}
	d.Mx = opts.Mx
	d.DnsOptions = opts.DnsOptions
	if d.DnsOptions.Resolver == nil {
		d.DnsOptions.Resolver = NewDefaultResolver()
	}

	if opts.LocalAddress != "" {
		d.LocalAddress = parseIPOrNil(opts.LocalAddress)
	}
	d.LocalHostname = opts.LocalHostname
	if opts.LocalAddressIPv4 != "" {
		d.LocalAddressIPv4 = parseIPOrNil(opts.LocalAddressIPv4)
	}
	if opts.LocalAddressIPv6 != "" {
		d.LocalAddressIPv6 = parseIPOrNil(opts.LocalAddressIPv6)
	}
	d.LocalHostnameIPv4 = opts.LocalHostnameIPv4
	d.LocalHostnameIPv6 = opts.LocalHostnameIPv6

	if opts.MaxConnectTimeSeconds != 0 {
		d.MaxConnectTime = secondsToDuration(opts.MaxConnectTimeSeconds)
	}

	if len(opts.IgnoreMXHosts) > 0 {
		d.IgnoreMXHosts = make(map[string]struct{}, len(opts.IgnoreMXHosts))
		for _, ip := range opts.IgnoreMXHosts {
			d.IgnoreMXHosts[ip] = struct{}{}
		}
	}
	d.MxLastError = opts.MxLastError

	d.ConnectHook = opts.ConnectHook
	d.ConnectError = opts.ConnectError

	d.MtaSts = opts.MtaSts
	d.Dane = opts.Dane
	if d.Dane.Enabled {
		// ResolveTlsa defaults to true: callers opt out explicitly by
		// disabling Dane altogether, or by pre-supplying TlsaRecords.
		d.Dane.ResolveTlsa = true
	}

	return d, nil
}

func parseIPOrNil(s string) net.IP {
	return net.ParseIP(s)
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// run builds and executes the stage list per §4.1.
func run(ctx context.Context, d *Delivery) (*Connection, error) {
	callerSuppliedMx := len(d.Mx) > 0

	if err := formatAddress(d); err != nil {
		return nil, err
	}

	if d.MtaSts.Enabled {
		if err := fetchMtaSts(ctx, d); err != nil {
			return nil, err
		}
	}

	if !callerSuppliedMx {
		if err := resolveMX(ctx, d); err != nil {
			return nil, err
		}
	}

	needsIPResolution := false
	for i := range d.Mx {
		if len(d.Mx[i].A) == 0 && len(d.Mx[i].AAAA) == 0 {
			needsIPResolution = true
			break
		}
	}

	if d.MtaSts.Enabled {
		validateMtaSts(d)
	}

	if needsIPResolution {
		if err := resolveIPs(ctx, d); err != nil {
			return nil, err
		}
	}

	if d.Dane.Enabled {
		if err := resolveDane(ctx, d); err != nil {
			return nil, err
		}
	}

	return connectLoop(ctx, d)
}
