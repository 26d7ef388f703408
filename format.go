package mxconnect

import (
	"net"
	"strings"

	mxdns "github.com/zone-eu/mx-connect/framework/dns"
)

// formatAddress implements §4.2: classify the target as an IP literal or a
// domain, and normalize it into Delivery.DecodedDomain.
func formatAddress(d *Delivery) error {
	domain := d.Domain

	if stripped, ok := stripIPLiteral(domain); ok {
		ip := net.ParseIP(stripped)
		if ip == nil {
			return &Error{
				Message:   "invalid IP address literal: " + domain,
				Code:      "EINVAL",
				Category:  CategoryDNS,
				temporary: false,
			}
		}
		if ip.To4() == nil && d.DnsOptions.IgnoreIPv6 {
			return &Error{
				Message:   "target is an IPv6 literal but IPv6 is disabled: " + domain,
				Code:      "EINVAL",
				Category:  CategoryDNS,
				temporary: false,
			}
		}

		d.IsIP = true
		d.DecodedDomain = ip.String()
		return nil
	}

	aLabel, err := mxdns.SelectIDNA(false, domain)
	if err != nil {
		return &Error{
			Message:   "invalid domain name: " + domain,
			Code:      "EINVAL",
			Category:  CategoryDNS,
			temporary: false,
			Err:       err,
		}
	}

	d.DecodedDomain = aLabel
	d.IsPunycode = aLabel != domain
	return nil
}

// stripIPLiteral recognizes the bracketed IP-literal forms
// "[203.0.113.1]" and "[IPv6:2001:db8::1]" as well as bare IP addresses,
// returning the unwrapped address text.
func stripIPLiteral(domain string) (string, bool) {
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		inner := domain[1 : len(domain)-1]
		inner = strings.TrimPrefix(inner, "IPv6:")
		return inner, true
	}

	if net.ParseIP(domain) != nil {
		return domain, true
	}

	return "", false
}
