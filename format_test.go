package mxconnect

import "testing"

func TestFormatAddress_PlainDomain(t *testing.T) {
	d := NewDelivery("example.com")
	if err := formatAddress(d); err != nil {
		t.Fatalf("formatAddress: %v", err)
	}
	if d.IsIP {
		t.Error("plain domain must not be classified as IP")
	}
	if d.DecodedDomain != "example.com" {
		t.Errorf("DecodedDomain = %q, want example.com", d.DecodedDomain)
	}
}

func TestFormatAddress_IDNA(t *testing.T) {
	d := NewDelivery("müller.example")
	if err := formatAddress(d); err != nil {
		t.Fatalf("formatAddress: %v", err)
	}
	if !d.IsPunycode {
		t.Error("expected IsPunycode for a non-ASCII domain")
	}
	if d.DecodedDomain == "müller.example" {
		t.Error("DecodedDomain should be the A-label form, not the raw Unicode")
	}
}

func TestFormatAddress_BareIPLiteral(t *testing.T) {
	d := NewDelivery("203.0.113.5")
	if err := formatAddress(d); err != nil {
		t.Fatalf("formatAddress: %v", err)
	}
	if !d.IsIP {
		t.Error("bare IP must be classified as IsIP")
	}
	if d.DecodedDomain != "203.0.113.5" {
		t.Errorf("DecodedDomain = %q, want 203.0.113.5", d.DecodedDomain)
	}
}

func TestFormatAddress_BracketedIPv4Literal(t *testing.T) {
	d := NewDelivery("[203.0.113.5]")
	if err := formatAddress(d); err != nil {
		t.Fatalf("formatAddress: %v", err)
	}
	if !d.IsIP || d.DecodedDomain != "203.0.113.5" {
		t.Errorf("got IsIP=%v DecodedDomain=%q", d.IsIP, d.DecodedDomain)
	}
}

func TestFormatAddress_BracketedIPv6LiteralWithPrefix(t *testing.T) {
	d := NewDelivery("[IPv6:2001:db8::1]")
	if err := formatAddress(d); err != nil {
		t.Fatalf("formatAddress: %v", err)
	}
	if !d.IsIP {
		t.Error("expected IsIP for an IPv6 literal")
	}
}

func TestFormatAddress_IPv6LiteralRejectedWhenIPv6Disabled(t *testing.T) {
	d := NewDelivery("[IPv6:2001:db8::1]")
	d.DnsOptions.IgnoreIPv6 = true

	err := formatAddress(d)
	if err == nil {
		t.Fatal("expected an error for an IPv6 literal with IgnoreIPv6 set")
	}
	mxErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if mxErr.Category != CategoryDNS {
		t.Errorf("category = %q, want dns", mxErr.Category)
	}
}

func TestFormatAddress_InvalidLiteral(t *testing.T) {
	d := NewDelivery("[not-an-ip]")
	if err := formatAddress(d); err == nil {
		t.Fatal("expected an error for a malformed bracketed literal")
	}
}
