package mxconnect

import (
	"context"
	"net"
	"testing"
)

func TestResolveMX_PriorityOrder(t *testing.T) {
	d := NewDelivery("example.com")
	d.DecodedDomain = "example.com"
	d.DnsOptions.Resolver = &fakeResolver{
		mx: func(ctx context.Context, name string) ([]MxRecord, error) {
			return []MxRecord{
				{Host: "mx2.example.com", Priority: 20},
				{Host: "mx1.example.com", Priority: 10},
			}, nil
		},
	}

	if err := resolveMX(context.Background(), d); err != nil {
		t.Fatalf("resolveMX: %v", err)
	}
	if len(d.Mx) != 2 {
		t.Fatalf("len(Mx) = %d, want 2", len(d.Mx))
	}
	if d.Mx[0].Exchange != "mx1.example.com" || d.Mx[0].Priority != 10 {
		t.Errorf("Mx[0] = %+v, want mx1.example.com/10 first", d.Mx[0])
	}
	if !d.Mx[0].MX || !d.Mx[1].MX {
		t.Error("entries from MX RRs must have MX=true")
	}
}

func TestResolveMX_FallbackToA(t *testing.T) {
	d := NewDelivery("example.com")
	d.DecodedDomain = "example.com"
	d.DnsOptions.Resolver = &fakeResolver{
		mx: func(ctx context.Context, name string) ([]MxRecord, error) {
			return nil, notFoundErr(name)
		},
		ip: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return []net.IPAddr{{IP: net.ParseIP("203.0.113.1")}}, nil
		},
	}

	if err := resolveMX(context.Background(), d); err != nil {
		t.Fatalf("resolveMX: %v", err)
	}
	if len(d.Mx) != 1 {
		t.Fatalf("len(Mx) = %d, want 1", len(d.Mx))
	}
	entry := d.Mx[0]
	if entry.MX {
		t.Error("fallback entry must have MX=false")
	}
	if entry.Priority != 0 {
		t.Errorf("fallback entry priority = %d, want 0", entry.Priority)
	}
	if len(entry.A) != 1 || entry.A[0] != "203.0.113.1" {
		t.Errorf("fallback entry A = %v, want [203.0.113.1]", entry.A)
	}
}

// TestResolveMX_FallbackToARejectsLocalWhenBlocked guards against the A/AAAA
// fallback path ignoring DnsOptions.BlockLocalAddresses (it must behave the
// same as the IP-resolver path, which threads the flag through).
func TestResolveMX_FallbackToARejectsLocalWhenBlocked(t *testing.T) {
	d := NewDelivery("example.com")
	d.DecodedDomain = "example.com"
	d.DnsOptions.BlockLocalAddresses = true
	d.DnsOptions.Resolver = &fakeResolver{
		mx: func(ctx context.Context, name string) ([]MxRecord, error) {
			return nil, notFoundErr(name)
		},
		ip: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil
		},
	}

	err := resolveMX(context.Background(), d)
	if err == nil {
		t.Fatal("expected the loopback fallback address to be rejected when BlockLocalAddresses is set")
	}
}

func TestResolveMX_ServfailIsFatal(t *testing.T) {
	d := NewDelivery("example.com")
	d.DecodedDomain = "example.com"
	d.DnsOptions.Resolver = &fakeResolver{
		mx: func(ctx context.Context, name string) ([]MxRecord, error) {
			return nil, servfailErr(name)
		},
	}

	err := resolveMX(context.Background(), d)
	if err == nil {
		t.Fatal("expected SERVFAIL to be fatal")
	}
	mxErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if mxErr.Category != CategoryDNS {
		t.Errorf("category = %q, want dns", mxErr.Category)
	}
	if !mxErr.Temporary() {
		t.Error("SERVFAIL must be marked temporary")
	}
}

func TestResolveMX_NoRecordsAnywhere(t *testing.T) {
	d := NewDelivery("example.com")
	d.DecodedDomain = "example.com"
	d.DnsOptions.Resolver = &fakeResolver{
		mx: func(ctx context.Context, name string) ([]MxRecord, error) {
			return nil, notFoundErr(name)
		},
		ip: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return nil, notFoundErr(host)
		},
	}

	err := resolveMX(context.Background(), d)
	if err == nil {
		t.Fatal("expected an error when no MX, A, or AAAA exist")
	}
	mxErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if mxErr.Code != "ENOTFOUND" {
		t.Errorf("code = %q, want ENOTFOUND", mxErr.Code)
	}
}

func TestResolveMX_IPLiteralSynthesizesEntry(t *testing.T) {
	d := NewDelivery("203.0.113.7")
	d.IsIP = true
	d.DecodedDomain = "203.0.113.7"

	if err := resolveMX(context.Background(), d); err != nil {
		t.Fatalf("resolveMX: %v", err)
	}
	if len(d.Mx) != 1 {
		t.Fatalf("len(Mx) = %d, want 1", len(d.Mx))
	}
	if len(d.Mx[0].A) != 1 || d.Mx[0].A[0] != "203.0.113.7" {
		t.Errorf("Mx[0].A = %v, want [203.0.113.7]", d.Mx[0].A)
	}
}
