package mxconnect

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/google/go-cmp/cmp"
	mxdns "github.com/zone-eu/mx-connect/framework/dns"
)

func TestResolveDane_BuildsVerifierFromResolvedRecords(t *testing.T) {
	d := NewDelivery("example.com")
	d.Port = 25
	d.Mx = []MxEntry{{Exchange: "mx1.example.com", Priority: 10}}
	d.Dane = DaneConfig{Enabled: true, ResolveTlsa: true, DisableVerify: false, Logger: d.Logger}
	d.DnsOptions.Resolver = &fakeResolver{
		tlsa: func(ctx context.Context, service, network, domain string) ([]mxdns.TLSA, error) {
			return []mxdns.TLSA{{
				Usage:        TLSAUsageDANEEE,
				Selector:     TLSASelectorFull,
				MatchingType: TLSAMatchSHA256,
				Certificate:  hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
			}}, nil
		},
	}

	if err := resolveDane(context.Background(), d); err != nil {
		t.Fatalf("resolveDane: %v", err)
	}
	if len(d.Mx[0].TlsaRecords) != 1 {
		t.Fatalf("TlsaRecords = %v, want one record", d.Mx[0].TlsaRecords)
	}

	want := TlsaRecord{
		Usage:         TLSAUsageDANEEE,
		Selector:      TLSASelectorFull,
		MatchingType:  TLSAMatchSHA256,
		CertAssocData: []byte("0123456789abcdef0123456789abcdef"),
	}
	if diff := cmp.Diff(want, d.Mx[0].TlsaRecords[0]); diff != "" {
		t.Errorf("resolved TlsaRecord mismatch (-want +got):\n%s", diff)
	}

	if d.Mx[0].daneVerifier == nil {
		t.Fatal("expected a verifier closure to be attached")
	}
}

func TestResolveDane_NotFoundIsNotAnError(t *testing.T) {
	d := NewDelivery("example.com")
	d.Mx = []MxEntry{{Exchange: "mx1.example.com", Priority: 10}}
	d.Dane = DaneConfig{Enabled: true, ResolveTlsa: true, DisableVerify: false, Logger: d.Logger}
	d.DnsOptions.Resolver = &fakeResolver{
		tlsa: func(ctx context.Context, service, network, domain string) ([]mxdns.TLSA, error) {
			return nil, notFoundErr(domain)
		},
	}

	if err := resolveDane(context.Background(), d); err != nil {
		t.Fatalf("resolveDane: %v, want nil for NODATA/NXDOMAIN", err)
	}
	if d.Mx[0].DaneLookupFailed {
		t.Error("NODATA/NXDOMAIN must not set DaneLookupFailed")
	}
}

func TestResolveDane_LookupErrorWithVerifyTrueMarksFailed(t *testing.T) {
	d := NewDelivery("example.com")
	d.Mx = []MxEntry{{Exchange: "mx1.example.com", Priority: 10}}
	d.Dane = DaneConfig{Enabled: true, ResolveTlsa: true, DisableVerify: false, Logger: d.Logger}
	d.DnsOptions.Resolver = &fakeResolver{
		tlsa: func(ctx context.Context, service, network, domain string) ([]mxdns.TLSA, error) {
			return nil, servfailErr(domain)
		},
	}

	if err := resolveDane(context.Background(), d); err != nil {
		t.Fatalf("resolveDane itself should not fail: %v", err)
	}
	if !d.Mx[0].DaneLookupFailed {
		t.Error("expected DaneLookupFailed=true after a non-NXDOMAIN lookup error with verify=true")
	}
	if d.Mx[0].DaneLookupError == nil {
		t.Error("expected DaneLookupError to be captured")
	}
}

func TestResolveDane_LookupErrorWithVerifyFalseIsSilent(t *testing.T) {
	d := NewDelivery("example.com")
	d.Mx = []MxEntry{{Exchange: "mx1.example.com", Priority: 10}}
	d.Dane = DaneConfig{Enabled: true, ResolveTlsa: true, DisableVerify: true, Logger: d.Logger}
	d.DnsOptions.Resolver = &fakeResolver{
		tlsa: func(ctx context.Context, service, network, domain string) ([]mxdns.TLSA, error) {
			return nil, servfailErr(domain)
		},
	}

	if err := resolveDane(context.Background(), d); err != nil {
		t.Fatalf("resolveDane: %v", err)
	}
	if d.Mx[0].DaneLookupFailed {
		t.Error("verify=false must silently ignore lookup errors")
	}
}

func TestResolveDane_SkipsEntriesWithCallerSuppliedRecords(t *testing.T) {
	d := NewDelivery("example.com")
	d.Mx = []MxEntry{{
		Exchange:    "mx1.example.com",
		Priority:    10,
		TlsaRecords: []TlsaRecord{{Usage: TLSAUsageDANEEE, MatchingType: TLSAMatchSHA256}},
	}}
	d.Dane = DaneConfig{Enabled: true, ResolveTlsa: true, DisableVerify: false, Logger: d.Logger}
	d.DnsOptions.Resolver = &fakeResolver{
		tlsa: func(ctx context.Context, service, network, domain string) ([]mxdns.TLSA, error) {
			t.Fatal("resolver must not be queried when records are already supplied")
			return nil, nil
		},
	}

	if err := resolveDane(context.Background(), d); err != nil {
		t.Fatalf("resolveDane: %v", err)
	}
}
