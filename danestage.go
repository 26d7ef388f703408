package mxconnect

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"

	mxdns "github.com/zone-eu/mx-connect/framework/dns"
	"github.com/zone-eu/mx-connect/framework/future"
)

// resolveDane implements §4.6a: for each MxEntry lacking caller-supplied
// TlsaRecords, query "_<port>._tcp.<exchange>" for TLSA records, all in
// parallel, then build a verifier closure for any entry that ends up with
// at least one usable record.
func resolveDane(ctx context.Context, d *Delivery) error {
	if !d.Dane.Enabled {
		return nil
	}

	resolver := d.DnsOptions.Resolver
	port := strconv.Itoa(int(d.Port))

	type pending struct {
		idx    int
		future *future.Future
	}
	var pendings []pending

	for i := range d.Mx {
		entry := &d.Mx[i]
		if len(entry.TlsaRecords) > 0 {
			// Caller already supplied records for this host: no lookup, but
			// the verifier is still built from them.
			entry.daneVerifier = buildDANEVerifier(entry.TlsaRecords, d.Dane.Verify(), d.Dane.Logger)
			continue
		}
		if !d.Dane.ResolveTlsa {
			continue
		}

		host := entry.Exchange
		fut := future.New()
		go func() {
			recs, err := resolver.LookupTLSA(ctx, port, "tcp", host)
			fut.Set(recs, err)
		}()
		pendings = append(pendings, pending{i, fut})
	}

	for _, p := range pendings {
		val, err := p.future.GetContext(ctx)
		entry := &d.Mx[p.idx]

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Cancellation is not a DANE lookup failure -- surface it as
				// the caller's own network-category error (§5).
				return &Error{
					Message:   "dane lookup for " + entry.Exchange + " canceled",
					Code:      "ECANCELED",
					Category:  CategoryNetwork,
					temporary: true,
					Err:       err,
				}
			}
			if isNotFoundDNS(err) {
				// NODATA/NXDOMAIN: no DANE for this host, not an error.
				continue
			}
			if !d.Dane.Verify() {
				// verify=false: DANE lookup failures are silently ignored.
				continue
			}
			entry.DaneLookupFailed = true
			entry.DaneLookupError = err
			d.Dane.Logger.Msg("dane", "action", "dane", "success", false, "host", entry.Exchange, "reason", err.Error())
			continue
		}

		rawRecs := val.([]mxdns.TLSA)
		if len(rawRecs) == 0 {
			continue
		}

		records := make([]TlsaRecord, 0, len(rawRecs))
		for _, r := range rawRecs {
			data, decErr := hex.DecodeString(r.Certificate)
			if decErr != nil {
				continue
			}
			records = append(records, TlsaRecord{
				Usage:         r.Usage,
				Selector:      r.Selector,
				MatchingType:  r.MatchingType,
				CertAssocData: data,
			})
		}
		if len(records) == 0 {
			continue
		}

		entry.TlsaRecords = records
		entry.daneVerifier = buildDANEVerifier(records, d.Dane.Verify(), d.Dane.Logger)
	}

	return nil
}
