package mxconnect

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/zone-eu/mx-connect/framework/log"
)

// buildDANEVerifier implements §4.6b: compose a verifier closure from the
// TLSA records resolved for one MX host. If verify is false, the closure
// always succeeds (but still logs), matching the "behavioral switch" of
// §4.6.
func buildDANEVerifier(records []TlsaRecord, verify bool, logger log.Logger) DANEVerifier {
	return func(hostname string, chain []*x509.Certificate) error {
		if len(records) == 0 {
			return nil
		}

		var diagnostics []string
		for _, rec := range records {
			usageLabel, ok, msg := matchTLSARecord(rec, chain)
			if ok {
				logger.DebugMsg("dane", "action", "dane", "success", true, "host", hostname, "usage", usageLabel)
				return nil
			}
			diagnostics = append(diagnostics, msg)
		}

		logger.Msg("dane", "action", "dane", "success", false, "host", hostname, "reason", strings.Join(diagnostics, "; "))

		if !verify {
			return nil
		}

		code := "DANE_VERIFICATION_FAILED"
		if len(diagnostics) == 0 {
			code = "DANE_VERIFICATION_ERROR"
		}
		return &Error{
			Message:   fmt.Sprintf("DANE verification failed for %s: %s", hostname, strings.Join(diagnostics, "; ")),
			Code:      code,
			Category:  CategoryDANE,
			temporary: false,
		}
	}
}

// usageLabel names a DANE usage value the way the verifier's success log
// and test scenarios (§8 scenario 6) expect.
func usageLabel(usage uint8) string {
	switch usage {
	case TLSAUsagePKIXTA:
		return "PKIX-TA"
	case TLSAUsagePKIXEE:
		return "PKIX-EE"
	case TLSAUsageDANETA:
		return "DANE-TA"
	case TLSAUsageDANEEE:
		return "DANE-EE"
	default:
		return "UNKNOWN"
	}
}

// matchTLSARecord implements the per-record matching algorithm of RFC
// 6698/7672 §4.6: select the comparison material by usage/selector, apply
// the matching-type transform, and compare byte-for-byte. Grounded on
// shuque/dane's ComputeTLSA/ChainMatchesTLSA.
func matchTLSARecord(rec TlsaRecord, chain []*x509.Certificate) (label string, ok bool, diagnostic string) {
	label = usageLabel(rec.Usage)

	switch rec.Usage {
	case TLSAUsageDANEEE, TLSAUsagePKIXEE:
		if len(chain) == 0 {
			return label, false, fmt.Sprintf("TLSA usage %d requires a certificate which is not available", rec.Usage)
		}
		hash, err := computeAssocData(rec.Selector, rec.MatchingType, chain[0])
		if err != nil {
			return label, false, fmt.Sprintf("%s: failed to extract/hash certificate: %v", label, err)
		}
		if bytes.Equal(hash, rec.CertAssocData) {
			return label, true, ""
		}
		return label, false, fmt.Sprintf("%s: end-entity certificate did not match", label)

	case TLSAUsageDANETA, TLSAUsagePKIXTA:
		if len(chain) < 2 {
			return label, false, fmt.Sprintf("TLSA usage %d requires certificate chain which is not available", rec.Usage)
		}
		for _, cert := range chain[1:] {
			hash, err := computeAssocData(rec.Selector, rec.MatchingType, cert)
			if err != nil {
				continue
			}
			if bytes.Equal(hash, rec.CertAssocData) {
				return label, true, ""
			}
		}
		return label, false, fmt.Sprintf("%s: no chain certificate matched", label)

	default:
		return label, false, fmt.Sprintf("unknown TLSA usage: %d", rec.Usage)
	}
}

// computeAssocData reproduces the TLSA rdata hash for cert under the given
// selector/matching-type, for comparison against a record's CertAssocData.
func computeAssocData(selector, matchingType uint8, cert *x509.Certificate) ([]byte, error) {
	var preimage []byte
	switch selector {
	case TLSASelectorFull:
		preimage = cert.Raw
	case TLSASelectorSPKI:
		preimage = cert.RawSubjectPublicKeyInfo
	default:
		return nil, fmt.Errorf("unknown TLSA selector: %d", selector)
	}

	switch matchingType {
	case TLSAMatchFull:
		return preimage, nil
	case TLSAMatchSHA256:
		sum := sha256.Sum256(preimage)
		return sum[:], nil
	case TLSAMatchSHA512:
		sum := sha512.Sum512(preimage)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unknown TLSA matching type: %d", matchingType)
	}
}
