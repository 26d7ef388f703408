package mxconnect

import (
	"context"
	"crypto/x509"
	"net"
	"time"

	"github.com/zone-eu/mx-connect/framework/log"
)

// TlsaRecord mirrors one DANE TLSA resource record (RFC 6698 §2.1).
type TlsaRecord struct {
	Usage         uint8
	Selector      uint8
	MatchingType  uint8
	CertAssocData []byte
}

// DANE usage values.
const (
	TLSAUsagePKIXTA = 0
	TLSAUsagePKIXEE = 1
	TLSAUsageDANETA = 2
	TLSAUsageDANEEE = 3
)

// DANE selector values.
const (
	TLSASelectorFull = 0
	TLSASelectorSPKI = 1
)

// DANE matching-type values.
const (
	TLSAMatchFull   = 0
	TLSAMatchSHA256 = 1
	TLSAMatchSHA512 = 2
)

// PolicyMatch is the outcome of validating one MX host against a fetched
// MTA-STS policy (§4.4).
type PolicyMatch struct {
	Valid   bool
	Mode    string
	Testing bool
}

// DANEVerifier verifies a peer certificate chain against the TLSA records
// resolved for the MX host it is attached to. Callers invoke it once the
// TLS handshake supplies a certificate (the handshake itself is out of
// scope for this module, per spec §1).
type DANEVerifier func(hostname string, chain []*x509.Certificate) error

// MxEntry represents one named mail host, the candidate-generation unit of
// the pipeline (§3).
type MxEntry struct {
	Exchange string
	Priority uint16

	// MX is true if this entry came from an MX resource record, false if it
	// was synthesized from the RFC 5321 §5.1 A/AAAA fallback.
	MX bool

	A    []string
	AAAA []string

	PolicyMatch *PolicyMatch

	TlsaRecords      []TlsaRecord
	DaneLookupFailed bool
	DaneLookupError  error
	daneVerifier     DANEVerifier
}

// Connection is the pipeline's final output: an established TCP socket plus
// the per-host verification material the caller's TLS/SMTP layer needs.
type Connection struct {
	Socket net.Conn

	Hostname string
	Host     string
	Port     uint16

	LocalAddress  net.IP
	LocalHostname string
	LocalPort     int

	DaneEnabled  bool
	DaneVerifier DANEVerifier
	TlsaRecords  []TlsaRecord
	RequireTLS   bool

	PolicyMatch *PolicyMatch
}

// DnsConfig groups the resolver-affecting toggles of §3.
type DnsConfig struct {
	IgnoreIPv6          bool
	PreferIPv6          bool
	BlockLocalAddresses bool
	Resolver            Resolver
}

// PolicyCache is the pluggable MTA-STS policy store (§6): Get returns the
// cached policy (or nil if absent/expired), Set stores a freshly-fetched
// one. Implementations own TTL/eviction.
type PolicyCache interface {
	Get(ctx context.Context, domain string) (*MtaStsPolicy, error)
	Set(ctx context.Context, domain string, policy *MtaStsPolicy) error
}

// PolicyFetcher is the pluggable MTA-STS fetch/validate collaborator (§6).
// It is handed the cached policy (possibly nil) and must return the
// current policy plus a status string ("cached", "fetched", "none").
type PolicyFetcher interface {
	Fetch(ctx context.Context, domain string, cached *MtaStsPolicy, resolver Resolver) (policy *MtaStsPolicy, status string, err error)
}

// MtaStsPolicy is the parsed form of an RFC 8461 policy document.
type MtaStsPolicy struct {
	Mode string // "enforce", "testing", or "none"
	MX   []string
}

// Match reports whether mxHost is authorized to receive mail for this
// policy's domain, per RFC 8461 §4.1 (wildcard-prefixed patterns match one
// label).
func (p *MtaStsPolicy) Match(mxHost string) bool {
	if p == nil {
		return true
	}
	for _, pattern := range p.MX {
		if matchMXPattern(pattern, mxHost) {
			return true
		}
	}
	return false
}

// MtaStsConfig groups the MTA-STS toggles of §3.
type MtaStsConfig struct {
	Enabled bool
	Logger  log.Logger
	Cache   PolicyCache
	Fetcher PolicyFetcher
	policy  *MtaStsPolicy
}

// DaneConfig groups the DANE toggles of §3.
type DaneConfig struct {
	Enabled     bool
	ResolveTlsa bool
	Logger      log.Logger
	// DisableVerify, when true, skips certificate verification against the
	// resolved TLSA records but still requires TLS (the verifier closure
	// always returns success). Verification is enabled by default (§3:
	// "verify (default true)"); the zero value of this struct must not
	// silently disable it, hence the inverted sense.
	DisableVerify bool
}

// Verify reports whether certificate verification against resolved TLSA
// records is enabled -- true unless the caller explicitly opted out.
func (c DaneConfig) Verify() bool {
	return !c.DisableVerify
}

// ConnectHook runs just before the TCP attempt (§4.7 step 5). If it sets
// ConnectOptions.Socket, that socket is adopted in place of a direct dial
// (SOCKS/Tor diversion); any returned error is fatal to the whole call.
type ConnectHook func(ctx context.Context, delivery *Delivery, options *ConnectOptions) error

// ConnectErrorNotifier is a best-effort, fire-and-forget callback invoked on
// every retryable per-host failure (§6).
type ConnectErrorNotifier func(err error, delivery *Delivery, options *ConnectOptions)

// ConnectOptions is the per-candidate connect descriptor assembled in §4.7
// step 2.
type ConnectOptions struct {
	Host          string
	Port          uint16
	LocalAddress  net.IP
	LocalHostname string

	// Socket, if set by a ConnectHook, is adopted instead of dialing.
	Socket net.Conn
}

// Delivery is the value threaded through the pipeline (§3). It is
// constructed once per Connect call and discarded with the result.
type Delivery struct {
	Domain        string
	DecodedDomain string
	IsIP          bool
	IsPunycode    bool
	Port          uint16

	Mx []MxEntry

	DnsOptions DnsConfig

	LocalAddress      net.IP
	LocalHostname     string
	LocalAddressIPv4  net.IP
	LocalAddressIPv6  net.IP
	LocalHostnameIPv4 string
	LocalHostnameIPv6 string

	MaxConnectTime time.Duration

	IgnoreMXHosts map[string]struct{}
	MxLastError   error

	ConnectHook  ConnectHook
	ConnectError ConnectErrorNotifier

	MtaSts MtaStsConfig
	Dane   DaneConfig

	Logger log.Logger
}

// NewDelivery seeds a Delivery with the spec's defaults: port 25, a 5 minute
// per-host connect timeout, and a DANE verify-by-default posture (the zero
// value of DaneConfig already verifies; see DaneConfig.DisableVerify).
func NewDelivery(target string) *Delivery {
	return &Delivery{
		Domain:         target,
		Port:           25,
		MaxConnectTime: 5 * time.Minute,
		DnsOptions:     DnsConfig{},
		Logger:         log.Logger{Out: log.NopOutput{}},
	}
}
