package mxconnect

import (
	"context"
	"net"
	"sort"
	"strconv"
)

const maxCandidates = 20

// candidate is one (hostname, IP, family) triple produced by flattening the
// MX set -- the unit of retry in the connect loop (§4.7, GLOSSARY).
type candidate struct {
	hostname string
	ip       string
	priority uint16
	ipv4     bool
	ipv6     bool

	policyMatch  *PolicyMatch
	tlsaRecords  []TlsaRecord
	daneVerifier DANEVerifier

	daneLookupFailed bool
	daneLookupError  error
}

// flattenCandidates implements the Flatten/Filter/Sort/Cap steps of §4.7.
func flattenCandidates(d *Delivery) (candidates []candidate, anyExistedBeforeFilter bool) {
	seen := make(map[string]struct{})

	for _, entry := range d.Mx {
		for _, ip := range entry.A {
			if _, dup := seen[ip]; dup {
				continue
			}
			seen[ip] = struct{}{}
			candidates = append(candidates, candidate{
				hostname:         entry.Exchange,
				ip:               ip,
				priority:         entry.Priority,
				ipv4:             true,
				policyMatch:      entry.PolicyMatch,
				tlsaRecords:      entry.TlsaRecords,
				daneVerifier:     entry.daneVerifier,
				daneLookupFailed: entry.DaneLookupFailed,
				daneLookupError:  entry.DaneLookupError,
			})
		}
		for _, ip := range entry.AAAA {
			if _, dup := seen[ip]; dup {
				continue
			}
			seen[ip] = struct{}{}
			candidates = append(candidates, candidate{
				hostname:         entry.Exchange,
				ip:               ip,
				priority:         entry.Priority,
				ipv6:             true,
				policyMatch:      entry.PolicyMatch,
				tlsaRecords:      entry.TlsaRecords,
				daneVerifier:     entry.daneVerifier,
				daneLookupFailed: entry.DaneLookupFailed,
				daneLookupError:  entry.DaneLookupError,
			})
		}
	}

	anyExistedBeforeFilter = len(candidates) > 0

	if len(d.IgnoreMXHosts) > 0 {
		filtered := candidates[:0]
		for _, c := range candidates {
			if _, ignored := d.IgnoreMXHosts[c.ip]; ignored {
				continue
			}
			filtered = append(filtered, c)
		}
		candidates = filtered
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		if d.DnsOptions.PreferIPv6 {
			return candidates[i].ipv6 && !candidates[j].ipv6
		}
		return false
	})

	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	return candidates, anyExistedBeforeFilter
}

// connectLoop implements the Try loop of §4.7: candidates are attempted
// strictly sequentially, never two sockets open at once.
func connectLoop(ctx context.Context, d *Delivery) (*Connection, error) {
	candidates, anyExisted := flattenCandidates(d)

	if len(candidates) == 0 {
		if anyExisted {
			if d.MxLastError != nil {
				return nil, d.MxLastError
			}
			return nil, &Error{
				Message:   "no candidates left after filtering",
				Code:      "ENOCANDIDATES",
				Category:  CategoryNetwork,
				temporary: true,
			}
		}
		return nil, &Error{
			Message:   "no MX servers found",
			Code:      "ENOTFOUND",
			Category:  CategoryDNS,
			temporary: false,
		}
	}

	var firstRetryableErr error

	for _, c := range candidates {
		conn, err := attemptCandidate(ctx, d, c)
		if err == nil {
			return conn, nil
		}

		if fatalConnectErr, isFatal := err.(*fatalHookError); isFatal {
			return nil, fatalConnectErr.cause
		}

		if d.ConnectError != nil {
			opts := buildConnectOptions(d, c)
			d.ConnectError(err, d, &opts)
		}
		if firstRetryableErr == nil {
			firstRetryableErr = err
		}
	}

	if firstRetryableErr != nil {
		return nil, firstRetryableErr
	}
	return nil, &Error{
		Message:   "unable to establish connection",
		Code:      "ECONNFAILED",
		Category:  CategoryNetwork,
		temporary: true,
	}
}

// fatalHookError marks an error from a ConnectHook: it aborts the whole
// attempt rather than trying the next candidate (§4.7 step 5).
type fatalHookError struct {
	cause error
}

func (e *fatalHookError) Error() string { return e.cause.Error() }
func (e *fatalHookError) Unwrap() error { return e.cause }

func buildConnectOptions(d *Delivery, c candidate) ConnectOptions {
	opts := ConnectOptions{
		Host: c.ip,
		Port: d.Port,
	}

	localAddr := d.LocalAddress
	localHostname := d.LocalHostname
	if c.ipv4 && d.LocalAddressIPv4 != nil {
		localAddr = d.LocalAddressIPv4
	} else if c.ipv6 && d.LocalAddressIPv6 != nil {
		localAddr = d.LocalAddressIPv6
	}
	if c.ipv4 && d.LocalHostnameIPv4 != "" {
		localHostname = d.LocalHostnameIPv4
	} else if c.ipv6 && d.LocalHostnameIPv6 != "" {
		localHostname = d.LocalHostnameIPv6
	}

	if localAddr != nil && localAddr.String() != c.ip {
		opts.LocalAddress = localAddr
	}
	opts.LocalHostname = localHostname

	return opts
}

// attemptCandidate runs steps 1-7 of §4.7 for a single candidate.
func attemptCandidate(ctx context.Context, d *Delivery, c candidate) (*Connection, error) {
	opts := buildConnectOptions(d, c)

	// MTA-STS gate (step 3).
	if c.policyMatch != nil && !c.policyMatch.Valid && !c.policyMatch.Testing {
		d.MtaSts.Logger.Msg("mta-sts", "action", "mta-sts", "success", false, "host", c.hostname, "mode", c.policyMatch.Mode)
		return nil, &Error{
			Message:   "MX host does not match MTA-STS policy: " + c.hostname,
			Code:      "ESTSPOLICY",
			Category:  CategoryPolicy,
			temporary: true,
		}
	}
	if c.policyMatch != nil {
		d.MtaSts.Logger.DebugMsg("mta-sts", "action", "mta-sts", "success", true, "host", c.hostname, "testing", c.policyMatch.Testing)
	}

	// DANE-lookup gate (step 4, §4.6 "Pre-connect gate").
	if c.daneLookupFailed && d.Dane.Verify() {
		return nil, &Error{
			Message:   "DANE TLSA lookup failed for " + c.hostname,
			Code:      "EDANELOOKUP",
			Category:  CategoryDANE,
			temporary: true,
			Err:       c.daneLookupError,
		}
	}

	// Pre-connect hook (step 5).
	if d.ConnectHook != nil {
		if err := d.ConnectHook(ctx, d, &opts); err != nil {
			return nil, &fatalHookError{cause: err}
		}
		if opts.Socket != nil {
			return finishConnection(d, c, opts, opts.Socket)
		}
	}

	// TCP connect (step 6).
	socket, err := dialCandidate(ctx, d, opts)
	if err != nil {
		return nil, &Error{
			Message:   "failed to connect to " + c.ip + ": " + err.Error(),
			Code:      connectErrCode(err),
			Category:  CategoryNetwork,
			temporary: true,
			Err:       err,
		}
	}

	return finishConnection(d, c, opts, socket)
}

// dialCandidate implements the "single-winner race between connected,
// timed-out, errored" requirement of §4.7 step 6 and §9: context.WithTimeout
// plus net.Dialer.DialContext already gives exactly one winner among
// {connected, timed-out, errored} and guarantees the loser's socket (if any)
// is never handed back, since DialContext either returns a live net.Conn or
// no connection was ever established.
func dialCandidate(ctx context.Context, d *Delivery, opts ConnectOptions) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.MaxConnectTime)
	defer cancel()

	dialer := &net.Dialer{}
	if opts.LocalAddress != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: opts.LocalAddress}
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(int(opts.Port)))
	return dialer.DialContext(dialCtx, "tcp", addr)
}

func connectErrCode(err error) string {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	return "ECONNREFUSED"
}

func finishConnection(d *Delivery, c candidate, opts ConnectOptions, socket net.Conn) (*Connection, error) {
	var localPort int
	var localAddr net.IP
	if tcpAddr, ok := socket.LocalAddr().(*net.TCPAddr); ok {
		localPort = tcpAddr.Port
		localAddr = tcpAddr.IP
	}

	conn := &Connection{
		Socket:        socket,
		Hostname:      c.hostname,
		Host:          c.ip,
		Port:          d.Port,
		LocalAddress:  localAddr,
		LocalHostname: opts.LocalHostname,
		LocalPort:     localPort,
		DaneEnabled:   d.Dane.Enabled && len(c.tlsaRecords) > 0,
		DaneVerifier:  c.daneVerifier,
		TlsaRecords:   c.tlsaRecords,
		RequireTLS:    len(c.tlsaRecords) > 0,
		PolicyMatch:   c.policyMatch,
	}
	recordConnectionMetrics(conn)
	return conn, nil
}
