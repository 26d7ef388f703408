package mxconnect

import (
	"context"
	"net"
	"testing"
	"time"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return l
}

func candidateFor(t *testing.T, l net.Listener) (host string, port uint16) {
	t.Helper()
	tcpAddr := l.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

func TestConnectLoop_ConnectsToFirstCandidate(t *testing.T) {
	l := listenLoopback(t)
	host, port := candidateFor(t, l)

	d := NewDelivery(host)
	d.Port = port
	d.MaxConnectTime = 2 * time.Second
	d.Mx = []MxEntry{{Exchange: host, Priority: 10, A: []string{host}}}

	conn, err := connectLoop(context.Background(), d)
	if err != nil {
		t.Fatalf("connectLoop: %v", err)
	}
	defer conn.Socket.Close()

	if conn.Host != host {
		t.Errorf("Host = %q, want %q", conn.Host, host)
	}
}

func TestConnectLoop_SkipsDeadFirstCandidate(t *testing.T) {
	l := listenLoopback(t)
	goodHost, goodPort := candidateFor(t, l)

	// The port is shared by every candidate and flattening dedups by IP, so
	// the dead candidate needs its own address: nothing listens on
	// 127.0.0.2 at goodPort.
	deadHost := "127.0.0.2"

	d := NewDelivery(goodHost)
	d.Port = goodPort
	d.MaxConnectTime = 2 * time.Second
	d.Mx = []MxEntry{
		{Exchange: deadHost, Priority: 10, A: []string{deadHost}},
		{Exchange: goodHost, Priority: 20, A: []string{goodHost}},
	}

	conn, err := connectLoop(context.Background(), d)
	if err != nil {
		t.Fatalf("connectLoop: %v", err)
	}
	defer conn.Socket.Close()

	if conn.Host != goodHost {
		t.Errorf("Host = %q, want the surviving candidate %q", conn.Host, goodHost)
	}
}

func TestConnectLoop_AllCandidatesFail(t *testing.T) {
	deadL, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadHost, deadPort := candidateFor(t, deadL)
	deadL.Close()

	d := NewDelivery(deadHost)
	d.Port = deadPort
	d.MaxConnectTime = 2 * time.Second
	d.Mx = []MxEntry{{Exchange: deadHost, Priority: 10, A: []string{deadHost}}}

	_, err = connectLoop(context.Background(), d)
	if err == nil {
		t.Fatal("expected an error when every candidate fails")
	}
}

func TestConnectLoop_NoCandidatesNoMxEver(t *testing.T) {
	d := NewDelivery("example.com")
	d.Mx = nil

	_, err := connectLoop(context.Background(), d)
	if err == nil {
		t.Fatal("expected an error with zero MX entries")
	}
	mxErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if mxErr.Code != "ENOTFOUND" {
		t.Errorf("code = %q, want ENOTFOUND", mxErr.Code)
	}
}

func TestConnectLoop_IgnoreMXHostsEmptiesSetUsesMxLastError(t *testing.T) {
	d := NewDelivery("example.com")
	d.Mx = []MxEntry{{Exchange: "mx1.example.com", Priority: 10, A: []string{"203.0.113.1"}}}
	d.IgnoreMXHosts = map[string]struct{}{"203.0.113.1": {}}
	d.MxLastError = &Error{Message: "previously blacklisted", Code: "EBLACKLIST", Category: CategoryNetwork, temporary: true}

	_, err := connectLoop(context.Background(), d)
	if err != d.MxLastError {
		t.Errorf("expected MxLastError to be surfaced, got %v", err)
	}
}

func TestConnectLoop_FatalHookErrorAbortsImmediately(t *testing.T) {
	l := listenLoopback(t)
	host, port := candidateFor(t, l)

	attempts := 0
	hookErr := fetchErr{}

	d := NewDelivery(host)
	d.Port = port
	d.MaxConnectTime = 2 * time.Second
	d.Mx = []MxEntry{
		{Exchange: host, Priority: 10, A: []string{host}},
		{Exchange: host, Priority: 20, A: []string{"203.0.113.250"}},
	}
	d.ConnectHook = func(ctx context.Context, delivery *Delivery, opts *ConnectOptions) error {
		attempts++
		return hookErr
	}

	_, err := connectLoop(context.Background(), d)
	if err == nil {
		t.Fatal("expected the hook error to propagate")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1 (no retry after a fatal hook error)", attempts)
	}
}

func TestFlattenCandidates_DedupsAndCaps(t *testing.T) {
	d := NewDelivery("example.com")
	entries := make([]MxEntry, 0, 25)
	for i := 0; i < 25; i++ {
		entries = append(entries, MxEntry{
			Exchange: "mx.example.com",
			Priority: uint16(i),
			A:        []string{"203.0.113.1"}, // same IP every time -- dedup should collapse to one
		})
	}
	entries = append(entries, MxEntry{Exchange: "other.example.com", Priority: 1, A: []string{"203.0.113.2"}})
	for i := 0; i < 25; i++ {
		entries = append(entries, MxEntry{
			Exchange: "many.example.com",
			Priority: 30,
			A:        []string{net.IPv4(198, 51, 100, byte(i+1)).String()}, // distinct IPs -- only the cap can trim these
		})
	}
	d.Mx = entries

	candidates, anyExisted := flattenCandidates(d)
	if !anyExisted {
		t.Fatal("anyExisted should be true")
	}
	if len(candidates) > maxCandidates {
		t.Errorf("len(candidates) = %d, want <= %d", len(candidates), maxCandidates)
	}
	seen := map[string]bool{}
	for _, c := range candidates {
		if seen[c.ip] {
			t.Errorf("duplicate candidate IP %q", c.ip)
		}
		seen[c.ip] = true
	}
}

func TestAttemptCandidate_MtaStsInvalidNonTestingIsRetryable(t *testing.T) {
	d := NewDelivery("example.com")
	d.Mx = []MxEntry{{Exchange: "mx1.example.com", Priority: 10}}
	d.MtaSts.Logger = d.Logger

	c := candidate{
		hostname:    "mx1.example.com",
		ip:          "203.0.113.1",
		policyMatch: &PolicyMatch{Valid: false, Mode: "enforce", Testing: false},
	}

	_, err := attemptCandidate(context.Background(), d, c)
	if err == nil {
		t.Fatal("expected an error for an MTA-STS-invalid, non-testing host")
	}
	mxErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if mxErr.Category != CategoryPolicy {
		t.Errorf("category = %q, want policy", mxErr.Category)
	}
}

func TestAttemptCandidate_DaneLookupFailedGate(t *testing.T) {
	d := NewDelivery("example.com")
	// DisableVerify defaults to false: DANE verification is on by default.

	c := candidate{
		hostname:         "mx1.example.com",
		ip:               "203.0.113.1",
		daneLookupFailed: true,
		daneLookupError:  fetchErr{},
	}

	_, err := attemptCandidate(context.Background(), d, c)
	if err == nil {
		t.Fatal("expected an error when DANE lookup failed and verify=true")
	}
	mxErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if mxErr.Category != CategoryDANE {
		t.Errorf("category = %q, want dane", mxErr.Category)
	}
}
