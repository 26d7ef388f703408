package mxconnect

import (
	"net"
	"testing"
)

func TestIsInvalid(t *testing.T) {
	cases := []struct {
		name       string
		ip         string
		blockLocal bool
		wantReject bool
	}{
		{"malformed", "not-an-ip", false, true},
		{"unspecified-v4", "0.0.0.0", false, true},
		{"broadcast", "255.255.255.255", false, true},
		{"public-v4-allowed-by-default", "203.0.113.1", false, false},
		{"loopback-allowed-when-not-blocking", "127.0.0.1", false, false},
		{"loopback-rejected-when-blocking", "127.0.0.1", true, true},
		{"private-rejected-when-blocking", "10.1.2.3", true, true},
		{"private-allowed-by-default", "10.1.2.3", false, false},
		{"public-v4-allowed-when-blocking", "203.0.113.1", true, false},
		{"link-local-v6-rejected-when-blocking", "fe80::1", true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := isInvalid(tc.ip, tc.blockLocal)
			if tc.wantReject && msg == "" {
				t.Errorf("isInvalid(%q, %v) = \"\", want a rejection reason", tc.ip, tc.blockLocal)
			}
			if !tc.wantReject && msg != "" {
				t.Errorf("isInvalid(%q, %v) = %q, want no rejection", tc.ip, tc.blockLocal, msg)
			}
		})
	}
}

func TestIsLocal_MatchesUnspecified(t *testing.T) {
	if !isLocal(net.ParseIP("0.0.0.0")) {
		t.Error("0.0.0.0 should always be treated as a local address")
	}
}
