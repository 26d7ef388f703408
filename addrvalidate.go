package mxconnect

import (
	"net"
	"sync"
)

// isInvalid implements §4.8: returns "" if ip is acceptable as a connect
// target, or a human-readable rejection reason otherwise.
func isInvalid(ipStr string, blockLocalAddresses bool) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "Failed parsing IP address range."
	}

	if ip.IsUnspecified() {
		return "IP address range is unspecified."
	}
	if isBroadcast(ip) {
		return "IP address range is broadcast."
	}

	if blockLocalAddresses {
		if ip.IsLoopback() {
			return "IP address range is loopback."
		}
		if isPrivate(ip) {
			return "IP address range is private."
		}
		if isLocal(ip) {
			return "IP address is assigned to a local interface."
		}
	}

	return ""
}

func isBroadcast(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4.Equal(net.IPv4bcast)
}

func isPrivate(ip net.IP) bool {
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(ranges ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(ranges))
	for _, r := range ranges {
		_, ipnet, err := net.ParseCIDR(r)
		if err != nil {
			panic(err)
		}
		nets = append(nets, ipnet)
	}
	return nets
}

var (
	localAddrsOnce sync.Once
	localAddrs     map[string]struct{}
)

// isLocal reports whether ip is assigned to one of this host's network
// interfaces, or is 0.0.0.0. The interface table is enumerated once and
// treated as an immutable snapshot for the lifetime of the process (§9
// Design Notes).
func isLocal(ip net.IP) bool {
	localAddrsOnce.Do(buildLocalAddrs)
	_, ok := localAddrs[ip.String()]
	return ok
}

func buildLocalAddrs() {
	localAddrs = map[string]struct{}{
		"0.0.0.0": {},
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		localAddrs[ipNet.IP.String()] = struct{}{}
	}
}
