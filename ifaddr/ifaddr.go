// Package ifaddr enumerates the addresses this host can be reached on.
package ifaddr

import (
	"fmt"
	"net"
	"sort"

	"github.com/wlynxg/anet"
)

// Enumerator returns the current set of reachable addresses.
type Enumerator func() ([]net.IP, error)

// Addresses returns every interface address usable for inbound RPC:
// loopback, unspecified and link-local addresses are skipped. The result is
// read fresh from the host on every call and sorted for stable output.
func Addresses() ([]net.IP, error) {
	addrs, err := anet.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("ifaddr: listing interface addresses: %w", err)
	}
	return filter(addrs), nil
}

func filter(addrs []net.Addr) []net.IP {
	seen := make(map[string]struct{}, len(addrs))
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}
		if !Usable(ip) {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		key := ip.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		return ips[i].String() < ips[j].String()
	})
	return ips
}

// Usable reports whether ip can be advertised to peers.
func Usable(ip net.IP) bool {
	return ip != nil &&
		!ip.IsLoopback() &&
		!ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() &&
		!ip.IsMulticast()
}

// Static returns an Enumerator that always yields ips.
func Static(ips ...net.IP) Enumerator {
	return func() ([]net.IP, error) {
		out := make([]net.IP, len(ips))
		copy(out, ips)
		return out, nil
	}
}
