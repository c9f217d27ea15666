// Package netiface enumerates and filters the network interfaces the
// transport joins the mDNS multicast groups on. It is the boundary
// adapter spec §6 treats as external: the protocol core only ever sees
// the list this package hands it.
package netiface

import "net"

// Default returns every interface eligible for mDNS multicast per spec
// §6: up, multicast-capable, and neither loopback nor point-to-point.
func Default() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	return Filter(all, Eligible), nil
}

// Eligible is the predicate Default applies to every system interface.
func Eligible(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 {
		return false
	}
	if iface.Flags&net.FlagMulticast == 0 {
		return false
	}
	if iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	if iface.Flags&net.FlagPointToPoint != 0 {
		return false
	}
	return true
}

// Filter applies pred to ifaces and returns the matching subset,
// preserving order.
func Filter(ifaces []net.Interface, pred func(net.Interface) bool) []net.Interface {
	out := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if pred(iface) {
			out = append(out, iface)
		}
	}
	return out
}

// ExcludingVirtual additionally drops common VPN and container-bridge
// interfaces (utun/tun/ppp/wg/tailscale/wireguard, docker0/veth*/br-*)
// that pass the base eligibility check but rarely carry a useful mDNS
// peer and often make multicast join fail noisily in CI/VM
// environments. Callers that want the strict spec-only filter should
// use Eligible directly; this is offered as an opt-in convenience.
func ExcludingVirtual(iface net.Interface) bool {
	if !Eligible(iface) {
		return false
	}
	return !isVirtual(iface.Name)
}

func isVirtual(name string) bool {
	vpnPrefixes := []string{"utun", "tun", "ppp", "wg", "tailscale", "wireguard"}
	for _, p := range vpnPrefixes {
		if hasPrefix(name, p) {
			return true
		}
	}
	if name == "docker0" {
		return true
	}
	bridgePrefixes := []string{"veth", "br-"}
	for _, p := range bridgePrefixes {
		if hasPrefix(name, p) {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// AddressesFor returns the unicast addresses assigned to iface.
func AddressesFor(iface net.Interface) ([]net.Addr, error) {
	return iface.Addrs()
}

// SubnetContains reports whether addr (an *net.IPNet, as returned by
// net.Interface.Addrs) contains ip. Used by the hostname registrar's
// generate-record address-selection procedure (spec §4.3) to find which
// local interface a query arrived on.
func SubnetContains(addr net.Addr, ip net.IP) bool {
	ipNet, ok := addr.(*net.IPNet)
	if !ok {
		return false
	}
	return ipNet.Contains(ip)
}
