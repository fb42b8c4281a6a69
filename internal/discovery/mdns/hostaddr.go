package mdns

import (
	"net"
	"net/netip"
)

// localAddressFor walks the local interfaces and returns the address whose
// netmask-masked prefix matches peer's masked address — the Go equivalent
// of getHostAddr's getifaddrs walk in SDServerClient.cc. Returns the zero
// Addr if no interface matches.
func localAddressFor(peer netip.Addr) netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip4)
			if !ok {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			prefix := netip.PrefixFrom(addr, ones)
			if prefix.Masked().Addr() == netip.PrefixFrom(peer, ones).Masked().Addr() {
				return addr
			}
		}
	}
	return netip.Addr{}
}
