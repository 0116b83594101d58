package access

import (
	"net"
)

// AnonymizeIP truncates an address to its network prefix: IPv4 keeps the
// first 24 bits, IPv6 the first 48. Invalid input yields "".
func AnonymizeIP(addr string) string {
	if addr == "" {
		return ""
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}
