// Package access evaluates the relay's admission policies: which client
// addresses may connect, which users may log in and which sender addresses
// they may use.
package access

import (
	"fmt"
	"net"
)

// IPList matches addresses against literal IPs and CIDR blocks
type IPList struct {
	ips  []net.IP
	nets []*net.IPNet
}

// NewIPList parses entries, each either an IP address or a CIDR block
func NewIPList(entries []string) (*IPList, error) {
	l := &IPList{}
	for _, entry := range entries {
		if ip := net.ParseIP(entry); ip != nil {
			l.ips = append(l.ips, ip)
			continue
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list entry %q: must be an IP address or CIDR block", entry)
		}
		l.nets = append(l.nets, ipnet)
	}
	return l, nil
}

// Configured reports whether the list has any entries
func (l *IPList) Configured() bool {
	return l != nil && len(l.ips)+len(l.nets) > 0
}

// Allowed reports whether ip may connect. An empty list allows everything.
func (l *IPList) Allowed(ip net.IP) bool {
	if !l.Configured() {
		return true
	}
	if ip == nil {
		return false
	}
	for _, allowed := range l.ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, ipnet := range l.nets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowedAddr is Allowed for a connection's remote address
func (l *IPList) AllowedAddr(addr net.Addr) bool {
	return l.Allowed(AddrIP(addr))
}

// AddrIP extracts the IP from a network address, or nil
func AddrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.ParseIP(addr.String())
		}
		return net.ParseIP(host)
	}
}
