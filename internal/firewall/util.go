package firewall

import "net"

// whitelistMatcher checks if an IP is in a configured whitelist.
type whitelistMatcher struct {
	nets []*net.IPNet
	ips  map[string]struct{}
}

func newWhitelistMatcher(entries []string) *whitelistMatcher {
	m := &whitelistMatcher{
		ips: make(map[string]struct{}),
	}
	for _, entry := range entries {
		if ip := net.ParseIP(entry); ip != nil {
			m.ips[ip.String()] = struct{}{}
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			m.nets = append(m.nets, cidr)
		}
	}
	return m
}

// Contains matches ipStr in canonical form, so "::ffff:10.0.0.1" and "10.0.0.1" agree.
func (m *whitelistMatcher) Contains(ipStr string) bool {
	if m == nil {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if _, ok := m.ips[ip.String()]; ok {
		return true
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
