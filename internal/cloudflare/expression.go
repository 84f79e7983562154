package cloudflare

import (
	"net"
	"strings"
)

// MatchNothing is the expression written when there is no client to list.
// "ip.src in {}" is rejected by the rules engine; the limited broadcast
// address never appears as a request source.
const MatchNothing = "(ip.src eq 255.255.255.255)"

// CanonicalIPs parses each id as an IP address and returns the canonical forms
// in input order without duplicates. Ids that are not IPs are returned in rejected.
func CanonicalIPs(ids []string) (ips, rejected []string) {
	seen := make(map[string]struct{}, len(ids))
	ips = make([]string, 0, len(ids))
	for _, id := range ids {
		ip := net.ParseIP(strings.TrimSpace(id))
		if ip == nil {
			rejected = append(rejected, id)
			continue
		}
		canon := ip.String()
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		ips = append(ips, canon)
	}
	return ips, rejected
}

// BuildExpression returns a filter expression matching any of ids. Only the
// canonical form of ids that parse as IP addresses reaches the expression text;
// the rest are returned in rejected.
func BuildExpression(ids []string) (expr string, rejected []string) {
	ips, rejected := CanonicalIPs(ids)
	if len(ips) == 0 {
		return MatchNothing, rejected
	}
	return "(ip.src in {" + strings.Join(ips, " ") + "})", rejected
}
