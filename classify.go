package resolver

import (
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// Category is the behavioral classification of a response message, per the
// DATA MODEL's Message taxonomy.
type Category int

const (
	CategoryAnswer Category = iota
	CategoryCName
	CategoryReferral
	CategoryNodata
	CategoryNxdomain
	CategoryMalformed
)

func (c Category) String() string {
	switch c {
	case CategoryAnswer:
		return "answer"
	case CategoryCName:
		return "cname"
	case CategoryReferral:
		return "referral"
	case CategoryNodata:
		return "nodata"
	case CategoryNxdomain:
		return "nxdomain"
	default:
		return "malformed"
	}
}

// Classify sorts resp, a response to (qname,qtype) received while current_zone
// was the delegation point in force, into one of the six response categories.
func Classify(qname string, qtype uint16, zone string, resp *dns.Msg) Category {
	if resp == nil || len(resp.Question) != 1 {
		return CategoryMalformed
	}
	if resp.Rcode == dns.RcodeNameError {
		return CategoryNxdomain
	}
	if resp.Rcode != dns.RcodeSuccess {
		return CategoryMalformed
	}
	if hasRRType(resp.Answer, qtype) {
		return CategoryAnswer
	}
	if _, ok := cnameTarget(resp, qname); ok {
		return CategoryCName
	}
	if _, ok := dnameSynthesize(resp, qname); ok {
		return CategoryCName
	}
	if owners := extractDelegationNS(resp, ""); len(owners) > 0 {
		if referralZone, ok := referralZoneOf(resp); ok && isProperSuffix(referralZone, zone) {
			return CategoryReferral
		}
		return CategoryMalformed
	}
	// No answer, no referral: only trust this as a negative response if the
	// server actually claims authority for it (AA set, or an SOA backing
	// the negative per RFC 2308). A bare empty response from a lame or
	// non-authoritative server is not a valid Nodata/Nxdomain and must not
	// be cached as one; treat it as malformed so the caller tries another
	// server instead.
	if _, ok := soaMinimum(resp); ok || resp.Authoritative {
		return CategoryNodata
	}
	return CategoryMalformed
}

// referralZoneOf returns the zone name carried by the NS RRset in resp's
// authority section, if any.
func referralZoneOf(resp *dns.Msg) (string, bool) {
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			return strings.ToLower(ns.Hdr.Name), true
		}
	}
	return "", false
}

// isProperSuffix reports whether zone lies strictly below parentZone in the
// hierarchy, i.e. zone ends with parentZone at a label boundary but is not
// equal to it. This is the monotone-delegation invariant check.
func isProperSuffix(zone, parentZone string) bool {
	zone = strings.ToLower(dns.Fqdn(zone))
	parentZone = strings.ToLower(dns.Fqdn(parentZone))
	if zone == parentZone {
		return false
	}
	return dns.IsSubDomain(parentZone, zone)
}

func hasRRType(rrs []dns.RR, t uint16) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == t {
			return true
		}
	}
	return false
}

// extractDelegationNS returns the lowercased owner names of NS records in
// resp's authority section. If zone is non-empty, only NS records owned by
// zone are returned; an empty zone returns all NS owners present.
func extractDelegationNS(resp *dns.Msg, zone string) []string {
	var out []string
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			if zone == "" || strings.EqualFold(ns.Hdr.Name, zone) {
				out = append(out, strings.ToLower(ns.Ns))
			}
		}
	}
	return out
}

// glueAddresses extracts A/AAAA records from resp's additional section.
func glueAddresses(resp *dns.Msg) map[string][]netip.Addr {
	out := make(map[string][]netip.Addr)
	for _, rr := range resp.Extra {
		switch a := rr.(type) {
		case *dns.A:
			if addr, ok := ipToAddr(a.A); ok {
				owner := strings.ToLower(a.Hdr.Name)
				out[owner] = append(out[owner], addr)
			}
		case *dns.AAAA:
			if addr, ok := ipToAddr(a.AAAA); ok {
				owner := strings.ToLower(a.Hdr.Name)
				out[owner] = append(out[owner], addr)
			}
		}
	}
	return out
}

func cnameTarget(resp *dns.Msg, owner string) (string, bool) {
	lo := strings.ToLower(dns.Fqdn(owner))
	for _, rr := range resp.Answer {
		if c, ok := rr.(*dns.CNAME); ok && strings.EqualFold(dns.Fqdn(c.Hdr.Name), lo) {
			return strings.ToLower(dns.Fqdn(c.Target)), true
		}
	}
	return "", false
}

// dnameSynthesize finds a DNAME in resp's answer section and synthesizes the
// redirected qname per RFC 6672.
func dnameSynthesize(resp *dns.Msg, qname string) (string, bool) {
	q := strings.ToLower(dns.Fqdn(qname))
	for _, rr := range resp.Answer {
		if d, ok := rr.(*dns.DNAME); ok {
			owner := strings.ToLower(dns.Fqdn(d.Hdr.Name))
			if strings.HasSuffix(q, owner) {
				prefix := strings.TrimSuffix(q, owner)
				prefix = strings.Trim(prefix, ".")
				target := strings.ToLower(dns.Fqdn(d.Target))
				if prefix == "" {
					return target, true
				}
				return dns.Fqdn(prefix + "." + target), true
			}
		}
	}
	return "", false
}

func soaMinimum(resp *dns.Msg) (uint32, bool) {
	for _, rr := range resp.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl, true
		}
	}
	return 0, false
}

func ipToAddr(ip net.IP) (netip.Addr, bool) {
	if ip == nil {
		return netip.Addr{}, false
	}
	if v4 := ip.To4(); v4 != nil {
		var arr [4]byte
		copy(arr[:], v4)
		return netip.AddrFrom4(arr), true
	}
	if v6 := ip.To16(); v6 != nil {
		var arr [16]byte
		copy(arr[:], v6)
		return netip.AddrFrom16(arr), true
	}
	return netip.Addr{}, false
}

func dedupAddrs(addrs []netip.Addr) []netip.Addr {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
