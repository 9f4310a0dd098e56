package resolver

import (
	"net/netip"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// DelegationPoint is a snapshot of a zone cut: the NS set plus whatever
// address glue is known for its members, and the bookkeeping needed to pick
// the next server to probe without repeating one already tried.
//
// Grounded on original_source's DelegationPoint (delegation_point.rs):
// server_and_hosts -> targets, probed_server -> probed, lame_host -> lame.
type DelegationPoint struct {
	mu       sync.RWMutex
	Zone     string
	nsOwners []string                 // lowercased NS owner names, in referral order
	targets  map[string][]netip.Addr  // NS owner -> known addresses (glue or resolved)
	probed   map[netip.Addr]struct{}  // addresses already probed in this query
	lame     map[string]struct{}      // NS owner names marked unusable
	expires  uint32                   // NS RRset TTL, seconds, relative at capture time
}

// NewDelegationPoint builds a DP for zone from an NS owner list and any glue
// addresses already known for those owners (e.g. root hints).
func NewDelegationPoint(zone string, nsOwners []string, glue map[string][]netip.Addr) *DelegationPoint {
	dp := &DelegationPoint{
		Zone:     strings.ToLower(dns.Fqdn(zone)),
		nsOwners: append([]string(nil), nsOwners...),
		targets:  make(map[string][]netip.Addr),
		probed:   make(map[netip.Addr]struct{}),
		lame:     make(map[string]struct{}),
	}
	for owner, addrs := range glue {
		dp.targets[strings.ToLower(owner)] = dedupAddrs(addrs)
	}
	return dp
}

// FromReferral builds a new DP from a referral response's authority NS set
// and additional-section glue. The caller is responsible for validating the
// monotone-delegation invariant (spec.md §8.6) before installing it.
func FromReferral(resp *dns.Msg) *DelegationPoint {
	if resp == nil {
		return nil
	}
	zone, ok := referralZoneOf(resp)
	if !ok {
		return nil
	}
	owners := extractDelegationNS(resp, zone)
	glue := glueAddresses(resp)
	minTTL := uint32(0)
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			if minTTL == 0 || ns.Hdr.Ttl < minTTL {
				minTTL = ns.Hdr.Ttl
			}
		}
	}
	dp := NewDelegationPoint(zone, owners, glue)
	dp.expires = minTTL
	return dp
}

// AddGlue records addr as a known address for the NS owner name.
func (dp *DelegationPoint) AddGlue(owner string, addr netip.Addr) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	owner = strings.ToLower(owner)
	dp.targets[owner] = dedupAddrs(append(dp.targets[owner], addr))
}

// MarkLame marks the NS owner name as unusable for the remainder of this
// query (its glue resolution failed, or it's an unresolvable in-zone
// dependency).
func (dp *DelegationPoint) MarkLame(owner string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.lame[strings.ToLower(owner)] = struct{}{}
}

// AddProbed records addr as already probed within this query.
func (dp *DelegationPoint) AddProbed(addr netip.Addr) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probed[addr] = struct{}{}
}

// candidates returns the (address, owner) pairs available to probe: every
// known glue/resolved address for a non-lame NS, excluding those already
// probed.
func (dp *DelegationPoint) candidates() []hostCandidate {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	var out []hostCandidate
	for _, owner := range dp.nsOwners {
		if _, lame := dp.lame[owner]; lame {
			continue
		}
		for _, addr := range dp.targets[owner] {
			if _, done := dp.probed[addr]; done {
				continue
			}
			out = append(out, hostCandidate{owner: owner, addr: addr})
		}
	}
	return out
}

// Target asks selector for the next server address to probe from this DP.
// Returns ok=false if no unprobed address is available.
func (dp *DelegationPoint) Target(selector *HostSelector) (netip.Addr, bool) {
	cands := dp.candidates()
	if len(cands) == 0 {
		return netip.Addr{}, false
	}
	return selector.Select(cands)
}

// MissingServer returns a glueless NS owner name that still needs a glue
// sub-query: present in nsOwners, not lame, no known address, and not a
// subdomain of this DP's own zone (an in-zone dependency is unresolvable
// without already having an address for it, so it is skipped rather than
// looped on).
func (dp *DelegationPoint) MissingServer() (string, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	for _, owner := range dp.nsOwners {
		if _, lame := dp.lame[owner]; lame {
			continue
		}
		if len(dp.targets[owner]) > 0 {
			continue
		}
		if strings.HasSuffix(owner, "."+dp.Zone) || owner == dp.Zone {
			continue
		}
		return owner, true
	}
	return "", false
}

// snapshot returns the (NS owners, glue) pair needed to install this DP into
// the shared DelegationCache, which cannot import this package (see
// cache.DPSnapshot's doc comment).
func (dp *DelegationPoint) snapshot() ([]string, map[string][]netip.Addr) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	owners := append([]string(nil), dp.nsOwners...)
	glue := make(map[string][]netip.Addr, len(dp.targets))
	for owner, addrs := range dp.targets {
		glue[owner] = append([]netip.Addr(nil), addrs...)
	}
	return owners, glue
}

type hostCandidate struct {
	owner string
	addr  netip.Addr
}
