package cache

import (
	"net/netip"
	"strings"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/miekg/dns"
)

// DPSnapshot is the cached form of a delegation point: just enough to
// reconstruct a usable resolver.DelegationPoint without importing the root
// package (which imports cache), namely the zone, NS owner names, and
// whatever glue addresses were captured alongside the referral.
type DPSnapshot struct {
	Zone     string
	NSOwners []string
	Glue     map[string][]netip.Addr
	expires  time.Time
}

// Expired reports whether this snapshot's NS RRset TTL has elapsed.
func (s DPSnapshot) Expired() bool {
	return !s.expires.IsZero() && time.Now().After(s.expires)
}

// DelegationCache indexes DPSnapshots by zone name with a closest_enclosing
// lookup, backed by a sharded concurrent map so independent zones don't
// contend on a single mutex (spec.md §4.4, §5).
type DelegationCache struct {
	shards cmap.ConcurrentMap[string, DPSnapshot]
}

// NewDelegationCache returns an empty DelegationCache.
func NewDelegationCache() *DelegationCache {
	return &DelegationCache{shards: cmap.New[DPSnapshot]()}
}

// Put installs a DPSnapshot for zone, replacing any existing entry for the
// exact same zone name.
func (c *DelegationCache) Put(zone string, nsOwners []string, glue map[string][]netip.Addr, ttl time.Duration) {
	zone = strings.ToLower(dns.Fqdn(zone))
	snap := DPSnapshot{
		Zone:     zone,
		NSOwners: append([]string(nil), nsOwners...),
		Glue:     glue,
	}
	if ttl > 0 {
		snap.expires = time.Now().Add(ttl)
	}
	c.shards.Set(zone, snap)
}

// ClosestEnclosing returns the DPSnapshot whose zone is the longest suffix
// of qname (qname itself included) among non-expired entries, walking qname's labels from the
// leaf toward the root (O(labels)). If qname itself has an entry it is
// returned. Returns ok=false only if the cache has no entries at all for any
// ancestor of qname, including the root.
//
// Grounded on original_source's DelegationPoint::from_cache / get_deepest_ns
// walk-up-the-parent-chain algorithm, translated from an LRU-backed tree to
// a label-stripping loop over the sharded map.
func (c *DelegationCache) ClosestEnclosing(qname string) (DPSnapshot, bool) {
	name := strings.ToLower(dns.Fqdn(qname))
	labels := dns.SplitDomainName(name)
	for i := 0; i <= len(labels); i++ {
		var zone string
		if i == len(labels) {
			zone = "."
		} else {
			zone = dns.Fqdn(strings.Join(labels[i:], "."))
		}
		if snap, ok := c.shards.Get(zone); ok && !snap.Expired() {
			return snap, true
		}
	}
	return DPSnapshot{}, false
}

// Invariant 2 (spec.md §8): the zone returned by ClosestEnclosing is always
// a suffix of qname, or the root zone, by construction of the walk above —
// it never consults a DP whose zone isn't one of qname's own ancestors.
