// Package cache provides the MessageCache and DelegationCache components:
// shared, concurrently-accessed stores that outlive any single query.
package cache

import (
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
)

const (
	// DefaultCapacity is the design capacity from spec.md §4.3.
	DefaultCapacity = 40960
	// CapTTL bounds how long any positive entry may be cached.
	CapTTL = 86400 * time.Second
	// NegTTL is the default negative-response cache lifetime.
	NegTTL = 300 * time.Second
)

// MessageCache is a TTL-bounded LRU of DNS responses keyed by (lowercased
// name, type, class). Put stores a copy of the message it is given, but Get
// returns the stored message itself: callers must treat it as immutable and
// Copy() before mutating, mirroring the teacher's Zero-bit convention.
// Expiration is fixed when an entry is stored; a hit does not extend it.
type MessageCache struct {
	inner *ttlcache.Cache[string, *dns.Msg]
}

// NewMessageCache returns an empty MessageCache with the given capacity (0
// uses DefaultCapacity).
func NewMessageCache(capacity uint64) *MessageCache {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	inner := ttlcache.New[string, *dns.Msg](
		ttlcache.WithCapacity[string, *dns.Msg](capacity),
		ttlcache.WithDisableTouchOnHit[string, *dns.Msg](),
	)
	go inner.Start()
	return &MessageCache{inner: inner}
}

// Stop releases the cache's background eviction goroutine.
func (c *MessageCache) Stop() {
	c.inner.Stop()
}

// Get returns the cached message for (qname,qtype,qclass), if present and
// unexpired.
func (c *MessageCache) Get(qname string, qtype, qclass uint16) (*dns.Msg, bool) {
	item := c.inner.Get(key(qname, qtype, qclass))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Put stores msg keyed by its sole question, computing its expiration from
// the response per the RFC 2308 table: CHAOS-class responses get a fixed 15
// minutes, transport/server failures get 5 minutes, negative responses use
// min(SOA.minimum, NegTTL) when an SOA is present else flat NegTTL, and
// positive responses use the minimum TTL across all sections capped at
// CapTTL (NS RRsets are exempt from the cap, since a shorter-lived
// delegation is still better cached than re-fetched every query).
//
// Grounded on mrsaemir-yodns's getTTL (RFC 2308 table) and the teacher's
// minDNSMsgTTL (section-scanning minimum).
func (c *MessageCache) Put(msg *dns.Msg) bool {
	if msg == nil || len(msg.Question) != 1 {
		return false
	}
	q := msg.Question[0]
	ttl := ttlFor(msg)
	if ttl <= 0 {
		return false
	}
	stored := msg.Copy()
	c.inner.Set(key(q.Name, q.Qtype, q.Qclass), stored, ttl)
	return true
}

// PutNegative stores a terminal NODATA/NXDOMAIN response (RunningQuery's
// stepQueryResponse calls this rather than Put for those two categories, to
// keep the negative-caching path named at the call site) with the same TTL
// rule Put uses.
func (c *MessageCache) PutNegative(msg *dns.Msg) bool {
	return c.Put(msg)
}

func ttlFor(msg *dns.Msg) time.Duration {
	q := msg.Question[0]
	if q.Qclass == dns.ClassCHAOS {
		return 15 * time.Minute
	}
	if msg.Rcode == dns.RcodeServerFailure || msg.Rcode == dns.RcodeRefused {
		return 5 * time.Minute
	}
	if msg.Rcode == dns.RcodeNameError {
		return negativeTTL(msg)
	}
	if !hasRRType(msg.Answer, q.Qtype) && !hasRRType(msg.Answer, dns.TypeCNAME) && !hasRRType(msg.Answer, dns.TypeDNAME) && len(extractNS(msg)) == 0 {
		// NODATA: no answer, no cname/dname redirection, no referral.
		return negativeTTL(msg)
	}
	ttl := minSectionTTL(msg)
	if ttl <= 0 {
		return 0
	}
	isNSOnly := q.Qtype == dns.TypeNS && msg.Rcode == dns.RcodeSuccess
	d := time.Duration(ttl) * time.Second
	if !isNSOnly && d > CapTTL {
		d = CapTTL
	}
	return d
}

func negativeTTL(msg *dns.Msg) time.Duration {
	if minttl, ok := soaMinimum(msg); ok {
		d := time.Duration(minttl) * time.Second
		if d < NegTTL {
			return d
		}
		return NegTTL
	}
	return NegTTL
}

func soaMinimum(msg *dns.Msg) (uint32, bool) {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl, true
		}
	}
	return 0, false
}

func hasRRType(rrs []dns.RR, t uint16) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == t {
			return true
		}
	}
	return false
}

func extractNS(msg *dns.Msg) []dns.RR {
	var out []dns.RR
	for _, rr := range msg.Ns {
		if _, ok := rr.(*dns.NS); ok {
			out = append(out, rr)
		}
	}
	return out
}

func minSectionTTL(msg *dns.Msg) int64 {
	minTTL := int64(-1)
	scan := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			ttl := int64(rr.Header().Ttl)
			if minTTL < 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
	}
	scan(msg.Answer)
	scan(msg.Ns)
	scan(msg.Extra)
	return minTTL
}

func key(qname string, qtype, qclass uint16) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(qname))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(int(qtype)))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(int(qclass)))
	return b.String()
}
