// Package resolver provides a full iterative/recursive DNS resolver that
// sends the full qname to every delegation point (no QNAME minimization),
// built around the six-state RunningQuery state machine
// in runningquery.go. Resolver is the package's single entry point: it owns
// the shared MessageCache, DelegationCache, HostSelector and Nub transport
// that every RunningQuery descended from a client call shares.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"

	"github.com/hollowroot/recursor/cache"
)

//go:generate go run ./cmd/genhints roothints.gen.go

// Resolver is the recursive resolver entry point (spec.md §4.6). Construct
// one with New and reuse it for the process lifetime; a single Resolver
// serves arbitrarily many concurrent Resolve calls, each driving its own
// RunningQuery tree.
type Resolver struct {
	proxy.ContextDialer
	DNSPort uint16

	cfg Config

	mu          sync.RWMutex // protects the following transport-health fields
	useIPv4     bool
	useIPv6     bool
	useUDP      bool
	rootServers []netip.Addr

	msgCache     *cache.MessageCache
	delegCache   *cache.DelegationCache
	hostSelector *HostSelector
	nub          Sender
	metrics      *Metrics

	sem *semaphore.Weighted

	rootDPMu sync.RWMutex
	rootDP   *DelegationPoint
}

// New builds a Resolver from opts layered atop DefaultConfig. It fails if a
// configured root hint address does not parse, or if the resulting root hint
// set is empty, since priming cannot proceed without at least one root
// server address.
func New(opts ...Option) (*Resolver, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Resolver{
		DNSPort:      53,
		ContextDialer: &net.Dialer{},
		cfg:          cfg,
		useUDP:       !cfg.DisableUDP,
		useIPv6:      !cfg.DisableIPv6,
		useIPv4:      true,
	}

	roots, names, err := rootHintAddrs(cfg.RootHints)
	if err != nil {
		return nil, err
	}
	r.rootServers = roots
	dp := NewDelegationPoint(".", names.owners, names.glue)
	r.rootDPMu.Lock()
	r.rootDP = dp
	r.rootDPMu.Unlock()

	r.msgCache = cache.NewMessageCache(cfg.CacheSize)
	r.delegCache = cache.NewDelegationCache()
	r.hostSelector = NewHostSelector()
	r.nub = NewNub(r, r.ContextDialer, r.DNSPort, cfg.NubTimeout)
	if cfg.Metrics != nil {
		r.metrics = NewMetrics(cfg.Metrics)
	} else {
		r.metrics = noopMetrics()
	}
	r.sem = semaphore.NewWeighted(cfg.MaxConcurrentQueries)

	if cfg.ProbeRoots {
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.OrderRoots(probeCtx, 500*time.Millisecond)
		cancel()
	}

	return r, nil
}

type rootNameSet struct {
	owners []string
	glue   map[string][]netip.Addr
}

// rootHintAddrs builds the flat address list (for transport-health bookkeeping,
// the way the teacher's Resolver.rootServers worked) and the owner/glue pair
// the priming DelegationPoint needs, either from explicit hints or the
// compiled-in IANA defaults (roots.go).
func rootHintAddrs(hints []RootHint) ([]netip.Addr, rootNameSet, error) {
	if len(hints) == 0 {
		var addrs []netip.Addr
		addrs = append(addrs, Roots4...)
		addrs = append(addrs, Roots6...)
		glue := make(map[string][]netip.Addr, len(RootNames))
		for i, name := range RootNames {
			if i < len(Roots4) {
				glue[name] = append(glue[name], Roots4[i])
			}
			if i < len(Roots6) {
				glue[name] = append(glue[name], Roots6[i])
			}
		}
		if len(addrs) == 0 {
			return nil, rootNameSet{}, wrapErr(ErrConfigFailure, "no compiled-in root hints available")
		}
		return addrs, rootNameSet{owners: append([]string(nil), RootNames...), glue: glue}, nil
	}

	var addrs []netip.Addr
	glue := make(map[string][]netip.Addr, len(hints))
	var owners []string
	seen := make(map[string]struct{})
	for _, h := range hints {
		addr, err := netip.ParseAddr(h.Addr)
		if err != nil {
			return nil, rootNameSet{}, wrapErr(ErrConfigFailure, "invalid root hint address: "+h.Addr)
		}
		name := strings.ToLower(dns.Fqdn(h.Name))
		addrs = append(addrs, addr)
		glue[name] = append(glue[name], addr)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			owners = append(owners, name)
		}
	}
	return addrs, rootNameSet{owners: owners, glue: glue}, nil
}

// rootHintsDP returns the DelegationPoint used to seed a priming child. It
// returns a fresh copy so concurrent priming children never share
// probed/lame bookkeeping (spec.md §4.1 step 3: each client query primes
// independently, though the result lands in the shared DelegationCache).
func (r *Resolver) rootHintsDP() *DelegationPoint {
	r.rootDPMu.RLock()
	defer r.rootDPMu.RUnlock()
	return NewDelegationPoint(r.rootDP.Zone, r.rootDP.nsOwners, cloneGlue(r.rootDP.targets))
}

func cloneGlue(in map[string][]netip.Addr) map[string][]netip.Addr {
	out := make(map[string][]netip.Addr, len(in))
	for k, v := range in {
		out[k] = append([]netip.Addr(nil), v...)
	}
	return out
}

// Resolve answers one client query (spec.md §4.6): it bounds total
// concurrency via sem, applies the configured per-query deadline, and drives
// a root RunningQuery to completion. Beyond MaxConcurrentQueries it returns
// SERVFAIL immediately rather than queueing, since a queued DNS query is
// usually already useless to its caller by the time it would run.
func (r *Resolver) Resolve(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	question := dns.Question{Name: strings.ToLower(dns.Fqdn(qname)), Qtype: qtype, Qclass: dns.ClassINET}

	if !r.sem.TryAcquire(1) {
		r.metrics.QueriesServed.Inc()
		r.metrics.ServfailTotal.Inc()
		return servfail(question, wrapErr(ErrDelegationExhausted, "too many concurrent queries")), nil
	}
	defer r.sem.Release(1)

	deadline := r.cfg.QueryDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	root := newRootQuery(qctx, r, question)
	root.run()
	// Only the root RunningQuery converts error state into a client-facing
	// RCODE (spec.md §7): finalize already folded q.err into a SERVFAIL
	// response, so the error return stays nil here regardless of how the
	// walk ended.
	return root.response, nil
}
