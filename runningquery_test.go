package resolver

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/hollowroot/recursor/cache"
)

type sendFunc func(msg *dns.Msg) (*dns.Msg, time.Duration, error)

// addressedSender dispatches fake responses by (destination address, qname,
// qtype): a fake root server, for instance, must answer its own "." NS
// priming query differently than a client-driven "example.org. A" query
// forwarded to the same address (spec.md §8's scenario table).
type addressedSender struct {
	mu     sync.Mutex
	calls  int32
	script map[string]sendFunc
}

func newAddressedSender() *addressedSender {
	return &addressedSender{script: make(map[string]sendFunc)}
}

func addressedKey(addr netip.Addr, qname string, qtype uint16) string {
	return addr.String() + "|" + dns.Fqdn(qname) + "|" + dns.TypeToString[qtype]
}

func (a *addressedSender) on(addr netip.Addr, qname string, qtype uint16, fn sendFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script[addressedKey(addr, qname, qtype)] = fn
}

func (a *addressedSender) Send(_ context.Context, addr netip.Addr, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	atomic.AddInt32(&a.calls, 1)
	q := msg.Question[0]
	a.mu.Lock()
	fn, ok := a.script[addressedKey(addr, q.Name, q.Qtype)]
	a.mu.Unlock()
	if !ok {
		return nil, 0, wrapErr(ErrTransientServer, "unscripted query "+addressedKey(addr, q.Name, q.Qtype))
	}
	return fn(msg)
}

func (a *addressedSender) callCount() int {
	return int(atomic.LoadInt32(&a.calls))
}

// testResolver builds a Resolver with a fake transport and real
// caches/selector, bypassing New's network-probing construction path.
func testResolver(t *testing.T, sender Sender) *Resolver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueryDeadline = 2 * time.Second
	cfg.MaxConcurrentQueries = 16
	r := &Resolver{
		cfg:          cfg,
		useUDP:       true,
		useIPv4:      true,
		useIPv6:      true,
		msgCache:     cache.NewMessageCache(0),
		delegCache:   cache.NewDelegationCache(),
		hostSelector: NewHostSelector(),
		nub:          sender,
		metrics:      noopMetrics(),
		sem:          semaphore.NewWeighted(cfg.MaxConcurrentQueries),
	}
	rootGlue := netip.MustParseAddr("198.41.0.4")
	r.rootDP = NewDelegationPoint(".", []string{"a.root-servers.net."}, map[string][]netip.Addr{
		"a.root-servers.net.": {rootGlue},
	})
	r.rootServers = []netip.Addr{rootGlue}
	t.Cleanup(r.msgCache.Stop)
	return r
}

func referralResponse(t *testing.T, queriedQname string, qtype uint16, nsZone, nsOwner, glueIP string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(queriedQname), qtype)
	m.Rcode = dns.RcodeSuccess
	m.Ns = []dns.RR{mustRR(t, nsZone+" 3600 IN NS "+nsOwner)}
	if glueIP != "" {
		m.Extra = []dns.RR{mustRR(t, nsOwner+" 3600 IN A "+glueIP)}
	}
	return m
}

func answerResponse(t *testing.T, qname, ip string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	m.Rcode = dns.RcodeSuccess
	m.Answer = []dns.RR{mustRR(t, dns.Fqdn(qname)+" 300 IN A "+ip)}
	return m
}

// rootPrimingAnswer is what a real root server returns for its own "." NS
// query: an authoritative answer, not a referral, since priming's qname and
// the root server's own zone coincide.
func rootPrimingAnswer(t *testing.T, owner, glueIP string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)
	m.Rcode = dns.RcodeSuccess
	m.Answer = []dns.RR{mustRR(t, ". 518400 IN NS "+owner)}
	m.Extra = []dns.RR{mustRR(t, owner+" 3600 IN A "+glueIP)}
	return m
}

// TestScenario1ColdCacheThreeHopReferral is spec.md §8 scenario 1: root
// refers to org., org. refers to example.org., example.org. answers.
func TestScenario1ColdCacheThreeHopReferral(t *testing.T) {
	rootGlue := netip.MustParseAddr("198.41.0.4")
	orgGlue := netip.MustParseAddr("192.0.2.1")
	authGlue := netip.MustParseAddr("192.0.2.2")

	sender := newAddressedSender()
	sender.on(rootGlue, ".", dns.TypeNS, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return rootPrimingAnswer(t, "a.root-servers.net.", rootGlue.String()), time.Millisecond, nil
	})
	sender.on(rootGlue, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return referralResponse(t, "example.org.", dns.TypeA, "org.", "a.gtld-servers.net.", orgGlue.String()), time.Millisecond, nil
	})
	sender.on(orgGlue, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return referralResponse(t, "example.org.", dns.TypeA, "example.org.", "ns1.example.org.", authGlue.String()), time.Millisecond, nil
	})
	sender.on(authGlue, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return answerResponse(t, "example.org.", "1.2.3.4"), time.Millisecond, nil
	})

	r := testResolver(t, sender)

	resp, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", a.A.String())
	assert.Equal(t, 4, sender.callCount(), "one priming exchange plus one query each to root, org. and example.org.")

	for _, zone := range []string{".", "org.", "example.org."} {
		snap, ok := r.delegCache.ClosestEnclosing(zone)
		assert.True(t, ok, "expected %s to be cached after priming+referrals", zone)
		assert.Equal(t, zone, snap.Zone, "expected %s to be cached after priming+referrals", zone)
	}
}

// TestScenario2WarmCacheZeroNubCalls is spec.md §8 scenario 2.
func TestScenario2WarmCacheZeroNubCalls(t *testing.T) {
	r := testResolver(t, nil)
	require.True(t, r.msgCache.Put(answerResponse(t, "example.org.", "1.2.3.4")))

	sender := newAddressedSender() // nothing scripted: any call is a test failure
	r.nub = sender

	resp, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, 0, sender.callCount())
}

// TestScenario3CNAMEChainAssembly is spec.md §8 scenario 3.
func TestScenario3CNAMEChainAssembly(t *testing.T) {
	r := testResolver(t, nil)
	authGlue := netip.MustParseAddr("192.0.2.2")
	r.delegCache.Put("example.org.", []string{"ns1.example.org."}, map[string][]netip.Addr{
		"ns1.example.org.": {authGlue},
	}, time.Hour)
	r.delegCache.Put("alias.example.org.", []string{"ns1.example.org."}, map[string][]netip.Addr{
		"ns1.example.org.": {authGlue},
	}, time.Hour)

	sender := newAddressedSender()
	sender.on(authGlue, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		m := new(dns.Msg)
		m.SetQuestion(msg.Question[0].Name, dns.TypeA)
		m.Rcode = dns.RcodeSuccess
		m.Answer = []dns.RR{mustRR(t, "example.org. 300 IN CNAME alias.example.org.")}
		return m, time.Millisecond, nil
	})
	sender.on(authGlue, "alias.example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return answerResponse(t, "alias.example.org.", "5.6.7.8"), time.Millisecond, nil
	})
	r.nub = sender

	resp, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 2)
	_, isCNAME := resp.Answer[0].(*dns.CNAME)
	assert.True(t, isCNAME)
	_, isA := resp.Answer[1].(*dns.A)
	assert.True(t, isA)

	// A second, warm-cache query for the same name must chase the cached
	// CNAME through to the final A exactly like the cold path did (spec.md
	// §8.1 idempotent caching), not return the bare CNAME.
	sender.on(authGlue, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		t.Fatal("warm re-query must be served from cache, not re-sent to the network")
		return nil, 0, nil
	})
	resp2, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, resp2.Answer, 2)
	_, isCNAME2 := resp2.Answer[0].(*dns.CNAME)
	assert.True(t, isCNAME2)
	a2, isA2 := resp2.Answer[1].(*dns.A)
	require.True(t, isA2)
	assert.Equal(t, "5.6.7.8", a2.A.String())
}

// TestScenario5ServerTimeoutThenSuccess is spec.md §8 scenario 5.
func TestScenario5ServerTimeoutThenSuccess(t *testing.T) {
	r := testResolver(t, nil)
	bad := netip.MustParseAddr("192.0.2.10")
	good := netip.MustParseAddr("192.0.2.11")
	r.delegCache.Put("example.org.", []string{"ns1.example.org.", "ns2.example.org."}, map[string][]netip.Addr{
		"ns1.example.org.": {bad},
		"ns2.example.org.": {good},
	}, time.Hour)
	// Seed bad with a lower RTT so HostSelector picks it first, matching
	// the scenario's "first chosen server times out" framing deterministically.
	r.hostSelector.SetRTT(bad, time.Millisecond)
	r.hostSelector.SetRTT(good, 50*time.Millisecond)

	sender := newAddressedSender()
	var badCalls int32
	sender.on(bad, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		atomic.AddInt32(&badCalls, 1)
		return nil, 0, wrapErr(ErrTransientServer, "simulated timeout")
	})
	sender.on(good, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return answerResponse(t, "example.org.", "1.2.3.4"), time.Millisecond, nil
	})
	r.nub = sender

	resp, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&badCalls), "the failing server should only be tried once before HostSelector moves on")
}

// TestScenario6AllServersTimeoutServfailNoCachePollution is spec.md §8
// scenario 6.
func TestScenario6AllServersTimeoutServfailNoCachePollution(t *testing.T) {
	r := testResolver(t, nil)
	only := netip.MustParseAddr("192.0.2.20")
	r.delegCache.Put("example.org.", []string{"ns1.example.org."}, map[string][]netip.Addr{
		"ns1.example.org.": {only},
	}, time.Hour)

	sender := newAddressedSender()
	sender.on(only, "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return nil, 0, wrapErr(ErrTransientServer, "simulated timeout")
	})
	r.nub = sender

	resp, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err) // Resolve itself never errors; SERVFAIL is in the message
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)

	_, ok := r.msgCache.Get("example.org.", dns.TypeA, dns.ClassINET)
	assert.False(t, ok, "a transport failure must not populate the positive cache")
}

// TestScenario4GluelessNSResolvedViaSubQuery is spec.md §8 scenario 4: a
// delegation names an NS with no glue, forcing a suspended child RunningQuery
// that resolves the NS owner's address before the parent can proceed.
func TestScenario4GluelessNSResolvedViaSubQuery(t *testing.T) {
	r := testResolver(t, nil)
	nsAddr := netip.MustParseAddr("192.0.2.30")
	// example.org.'s sole NS is glueless: no address known for it yet.
	r.delegCache.Put("example.org.", []string{"ns1.otherdomain.net."}, nil, time.Hour)
	// otherdomain.net. is fully known, so the glue sub-query resolves in one hop.
	r.delegCache.Put("otherdomain.net.", []string{"ns1.otherdomain.net."}, map[string][]netip.Addr{
		"ns1.otherdomain.net.": {nsAddr},
	}, time.Hour)

	sender := newAddressedSender()
	sender.on(nsAddr, "ns1.otherdomain.net.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return answerResponse(t, "ns1.otherdomain.net.", "203.0.113.5"), time.Millisecond, nil
	})
	sender.on(netip.MustParseAddr("203.0.113.5"), "example.org.", dns.TypeA, func(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
		return answerResponse(t, "example.org.", "1.2.3.4"), time.Millisecond, nil
	})
	r.nub = sender

	resp, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", a.A.String())
}

func TestResolveRejectsBeyondConcurrencyCap(t *testing.T) {
	r := testResolver(t, nil)
	require.True(t, r.sem.TryAcquire(16)) // saturate the cap
	defer r.sem.Release(16)

	resp, err := r.Resolve(context.Background(), "example.org.", dns.TypeA)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}
