package resolver

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/hollowroot/recursor/cache"
)

// State is one of the six states of the recursion state machine
// (spec.md §4.1).
type State int

const (
	StateInitQuery State = iota
	StateQueryTarget
	StateQueryResponse
	StatePrimeResponse
	StateTargetResponse
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInitQuery:
		return "InitQuery"
	case StateQueryTarget:
		return "QueryTarget"
	case StateQueryResponse:
		return "QueryResponse"
	case StatePrimeResponse:
		return "PrimeResponse"
	case StateTargetResponse:
		return "TargetResponse"
	default:
		return "Finished"
	}
}

// RunningQuery is one instance of the recursion state machine, representing
// the progress of one (possibly nested) resolution. A parent owns its child
// exclusively; the child never holds a reference back that implies
// ownership, only parent for logging/diagnostics.
//
// Grounded on original_source's RunningQuery (running_query.rs) and
// IterEvent (iter_event.rs) for state/field vocabulary; parent/child
// suspension implemented as the channel option from spec.md §9 Design
// Notes rather than the Rust original's boxed base_event field.
type RunningQuery struct {
	id       uuid.UUID
	resolver *Resolver
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	originalQuestion dns.Question
	currentQname     string
	currentQtype     uint16

	state       State
	finishState State

	currentDP     *DelegationPoint
	currentServer string // address string, for logging only

	cnameChain []dns.RR
	depth      int

	parent *RunningQuery
	child  *RunningQuery
	done   chan struct{}

	// seen is shared by every RunningQuery descended from one client
	// query; it implements the ancestor-loop check in O(1) instead of
	// walking parent links (spec.md §4.1's loop guard).
	seen *haxmap.Map[string, struct{}]

	// pendingResponse carries a direct Nub reply from QueryTarget into
	// QueryResponse. childResult/childErr/childOwner carry a just-finished
	// child's outcome into PrimeResponse/TargetResponse.
	pendingResponse *dns.Msg
	childResult     *dns.Msg
	childErr        error
	childOwner      string

	response *dns.Msg
	err      error
}

// newRootQuery constructs the root RunningQuery for a client query.
func newRootQuery(ctx context.Context, r *Resolver, q dns.Question) *RunningQuery {
	rq := &RunningQuery{
		id:               uuid.New(),
		resolver:         r,
		ctx:              ctx,
		cancel:           func() {},
		originalQuestion: q,
		currentQname:     strings.ToLower(dns.Fqdn(q.Name)),
		currentQtype:     q.Qtype,
		state:            StateInitQuery,
		finishState:      StateFinished,
		done:             make(chan struct{}),
		seen:             haxmap.New[string, struct{}](),
	}
	rq.log = r.cfg.Logger.With().Str("query", rq.id.String()).Str("qname", rq.currentQname).Logger()
	r.metrics.Outstanding.Inc()
	return rq
}

// spawnChild creates a normal (InitQuery-entry) child RunningQuery for a
// glueless-NS glue lookup.
func (q *RunningQuery) spawnChild(qname string, qtype uint16, finishState State) *RunningQuery {
	childCtx, cancel := context.WithCancel(q.ctx)
	child := &RunningQuery{
		id:               uuid.New(),
		resolver:         q.resolver,
		ctx:              childCtx,
		cancel:           cancel,
		originalQuestion: dns.Question{Name: dns.Fqdn(qname), Qtype: qtype, Qclass: dns.ClassINET},
		currentQname:     strings.ToLower(dns.Fqdn(qname)),
		currentQtype:     qtype,
		state:            StateInitQuery,
		finishState:      finishState,
		depth:            q.depth + 1,
		parent:           q,
		done:             make(chan struct{}),
		seen:             q.seen,
	}
	child.log = q.log.With().Str("query", child.id.String()).Str("qname", child.currentQname).Logger()
	q.child = child
	q.resolver.metrics.Outstanding.Inc()
	return child
}

// spawnPrimingChild creates the QueryTarget-entry child that resolves the
// root NS set from the configured root hints (spec.md §4.1 step 3).
func (q *RunningQuery) spawnPrimingChild() *RunningQuery {
	child := q.spawnChild(".", dns.TypeNS, StatePrimeResponse)
	child.state = StateQueryTarget
	child.currentDP = q.resolver.rootHintsDP()
	return child
}

// runChild starts child on its own goroutine and blocks until it reaches
// Finished, then copies its outcome into the parent's childResult/childErr.
// This is the "owns the child + completion notification" pattern spec.md §9
// asks for: the parent's goroutine is genuinely suspended on the channel
// receive, not polling.
func (q *RunningQuery) runChild(child *RunningQuery) {
	go child.run()
	<-child.done
	q.childResult = child.response
	q.childErr = child.err
	child.cancel()
	q.child = nil
}

// run drives the state machine to Finished, then closes done so a waiting
// parent (or Resolver.Resolve, for the root query) can resume.
func (q *RunningQuery) run() {
	defer close(q.done)
	for q.state != StateFinished {
		select {
		case <-q.ctx.Done():
			if q.err == nil {
				q.err = wrapErr(ErrCancelled, q.ctx.Err().Error())
			}
			q.state = StateFinished
			continue
		default:
		}
		switch q.state {
		case StateInitQuery:
			q.state = q.stepInitQuery()
		case StateQueryTarget:
			q.state = q.stepQueryTarget()
		case StateQueryResponse:
			q.state = q.stepQueryResponse()
		case StatePrimeResponse:
			q.state = q.stepPrimeResponse()
		case StateTargetResponse:
			q.state = q.stepTargetResponse()
		}
	}
	q.finalize()
}

// ancestorKey implements the loop guard: current_qname already appearing in
// the ancestor chain with the same QTYPE.
func ancestorKey(qname string, qtype uint16) string {
	return qname + "/" + strconv.Itoa(int(qtype))
}

func (q *RunningQuery) stepInitQuery() State {
	if q.depth > q.resolver.cfg.MaxDepth {
		q.err = wrapErr(ErrLoopOrDepth, "max recursion depth exceeded")
		return StateFinished
	}
	key := ancestorKey(q.currentQname, q.currentQtype)
	if _, loop := q.seen.Get(key); loop {
		q.err = wrapErr(ErrLoopOrDepth, "query loop detected: "+key)
		return StateFinished
	}
	q.seen.Set(key, struct{}{})

	if cached, ok := q.resolver.msgCache.Get(q.currentQname, q.currentQtype, dns.ClassINET); ok {
		q.resolver.metrics.CacheHits.Inc()
		if q.currentQtype != dns.TypeCNAME && !hasRRType(cached.Answer, q.currentQtype) {
			// A cached CNAME/DNAME at this qname doesn't answer the
			// requested qtype by itself: chase it exactly as a freshly
			// received one would be (spec.md §8.1 idempotent-caching).
			if target, ok := cnameTarget(cached, q.currentQname); ok {
				return q.chaseCachedCName(cached, target)
			}
			if target, ok := dnameSynthesize(cached, q.currentQname); ok {
				return q.chaseCachedCName(cached, target)
			}
		}
		q.response = assembleFinal(q.originalQuestion, q.cnameChain, cached)
		return StateFinished
	}
	q.resolver.metrics.CacheMisses.Inc()

	if snap, ok := q.resolver.delegCache.ClosestEnclosing(q.currentQname); ok {
		q.currentDP = dpFromSnapshot(snap)
		return StateQueryTarget
	}

	child := q.spawnPrimingChild()
	q.runChild(child)
	return StatePrimeResponse
}

func (q *RunningQuery) stepQueryTarget() State {
	if addr, ok := q.currentDP.Target(q.resolver.hostSelector); ok {
		msg := buildQuery(q.currentQname, q.currentQtype)
		resp, rtt, err := q.resolver.nub.Send(q.ctx, addr, msg)
		q.currentDP.AddProbed(addr)
		q.currentServer = addr.String()
		if err != nil {
			q.resolver.hostSelector.SetTimeout(addr)
			q.log.Debug().Str("server", addr.String()).Err(err).Msg("nub exchange failed, trying another server")
			return StateQueryTarget
		}
		q.resolver.hostSelector.SetRTT(addr, rtt)
		q.resolver.metrics.ServerRTT.Observe(rtt.Seconds())
		q.pendingResponse = resp
		return StateQueryResponse
	}

	if owner, ok := q.currentDP.MissingServer(); ok {
		child := q.spawnChild(owner, dns.TypeA, StateTargetResponse)
		q.childOwner = owner
		q.runChild(child)
		return StateTargetResponse
	}

	q.err = wrapErr(ErrDelegationExhausted, "no servers left to try for zone "+q.currentDP.Zone)
	return StateFinished
}

func (q *RunningQuery) stepQueryResponse() State {
	resp := q.pendingResponse
	q.pendingResponse = nil
	zone := "."
	if q.currentDP != nil {
		zone = q.currentDP.Zone
	}
	switch Classify(q.currentQname, q.currentQtype, zone, resp) {
	case CategoryAnswer:
		q.resolver.msgCache.Put(resp)
		q.response = assembleFinal(q.originalQuestion, q.cnameChain, resp)
		return StateFinished

	case CategoryReferral:
		newDP := FromReferral(resp)
		if newDP == nil || !isProperSuffix(newDP.Zone, q.currentDP.Zone) {
			q.log.Debug().Msg("referral failed monotone-delegation check, trying another server")
			return StateQueryTarget
		}
		owners, glue := newDP.snapshot()
		q.resolver.delegCache.Put(newDP.Zone, owners, glue, delegationTTL(resp))
		q.currentDP = newDP
		return StateQueryTarget

	case CategoryCName:
		return q.followCName(resp)

	case CategoryNodata, CategoryNxdomain:
		q.resolver.msgCache.PutNegative(resp)
		q.response = assembleFinal(q.originalQuestion, q.cnameChain, resp)
		return StateFinished

	default: // CategoryMalformed
		q.log.Debug().Msg("malformed or out-of-scope response, trying another server")
		return StateQueryTarget
	}
}

// followCName applies the CNAME trust rule (spec.md §4.1, DESIGN.md Open
// Question decision 1, stricter reading): the CNAME is cached regardless,
// but only followed if no delegation point deeper than current_dp is cached
// for current_qname — i.e. no deeper referral was skipped to reach here.
// Otherwise the query moves to that deeper delegation point and retries.
func (q *RunningQuery) followCName(resp *dns.Msg) State {
	q.resolver.msgCache.Put(resp)

	if snap, ok := q.resolver.delegCache.ClosestEnclosing(q.currentQname); ok && isProperSuffix(snap.Zone, q.currentDP.Zone) {
		q.log.Debug().Str("zone", snap.Zone).Msg("cname observed above deepest known delegation point, retrying there")
		q.currentDP = dpFromSnapshot(snap)
		return StateQueryTarget
	}

	target, ok := cnameTarget(resp, q.currentQname)
	if !ok {
		if t, ok2 := dnameSynthesize(resp, q.currentQname); ok2 {
			target, ok = t, true
		}
	}
	if !ok {
		q.err = wrapErr(ErrTransientServer, "cname category without a usable target")
		return StateFinished
	}
	if len(q.cnameChain) >= q.resolver.cfg.MaxCNAMEChain {
		q.err = wrapErr(ErrCNAMEChainTooDeep, "chain exceeds "+strconv.Itoa(q.resolver.cfg.MaxCNAMEChain))
		return StateFinished
	}
	q.cnameChain = append(q.cnameChain, cnameRR(resp, q.currentQname))
	q.currentQname = target
	q.currentDP = nil
	return StateInitQuery
}

// chaseCachedCName continues past a CNAME/DNAME found in a cache hit. Unlike
// followCName it applies no trust check: followCName caches a CNAME response
// before deciding whether to follow it, so a cached CNAME may be one that
// followCName declined to follow, and it is followed here all the same.
func (q *RunningQuery) chaseCachedCName(cached *dns.Msg, target string) State {
	if len(q.cnameChain) >= q.resolver.cfg.MaxCNAMEChain {
		q.err = wrapErr(ErrCNAMEChainTooDeep, "chain exceeds "+strconv.Itoa(q.resolver.cfg.MaxCNAMEChain))
		return StateFinished
	}
	q.cnameChain = append(q.cnameChain, cnameRR(cached, q.currentQname))
	q.currentQname = target
	q.currentDP = nil
	return StateInitQuery
}

func (q *RunningQuery) stepPrimeResponse() State {
	if q.childErr != nil || q.childResult == nil {
		q.err = wrapErr(ErrDelegationExhausted, "priming failed")
		return StateFinished
	}
	dp := dpFromAnswerNS(q.childResult, ".")
	if dp == nil {
		q.err = wrapErr(ErrDelegationExhausted, "priming produced no usable root NS")
		return StateFinished
	}
	owners, glue := dp.snapshot()
	q.resolver.delegCache.Put(dp.Zone, owners, glue, delegationTTL(q.childResult))
	q.currentDP = dp
	q.childResult = nil
	q.childErr = nil
	return StateQueryTarget
}

func (q *RunningQuery) stepTargetResponse() State {
	owner := q.childOwner
	added := false
	if q.childErr == nil && q.childResult != nil {
		for _, rr := range q.childResult.Answer {
			switch a := rr.(type) {
			case *dns.A:
				if addr, ok := ipToAddr(a.A); ok {
					q.currentDP.AddGlue(owner, addr)
					added = true
				}
			case *dns.AAAA:
				if addr, ok := ipToAddr(a.AAAA); ok {
					q.currentDP.AddGlue(owner, addr)
					added = true
				}
			}
		}
	}
	if !added {
		// The glue lookup yielded no address: mark this NS lame so
		// QueryTarget never spawns a second glue sub-query for it. (On
		// success its new addresses keep MissingServer from picking it.)
		q.currentDP.MarkLame(owner)
	}
	q.childResult = nil
	q.childErr = nil
	q.childOwner = ""
	return StateQueryTarget
}

// finalize produces a client-shaped response if one was never set (an error
// path), sets the common response flags, and releases owned resources.
func (q *RunningQuery) finalize() {
	if q.response == nil {
		q.response = servfail(q.originalQuestion, q.err)
		if q.parent == nil {
			q.resolver.metrics.ServfailTotal.Inc()
		}
	}
	q.response.RecursionAvailable = true
	q.response.Authoritative = false
	q.resolver.metrics.Outstanding.Dec()
	if q.parent == nil {
		q.resolver.metrics.QueriesServed.Inc()
	}
}

func servfail(question dns.Question, cause error) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(question.Name, question.Qtype)
	msg.Rcode = dns.RcodeServerFailure
	if cause != nil {
		opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetUDPSize(1232)
		opt.Option = append(opt.Option, &dns.EDNS0_EDE{
			InfoCode:  extendedErrorCode(cause),
			ExtraText: cause.Error(),
		})
		msg.Extra = append(msg.Extra, opt)
	}
	return msg
}

// assembleFinal builds the client-facing response: original question,
// accumulated cname_chain prepended, terminal answer appended (spec.md
// §4.1 Finished).
func assembleFinal(orig dns.Question, chain []dns.RR, terminal *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(orig.Name, orig.Qtype)
	msg.Id = 0 // restored by the front-end from the original client message
	msg.Rcode = terminal.Rcode
	msg.Answer = append(append([]dns.RR(nil), chain...), terminal.Answer...)
	msg.Ns = append([]dns.RR(nil), terminal.Ns...)
	msg.Extra = append([]dns.RR(nil), terminal.Extra...)
	msg.RecursionAvailable = true
	msg.Authoritative = false
	return msg
}

func cnameRR(resp *dns.Msg, owner string) dns.RR {
	lo := strings.ToLower(dns.Fqdn(owner))
	for _, rr := range resp.Answer {
		if c, ok := rr.(*dns.CNAME); ok && strings.EqualFold(dns.Fqdn(c.Hdr.Name), lo) {
			return rr
		}
	}
	// No CNAME at owner: a DNAME redirect is recorded by its DNAME record.
	for _, rr := range resp.Answer {
		if d, ok := rr.(*dns.DNAME); ok && strings.HasSuffix(lo, strings.ToLower(dns.Fqdn(d.Hdr.Name))) {
			return rr
		}
	}
	return nil
}

func buildQuery(qname string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	m.RecursionDesired = false
	return m
}

func delegationTTL(resp *dns.Msg) time.Duration {
	var minTTL uint32
	scan := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if ns, ok := rr.(*dns.NS); ok {
				if minTTL == 0 || ns.Hdr.Ttl < minTTL {
					minTTL = ns.Hdr.Ttl
				}
			}
		}
	}
	// A referral carries its NS set in the authority section; the root
	// priming answer carries it in the answer section, since the root
	// server is authoritative for ".".
	scan(resp.Ns)
	scan(resp.Answer)
	if minTTL == 0 {
		return 0
	}
	return time.Duration(minTTL) * time.Second
}

func dpFromSnapshot(snap cache.DPSnapshot) *DelegationPoint {
	return NewDelegationPoint(snap.Zone, snap.NSOwners, snap.Glue)
}

// dpFromAnswerNS builds a DelegationPoint from the Answer section of a
// successful (zone, NS) query, the shape priming's root query receives.
func dpFromAnswerNS(msg *dns.Msg, zone string) *DelegationPoint {
	var owners []string
	for _, rr := range msg.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			owners = append(owners, strings.ToLower(ns.Ns))
		}
	}
	if len(owners) == 0 {
		return nil
	}
	glue := glueAddresses(msg)
	return NewDelegationPoint(zone, owners, glue)
}
