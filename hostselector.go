package resolver

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"
)

const (
	defaultSeedRTT      = 400 * time.Millisecond // spec.md §4.2
	maxTimeoutCount      = 3                      // original_source host_selector.rs
	serverQuarantineTime = 60 * time.Second        // original_source host_selector.rs
	rttTableCapacity     = 4096
)

// hostState is the RTT/timeout bookkeeping kept per server address, mirroring
// original_source's HostState.
type hostState struct {
	rtt          time.Duration
	sampled      bool // rtt holds a measured value rather than defaultSeedRTT
	timeoutCount int
	wakeupTime   time.Time
}

func (s *hostState) usable(now time.Time) bool {
	return s.wakeupTime.IsZero() || now.After(s.wakeupTime)
}

// HostSelector chooses the next server address to probe, trading RTT against
// the need to eventually try unknown servers. One HostSelector is shared by
// all RunningQuery instances descended from one Resolver, since RTT
// knowledge should outlive a single query.
type HostSelector struct {
	mu    sync.Mutex
	table map[netip.Addr]*hostState
	order []netip.Addr // insertion order; the oldest entry is evicted past rttTableCapacity
	rng   *rand.Rand
}

// NewHostSelector returns an empty RTT table.
func NewHostSelector() *HostSelector {
	return &HostSelector{
		table: make(map[netip.Addr]*hostState),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (hs *HostSelector) stateFor(addr netip.Addr) *hostState {
	if st, ok := hs.table[addr]; ok {
		return st
	}
	st := &hostState{rtt: defaultSeedRTT}
	hs.table[addr] = st
	hs.order = append(hs.order, addr)
	if len(hs.order) > rttTableCapacity {
		evict := hs.order[0]
		hs.order = hs.order[1:]
		delete(hs.table, evict)
	}
	return st
}

// SetRTT records a successful exchange's observed round-trip time for addr.
// EWMA-smoothed at 3:7 (old:new) once a real sample has ever been taken;
// replaced outright if the server had timed out since its last sample, per
// original_source's set_rtt.
func (hs *HostSelector) SetRTT(addr netip.Addr, rtt time.Duration) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	st := hs.stateFor(addr)
	if st.sampled && st.timeoutCount == 0 {
		st.rtt = (st.rtt*3 + rtt*7) / 10
	} else {
		st.rtt = rtt
	}
	st.sampled = true
	st.timeoutCount = 0
	st.wakeupTime = time.Time{}
}

// SetTimeout records a timed-out exchange against addr. After
// maxTimeoutCount consecutive timeouts the server is put to sleep for
// serverQuarantineTime; HostSelector will not offer it again until then.
func (hs *HostSelector) SetTimeout(addr netip.Addr) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	st := hs.stateFor(addr)
	if st.timeoutCount < maxTimeoutCount {
		st.timeoutCount++
	}
	if st.timeoutCount >= maxTimeoutCount {
		st.wakeupTime = time.Now().Add(serverQuarantineTime)
	}
}

// Select picks the lowest-RTT usable candidate, tie-breaking randomly among
// equals. Candidates already probed within the current query must be
// excluded by the caller (DelegationPoint.candidates already does this),
// satisfying the no-probe-twice invariant.
func (hs *HostSelector) Select(candidates []hostCandidate) (netip.Addr, bool) {
	if len(candidates) == 0 {
		return netip.Addr{}, false
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()

	now := time.Now()
	var usable []hostCandidate
	for _, c := range candidates {
		if st := hs.stateFor(c.addr); st.usable(now) {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		// Every known candidate is quarantined; fall back to the full set
		// rather than stalling the query entirely.
		usable = candidates
	}

	best := usable[0]
	bestRTT := hs.stateFor(best.addr).rtt
	var ties []netip.Addr
	ties = append(ties, best.addr)
	for _, c := range usable[1:] {
		rtt := hs.stateFor(c.addr).rtt
		switch {
		case rtt < bestRTT:
			best, bestRTT = c, rtt
			ties = ties[:0]
			ties = append(ties, c.addr)
		case rtt == bestRTT:
			ties = append(ties, c.addr)
		}
	}
	if len(ties) > 1 {
		chosen := ties[hs.rng.Intn(len(ties))]
		for _, c := range usable {
			if c.addr == chosen {
				return c.addr, true
			}
		}
	}
	return best.addr, true
}
