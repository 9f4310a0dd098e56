package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestMessageCachePutGetRoundTrip(t *testing.T) {
	c := NewMessageCache(0)
	defer c.Stop()

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Rcode = dns.RcodeSuccess
	m.Answer = []dns.RR{mustRR(t, "example.com. 300 IN A 93.184.216.34")}

	require.True(t, c.Put(m))
	got, ok := c.Get("example.com.", dns.TypeA, dns.ClassINET)
	require.True(t, ok)
	assert.Equal(t, dns.RcodeSuccess, got.Rcode)
	assert.Len(t, got.Answer, 1)
}

func TestMessageCacheGetMiss(t *testing.T) {
	c := NewMessageCache(0)
	defer c.Stop()
	_, ok := c.Get("nowhere.example.", dns.TypeA, dns.ClassINET)
	assert.False(t, ok)
}

func TestTTLForPositiveUsesMinSectionTTLCapped(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Rcode = dns.RcodeSuccess
	m.Answer = []dns.RR{mustRR(t, "example.com. 999999999 IN A 93.184.216.34")}

	assert.Equal(t, CapTTL, ttlFor(m))
}

func TestTTLForNegativeUsesSOAMinimum(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("nope.example.com.", dns.TypeA)
	m.Rcode = dns.RcodeNameError
	m.Ns = []dns.RR{mustRR(t, "example.com. 3600 IN SOA ns.example.com. host.example.com. 1 7200 3600 1209600 60")}

	assert.Equal(t, 60*time.Second, ttlFor(m))
}

func TestTTLForNegativeWithoutSOAUsesDefault(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("nope.example.com.", dns.TypeA)
	m.Rcode = dns.RcodeNameError

	assert.Equal(t, NegTTL, ttlFor(m))
}

func TestTTLForServerFailureIsFiveMinutes(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Rcode = dns.RcodeServerFailure

	assert.Equal(t, 5*time.Minute, ttlFor(m))
}

func TestTTLForChaosClassIsFifteenMinutes(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS
	m.Rcode = dns.RcodeSuccess
	m.Answer = []dns.RR{mustRR(t, "version.bind. 0 CH TXT \"x\"")}

	assert.Equal(t, 15*time.Minute, ttlFor(m))
}

func TestPutRejectsMultiQuestionMessage(t *testing.T) {
	c := NewMessageCache(0)
	defer c.Stop()
	m := new(dns.Msg)
	m.Question = []dns.Question{
		{Name: "a.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	assert.False(t, c.Put(m))
}
