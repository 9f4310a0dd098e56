package resolver

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func answerMsg(qname string, qtype uint16, rrs ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	m.Rcode = dns.RcodeSuccess
	m.Answer = rrs
	return m
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", s, err)
	}
	return rr
}

func TestClassifyAnswer(t *testing.T) {
	m := answerMsg("example.com.", dns.TypeA, mustRR(t, "example.com. 300 IN A 93.184.216.34"))
	assert.Equal(t, CategoryAnswer, Classify("example.com.", dns.TypeA, "com.", m))
}

func TestClassifyNxdomain(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("nope.example.", dns.TypeA)
	m.Rcode = dns.RcodeNameError
	assert.Equal(t, CategoryNxdomain, Classify("nope.example.", dns.TypeA, "example.", m))
}

func TestClassifyCNAME(t *testing.T) {
	m := answerMsg("www.example.com.", dns.TypeA, mustRR(t, "www.example.com. 300 IN CNAME example.com."))
	assert.Equal(t, CategoryCName, Classify("www.example.com.", dns.TypeA, "com.", m))
}

func TestClassifyReferralRespectsMonotoneDelegation(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Rcode = dns.RcodeSuccess
	m.Ns = []dns.RR{mustRR(t, "example.com. 172800 IN NS a.iana-servers.net.")}
	assert.Equal(t, CategoryReferral, Classify("example.com.", dns.TypeA, "com.", m))

	// A "referral" whose zone is not a proper suffix of the current
	// delegation point is not monotone and must not be trusted.
	m2 := new(dns.Msg)
	m2.SetQuestion("example.com.", dns.TypeA)
	m2.Rcode = dns.RcodeSuccess
	m2.Ns = []dns.RR{mustRR(t, "com. 172800 IN NS a.gtld-servers.net.")}
	assert.Equal(t, CategoryMalformed, Classify("example.com.", dns.TypeA, "example.com.", m2))
}

func TestClassifyNodata(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeMX)
	m.Rcode = dns.RcodeSuccess
	m.Ns = []dns.RR{mustRR(t, "example.com. 3600 IN SOA ns.example.com. host.example.com. 1 7200 3600 1209600 3600")}
	assert.Equal(t, CategoryNodata, Classify("example.com.", dns.TypeMX, "example.com.", m))
}

func TestClassifyBareEmptyResponseIsMalformedNotNodata(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeMX)
	m.Rcode = dns.RcodeSuccess
	assert.Equal(t, CategoryMalformed, Classify("example.com.", dns.TypeMX, "example.com.", m))
}

func TestIsProperSuffix(t *testing.T) {
	assert.True(t, isProperSuffix("example.com.", "com."))
	assert.True(t, isProperSuffix("com.", "."))
	assert.False(t, isProperSuffix("com.", "com."))
	assert.False(t, isProperSuffix("com.", "example.com."))
}

func TestDNAMESynthesize(t *testing.T) {
	m := answerMsg("foo.old.example.", dns.TypeA, mustRR(t, "old.example. 300 IN DNAME new.example."))
	target, ok := dnameSynthesize(m, "foo.old.example.")
	assert.True(t, ok)
	assert.Equal(t, "foo.new.example.", target)
}
