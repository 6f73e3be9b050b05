package dnsutils

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func query(name string, qtype, qclass uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.Question[0].Qclass = qclass
	q.Id = 0x1234
	return q
}

func TestKindOf(t *testing.T) {
	testCases := []struct {
		qtype uint16
		want  QueryKind
	}{
		{dns.TypeA, KindA},
		{dns.TypePTR, KindPTR},
		{dns.TypeAAAA, KindAAAA},
		{dns.TypeMX, KindOther},
		{dns.TypeTXT, KindOther},
	}
	for _, tC := range testCases {
		t.Run(dns.TypeToString[tC.qtype], func(t *testing.T) {
			assert.Equal(t, tC.want, KindOf(tC.qtype))
		})
	}
	assert.True(t, KindA.Resolvable())
	assert.True(t, KindPTR.Resolvable())
	assert.False(t, KindAAAA.Resolvable())
	assert.False(t, KindOther.Resolvable())
}

func TestPTRKey(t *testing.T) {
	testCases := []struct {
		qname   string
		want    string
		wantErr bool
	}{
		{"4.3.2.1.in-addr.arpa.", "1.2.3.4", false},
		{"34.216.184.93.in-addr.arpa", "93.184.216.34", false},
		{"1.0.0.127.rev.", "127.0.0.1", false},
		{"3.2.1.in-addr.arpa.", "", true},
		{"4.3.2.1.", "", true},
		{"x.3.2.1.in-addr.arpa.", "", true},
		{"256.3.2.1.in-addr.arpa.", "", true},
		{"example.com.", "", true},
	}
	for _, tC := range testCases {
		t.Run(tC.qname, func(t *testing.T) {
			got, err := PTRKey(tC.qname)
			if tC.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPTRName))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tC.want, got)
		})
	}
}

func TestNewAnswerReply(t *testing.T) {
	q := query("example.com.", dns.TypeA, dns.ClassINET)
	r, err := NewAnswerReply(q, KindA, "93.184.216.34", 0)
	require.NoError(t, err)

	assert.Equal(t, q.Id, r.Id)
	assert.True(t, r.Response)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Equal(t, q.Question, r.Question)
	require.Len(t, r.Answer, 1)
	a, ok := r.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.A.String())
	assert.Equal(t, "example.com.", a.Hdr.Name)
	assert.Equal(t, uint16(dns.ClassINET), a.Hdr.Class)

	q = query("4.3.2.1.in-addr.arpa.", dns.TypePTR, dns.ClassANY)
	r, err = NewAnswerReply(q, KindPTR, "host.example", 60)
	require.NoError(t, err)
	require.Len(t, r.Answer, 1)
	ptr, ok := r.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "host.example.", ptr.Ptr)
	assert.Equal(t, uint16(dns.ClassANY), ptr.Hdr.Class)
	assert.Equal(t, uint32(60), ptr.Hdr.Ttl)

	_, err = NewAnswerReply(query("a.", dns.TypeA, dns.ClassINET), KindA, "host.example", 0)
	assert.Error(t, err)
	_, err = NewAnswerReply(query("a.", dns.TypeAAAA, dns.ClassINET), KindAAAA, "::1", 0)
	assert.Error(t, err)
}

func TestGenEmptyReply(t *testing.T) {
	for _, rcode := range []int{dns.RcodeNameError, dns.RcodeNotImplemented} {
		t.Run(RcodeToString(rcode), func(t *testing.T) {
			q := query("example.com.", dns.TypeAAAA, dns.ClassINET)
			r := GenEmptyReply(q, rcode)
			assert.Equal(t, q.Id, r.Id)
			assert.True(t, r.Response)
			assert.Equal(t, rcode, r.Rcode)
			assert.Empty(t, r.Answer)
			assert.Equal(t, q.Question, r.Question)
		})
	}
}
