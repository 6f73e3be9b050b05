package dnsutils

import (
	"fmt"
	"net"
	"strconv"

	"github.com/miekg/dns"
)

// NewAnswerReply builds a NOERROR reply to q carrying one record of kind
// with value as its data. value is an IPv4 address for KindA and a host
// name for KindPTR.
func NewAnswerReply(q *dns.Msg, kind QueryKind, value string, ttl uint32) (*dns.Msg, error) {
	question := q.Question[0]
	hdr := dns.RR_Header{
		Name:  question.Name,
		Class: question.Qclass,
		Ttl:   ttl,
	}

	var rr dns.RR
	switch kind {
	case KindA:
		ip := net.ParseIP(value).To4()
		if ip == nil {
			return nil, fmt.Errorf("value %q is not an ipv4 address", value)
		}
		hdr.Rrtype = dns.TypeA
		rr = &dns.A{Hdr: hdr, A: ip}
	case KindPTR:
		if _, ok := dns.IsDomainName(value); !ok || len(value) == 0 {
			return nil, fmt.Errorf("value %q is not a domain name", value)
		}
		hdr.Rrtype = dns.TypePTR
		rr = &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(value)}
	default:
		return nil, fmt.Errorf("cannot answer %s queries", kind)
	}

	r := newReply(q)
	r.Answer = []dns.RR{rr}
	return r, nil
}

// GenEmptyReply creates a reply with rcode and no records.
func GenEmptyReply(q *dns.Msg, rcode int) *dns.Msg {
	r := newReply(q)
	r.Rcode = rcode
	return r
}

func newReply(q *dns.Msg) *dns.Msg {
	r := new(dns.Msg)
	r.SetReply(q)
	r.RecursionAvailable = true
	return r
}

// --- Helpers ---

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func RcodeToString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return strconv.Itoa(rcode)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}
