// Package upstream implements the lookup primitives the resolver chain
// issues against one configured DNS server.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/pmkol/dnsfwd/pkg/dnsutils"
)

const (
	defaultPort    = "53"
	defaultTimeout = 10 * time.Second
)

type Opts struct {
	// DomainSuffix is appended to single label names before they are sent.
	// Optional.
	DomainSuffix string

	// Timeout bounds one exchange. Default is 10s.
	Timeout time.Duration
}

// RcodeError is returned when the server answers with a non NOERROR rcode.
type RcodeError struct {
	Rcode int
}

func (e *RcodeError) Error() string {
	return "server replied " + dnsutils.RcodeToString(e.Rcode)
}

// Upstream is a single plain udp dns server.
type Upstream struct {
	addr     string
	dialAddr string
	suffix   string
	client   *dns.Client
}

func NewUpstream(addr string, opts Opts) (*Upstream, error) {
	if len(addr) == 0 {
		return nil, errors.New("empty upstream address")
	}
	dialAddr := addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		dialAddr = net.JoinHostPort(addr, defaultPort)
	}
	host, _, _ := net.SplitHostPort(dialAddr)
	if net.ParseIP(host) == nil {
		return nil, fmt.Errorf("upstream address %q is not an ip address", addr)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Upstream{
		addr:     addr,
		dialAddr: dialAddr,
		suffix:   strings.Trim(opts.DomainSuffix, "."),
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
	}, nil
}

// Address returns the address as it was configured.
func (u *Upstream) Address() string {
	return u.addr
}

// LookupA returns the first ipv4 address of name, or "" if the server has
// no A record for it.
func (u *Upstream) LookupA(ctx context.Context, name string) (string, error) {
	r, err := u.exchange(ctx, u.searchName(name), dns.TypeA)
	if err != nil {
		return "", err
	}
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", nil
}

// LookupPTR returns the first host name ip points back to, or "".
func (u *Upstream) LookupPTR(ctx context.Context, ip string) (string, error) {
	name, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", err
	}
	r, err := u.exchange(ctx, name, dns.TypePTR)
	if err != nil {
		return "", err
	}
	for _, rr := range r.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", nil
}

func (u *Upstream) searchName(name string) string {
	name = strings.TrimSuffix(name, ".")
	if len(u.suffix) > 0 && !strings.Contains(name, ".") {
		name = name + "." + u.suffix
	}
	return dns.Fqdn(name)
}

func (u *Upstream) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.RecursionDesired = true

	r, _, err := u.client.ExchangeContext(ctx, q, u.dialAddr)
	if err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, &RcodeError{Rcode: r.Rcode}
	}
	return r, nil
}
