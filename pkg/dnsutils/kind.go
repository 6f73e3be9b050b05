package dnsutils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// QueryKind is the closed set of query types the proxy distinguishes.
type QueryKind uint8

const (
	KindOther QueryKind = iota
	KindA
	KindPTR
	KindAAAA
)

func KindOf(qtype uint16) QueryKind {
	switch qtype {
	case dns.TypeA:
		return KindA
	case dns.TypePTR:
		return KindPTR
	case dns.TypeAAAA:
		return KindAAAA
	default:
		return KindOther
	}
}

func (k QueryKind) String() string {
	switch k {
	case KindA:
		return "A"
	case KindPTR:
		return "PTR"
	case KindAAAA:
		return "AAAA"
	default:
		return "OTHER"
	}
}

// Resolvable reports whether queries of this kind go through the cache
// and the upstream chain.
func (k QueryKind) Resolvable() bool {
	return k == KindA || k == KindPTR
}

var ErrInvalidPTRName = errors.New("invalid ptr name")

// PTRKey turns a reverse zone name into the dotted-quad address it encodes.
// The first four labels are the octets in reverse order, at least one zone
// label must follow them. "4.3.2.1.in-addr.arpa." gives "1.2.3.4".
func PTRKey(qname string) (string, error) {
	labels := dns.SplitDomainName(qname)
	if len(labels) < 5 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPTRName, qname)
	}

	var octets [4]string
	for i := 0; i < 4; i++ {
		n, err := strconv.ParseUint(labels[i], 10, 8)
		if err != nil {
			return "", fmt.Errorf("%w: %q, bad octet %q", ErrInvalidPTRName, qname, labels[i])
		}
		octets[3-i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(octets[:], "."), nil
}
