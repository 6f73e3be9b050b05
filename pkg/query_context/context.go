package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/dnsfwd/pkg/dnsutils"
)

// SourceLocalCache is the source label of answers served from the cache.
const SourceLocalCache = "local-cache"

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.AddrPort
}

// NewRequestMeta returns the meta of a query from addr. An ipv4-mapped
// ipv6 addr is unmapped.
func NewRequestMeta(addr netip.AddrPort) *RequestMeta {
	if addr.Addr().Is4In6() {
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	return &RequestMeta{clientAddr: addr}
}

func (m *RequestMeta) GetClientAddr() netip.AddrPort {
	return m.clientAddr
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// Context carries one query through the handler.
type Context struct {
	startTime time.Time
	q         *dns.Msg
	id        uint32
	reqMeta   *RequestMeta

	r      *dns.Msg
	source string
}

// NewContext creates a new query Context.
func NewContext(q *dns.Msg, meta *RequestMeta) *Context {
	if q == nil {
		panic("handler: query msg is nil")
	}

	if meta == nil {
		meta = zeroRequestMeta
	}

	return &Context{
		q:         q,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}
}

// String returns a short summary of its query.
func (ctx *Context) String() string {
	if len(ctx.q.Question) == 0 {
		return fmt.Sprintf("<no question> %d %d", ctx.q.Id, ctx.id)
	}
	q := ctx.q.Question[0]
	return fmt.Sprintf("%s %s %s %d %d",
		q.Name,
		dnsutils.QclassToString(q.Qclass),
		dnsutils.QtypeToString(q.Qtype),
		ctx.q.Id,
		ctx.id,
	)
}

// Q returns the query msg. It always returns a non-nil msg.
func (ctx *Context) Q() *dns.Msg {
	return ctx.q
}

func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// R returns the response. A nil response means nothing will be sent back.
func (ctx *Context) R() *dns.Msg {
	return ctx.r
}

func (ctx *Context) SetResponse(r *dns.Msg) {
	ctx.r = r
}

// Source returns the label of whoever produced the answer: SourceLocalCache
// or the address of an upstream. Empty if no answer was produced.
func (ctx *Context) Source() string {
	return ctx.source
}

func (ctx *Context) SetSource(s string) {
	ctx.source = s
}

func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("query", ctx)
}
