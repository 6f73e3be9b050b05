package dns_handler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pmkol/dnsfwd/pkg/bundled_upstream"
	"github.com/pmkol/dnsfwd/pkg/cache/mem_cache"
	"github.com/pmkol/dnsfwd/pkg/dnsutils"
	"github.com/pmkol/dnsfwd/pkg/query_context"
)

// An ipv4-mapped client addr, logged unmapped.
var testClient = netip.MustParseAddrPort("[::ffff:192.0.2.1]:5353")

type call struct {
	kind dnsutils.QueryKind
	key  string
}

type dummyResolver struct {
	answers map[call]string
	server  string
	calls   []call
}

func (r *dummyResolver) Resolve(_ context.Context, kind dnsutils.QueryKind, key string) (string, string, error) {
	c := call{kind: kind, key: key}
	r.calls = append(r.calls, c)
	if v, ok := r.answers[c]; ok {
		return v, r.server, nil
	}
	return "", "", fmt.Errorf("%w: [%s: empty]", bundled_upstream.ErrAllFailed, r.server)
}

type testEnv struct {
	h    *EntryHandler
	c    *mem_cache.MemCache
	r    *dummyResolver
	logs *observer.ObservedLogs
}

func newTestEnv(t *testing.T, answers map[call]string) *testEnv {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	c := mem_cache.NewMemCache(mem_cache.Opts{})
	t.Cleanup(func() { _ = c.Close() })
	r := &dummyResolver{answers: answers, server: "8.8.8.8"}
	h, err := NewEntryHandler(EntryHandlerOpts{Logger: zap.New(core), Cache: c, Resolver: r})
	require.NoError(t, err)
	return &testEnv{h: h, c: c, r: r, logs: logs}
}

func (e *testEnv) serve(t *testing.T, q *dns.Msg) (*query_context.Context, error) {
	t.Helper()
	qCtx := query_context.NewContext(q, query_context.NewRequestMeta(testClient))
	err := e.h.ServeDNS(context.Background(), qCtx)
	return qCtx, err
}

func newQuery(name string, qtype, qclass uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.Question[0].Qclass = qclass
	return q
}

func TestNewEntryHandler_missingOpts(t *testing.T) {
	_, err := NewEntryHandler(EntryHandlerOpts{Resolver: &dummyResolver{}})
	assert.Error(t, err)
	_, err = NewEntryHandler(EntryHandlerOpts{Cache: mem_cache.NewMemCache(mem_cache.Opts{})})
	assert.Error(t, err)
}

func TestEntryHandler_resolveAndCache(t *testing.T) {
	e := newTestEnv(t, map[call]string{{dnsutils.KindA, "example.com."}: "93.184.216.34"})

	q := newQuery("example.com.", dns.TypeA, dns.ClassINET)
	q.Id = 4242
	qCtx, err := e.serve(t, q)
	require.NoError(t, err)
	r := qCtx.R()
	require.NotNil(t, r)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Equal(t, uint16(4242), r.Id)
	assert.True(t, r.Response)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "93.184.216.34", r.Answer[0].(*dns.A).A.String())
	assert.Equal(t, "8.8.8.8", qCtx.Source())

	v, ok := e.c.Lookup("example.com.")
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", v)

	qCtx, err = e.serve(t, newQuery("example.com.", dns.TypeA, dns.ClassINET))
	require.NoError(t, err)
	assert.Equal(t, query_context.SourceLocalCache, qCtx.Source())
	require.Len(t, qCtx.R().Answer, 1)
	assert.Equal(t, "93.184.216.34", qCtx.R().Answer[0].(*dns.A).A.String())
	assert.Len(t, e.r.calls, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(e.h.hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.h.misses))
	assert.Equal(t, float64(2), testutil.ToFloat64(e.h.queries.WithLabelValues(resultAnswered)))
}

func TestEntryHandler_classANY(t *testing.T) {
	e := newTestEnv(t, map[call]string{{dnsutils.KindA, "example.com."}: "93.184.216.34"})
	qCtx, err := e.serve(t, newQuery("example.com.", dns.TypeA, dns.ClassANY))
	require.NoError(t, err)
	require.Len(t, qCtx.R().Answer, 1)
	assert.Equal(t, uint16(dns.ClassANY), qCtx.R().Question[0].Qclass)
}

func TestEntryHandler_totalFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	qCtx, err := e.serve(t, newQuery("nothing.example.", dns.TypeA, dns.ClassINET))
	require.NoError(t, err)
	r := qCtx.R()
	require.NotNil(t, r)
	assert.Equal(t, dns.RcodeNameError, r.Rcode)
	assert.Empty(t, r.Answer)
	assert.Empty(t, qCtx.Source())
	assert.Equal(t, 0, e.c.Len())
	assert.Equal(t, 1, e.logs.FilterMessage("failed to resolve").Len())
}

func TestEntryHandler_ptrReversal(t *testing.T) {
	e := newTestEnv(t, map[call]string{{dnsutils.KindPTR, "1.2.3.4"}: "host.example"})
	qCtx, err := e.serve(t, newQuery("4.3.2.1.in-addr.arpa.", dns.TypePTR, dns.ClassINET))
	require.NoError(t, err)
	require.Equal(t, []call{{dnsutils.KindPTR, "1.2.3.4"}}, e.r.calls)

	r := qCtx.R()
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "host.example.", r.Answer[0].(*dns.PTR).Ptr)

	// Cached under the query name, not the lookup key.
	_, ok := e.c.Lookup("4.3.2.1.in-addr.arpa.")
	assert.True(t, ok)
	_, ok = e.c.Lookup("1.2.3.4")
	assert.False(t, ok)
}

func TestEntryHandler_invalidPTRName(t *testing.T) {
	e := newTestEnv(t, nil)
	qCtx, err := e.serve(t, newQuery("example.com.", dns.TypePTR, dns.ClassINET))
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, qCtx.R().Rcode)
	assert.Empty(t, e.r.calls)
}

func TestEntryHandler_typeGating(t *testing.T) {
	e := newTestEnv(t, nil)
	e.c.Add("example.com.", "93.184.216.34")

	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeMX, dns.TypeTXT, dns.TypeNS} {
		qCtx, err := e.serve(t, newQuery("example.com.", qtype, dns.ClassINET))
		require.NoError(t, err)
		r := qCtx.R()
		require.NotNil(t, r)
		assert.Equal(t, dns.RcodeNotImplemented, r.Rcode, dns.TypeToString[qtype])
		assert.Empty(t, r.Answer)
		assert.Equal(t, qtype, r.Question[0].Qtype)
	}
	assert.Empty(t, e.r.calls)
	assert.Equal(t, 4, e.logs.FilterMessage("not implemented").Len())
	assert.Equal(t, float64(0), testutil.ToFloat64(e.h.hits))
}

func TestEntryHandler_dropped(t *testing.T) {
	e := newTestEnv(t, nil)

	ch := newQuery("version.bind.", dns.TypeA, dns.ClassCHAOS)
	qCtx, err := e.serve(t, ch)
	assert.True(t, errors.Is(err, ErrUnsupportedClass))
	assert.Nil(t, qCtx.R())

	resp := newQuery("example.com.", dns.TypeA, dns.ClassINET)
	resp.Response = true
	qCtx, err = e.serve(t, resp)
	assert.ErrorIs(t, err, ErrNotQuery)
	assert.Nil(t, qCtx.R())

	notify := newQuery("example.com.", dns.TypeSOA, dns.ClassINET)
	notify.Opcode = dns.OpcodeNotify
	_, err = e.serve(t, notify)
	assert.ErrorIs(t, err, ErrNotQuery)

	_, err = e.serve(t, new(dns.Msg))
	assert.ErrorIs(t, err, ErrNoQuestion)

	assert.Empty(t, e.r.calls)
	assert.Equal(t, float64(4), testutil.ToFloat64(e.h.queries.WithLabelValues(resultDropped)))
}

// A and PTR answers share one keyspace keyed by the query name, so a
// cached value of one kind is served to a query of the other kind.
func TestEntryHandler_keyspaceCollision(t *testing.T) {
	const name = "4.3.2.1.in-addr.arpa."

	t.Run("A value served to PTR", func(t *testing.T) {
		e := newTestEnv(t, map[call]string{{dnsutils.KindA, name}: "10.0.0.1"})
		_, err := e.serve(t, newQuery(name, dns.TypeA, dns.ClassINET))
		require.NoError(t, err)

		qCtx, err := e.serve(t, newQuery(name, dns.TypePTR, dns.ClassINET))
		require.NoError(t, err)
		assert.Equal(t, query_context.SourceLocalCache, qCtx.Source())
		require.Len(t, qCtx.R().Answer, 1)
		assert.Equal(t, "10.0.0.1.", qCtx.R().Answer[0].(*dns.PTR).Ptr)
		assert.Len(t, e.r.calls, 1)
	})

	t.Run("PTR value served to A", func(t *testing.T) {
		e := newTestEnv(t, map[call]string{{dnsutils.KindPTR, "1.2.3.4"}: "host.example"})
		_, err := e.serve(t, newQuery(name, dns.TypePTR, dns.ClassINET))
		require.NoError(t, err)

		qCtx, err := e.serve(t, newQuery(name, dns.TypeA, dns.ClassINET))
		require.NoError(t, err)
		assert.Equal(t, dns.RcodeNameError, qCtx.R().Rcode)
		assert.Len(t, e.r.calls, 1)
		assert.Equal(t, 1, e.logs.FilterMessage("unusable answer").Len())
	})
}

func TestEntryHandler_logsClientAndLatency(t *testing.T) {
	e := newTestEnv(t, map[call]string{{dnsutils.KindA, "example.com."}: "93.184.216.34"})
	_, err := e.serve(t, newQuery("example.com.", dns.TypeA, dns.ClassINET))
	require.NoError(t, err)
	_, err = e.serve(t, newQuery("nothing.example.", dns.TypeA, dns.ClassINET))
	require.NoError(t, err)

	for _, msg := range []string{"query answered", "name not found"} {
		entries := e.logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		fields := entries[0].ContextMap()
		assert.Equal(t, "192.0.2.1:5353", fields["client"], msg)
		latency, ok := fields["latency"].(time.Duration)
		require.True(t, ok, msg)
		assert.GreaterOrEqual(t, latency, time.Duration(0), msg)
	}
}
