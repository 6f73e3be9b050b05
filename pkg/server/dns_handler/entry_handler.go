package dns_handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/dnsfwd/pkg/cache"
	"github.com/pmkol/dnsfwd/pkg/dnsutils"
	"github.com/pmkol/dnsfwd/pkg/query_context"
)

var nopLogger = zap.NewNop()

var (
	ErrNotQuery         = errors.New("msg is not a query")
	ErrNoQuestion       = errors.New("msg has no question")
	ErrUnsupportedClass = errors.New("unsupported query class")
)

// Handler handles one parsed query.
type Handler interface {
	// ServeDNS handles qCtx and sets its response. A non-nil error or a nil
	// qCtx.R() means no response should be sent.
	ServeDNS(ctx context.Context, qCtx *query_context.Context) error
}

// Resolver resolves cache misses. Implemented by bundled_upstream.Chain.
type Resolver interface {
	Resolve(ctx context.Context, kind dnsutils.QueryKind, key string) (value, server string, err error)
}

type EntryHandlerOpts struct {
	// Logger is used for logging. A nil value will disable logging.
	Logger *zap.Logger

	// Cache and Resolver are required.
	Cache    cache.Backend
	Resolver Resolver

	// AnswerTTL is the ttl of answer records. Default is 0.
	AnswerTTL uint32

	// MetricsReg is optional.
	MetricsReg prometheus.Registerer
}

func (opts *EntryHandlerOpts) init() error {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	return nil
}

// Query results, used as metric labels.
const (
	resultAnswered = "answered"
	resultNXDomain = "nxdomain"
	resultNotImp   = "notimp"
	resultDropped  = "dropped"
)

// EntryHandler answers A and PTR queries from the cache or the resolver
// and everything else with NOTIMP. It is not safe for concurrent use,
// the cache it drives is owned by the server loop.
type EntryHandler struct {
	opts EntryHandlerOpts

	queries *prometheus.CounterVec
	hits    prometheus.Counter
	misses  prometheus.Counter
}

func NewEntryHandler(opts EntryHandlerOpts) (*EntryHandler, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	h := &EntryHandler{
		opts: opts,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queries_total",
			Help: "The total number of processed queries by result",
		}, []string{"result"}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "The total number of queries answered from the cache",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "The total number of cache misses",
		}),
	}
	if opts.MetricsReg != nil {
		for _, c := range []prometheus.Collector{h.queries, h.hits, h.misses} {
			if err := opts.MetricsReg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register metrics, %w", err)
			}
		}
	}
	return h, nil
}

func (h *EntryHandler) ServeDNS(ctx context.Context, qCtx *query_context.Context) error {
	q := qCtx.Q()
	if q.Opcode != dns.OpcodeQuery || q.Response {
		h.queries.WithLabelValues(resultDropped).Inc()
		return ErrNotQuery
	}
	if len(q.Question) == 0 {
		h.queries.WithLabelValues(resultDropped).Inc()
		return ErrNoQuestion
	}
	question := q.Question[0]
	if question.Qclass != dns.ClassINET && question.Qclass != dns.ClassANY {
		h.queries.WithLabelValues(resultDropped).Inc()
		return fmt.Errorf("%w %s", ErrUnsupportedClass, dnsutils.QclassToString(question.Qclass))
	}

	kind := dnsutils.KindOf(question.Qtype)
	if !kind.Resolvable() {
		h.opts.Logger.Info("not implemented", qCtx.InfoField())
		h.queries.WithLabelValues(resultNotImp).Inc()
		qCtx.SetResponse(dnsutils.GenEmptyReply(q, dns.RcodeNotImplemented))
		return nil
	}

	value, source, ok := h.lookup(ctx, qCtx, kind, question.Name)
	if ok {
		r, err := dnsutils.NewAnswerReply(q, kind, value, h.opts.AnswerTTL)
		if err == nil {
			qCtx.SetSource(source)
			qCtx.SetResponse(r)
			h.queries.WithLabelValues(resultAnswered).Inc()
			h.opts.Logger.Info(
				"query answered",
				qCtx.InfoField(),
				zap.Stringer("client", qCtx.ReqMeta().GetClientAddr()),
				zap.String("value", value),
				zap.String("source", source),
				zap.Duration("latency", time.Since(qCtx.StartTime())),
			)
			return nil
		}
		h.opts.Logger.Warn("unusable answer", qCtx.InfoField(), zap.String("source", source), zap.Error(err))
	}

	h.queries.WithLabelValues(resultNXDomain).Inc()
	qCtx.SetResponse(dnsutils.GenEmptyReply(q, dns.RcodeNameError))
	h.opts.Logger.Info(
		"name not found",
		qCtx.InfoField(),
		zap.Stringer("client", qCtx.ReqMeta().GetClientAddr()),
		zap.Duration("latency", time.Since(qCtx.StartTime())),
	)
	return nil
}

// lookup returns the value cached under name, or asks the resolver and
// caches its answer. The cache is keyed by the query name for both kinds.
func (h *EntryHandler) lookup(ctx context.Context, qCtx *query_context.Context, kind dnsutils.QueryKind, name string) (value, source string, ok bool) {
	if v, ok := h.opts.Cache.Lookup(name); ok {
		h.hits.Inc()
		return v, query_context.SourceLocalCache, true
	}
	h.misses.Inc()

	key := name
	if kind == dnsutils.KindPTR {
		k, err := dnsutils.PTRKey(name)
		if err != nil {
			h.opts.Logger.Warn("invalid reverse name", qCtx.InfoField(), zap.Error(err))
			return "", "", false
		}
		key = k
	}

	v, server, err := h.opts.Resolver.Resolve(ctx, kind, key)
	if err != nil {
		h.opts.Logger.Warn("failed to resolve", qCtx.InfoField(), zap.Error(err))
		return "", "", false
	}
	h.opts.Cache.Add(name, v)
	return v, server, true
}
