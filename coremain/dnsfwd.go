package coremain

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/dnsfwd/mlog"
	"github.com/pmkol/dnsfwd/pkg/bundled_upstream"
	"github.com/pmkol/dnsfwd/pkg/cache/mem_cache"
	"github.com/pmkol/dnsfwd/pkg/safe_close"
	"github.com/pmkol/dnsfwd/pkg/server"
	"github.com/pmkol/dnsfwd/pkg/server/dns_handler"
	"github.com/pmkol/dnsfwd/pkg/upstream"
)

// Dnsfwd bundles everything the server loop owns: the cache, the
// resolver chain and the log file it rotates.
type Dnsfwd struct {
	logger *zap.Logger

	logFile    *mlog.RotateFile // nil if logging to stderr
	logMaxSize int64

	cache    *mem_cache.MemCache
	cacheTTL time.Duration
	chain    *bundled_upstream.Chain
	server   *server.Server

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry
	cacheSize  prometheus.Gauge
}

// NewDnsfwd builds a Dnsfwd from cfg. logFile is optional.
func NewDnsfwd(cfg *Config, lg *zap.Logger, logFile *mlog.RotateFile) (*Dnsfwd, error) {
	d := &Dnsfwd{
		logger:     lg,
		logFile:    logFile,
		logMaxSize: cfg.Log.MaxSize,
		cacheTTL:   cfg.Cache.TTL,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_size",
			Help: "The number of entries in the cache after the last gc",
		}),
	}
	reg := d.GetMetricsReg()
	reg.MustRegister(d.cacheSize)

	d.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(d.metricsReg, promhttp.HandlerOpts{}))
	d.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	d.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	d.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	d.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	d.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	d.cache = mem_cache.NewMemCache(mem_cache.Opts{
		Logger:     lg.Named("cache"),
		MetricsReg: reg,
	})

	chain, err := newChain(cfg, lg.Named("upstream"), reg)
	if err != nil {
		return nil, err
	}
	d.chain = chain

	handler, err := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:     lg.Named("handler"),
		Cache:      d.cache,
		Resolver:   chain,
		AnswerTTL:  cfg.AnswerTTL,
		MetricsReg: reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init handler, %w", err)
	}

	d.server = server.NewServer(server.ServerOpts{
		Logger:       lg.Named("server"),
		DNSHandler:   handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		Housekeeping: d.housekeeping,
	})
	return d, nil
}

func newChain(cfg *Config, lg *zap.Logger, reg prometheus.Registerer) (*bundled_upstream.Chain, error) {
	us := make([]bundled_upstream.Upstream, 0, len(cfg.Upstreams))
	for i, uc := range cfg.Upstreams {
		u, err := upstream.NewUpstream(uc.Addr, upstream.Opts{
			DomainSuffix: uc.DomainSuffix,
			Timeout:      cfg.Server.ReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init upstream #%d, %w", i, err)
		}
		us = append(us, u)
	}
	chain, err := bundled_upstream.NewChain(us, bundled_upstream.ChainOpts{Logger: lg, MetricsReg: reg})
	if err != nil {
		return nil, fmt.Errorf("failed to init upstream chain, %w", err)
	}
	return chain, nil
}

// RunDnsfwd runs dnsfwd with cfg until sc is closed.
func RunDnsfwd(cfg *Config, sc *safe_close.SafeClose) error {
	lg, logFile, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer lg.Sync()

	d, err := NewDnsfwd(cfg, lg, logFile)
	if err != nil {
		return err
	}
	defer d.cache.Close()

	addr, err := resolveListenAddr(cfg.Server.Listen)
	if err != nil {
		return err
	}
	c, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s, %w", addr, err)
	}
	lg.Info("udp server started", zap.Stringer("addr", c.LocalAddr()), zap.Int("upstreams", d.chain.Len()))
	sc.Go("udp server", func() error { return d.server.ServeUDP(c) }, d.server.Close)

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: d.httpAPIMux,
		}
		lg.Info("starting api http server", zap.String("addr", httpAddr))
		sc.Go("api http server", httpServer.ListenAndServe, func() { _ = httpServer.Close() })
	}

	<-sc.ReceiveCloseSignal()
	lg.Info("dnsfwd is closing")
	sc.Done()
	sc.CloseWait()
	return sc.Err()
}

// housekeeping runs after every cycle of the server loop.
func (d *Dnsfwd) housekeeping() {
	d.cache.GC(d.cacheTTL)
	d.cacheSize.Set(float64(d.cache.Len()))

	if d.logFile != nil {
		rotated, err := d.logFile.RotateIfOversize(d.logMaxSize)
		switch {
		case err == nil:
		case rotated:
			d.logger.Warn("log file rotated with error", zap.String("file", d.logFile.Path()), zap.Error(err))
		default:
			d.logger.Error("failed to rotate log file", zap.String("file", d.logFile.Path()), zap.Error(err))
		}
	}
}

func (d *Dnsfwd) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("dnsfwd_", d.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// resolveListenAddr resolves a service name port, e.g. ":domain" to ":53".
func resolveListenAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen addr %s, %w", addr, err)
	}
	p, err := net.LookupPort("udp", port)
	if err != nil {
		return "", fmt.Errorf("invalid listen port %s, %w", port, err)
	}
	return net.JoinHostPort(host, fmt.Sprint(p)), nil
}
