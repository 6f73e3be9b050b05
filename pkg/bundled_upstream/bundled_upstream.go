/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsfwd.
 */

package bundled_upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/dnsfwd/pkg/dnsutils"
)

type Upstream interface {
	// LookupA and LookupPTR return "" and a nil error if the server
	// has no record.
	LookupA(ctx context.Context, name string) (string, error)
	LookupPTR(ctx context.Context, ip string) (string, error)
	Address() string
}

var nopLogger = zap.NewNop()

var (
	ErrAllFailed       = errors.New("all upstreams failed")
	ErrUnsupportedKind = errors.New("query kind can not be resolved")
)

// Reasons of upstream_failures_total.
const (
	reasonError = "error"
	reasonEmpty = "empty"
)

type ChainOpts struct {
	Logger     *zap.Logger           // Nil logger disables logging.
	MetricsReg prometheus.Registerer // Nil disables metrics.
}

// Chain asks its upstreams one after another, in configured order.
// The first non-empty answer wins.
type Chain struct {
	upstreams []Upstream
	logger    *zap.Logger

	failures *prometheus.CounterVec
}

func NewChain(upstreams []Upstream, opts ChainOpts) (*Chain, error) {
	c := &Chain{
		upstreams: upstreams,
		logger:    opts.Logger,
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_failures_total",
			Help: "The total number of upstream lookups without an answer, by reason: error or empty (no record)",
		}, []string{"upstream", "reason"}),
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if opts.MetricsReg != nil {
		if err := opts.MetricsReg.Register(c.failures); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}
	return c, nil
}

// Resolve looks key up. For KindA key is a host name, for KindPTR it is
// a dotted ipv4 address. server is the Address of the upstream that
// answered.
func (c *Chain) Resolve(ctx context.Context, kind dnsutils.QueryKind, key string) (value, server string, err error) {
	if !kind.Resolvable() {
		return "", "", ErrUnsupportedKind
	}

	errMsgs := make([]string, 0, len(c.upstreams))
	for _, u := range c.upstreams {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}

		var v string
		var err error
		switch kind {
		case dnsutils.KindA:
			v, err = u.LookupA(ctx, key)
		case dnsutils.KindPTR:
			v, err = u.LookupPTR(ctx, key)
		}

		if err != nil {
			c.failures.WithLabelValues(u.Address(), reasonError).Inc()
			c.logger.Warn(
				"upstream lookup failed",
				zap.Stringer("kind", kind),
				zap.String("key", key),
				zap.String("addr", u.Address()),
				zap.Error(err),
			)
			errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", u.Address(), err))
			continue
		}
		if len(v) == 0 {
			c.failures.WithLabelValues(u.Address(), reasonEmpty).Inc()
			c.logger.Debug(
				"upstream has no record",
				zap.Stringer("kind", kind),
				zap.String("key", key),
				zap.String("addr", u.Address()),
			)
			errMsgs = append(errMsgs, fmt.Sprintf("[%s: empty]", u.Address()))
			continue
		}
		return v, u.Address(), nil
	}

	if len(errMsgs) > 0 {
		return "", "", fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
	}
	return "", "", ErrAllFailed
}

// Len returns the number of upstreams.
func (c *Chain) Len() int {
	return len(c.upstreams)
}
