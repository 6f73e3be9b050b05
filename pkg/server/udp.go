/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsfwd.
 *
 * dnsfwd is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dnsfwd is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  See the <https://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	C "github.com/pmkol/dnsfwd/pkg/query_context"
)

// readErrBackoff slows the loop down when the socket keeps failing.
const readErrBackoff = 100 * time.Millisecond

// ServeUDP serves queries on c one at a time until the server is closed.
// It only returns ErrServerClosed or errMissingDNSHandler.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	if s.opts.DNSHandler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	rb := make([]byte, dns.MaxMsgSize)
	for {
		err := s.serveOnce(c, rb)
		s.housekeeping()

		if err != nil {
			if s.Closed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.opts.Logger.Error("unexpected read err", zap.Error(err))
			time.Sleep(readErrBackoff)
		}
	}
}

// serveOnce waits for one datagram and answers it. It only returns socket
// errors. Read timeouts, bad packets, dropped queries and handler panics
// end the cycle quietly.
func (s *Server) serveOnce(c net.PacketConn, rb []byte) error {
	if err := c.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
		return err
	}
	n, remoteAddr, err := c.ReadFrom(rb)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	}

	defer func() {
		if v := recover(); v != nil {
			s.opts.Logger.Error(
				"panic while handling query",
				zap.Any("panic", v),
				zap.Stringer("from", remoteAddr),
				zap.Stack("stack"),
			)
		}
	}()

	q := new(dns.Msg)
	if err := q.Unpack(rb[:n]); err != nil {
		s.opts.Logger.Warn("invalid msg", zap.Error(err), zap.Binary("msg", rb[:n]), zap.Stringer("from", remoteAddr))
		return nil
	}

	qCtx := C.NewContext(q, C.NewRequestMeta(addrPortOf(remoteAddr)))

	if err := s.opts.DNSHandler.ServeDNS(context.Background(), qCtx); err != nil {
		s.opts.Logger.Warn("query dropped", qCtx.InfoField(), zap.Stringer("from", remoteAddr), zap.Error(err))
		return nil
	}

	r := qCtx.R()
	if r == nil {
		return nil
	}
	b, err := r.Pack()
	if err != nil {
		s.opts.Logger.Error("failed to pack handler's response", zap.Error(err), zap.Stringer("msg", r))
		return nil
	}
	if _, err := c.WriteTo(b, remoteAddr); err != nil {
		s.opts.Logger.Warn("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
	}
	return nil
}

func (s *Server) housekeeping() {
	if s.opts.Housekeeping == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			s.opts.Logger.Error("panic during housekeeping", zap.Any("panic", v), zap.Stack("stack"))
		}
	}()
	s.opts.Housekeeping()
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
