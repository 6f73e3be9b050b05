package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	D "github.com/pmkol/dnsfwd/pkg/server/dns_handler"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
)

var nopLogger = zap.NewNop()

const defaultReadTimeout = 10 * time.Second

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// DNSHandler is the dns handler required by the UDP server.
	DNSHandler D.Handler

	// ReadTimeout bounds each wait for a datagram. Housekeeping runs at least
	// this often, even without traffic. Default is 10s.
	ReadTimeout time.Duration

	// Housekeeping, if not nil, is called after every cycle of the loop:
	// after a query was handled, dropped or failed to parse, and after a
	// read timed out.
	Housekeeping func()
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
// Every tracked closer also holds the Server's wait group.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.closerTracker, c)
		s.wg.Done()
	}
	return true
}

// Close closes the Server and all its inner listeners, then waits for
// running loops to return.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}

	s.closed = true

	// Close outside of the lock, a closer may call back into the server.
	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.m.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}

	s.wg.Wait()
}
