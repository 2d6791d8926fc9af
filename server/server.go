// Package server exposes a Storage backend over the wire protocol: an
// accept loop, one goroutine per connection, and a strict read-request /
// dispatch / write-response cycle per connection turn.
//
// Each request is fully decoded before the engine is touched and the
// response is built before it is written back, so the engine is never
// held across a network wait. The engine serializes its own state; the
// server adds no locking of its own around dispatch.
package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/oldmanfleming/smoldb/protocol"
	"github.com/oldmanfleming/smoldb/storage"
)

var ErrServerClosed = errors.New("server closed")

type Options struct {
	// MaxConnections bounds concurrently served connections; zero means
	// unbounded. Excess connections wait in the accept queue.
	MaxConnections int64
}

type Server struct {
	logger  log.Logger
	storage storage.Storage
	metrics *Metrics
	sem     *semaphore.Weighted

	mtx      sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// New creates a server serving the given storage backend. The backend's
// lifecycle stays with the caller; Shutdown does not close it.
func New(logger log.Logger, registerer prometheus.Registerer, st storage.Storage, opts Options) *Server {
	s := &Server{
		logger:  log.With(logger, "component", "server"),
		storage: st,
		metrics: NewMetrics(prometheus.WrapRegistererWithPrefix("server_", registerer)),
		conns:   make(map[net.Conn]struct{}),
	}
	if opts.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConnections)
	}
	return s
}

// ListenAndServe binds addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Shutdown. It returns
// ErrServerClosed after a clean shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return ErrServerClosed
	}
	s.listener = lis
	s.mtx.Unlock()

	level.Info(s.logger).Log("msg", "listening", "addr", lis.Addr())

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mtx.Lock()
			closed := s.closed
			s.mtx.Unlock()
			if closed {
				return ErrServerClosed
			}
			level.Error(s.logger).Log("msg", "accept failed", "err", err)
			continue
		}

		if s.sem != nil {
			if err := s.sem.Acquire(context.Background(), 1); err != nil {
				conn.Close()
				continue
			}
		}

		s.mtx.Lock()
		if s.closed {
			s.mtx.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.conns[conn] = struct{}{}
		s.mtx.Unlock()

		s.metrics.connectionsAccepted.Inc()
		s.metrics.connectionsActive.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Shutdown closes the listener and every open connection, then waits for
// the connection goroutines to drain. In-flight requests on closed
// connections are simply abandoned; the engine applies each operation
// atomically so nothing is left half-done.
func (s *Server) Shutdown() {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.closed = true
	lis := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mtx.Unlock()

	if lis != nil {
		lis.Close()
	}
	s.wg.Wait()

	level.Info(s.logger).Log("msg", "server stopped")
}

// serveConn runs the per-connection state machine: read a request frame,
// dispatch, write the response frame, repeat until the client goes away
// or framing breaks.
func (s *Server) serveConn(conn net.Conn) {
	peer := conn.RemoteAddr()
	level.Debug(s.logger).Log("msg", "connection accepted", "peer", peer)

	defer func() {
		conn.Close()
		s.mtx.Lock()
		delete(s.conns, conn)
		s.mtx.Unlock()
		if s.sem != nil {
			s.sem.Release(1)
		}
		s.metrics.connectionsActive.Dec()
		level.Debug(s.logger).Log("msg", "connection closed", "peer", peer)
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		req, err := protocol.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				// Framing is compromised; the only safe move is to drop
				// the connection.
				s.metrics.protocolErrors.Inc()
				level.Warn(s.logger).Log("msg", "malformed frame", "peer", peer, "err", err)
			}
			return
		}

		resp := s.dispatch(req)

		err = protocol.WriteResponse(writer, resp)
		if errors.Is(err, protocol.ErrProtocol) {
			// The response does not fit in a frame and nothing of it was
			// written, so the connection can carry the error instead.
			resp = s.errResponse(req, err)
			err = protocol.WriteResponse(writer, resp)
		}
		if err != nil {
			level.Warn(s.logger).Log("msg", "write response", "peer", peer, "err", err)
			return
		}
		if err := writer.Flush(); err != nil {
			level.Warn(s.logger).Log("msg", "flush response", "peer", peer, "err", err)
			return
		}
	}
}

// dispatch applies one fully decoded request to the storage backend and
// builds the response. Engine errors become typed error responses, never
// connection closes.
func (s *Server) dispatch(req *protocol.Request) *protocol.Response {
	now := time.Now()
	defer func() {
		s.metrics.requestDuration.Observe(time.Since(now).Seconds())
	}()
	s.metrics.requests.WithLabelValues(req.Op.String()).Inc()

	switch req.Op {
	case protocol.OpSet:
		if err := s.storage.Set(req.Key, req.Value); err != nil {
			return s.errResponse(req, err)
		}
		return &protocol.Response{Status: protocol.StatusOK}

	case protocol.OpGet:
		value, ok, err := s.storage.Get(req.Key)
		if err != nil {
			return s.errResponse(req, err)
		}
		if !ok {
			return &protocol.Response{Status: protocol.StatusNotFound}
		}
		return &protocol.Response{Status: protocol.StatusOK, Value: value}

	case protocol.OpRemove:
		if err := s.storage.Remove(req.Key); err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				return &protocol.Response{Status: protocol.StatusNotFound}
			}
			return s.errResponse(req, err)
		}
		return &protocol.Response{Status: protocol.StatusOK}

	case protocol.OpList:
		return &protocol.Response{Status: protocol.StatusOK, Keys: s.storage.ListKeys()}

	default:
		return s.errResponse(req, errors.Wrapf(protocol.ErrProtocol, "unknown op %d", req.Op))
	}
}

func (s *Server) errResponse(req *protocol.Request, err error) *protocol.Response {
	s.metrics.requestsFailed.WithLabelValues(req.Op.String()).Inc()
	level.Error(s.logger).Log("msg", "request failed", "op", req.Op, "key", req.Key, "err", err)
	return &protocol.Response{Status: protocol.StatusError, Message: err.Error()}
}
