package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrConnection is returned when the pool cannot obtain a connection,
	// either because dialing failed or the acquire was cancelled.
	ErrConnection = errors.New("could not obtain connection")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// Conn is one pooled connection. Between Acquire and Release it is owned
// exclusively by the caller; the protocol is stateless per request, so any
// idle connection is interchangeable with any other.
type Conn struct {
	net.Conn
	reader *bufio.Reader

	createdAt time.Time
	lastUsed  time.Time
}

// Pool bounds the number of concurrently open connections to one server
// and reuses idle ones across logical calls. Connections are dialed
// lazily on Acquire.
type Pool struct {
	logger log.Logger
	addr   string
	sem    *semaphore.Weighted

	dial func(addr string) (net.Conn, error)

	mtx    sync.Mutex
	idle   []*Conn
	closed bool
}

func NewPool(logger log.Logger, addr string, capacity int64) *Pool {
	return &Pool{
		logger: log.With(logger, "component", "pool"),
		addr:   addr,
		sem:    semaphore.NewWeighted(capacity),
		dial: func(addr string) (net.Conn, error) {
			return net.Dial("tcp", addr)
		},
	}
}

// Acquire returns an idle connection, or dials a new one while the pool is
// below capacity. At capacity it blocks until a connection is released or
// ctx is done; ctx is the place to hang an acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(ErrConnection, err.Error())
	}

	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	var conn *Conn
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mtx.Unlock()

	if conn != nil {
		return conn, nil
	}

	raw, err := p.dial(p.addr)
	if err != nil {
		// The slot must be returned, or a transient dial failure would
		// shrink the pool forever.
		p.sem.Release(1)
		return nil, errors.Wrapf(ErrConnection, "dial %s: %s", p.addr, err)
	}

	now := time.Now()
	return &Conn{
		Conn:      raw,
		reader:    bufio.NewReader(raw),
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// Release returns a connection to the idle set, or discards it when the
// caller observed it broken. Discarding frees the slot so a future
// Acquire may dial a replacement.
func (p *Pool) Release(conn *Conn, broken bool) {
	defer p.sem.Release(1)

	p.mtx.Lock()
	closed := p.closed
	p.mtx.Unlock()

	if broken || closed {
		if err := conn.Close(); err != nil {
			level.Debug(p.logger).Log("msg", "close broken connection", "err", err)
		}
		return
	}

	conn.lastUsed = time.Now()
	p.mtx.Lock()
	p.idle = append(p.idle, conn)
	p.mtx.Unlock()
}

// Close discards all idle connections. Connections currently checked out
// are closed by their callers on Release.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
}
