// Package transport provides the outbound client's per-endpoint TCP connection pool.
//
// client.Client borrows one connection per call and returns it afterward, so
// connections are used exclusively rather than multiplexed.
//
// Pool design: uses a buffered channel as a natural FIFO queue. Buffered channels are
// concurrency-safe, and blocking on empty is built-in. A pooled connection that has sat
// idle longer than maxIdle is discarded instead of handed back out, since the remote
// rpcserver enforces its own readIdleTimeout (30s, see rpcserver/server.go) and will have
// already closed a connection the pool kept alive past that point.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// maxIdle bounds how long a returned connection may sit in the pool before Get discards
// it rather than handing it back to a caller, kept safely under rpcserver's own
// read-idle timeout so a pooled connection is never handed out just as the peer tears it
// down for inactivity.
const maxIdle = 20 * time.Second

// ConnPool manages a pool of reusable TCP connections to a single address.
type ConnPool struct {
	mu       sync.Mutex
	conns    chan *PoolConn           // Buffered channel as pool: FIFO, goroutine-safe
	addr     string                   // Target address
	maxConns int                      // Maximum number of connections
	curConns int                      // Currently created connections (may be < maxConns)
	factory  func() (net.Conn, error) // Connection factory function
}

// PoolConn wraps a net.Conn with pool metadata.
type PoolConn struct {
	net.Conn
	pool       *ConnPool
	unusable   bool      // Marked true when the connection encounters an error
	returnedAt time.Time // Set on Put; used by Get to evict idle-too-long connections
}

// NewConnPool creates a connection pool with the given max size.
// Connections are created lazily: the pool starts empty and grows on demand.
func NewConnPool(addr string, maxConns int, factory func() (net.Conn, error)) *ConnPool {
	return &ConnPool{
		conns:    make(chan *PoolConn, maxConns),
		addr:     addr,
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get retrieves a connection from the pool.
// Strategy:
//  1. Try to get an existing connection from the channel (non-blocking select); discard
//     and replace it if it has been idle longer than maxIdle
//  2. If pool is empty but under limit, create a new connection
//  3. If pool is empty and at limit, block until one is returned
func (p *ConnPool) Get() (*PoolConn, error) {
	select {
	case conn := <-p.conns:
		if conn.unusable || time.Since(conn.returnedAt) > maxIdle {
			p.discard(conn)
			return p.createNew()
		}
		return conn, nil
	default:
		// Pool is empty
		if p.curConns < p.maxConns {
			return p.createNew()
		}
		// At capacity: block until a connection is returned
		conn := <-p.conns
		if conn.unusable || time.Since(conn.returnedAt) > maxIdle {
			p.discard(conn)
			return p.createNew()
		}
		return conn, nil
	}
}

// MarkUnusable flags conn so the next Put closes and discards it instead of returning it
// to the pool, for callers that detected a write/read error on this connection.
func (conn *PoolConn) MarkUnusable() {
	conn.unusable = true
}

// Put returns a connection to the pool, stamping it with the time it was returned so a
// later Get can tell whether it has been idle too long to trust.
// If the connection is marked unusable (error occurred), it's closed and discarded.
func (p *ConnPool) Put(conn *PoolConn) {
	if conn.unusable {
		p.discard(conn)
		return
	}
	conn.returnedAt = time.Now()
	p.conns <- conn
}

// discard closes conn and decrements curConns, for connections that are unusable or have
// aged out of the pool rather than being returned for reuse.
func (p *ConnPool) discard(conn *PoolConn) {
	conn.Close()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}

// Close shuts down the pool and closes all connections.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
		p.curConns--
	}
	return nil
}

// createNew creates a new TCP connection via the factory function.
// Protected by mutex to prevent exceeding maxConns under concurrent access.
func (p *ConnPool) createNew() (*PoolConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.curConns >= p.maxConns {
		return nil, fmt.Errorf("connection pool exhausted")
	}

	netConn, err := p.factory()
	if err != nil {
		return nil, err
	}

	p.curConns++
	return &PoolConn{
		Conn:     netConn,
		pool:     p,
		unusable: false,
	}, nil
}
