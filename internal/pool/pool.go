// Package pool implements the bounded data-stream pool described in
// SPEC_FULL.md §4.6: a fixed-size set of independent, pinned-TLS TCP
// connections that file-sending goroutines borrow one at a time. It
// replaces the original implementation's QUIC-multiplexed-stream pool
// (no QUIC library exists anywhere in the retrieved example pack; see
// DESIGN.md's Open Question log) with a pool of whole connections, which
// preserves the same externally observable contract: a bounded number of
// concurrent data streams, backpressure on borrowers, and a clean
// EOF-on-shutdown signal to whichever peer is reading the other end.
package pool

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool hands out net.Conn leases to a bounded set of borrowers, recycling
// connections returned after use and folding in newly accepted ones.
type Pool struct {
	listener net.Listener

	idle     chan net.Conn
	returned chan net.Conn

	waiters *semaphore.Weighted // bounds goroutines blocked in Borrow

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Pool that accepts connections from listener. capacity is
// the target number of concurrently held data streams; pendingWritesMultiplier
// times capacity bounds how many goroutines may be waiting on Borrow at
// once, implementing the backpressure spec.md §4.6 describes: once that
// many writers are already queued, further borrowers block before even
// entering the accept/return race.
func New(listener net.Listener, capacity int, pendingWritesMultiplier int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if pendingWritesMultiplier < 1 {
		pendingWritesMultiplier = 1
	}
	p := &Pool{
		listener: listener,
		idle:     make(chan net.Conn, capacity),
		returned: make(chan net.Conn, capacity),
		waiters:  semaphore.NewWeighted(int64(capacity * pendingWritesMultiplier)),
		done:     make(chan struct{}),
	}
	accepted := make(chan net.Conn)
	go p.acceptFromListener(accepted)
	go p.acceptLoop(accepted)
	return p
}

// acceptFromListener runs listener.Accept() in a loop on its own goroutine
// and forwards successful connections to accepted, so acceptLoop's select
// can race it against the returned channel without blocking on Accept.
func (p *Pool) acceptFromListener(accepted chan<- net.Conn) {
	for {
		c, err := p.listener.Accept()
		if err != nil {
			return
		}
		select {
		case accepted <- c:
		case <-p.done:
			_ = c.Close()
			return
		}
	}
}

func (p *Pool) acceptLoop(accepted <-chan net.Conn) {
	for {
		select {
		case c, ok := <-p.returned:
			if !ok {
				return
			}
			select {
			case p.idle <- c:
			case <-p.done:
				_ = c.Close()
				return
			}
		case c := <-accepted:
			select {
			case p.idle <- c:
			case <-p.done:
				_ = c.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// Lease is a borrowed connection. Exactly one of Release or Discard must
// be called once the borrower is done with it.
type Lease struct {
	pool *Pool
	conn net.Conn
}

// Conn returns the underlying connection.
func (l *Lease) Conn() net.Conn { return l.conn }

// Release returns the connection to the pool for reuse by the next
// borrower (the framing on the stream delimits file boundaries, so a
// released connection is immediately ready for another File header).
func (l *Lease) Release() {
	l.pool.waiters.Release(1)
	select {
	case l.pool.returned <- l.conn:
	case <-l.pool.done:
		_ = l.conn.Close()
	}
}

// Discard closes the connection outright instead of returning it,
// following a transport error that leaves its framing state unrecoverable.
func (l *Lease) Discard() {
	l.pool.waiters.Release(1)
	_ = l.conn.Close()
}

// Borrow blocks until an idle connection is available, the pool is
// shut down, or ctx is done. It first acquires a waiter slot (bounding
// how many goroutines may be queued here at once) before waiting on the
// idle channel itself.
func (p *Pool) Borrow(ctx context.Context) (*Lease, error) {
	if err := p.waiters.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("pool: acquire borrow slot: %w", err)
	}
	select {
	case c := <-p.idle:
		return &Lease{pool: p, conn: c}, nil
	case <-p.done:
		p.waiters.Release(1)
		return nil, fmt.Errorf("pool: shut down")
	case <-ctx.Done():
		p.waiters.Release(1)
		return nil, ctx.Err()
	}
}

// Shutdown closes the listener and drains every idle/in-flight connection,
// so a peer blocked reading the other end of any of them observes EOF
// rather than hanging.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.listener.Close()
		close(p.idle)
		close(p.returned)
		for c := range p.idle {
			_ = c.Close()
		}
		for c := range p.returned {
			_ = c.Close()
		}
	})
}
