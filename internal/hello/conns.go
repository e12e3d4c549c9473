package hello

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	connIdle int32 = iota
	connActive
	connClosed
)

// trackedConn is an accepted connection with its exchange state. Idle
// connections are interrupted as soon as a drain starts; active ones finish
// the exchange in flight.
//
// Interrupting expires the read deadline instead of closing, so a request
// that arrived just before the drain can still be answered. Once
// interrupted, every later read deadline is clamped to the past.
type trackedConn struct {
	net.Conn
	id    string
	svc   *Service
	state atomic.Int32

	deadlineMu sync.Mutex
}

// Begin marks the start of an exchange.
func (c *trackedConn) Begin() bool {
	return c.state.CompareAndSwap(connIdle, connActive)
}

// End marks the end of an exchange and reports whether another may follow.
func (c *trackedConn) End() bool {
	if !c.state.CompareAndSwap(connActive, connIdle) {
		return false
	}
	if c.svc.draining.Load() {
		c.interruptIfIdle()
		return false
	}
	return true
}

func (c *trackedConn) interruptIfIdle() {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	if c.state.CompareAndSwap(connIdle, connClosed) {
		_ = c.Conn.SetReadDeadline(time.Now())
	}
}

func (c *trackedConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	if c.state.Load() == connClosed {
		t = time.Now()
	}
	return c.Conn.SetReadDeadline(t)
}

func (c *trackedConn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	if c.state.Load() == connClosed {
		if err := c.Conn.SetWriteDeadline(t); err != nil {
			return err
		}
		return c.Conn.SetReadDeadline(time.Now())
	}
	return c.Conn.SetDeadline(t)
}

func (c *trackedConn) forceClose() {
	c.state.Store(connClosed)
	_ = c.Conn.Close()
}

// trackConn registers conn for shutdown coordination. It returns false once
// a drain has started.
func (s *Service) trackConn(conn net.Conn, id string) (*trackedConn, bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.draining.Load() {
		return nil, false
	}
	tc := &trackedConn{Conn: conn, id: id, svc: s}
	s.conns[tc] = struct{}{}
	s.wg.Add(1)
	return tc, true
}

func (s *Service) untrackConn(tc *trackedConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, tc)
}

// beginDrain stops new work and interrupts idle connections. It returns the
// number of connections still finishing an exchange.
func (s *Service) beginDrain() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.draining.Store(true)
	busy := 0
	for tc := range s.conns {
		tc.interruptIfIdle()
		if tc.state.Load() == connActive {
			busy++
		}
	}
	return busy
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for tc := range s.conns {
		tc.forceClose()
	}
}
