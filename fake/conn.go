// Package fake
//
// Fake implementations for testing: a connection wrapper with byte counting
// and error injection, and an in-memory coherent memory target.

package fake

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ErrInjected is the default error returned by a failing Conn.
var ErrInjected = errors.New("injected failure")

// Conn wraps a net.Conn, records everything written and can be told to fail.
type Conn struct {
	net.Conn

	mu       sync.Mutex
	written  int64
	writes   [][]byte
	writeErr error
	readErr  error
}

// NewConn wraps inner.
func NewConn(inner net.Conn) *Conn {
	return &Conn{Conn: inner}
}

// Write records b, then forwards it unless a write error is set.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return 0, err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	c.writes = append(c.writes, cp)
	c.written += int64(len(b))
	c.mu.Unlock()
	return c.Conn.Write(b)
}

// Read forwards to the wrapped conn unless a read error is set.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	err := c.readErr
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// SetWriteError makes every following Write fail with err.
func (c *Conn) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SetReadError makes every following Read fail with err.
func (c *Conn) SetReadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// BytesWritten returns the number of bytes written so far.
func (c *Conn) BytesWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Writes returns a copy of every Write call's payload.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// ClearWrites forgets recorded writes; the byte counter is kept.
func (c *Conn) ClearWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = c.writes[:0]
}
