package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockClosed is returned by writes on a closed MockConn.
var ErrMockClosed = errors.New("mock connection closed")

// MockDialer is a Dialer for tests.
type MockDialer struct {
	mu    sync.Mutex
	err   error
	hang  bool
	delay time.Duration
	dials int
	conns []*MockConn
}

func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

// SetError makes subsequent dials fail with err.
func (d *MockDialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// SetHang makes subsequent dials block until their context is done.
func (d *MockDialer) SetHang(hang bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hang = hang
}

// SetDelay makes subsequent dials take at least delay.
func (d *MockDialer) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func (d *MockDialer) Dial(ctx context.Context, address string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	err, hang, delay := d.err, d.hang, d.delay
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	c := NewMockConn(address)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials returns how many times Dial was called.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every connection handed out so far.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// LastConn returns the most recent connection or nil.
func (d *MockDialer) LastConn() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// MockConn records writes in memory.
type MockConn struct {
	Address string

	mu       sync.Mutex
	buf      bytes.Buffer
	writes   int
	writeErr error
	block    bool
	closed   bool
	closeCh  chan struct{}
	started  chan struct{}
}

func NewMockConn(address string) *MockConn {
	return &MockConn{
		Address: address,
		closeCh: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
}

// SetWriteError makes subsequent writes fail with err.
func (c *MockConn) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// BlockWrites makes subsequent writes hang until Close.
func (c *MockConn) BlockWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = true
}

// WriteStarted is signalled when a blocked write begins.
func (c *MockConn) WriteStarted() <-chan struct{} {
	return c.started
}

func (c *MockConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrMockClosed
	}
	c.writes++
	if c.block {
		c.mu.Unlock()
		select {
		case c.started <- struct{}{}:
		default:
		}
		<-c.closeCh
		return 0, ErrMockClosed
	}
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(p)
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

// Written returns everything written so far.
func (c *MockConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Writes returns the number of Write calls.
func (c *MockConn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
