// Package streamtest provides an in-memory stream.Transport whose connections
// are driven by the test.
package streamtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jmpumuro/judex/internal/stream"
)

// Transport records every Open call. Set OpenErr to make Open fail.
type Transport struct {
	mu      sync.Mutex
	conns   []*Conn
	OpenErr error
}

var _ stream.Transport = (*Transport)(nil)

// New returns an empty Transport.
func New() *Transport {
	return &Transport{}
}

// Open records a new connection for jobID.
func (t *Transport) Open(_ context.Context, jobID string, h stream.Handler) (stream.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	c := &Conn{JobID: jobID, handler: h}
	t.conns = append(t.conns, c)
	return c, nil
}

// Conns returns every connection opened so far, oldest first.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Opened reports how many connections were opened for jobID.
func (t *Transport) Opened(jobID string) int {
	n := 0
	for _, c := range t.Conns() {
		if c.JobID == jobID {
			n++
		}
	}
	return n
}

// Last returns the most recent connection for jobID, or nil.
func (t *Transport) Last(jobID string) *Conn {
	conns := t.Conns()
	for i := len(conns) - 1; i >= 0; i-- {
		if conns[i].JobID == jobID {
			return conns[i]
		}
	}
	return nil
}

// Conn is a fake connection. Send and Fail invoke the handler synchronously,
// even after Close, so tests can simulate late callbacks.
type Conn struct {
	JobID   string
	handler stream.Handler

	mu     sync.Mutex
	closed bool
}

// ErrInjected is the default error passed by Fail.
var ErrInjected = errors.New("streamtest: injected failure")

// Send delivers one frame.
func (c *Conn) Send(data string) {
	c.handler.OnMessage([]byte(data))
}

// Fail reports err (ErrInjected when nil) to the handler.
func (c *Conn) Fail(err error) {
	if err == nil {
		err = ErrInjected
	}
	c.handler.OnError(err)
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
