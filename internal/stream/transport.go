package stream

import "context"

// Handler receives frames and failures from one connection. Callbacks run on
// the transport's goroutine; implementations hand them off to their own loop.
type Handler interface {
	// OnMessage is called once per received frame.
	OnMessage(data []byte)
	// OnError is called at most once, when the connection fails or the server
	// ends the stream. No callback follows it.
	OnError(err error)
}

// Conn is an open stream connection.
type Conn interface {
	// Close tears the connection down. A callback already in flight may still
	// arrive after Close returns.
	Close() error
}

// Transport opens per-job event streams. Open must not block on network I/O;
// failures to connect are reported through Handler.OnError.
type Transport interface {
	Open(ctx context.Context, jobID string, h Handler) (Conn, error)
}

// HandlerFuncs adapts two functions to the Handler interface.
type HandlerFuncs struct {
	Message func(data []byte)
	Error   func(err error)
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(data []byte) {
	if h.Message != nil {
		h.Message(data)
	}
}

// OnError implements Handler.
func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}
