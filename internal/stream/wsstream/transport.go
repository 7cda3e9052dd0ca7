// Package wsstream receives evaluation events over a websocket, one JSON
// object per message.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/stream"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeGrace              = time.Second
)

// Config controls a Transport.
type Config struct {
	// BaseURL may use http(s) or ws(s); http schemes are mapped to ws.
	BaseURL string
	// PathTemplate defaults to stream.DefaultPathTemplate.
	PathTemplate string
	Header       http.Header
	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Transport dials one websocket per job.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ stream.Transport = (*Transport)(nil)

// New validates cfg and returns a Transport.
func New(cfg Config) (*Transport, error) {
	if _, err := endpoint(cfg, "probe"); err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = defaultHandshakeTimeout
		dialer = &d
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, dialer: dialer, logger: logger.Named("wsstream")}, nil
}

func endpoint(cfg Config, jobID string) (string, error) {
	raw, err := stream.Endpoint(cfg.BaseURL, cfg.PathTemplate, jobID)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("wsstream: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("wsstream: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Open dials in the background and starts reading messages for jobID.
func (t *Transport) Open(ctx context.Context, jobID string, h stream.Handler) (stream.Conn, error) {
	target, err := endpoint(t.cfg, jobID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{cancel: cancel}
	go c.run(ctx, t.dialer, target, t.cfg.Header, h, t.logger.With(zap.String("job_id", jobID)))
	return c, nil
}

type conn struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// Close cancels a pending dial or interrupts the reader, which then sends the
// close frame and releases the socket. It does not block on the network.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	c.cancel()
	if ws == nil {
		return nil
	}
	if err := ws.SetReadDeadline(time.Now()); err != nil {
		return fmt.Errorf("interrupt websocket reader: %w", err)
	}
	return nil
}

// hangUp runs on the reader goroutine once reading stops.
func (c *conn) hangUp(ws *websocket.Conn, logger *zap.Logger) {
	if c.isClosed() {
		deadline := time.Now().Add(closeGrace)
		if err := ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
			logger.Debug("send close frame", zap.Error(err))
		}
	}
	if err := ws.Close(); err != nil {
		logger.Debug("close websocket", zap.Error(err))
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	return true
}

func (c *conn) run(
	ctx context.Context,
	dialer *websocket.Dialer,
	target string,
	header http.Header,
	h stream.Handler,
	logger *zap.Logger,
) {
	defer c.cancel()
	err := c.read(ctx, dialer, target, header, h, logger)
	if c.isClosed() {
		return
	}
	logger.Debug("websocket ended", zap.Error(err))
	h.OnError(err)
}

func (c *conn) read(
	ctx context.Context,
	dialer *websocket.Dialer,
	target string,
	header http.Header,
	h stream.Handler,
	logger *zap.Logger,
) error {
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	if !c.attach(ws) {
		_ = ws.Close()
		return context.Canceled
	}
	defer c.hangUp(ws, logger)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return stream.ErrStreamClosed
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if c.isClosed() {
			return context.Canceled
		}
		h.OnMessage(data)
	}
}
