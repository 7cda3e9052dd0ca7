// Package httpstream receives evaluation events over a long-lived HTTP
// response carrying newline-delimited JSON or server-sent events.
package httpstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/stream"
)

const maxFrameBytes = 1 << 20

// Config controls a Transport.
type Config struct {
	// BaseURL is the evaluation API origin, e.g. http://localhost:8012.
	BaseURL string
	// PathTemplate defaults to stream.DefaultPathTemplate.
	PathTemplate string
	// Header is added to every request.
	Header http.Header
	// Client defaults to a client without a timeout.
	Client *http.Client
	Logger *zap.Logger
}

// Transport opens one streaming GET request per job.
type Transport struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ stream.Transport = (*Transport)(nil)

// New validates cfg and returns a Transport.
func New(cfg Config) (*Transport, error) {
	if _, err := stream.Endpoint(cfg.BaseURL, cfg.PathTemplate, "probe"); err != nil {
		return nil, err
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, client: client, logger: logger.Named("httpstream")}, nil
}

// Open starts streaming events for jobID in the background.
func (t *Transport) Open(ctx context.Context, jobID string, h stream.Handler) (stream.Conn, error) {
	endpoint, err := stream.Endpoint(t.cfg.BaseURL, t.cfg.PathTemplate, jobID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	for k, values := range t.cfg.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")

	c := &conn{cancel: cancel}
	go c.run(t.client, req, h, t.logger.With(zap.String("job_id", jobID)))
	return c, nil
}

type conn struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// Close cancels the request. It does not wait for the reader goroutine, which
// may be blocked handing a frame to the caller.
func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) run(client *http.Client, req *http.Request, h stream.Handler, logger *zap.Logger) {
	defer c.cancel()
	err := c.read(client, req, h, logger)
	if c.isClosed() {
		return
	}
	logger.Debug("stream ended", zap.Error(err))
	h.OnError(err)
}

func (c *conn) read(client *http.Client, req *http.Request, h stream.Handler, logger *zap.Logger) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Debug("close stream body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("open stream: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	fr := &framer{emit: func(frame []byte) {
		if !c.isClosed() {
			h.OnMessage(frame)
		}
	}}
	lines := newLineReader(resp.Body, maxFrameBytes)
	for {
		line, oversized, err := lines.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if oversized {
			fr.discard()
			logger.Warn("dropping oversized frame", zap.Int("max_bytes", maxFrameBytes))
			continue
		}
		fr.line(line)
	}
	fr.flush()
	return stream.ErrStreamClosed
}
