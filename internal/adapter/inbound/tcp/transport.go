// Package tcp provides the line-JSON TCP transport for the broker.
// Each accepted connection carries exactly one newline-terminated request
// and receives exactly one newline-terminated response; the connection is
// then closed.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/moltbot/moltbroker/pkg/wire"
)

// Handler dispatches one decoded request to the broker and returns the
// response value to encode.
type Handler interface {
	Handle(ctx context.Context, req wire.Request) any
}

// Transport is the inbound adapter that serves the broker's wire protocol
// over TCP. Connections are distributed to a bounded worker pool; each
// worker handles one round trip and holds no locks between requests.
type Transport struct {
	handler     Handler
	addr        string
	workers     int
	connTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:9999"
// (localhost only).
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithWorkers sets the size of the connection worker pool.
func WithWorkers(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithConnTimeout sets the per-connection deadline covering both the read
// and the write of the single round trip.
func WithConnTimeout(d time.Duration) Option {
	return func(t *Transport) { t.connTimeout = d }
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMetrics attaches request metrics.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport creates a TCP transport serving the given handler.
func NewTransport(handler Handler, opts ...Option) *Transport {
	t := &Transport{
		handler:     handler,
		addr:        "127.0.0.1:9999",
		workers:     8,
		connTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins accepting connections and blocks until the context is
// cancelled or the listener fails.
func (t *Transport) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.logger.Info("request server listening", "addr", listener.Addr().String())

	conns := make(chan net.Conn, t.workers)
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.worker(ctx, conns)
	}

	errCh := make(chan error, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(conns)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					close(errCh)
					return
				}
				errCh <- err
				close(errCh)
				return
			}
			select {
			case conns <- conn:
			case <-ctx.Done():
				conn.Close()
			}
		}
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down request server")
		return t.Close()
	case err := <-errCh:
		t.wg.Wait()
		return err
	}
}

// Addr returns the bound listener address. Empty before Start.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Close stops accepting connections and waits for in-flight round trips
// to finish. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	listener := t.listener
	t.listener = nil
	t.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	t.wg.Wait()
	return nil
}

// worker drains the connection queue until it is closed.
func (t *Transport) worker(ctx context.Context, conns <-chan net.Conn) {
	defer t.wg.Done()
	for conn := range conns {
		t.serveConn(ctx, conn)
	}
}

// serveConn handles one request/response round trip.
func (t *Transport) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()

	if t.connTimeout > 0 {
		conn.SetDeadline(start.Add(t.connTimeout))
	}

	line, err := wire.ReadLine(conn)
	if err != nil {
		t.logger.Warn("failed to read request", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	req, err := wire.DecodeRequest(line)
	if err != nil {
		var unknown *wire.ErrUnknownType
		msg := "Invalid JSON"
		reqType := "invalid"
		if errors.As(err, &unknown) {
			msg = unknown.Error()
			reqType = "unknown"
		}
		t.observe(reqType, "error", start)
		t.writeResponse(conn, wire.Errorf(msg))
		return
	}

	resp := t.handler.Handle(ctx, req)
	t.observe(req.RequestType(), responseStatus(resp), start)
	if exec, ok := resp.(*wire.ExecuteResponse); ok && t.metrics != nil {
		t.metrics.ExecutesTotal.WithLabelValues(exec.Action, exec.Status).Inc()
	}
	t.writeResponse(conn, resp)
}

func (t *Transport) writeResponse(conn net.Conn, v any) {
	if err := wire.WriteResponse(conn, v); err != nil {
		t.logger.Warn("failed to write response", "remote", conn.RemoteAddr().String(), "error", err)
	}
}

func (t *Transport) observe(reqType, status string, start time.Time) {
	if t.metrics == nil {
		return
	}
	t.metrics.RequestsTotal.WithLabelValues(reqType, status).Inc()
	t.metrics.RequestDuration.WithLabelValues(reqType).Observe(time.Since(start).Seconds())
}

// responseStatus maps a response value to its metrics status label.
func responseStatus(v any) string {
	switch r := v.(type) {
	case *wire.CapabilityResponse:
		return r.Status
	case *wire.ExecuteResponse:
		return r.Status
	case *wire.ContentReceived:
		return r.Status
	case *wire.ApprovalResult:
		return r.Status
	case *wire.KillResponse:
		return r.Status
	case *wire.ErrorResponse:
		return "error"
	default:
		return "ok"
	}
}
