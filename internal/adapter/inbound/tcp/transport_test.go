package tcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/goleak"

	"github.com/moltbot/moltbroker/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoHandler answers every request with a pong carrying the request type
// in the server field.
type echoHandler struct {
	mu    sync.Mutex
	types []string
}

func (h *echoHandler) Handle(_ context.Context, req wire.Request) any {
	h.mu.Lock()
	h.types = append(h.types, req.RequestType())
	h.mu.Unlock()
	return &wire.Pong{Type: wire.TypePong, Server: req.RequestType()}
}

func (h *echoHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.types))
	copy(out, h.types)
	return out
}

// startTransport runs a transport on an ephemeral port and returns its
// address plus a shutdown func.
func startTransport(t *testing.T, handler Handler, opts ...Option) (string, func()) {
	t.Helper()
	opts = append([]Option{
		WithAddr("127.0.0.1:0"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	tr := NewTransport(handler, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for tr.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("transport did not bind")
		}
		time.Sleep(time.Millisecond)
	}

	return tr.Addr(), func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Start() error: %v", err)
		}
	}
}

// roundTrip sends one request line and reads the single response line.
func roundTrip(t *testing.T, addr, line string) map[string]any {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("response not JSON: %q: %v", data, err)
	}
	return resp
}

func TestTransport_RoundTrip(t *testing.T) {
	handler := &echoHandler{}
	addr, stop := startTransport(t, handler)
	defer stop()

	resp := roundTrip(t, addr, `{"type":"ping"}`)
	if resp["type"] != "pong" || resp["server"] != "ping" {
		t.Errorf("response = %v", resp)
	}
	if seen := handler.seen(); len(seen) != 1 || seen[0] != "ping" {
		t.Errorf("handler saw %v, want [ping]", seen)
	}
}

func TestTransport_ConnectionClosedAfterResponse(t *testing.T) {
	addr, stop := startTransport(t, &echoHandler{})
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write([]byte(`{"type":"ping"}` + "\n"))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// One response line, then EOF from the server side.
	if got := strings.Count(string(data), "\n"); got != 1 {
		t.Errorf("response lines = %d, want 1", got)
	}
}

func TestTransport_MalformedJSON(t *testing.T) {
	addr, stop := startTransport(t, &echoHandler{})
	defer stop()

	resp := roundTrip(t, addr, `{not json`)
	if resp["type"] != "error" {
		t.Errorf("type = %v, want error", resp["type"])
	}
	if resp["message"] != "Invalid JSON" {
		t.Errorf("message = %v, want Invalid JSON", resp["message"])
	}
}

func TestTransport_UnknownType(t *testing.T) {
	addr, stop := startTransport(t, &echoHandler{})
	defer stop()

	resp := roundTrip(t, addr, `{"type":"self_destruct"}`)
	if resp["type"] != "error" {
		t.Errorf("type = %v, want error", resp["type"])
	}
	if resp["message"] != "Unknown message type: self_destruct" {
		t.Errorf("message = %v", resp["message"])
	}
}

func TestTransport_ConcurrentConnections(t *testing.T) {
	handler := &echoHandler{}
	addr, stop := startTransport(t, handler, WithWorkers(4))
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			conn.Write([]byte(`{"type":"status"}` + "\n"))
			if _, err := io.ReadAll(conn); err != nil {
				t.Errorf("read: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(handler.seen()); got != 32 {
		t.Errorf("handled = %d, want 32", got)
	}
}

func TestTransport_GracefulShutdown(t *testing.T) {
	_, stop := startTransport(t, &echoHandler{})
	stop()
}

func TestTransport_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	addr, stop := startTransport(t, &echoHandler{}, WithMetrics(m))
	defer stop()

	roundTrip(t, addr, `{"type":"ping"}`)
	roundTrip(t, addr, `{not json`)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ping", "ok")); got != 1 {
		t.Errorf("requests_total{ping,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("invalid", "error")); got != 1 {
		t.Errorf("requests_total{invalid,error} = %v, want 1", got)
	}
}

func TestRegisterStateGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	killed := false
	RegisterStateGauges(reg, func() int { return 3 }, func() bool { return killed })

	gauges := gatherGauges(t, reg)
	if got := gauges["moltbroker_pending_approvals"]; got != 3 {
		t.Errorf("pending_approvals = %v, want 3", got)
	}
	if got := gauges["moltbroker_kill_switch_engaged"]; got != 0 {
		t.Errorf("kill_switch_engaged = %v, want 0", got)
	}

	killed = true
	gauges = gatherGauges(t, reg)
	if got := gauges["moltbroker_kill_switch_engaged"]; got != 1 {
		t.Errorf("kill_switch_engaged = %v, want 1 after kill", got)
	}
}

// gatherGauges scrapes the registry into a name -> value map.
func gatherGauges(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	values := make(map[string]float64)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_GAUGE {
			continue
		}
		for _, metric := range mf.GetMetric() {
			values[mf.GetName()] = metric.GetGauge().GetValue()
		}
	}
	return values
}

var _ Handler = (*echoHandler)(nil)
