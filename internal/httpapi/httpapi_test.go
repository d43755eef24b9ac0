package httpapi

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventhub/eventhub/internal/metrics"
	"github.com/eventhub/eventhub/internal/worker"
)

func newTestHandler(t *testing.T, disableAuth, enableSSE bool) *Handler {
	t.Helper()
	m := metrics.New("eventhub_test_httpapi_"+t.Name(), "instance:8080")
	workers := []*worker.Worker{worker.New(0, m, zerolog.Nop())}
	return New(Config{
		Workers:     workers,
		Metrics:     m,
		DisableAuth: disableAuth,
		EnableSSE:   enableSSE,
		MaxReplay:   100,
		Logger:      zerolog.Nop(),
	})
}

func TestOptionsRequestReturnsCORSPreflight(t *testing.T) {
	h := newTestHandler(t, true, true)
	req := httptest.NewRequest(http.MethodOptions, "/room%2Fa", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestNonGetMethodRejectedEvenForHealthzAndMetricsPaths(t *testing.T) {
	h := newTestHandler(t, true, true)

	for _, path := range []string{"/healthz", "/metrics", "/room%2Fa"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("POST %s: expected 405, got %d", path, rec.Code)
		}
	}
}

func TestHealthzDefaultIsPlain(t *testing.T) {
	h := newTestHandler(t, true, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if _, ok := decoded["worker_count"]; ok {
		t.Fatal("expected non-verbose healthz to omit worker_count")
	}
}

func TestHealthzVerboseIncludesWorkerAndTopicCounts(t *testing.T) {
	h := newTestHandler(t, true, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz?verbose=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded struct {
		WorkerCount int  `json:"worker_count"`
		TopicsTotal *int `json:"topics_total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if decoded.WorkerCount != 1 {
		t.Fatalf("expected worker_count 1, got %d", decoded.WorkerCount)
	}
	if decoded.TopicsTotal == nil {
		t.Fatalf("expected topics_total in verbose health body, got %s", rec.Body.String())
	}
}

func TestMetricsJSONFormat(t *testing.T) {
	h := newTestHandler(t, true, true)
	req := httptest.NewRequest(http.MethodGet, "/metrics?format=json", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if _, ok := decoded["publish_count"]; !ok {
		t.Fatal("expected publish_count in JSON metrics body")
	}
}

func TestUpgradeRejectsMissingTokenWhenAuthEnabled(t *testing.T) {
	h := newTestHandler(t, false, true)
	req := httptest.NewRequest(http.MethodGet, "/room%2Fa", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestUpgradeReturns404WhenSSEDisabledAndNotWebSocket(t *testing.T) {
	h := newTestHandler(t, true, false)
	req := httptest.NewRequest(http.MethodGet, "/room%2Fa", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when sse is disabled, got %d", rec.Code)
	}
}

// TestSSEUpgradeDeliversHandshake exercises the full hijack path, which
// httptest.ResponseRecorder cannot do, so it drives a real listener.
func TestSSEUpgradeDeliversHandshake(t *testing.T) {
	h := newTestHandler(t, true, true)
	srv := httptest.NewServer(h)
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /room%2Fa HTTP/1.1\r\nHost: " + addr + "\r\n\r\n")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("expected 200 status line, got %q", statusLine)
	}
}
