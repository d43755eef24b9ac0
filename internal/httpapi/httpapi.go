// Package httpapi implements Eventhub's HTTP surface (spec §4.11): CORS
// preflight, health and metrics endpoints, bearer-token authentication, and
// protocol selection between a WebSocket upgrade and an SSE stream.
//
// The incremental request-line/header parser spec §4.1 describes is
// realized here with the standard library's net/http server rather than a
// hand-rolled byte-at-a-time parser: `http.Server.MaxHeaderBytes` enforces
// the 8 KiB cap and `ReadHeaderTimeout` enforces `handshake_timeout`,
// matching the teacher's own choice of net/http over a custom parser
// (`ws/server.go`'s `http.Server` + `http.ServeMux`).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/eventhub/eventhub/internal/access"
	"github.com/eventhub/eventhub/internal/cache"
	"github.com/eventhub/eventhub/internal/connection"
	"github.com/eventhub/eventhub/internal/metrics"
	"github.com/eventhub/eventhub/internal/rpc"
	"github.com/eventhub/eventhub/internal/sse"
	"github.com/eventhub/eventhub/internal/topic"
	"github.com/eventhub/eventhub/internal/worker"
)

// Handler is Eventhub's top-level http.Handler: it owns nothing about
// connection lifetime itself, only the routing and upgrade decision: once
// a socket is upgraded it is handed off to a Worker and this handler never
// sees it again.
type Handler struct {
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	cache        *cache.Store
	dispatcher   *rpc.Dispatcher
	workers      []*worker.Worker
	nextWorker   atomic.Uint64
	jwtSecret    string
	disableAuth  bool
	enableSSE    bool
	pingInterval time.Duration
	maxReplay    int
	startedAt    time.Time
	verboseFn    func() map[string]any
}

// Config bundles Handler's construction-time dependencies.
type Config struct {
	Workers      []*worker.Worker
	Dispatcher   *rpc.Dispatcher
	Cache        *cache.Store
	Metrics      *metrics.Metrics
	JWTSecret    string
	DisableAuth  bool
	EnableSSE    bool
	PingInterval time.Duration
	MaxReplay    int
	Logger       zerolog.Logger
	// VerboseHealth, when set, supplies the process resource section of
	// the `?verbose=1` health response (memory/CPU/goroutine counts).
	VerboseHealth func() map[string]any
}

// New builds the top-level HTTP handler.
func New(cfg Config) *Handler {
	return &Handler{
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		cache:        cfg.Cache,
		dispatcher:   cfg.Dispatcher,
		workers:      cfg.Workers,
		jwtSecret:    cfg.JWTSecret,
		disableAuth:  cfg.DisableAuth,
		enableSSE:    cfg.EnableSSE,
		pingInterval: cfg.PingInterval,
		maxReplay:    cfg.MaxReplay,
		startedAt:    time.Now(),
		verboseFn:    cfg.VerboseHealth,
	}
}

func (h *Handler) pickWorker() *worker.Worker {
	n := h.nextWorker.Add(1) - 1
	return h.workers[int(n)%len(h.workers)]
}

func corsHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
}

// ServeHTTP routes every inbound request per spec §4.11.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		corsHeaders(w, r)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case "/healthz":
		h.handleHealthz(w, r)
		return
	case "/metrics":
		h.handleMetrics(w, r)
		return
	}

	h.handleUpgrade(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w, r)
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Query().Get("verbose") != "1" {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		return
	}

	workerQueues := make([]int, len(h.workers))
	total := 0
	for i, wk := range h.workers {
		n := wk.Registry().Count()
		workerQueues[i] = n
		total += n
	}
	body := map[string]any{
		"status":           "ok",
		"uptime_sec":       time.Since(h.startedAt).Seconds(),
		"worker_count":     len(h.workers),
		"topics_total":     total,
		"topics_by_worker": workerQueues,
	}
	if h.verboseFn != nil {
		for k, v := range h.verboseFn() {
			body[k] = v
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		raw, err := h.metrics.JSON()
		if err != nil {
			http.Error(w, "failed to render metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

// extractToken reads the bearer token from the Authorization header or the
// `?auth=` query parameter (spec §4.11).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("auth")
}

func (h *Handler) authenticate(r *http.Request) (*access.Context, error) {
	token := extractToken(r)
	if !h.disableAuth && token == "" {
		return nil, errNoToken
	}
	return access.Authenticate(token, h.jwtSecret, h.disableAuth)
}

var errNoToken = &authError{"missing bearer token"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	accessCtx, err := h.authenticate(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	path, err := sse.DecodePath(r.URL.Path)
	if err != nil {
		http.Error(w, `{"error":"malformed path"}`, http.StatusNotFound)
		return
	}

	if r.Header.Get("Upgrade") == "websocket" && r.Header.Get("Sec-WebSocket-Key") != "" {
		h.upgradeWebSocket(w, r, accessCtx)
		return
	}

	if !h.enableSSE {
		http.Error(w, `{"error":"sse disabled"}`, http.StatusNotFound)
		return
	}
	h.upgradeSSE(w, r, path, accessCtx)
}

func (h *Handler) upgradeWebSocket(w http.ResponseWriter, r *http.Request, accessCtx *access.Context) {
	// gobwas/ws hijacks the connection and writes its own handshake
	// response, ignoring w.Header(), so the subprotocol is echoed through
	// the upgrader's Protocol hook: accepting every offer selects the first
	// subprotocol the client listed in Sec-WebSocket-Protocol.
	upgrader := ws.HTTPUpgrader{Protocol: func(string) bool { return true }}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	wk := h.pickWorker()
	c := connection.New(conn, connection.ModeWebSocket, wk.Registry(), accessCtx, h.dispatcher, h.logger, h.pingInterval)
	wk.Adopt(c)
}

func (h *Handler) upgradeSSE(w http.ResponseWriter, r *http.Request, path string, accessCtx *access.Context) {
	if !isTopicOrFilter(path) {
		http.Error(w, `{"error":"invalid topic"}`, http.StatusNotFound)
		return
	}
	if !accessCtx.AllowSubscribe(path) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusNotFound)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		h.logger.Warn().Err(err).Msg("sse hijack failed")
		return
	}
	if err := sse.WriteHandshake(bufrw.Writer); err != nil {
		conn.Close()
		return
	}

	wk := h.pickWorker()
	c := connection.New(conn, connection.ModeSSE, wk.Registry(), accessCtx, h.dispatcher, h.logger, h.pingInterval)
	wk.Adopt(c)

	requestID := r.URL.Query().Get("requestId")
	c.Subscribe(path, requestID)

	resume := sse.ParseResume(r)
	if h.cache == nil || (resume.SinceEventID == "" && !resume.HasSince) {
		return
	}
	limit := resume.Limit
	if limit <= 0 || limit > h.maxReplay {
		limit = h.maxReplay
	}
	isPattern := topic.IsValidTopicFilter(path)

	go h.replaySSE(c, path, resume, limit, isPattern, requestID)
}

func (h *Handler) replaySSE(c *connection.Connection, topicPath string, resume sse.Resume, limit int, isPattern bool, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var items []cache.CachedMessage
	var err error
	if resume.SinceEventID != "" {
		items, err = h.cache.ReplaySinceID(ctx, topicPath, resume.SinceEventID, limit, isPattern)
	} else {
		since := resume.SinceMs
		if since < 0 {
			since = time.Now().UnixMilli() + since
		}
		items, err = h.cache.ReplaySince(ctx, topicPath, since, limit, isPattern)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topicPath).Msg("sse replay failed")
		return
	}
	for _, item := range items {
		c.Deliver(item.Topic, item.ID, item.Message, item.Origin, requestID)
	}
}

func isTopicOrFilter(s string) bool {
	return topic.IsValidTopic(s) || topic.IsValidTopicFilter(s)
}

// MaxHeaderBytes is the HTTP request-line+header cap spec §4.1 requires
// (8 KiB), wired into http.Server.MaxHeaderBytes by the caller.
const MaxHeaderBytes = 8 * 1024
