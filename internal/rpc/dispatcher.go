package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventhub/eventhub/internal/cache"
	"github.com/eventhub/eventhub/internal/connection"
	"github.com/eventhub/eventhub/internal/metrics"
)

// dispatchTimeout bounds each RPC call's backplane round trips.
const dispatchTimeout = 5 * time.Second

type handlerFunc func(ctx context.Context, d *Dispatcher, c *connection.Connection, req Request)

// Dispatcher holds the static method table and the shared dependencies its
// handlers need (the cache/backplane store and feature gates from config).
type Dispatcher struct {
	cache          *cache.Store
	enableCache    bool
	enableKVStore  bool
	maxReplayLimit int
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	handlers       map[string]handlerFunc
}

// New builds the dispatch table. Per Design Note 9, this is a plain map of
// method name to handler rather than a polymorphic handler hierarchy.
// m may be nil in tests that don't care about metric counts.
func New(store *cache.Store, enableCache, enableKVStore bool, maxReplayLimit int, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		cache:          store,
		enableCache:    enableCache,
		enableKVStore:  enableKVStore,
		maxReplayLimit: maxReplayLimit,
		logger:         logger,
		metrics:        m,
	}
	d.handlers = map[string]handlerFunc{
		"subscribe":      handleSubscribe,
		"unsubscribe":    handleUnsubscribe,
		"unsubscribeall": handleUnsubscribeAll,
		"publish":        handlePublish,
		"list":           handleList,
		"eventlog":       handleEventlog,
		"get":            handleGet,
		"set":            handleSet,
		"del":            handleDel,
		"ping":           handlePing,
		"disconnect":     handleDisconnect,
	}
	return d
}

// Dispatch satisfies connection.Dispatcher: it is invoked once per complete
// WebSocket TEXT frame.
func (d *Dispatcher) Dispatch(c *connection.Connection, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.Send(errorResponse(nil, CodeParseError, "invalid JSON"))
		return
	}
	if req.Method == "" {
		c.Send(errorResponse(req.ID, CodeInvalidRequest, "missing method"))
		return
	}

	handler, ok := d.handlers[strings.ToLower(req.Method)]
	if !ok {
		c.Send(errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	handler(ctx, d, c, req)
}
