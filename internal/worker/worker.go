// Package worker implements Eventhub's per-core Worker: a connection
// registry, a local topic.Registry, and a per-worker event loop that
// serializes backplane-delivered fan-out jobs so publishes never interleave
// within one worker (spec §4.8, §5).
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventhub/eventhub/internal/connection"
	"github.com/eventhub/eventhub/internal/eventloop"
	"github.com/eventhub/eventhub/internal/logging"
	"github.com/eventhub/eventhub/internal/metrics"
	"github.com/eventhub/eventhub/internal/topic"
)

// maxIOWait bounds the worker loop's tick interval, matching spec §4.8
// step 1's `min(100ms, nextTimerDelay())`. Connections themselves block on
// their own socket reads/writes (Design Note 9's goroutine-per-connection
// model is the idiomatic stand-in for an edge-triggered readiness wait), so
// this tick only needs to drain the job queue and fire due timers.
const maxIOWait = 100 * time.Millisecond

// Worker owns one slice of connections, one Topic registry, and one event
// loop. A Connection is assigned to exactly one Worker for its lifetime
// (spec §3 invariant: "a Connection never migrates between workers").
type Worker struct {
	id       int
	registry *topic.Registry
	loop     *eventloop.Loop
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	conns sync.Map // uint64 connection id -> *connection.Connection
}

// New creates Worker id with an empty topic registry and event loop.
func New(id int, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		registry: topic.NewRegistry(),
		loop:     eventloop.New(nil),
		logger:   logger.With().Int("worker_id", id).Logger(),
		metrics:  m,
	}
}

// ID returns the worker's index, used for round-robin assignment logs.
func (w *Worker) ID() int { return w.id }

// Registry returns the worker's local topic registry, handed to every
// Connection it adopts so subscribe/unsubscribe/publish stay worker-local.
func (w *Worker) Registry() *topic.Registry { return w.registry }

// AddTimer schedules a per-worker timer (e.g. a cron-style maintenance
// tick specific to this worker), delegating to the event loop.
func (w *Worker) AddTimer(delay time.Duration, cb eventloop.Callback, repeat time.Duration) *eventloop.Timer {
	return w.loop.AddTimer(delay, cb, repeat)
}

// Publish enqueues a fan-out job for topicName so that Server.publish's
// per-worker ordering guarantee (spec §4.9, §5: "workers do not interleave
// one message's fan-out") holds — the job runs on this worker's own loop,
// serialized with every other queued job. The job recovers its own panics
// (e.g. a misbehaving Subscriber.Deliver) so one bad fan-out only drops
// that one job instead of unwinding Run's loop and starving every other
// connection this worker owns for the rest of the process's lifetime —
// matching the teacher's worker_pool.go, which recovers inside the
// per-task closure rather than around the whole worker loop.
func (w *Worker) Publish(topicName, cacheID, payload, originSubject string) {
	w.loop.AddJob(func() {
		defer func() {
			if r := recover(); r != nil {
				logging.WithPanicRecovery(w.logger, r, "fan-out job panic", map[string]any{
					"worker_id": w.id,
					"topic":     topicName,
				})
			}
		}()
		w.registry.Publish(topicName, cacheID, payload, originSubject)
	})
}

// Adopt registers conn's lifecycle with this worker's connection/metrics
// bookkeeping. It does not block; a goroutine watches conn.Done() to
// decrement the live count exactly once.
func (w *Worker) Adopt(conn *connection.Connection) {
	w.conns.Store(conn.ID(), conn)
	if w.metrics != nil {
		w.metrics.Connect()
	}
	go func() {
		<-conn.Done()
		w.conns.Delete(conn.ID())
		if w.metrics != nil {
			w.metrics.Disconnect()
		}
	}()
}

// bufferSaturationSampleCap bounds how many connections one sampling pass
// inspects, trading exhaustive coverage for bounded overhead on a worker
// with many thousands of adopted connections.
const bufferSaturationSampleCap = 100

// highSaturationThresholdPercent flags a connection whose send mailbox is
// at or above this percent of capacity as "near saturated" — close enough
// to the disconnect a full send mailbox triggers to be worth surfacing.
const highSaturationThresholdPercent = 90.0

// SampleBufferSaturation inspects up to bufferSaturationSampleCap of this
// worker's adopted connections and reports how many are near their send
// mailbox's capacity, grounded on the teacher's periodic client-buffer
// sampler (spec ambient stack: slow-consumer detection).
func (w *Worker) SampleBufferSaturation() (sampled, highSaturation int) {
	w.conns.Range(func(_, v any) bool {
		if sampled >= bufferSaturationSampleCap {
			return false
		}
		conn := v.(*connection.Connection)
		depth, capacity := conn.BufferSaturation()
		if capacity > 0 && float64(depth)/float64(capacity)*100 >= highSaturationThresholdPercent {
			highSaturation++
		}
		sampled++
		return true
	})
	return sampled, highSaturation
}

// Run ticks the event loop until ctx is canceled: drain jobs, fire due
// timers, sleep for at most maxIOWait (or less, if a timer is due sooner).
// Every 5s it samples scheduling delay into eventloop_delay_ms (spec §4.8).
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithPanicRecovery(w.logger, r, "worker loop panic", map[string]any{"worker_id": w.id})
		}
	}()

	sampleEvery := 5 * time.Second
	nextSample := time.Now().Add(sampleEvery)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := w.loop.NextTimerDelay(maxIOWait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		w.loop.Process()

		now := time.Now()
		if !now.Before(nextSample) {
			if w.metrics != nil {
				delay := now.Sub(nextSample).Seconds() * 1000
				if delay < 0 {
					delay = 0
				}
				w.metrics.SetEventloopDelay(delay)
			}
			nextSample = now.Add(sampleEvery)
		}
	}
}
