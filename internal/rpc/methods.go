package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eventhub/eventhub/internal/cache"
	"github.com/eventhub/eventhub/internal/connection"
	"github.com/eventhub/eventhub/internal/topic"
)

func isTopicOrFilter(s string) bool {
	return topic.IsValidTopic(s) || topic.IsValidTopicFilter(s)
}

func clampLimit(requested, max int) int {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

func resolveSince(since *int64) int64 {
	if since == nil {
		return 0
	}
	if *since < 0 {
		return time.Now().UnixMilli() + *since
	}
	return *since
}

func handleSubscribe(ctx context.Context, d *Dispatcher, c *connection.Connection, req Request) {
	var params struct {
		Topic        string `json:"topic"`
		Since        *int64 `json:"since"`
		SinceEventID string `json:"sinceEventId"`
		Limit        int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Topic == "" {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "invalid subscribe params"))
		return
	}
	if !isTopicOrFilter(params.Topic) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "malformed topic or filter"))
		return
	}
	if !c.Access.AllowSubscribe(params.Topic) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "subscribe not allowed for topic"))
		return
	}

	c.Subscribe(params.Topic, req.ID)
	c.Send(successResponse(req.ID, map[string]any{
		"action": "subscribe",
		"topic":  params.Topic,
		"status": "ok",
	}))

	if !d.enableCache || (params.Since == nil && params.SinceEventID == "") {
		return
	}

	limit := clampLimit(params.Limit, d.maxReplayLimit)
	isPattern := topic.IsValidTopicFilter(params.Topic)

	var items []cache.CachedMessage
	var err error
	if params.SinceEventID != "" {
		items, err = d.cache.ReplaySinceID(ctx, params.Topic, params.SinceEventID, limit, isPattern)
	} else {
		items, err = d.cache.ReplaySince(ctx, params.Topic, resolveSince(params.Since), limit, isPattern)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("topic", params.Topic).Msg("replay on subscribe failed")
		return
	}
	for _, item := range items {
		c.Deliver(item.Topic, item.ID, item.Message, item.Origin, req.ID)
	}
}

func handleUnsubscribe(_ context.Context, _ *Dispatcher, c *connection.Connection, req Request) {
	var topics []string
	if err := json.Unmarshal(req.Params, &topics); err != nil {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "invalid unsubscribe params"))
		return
	}
	count := 0
	for _, t := range topics {
		if !isTopicOrFilter(t) {
			continue
		}
		if c.Unsubscribe(t) {
			count++
		}
	}
	c.Send(successResponse(req.ID, map[string]any{"unsubscribe_count": count}))
}

func handleUnsubscribeAll(_ context.Context, _ *Dispatcher, c *connection.Connection, req Request) {
	n := c.UnsubscribeAll()
	c.Send(successResponse(req.ID, map[string]any{"unsubscribe_count": n}))
}

func handlePublish(ctx context.Context, d *Dispatcher, c *connection.Connection, req Request) {
	var params struct {
		Topic     string `json:"topic"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
		TTL       int    `json:"ttl"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Topic == "" {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "invalid publish params"))
		return
	}
	if !topic.IsValidTopic(params.Topic) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "malformed topic"))
		return
	}
	if !c.Access.AllowPublish(params.Topic) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "publish not allowed for topic"))
		return
	}

	subject := c.Subject()
	if rule, err := c.Access.RateLimitForTopic(params.Topic); err == nil {
		ok, rlErr := d.cache.CheckRateLimit(ctx, rule.Topic, subject, rule.IntervalMs, rule.Max)
		if rlErr != nil {
			d.logger.Warn().Err(rlErr).Str("topic", params.Topic).Msg("rate limit check failed, allowing publish")
		} else if !ok {
			c.Send(successResponse(req.ID, map[string]any{"status": "ERR_RATE_LIMIT_EXCEEDED"}))
			return
		}
	}

	var id string
	if d.enableCache {
		appended, err := d.cache.Append(ctx, params.Topic, params.Message, subject, params.Timestamp, params.TTL)
		if err != nil {
			c.Send(errorResponse(req.ID, CodeInvalidParams, "publish failed: "+err.Error()))
			return
		}
		id = appended
	}

	if err := d.cache.PublishEnvelope(ctx, params.Topic, id, params.Message, subject); err != nil {
		d.logger.Warn().Err(err).Str("topic", params.Topic).Msg("backplane publish failed")
	}
	if d.metrics != nil {
		d.metrics.IncPublish()
	}

	c.Send(successResponse(req.ID, map[string]any{"status": "ok", "id": id}))
}

func handleList(_ context.Context, _ *Dispatcher, c *connection.Connection, req Request) {
	c.Send(successResponse(req.ID, map[string]any{
		"action": "list",
		"topics": c.ListFilters(),
	}))
}

func handleEventlog(ctx context.Context, d *Dispatcher, c *connection.Connection, req Request) {
	if !d.enableCache {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "cache is disabled"))
		return
	}
	var params struct {
		Topic        string `json:"topic"`
		Since        *int64 `json:"since"`
		SinceEventID string `json:"sinceEventId"`
		Limit        int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Topic == "" {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "invalid eventlog params"))
		return
	}
	if !isTopicOrFilter(params.Topic) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "malformed topic or filter"))
		return
	}

	limit := clampLimit(params.Limit, d.maxReplayLimit)
	isPattern := topic.IsValidTopicFilter(params.Topic)

	var items []cache.CachedMessage
	var err error
	if params.SinceEventID != "" {
		items, err = d.cache.ReplaySinceID(ctx, params.Topic, params.SinceEventID, limit, isPattern)
	} else {
		items, err = d.cache.ReplaySince(ctx, params.Topic, resolveSince(params.Since), limit, isPattern)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("topic", params.Topic).Msg("eventlog replay failed")
		items = nil
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":      item.ID,
			"topic":   item.Topic,
			"message": item.Message,
			"origin":  item.Origin,
		})
	}
	c.Send(successResponse(req.ID, map[string]any{
		"action": "eventlog",
		"topic":  params.Topic,
		"items":  out,
	}))
}

func handleGet(ctx context.Context, d *Dispatcher, c *connection.Connection, req Request) {
	if !d.enableKVStore {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "kv store is disabled"))
		return
	}
	var params struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "invalid get params"))
		return
	}
	if !c.Access.AllowSubscribe(params.Key) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "get not allowed for key"))
		return
	}
	v, err := d.cache.KVGet(ctx, params.Key)
	if err != nil {
		c.Send(successResponse(req.ID, map[string]any{"key": params.Key, "value": nil}))
		return
	}
	c.Send(successResponse(req.ID, map[string]any{"key": params.Key, "value": v}))
}

func handleSet(ctx context.Context, d *Dispatcher, c *connection.Connection, req Request) {
	if !d.enableKVStore {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "kv store is disabled"))
		return
	}
	var params struct {
		Key   string `json:"key"`
		Value string `json:"value"`
		TTL   int    `json:"ttl"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "invalid set params"))
		return
	}
	if !c.Access.AllowPublish(params.Key) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "set not allowed for key"))
		return
	}
	if err := d.cache.KVSet(ctx, params.Key, params.Value, params.TTL); err != nil {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "set failed: "+err.Error()))
		return
	}
	c.Send(successResponse(req.ID, map[string]any{"status": "ok"}))
}

func handleDel(ctx context.Context, d *Dispatcher, c *connection.Connection, req Request) {
	if !d.enableKVStore {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "kv store is disabled"))
		return
	}
	var params struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "invalid del params"))
		return
	}
	if !c.Access.AllowPublish(params.Key) {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "del not allowed for key"))
		return
	}
	if err := d.cache.KVDel(ctx, params.Key); err != nil {
		c.Send(errorResponse(req.ID, CodeInvalidParams, "del failed: "+err.Error()))
		return
	}
	c.Send(successResponse(req.ID, map[string]any{"status": "ok"}))
}

func handlePing(_ context.Context, _ *Dispatcher, c *connection.Connection, req Request) {
	c.Send(successResponse(req.ID, map[string]any{"pong": time.Now().UnixMilli()}))
}

func handleDisconnect(_ context.Context, _ *Dispatcher, c *connection.Connection, req Request) {
	c.Send(successResponse(req.ID, map[string]any{"status": "ok"}))
	c.SendClose()
	time.AfterFunc(100*time.Millisecond, c.Shutdown)
}
