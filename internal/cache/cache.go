// Package cache implements Eventhub's backplane-backed message cache,
// replay, and per-subject rate limiting (spec component "Cache + rate-limit
// store").
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventhub/eventhub/internal/backplane"
	"github.com/eventhub/eventhub/internal/topic"
)

// Meta is the per-message envelope stored alongside the payload.
type Meta struct {
	ID       string `json:"id"`
	ExpireAt int64  `json:"expireAt"`
	Origin   string `json:"origin"`
}

// blob is the JSON shape stored in the `<prefix>:<topic>:cache` hash.
type blob struct {
	Topic     string `json:"topic"`
	Message   string `json:"message"`
	Origin    string `json:"origin"`
	Meta      Meta   `json:"meta"`
	Timestamp int64  `json:"timestamp"`
}

// CachedMessage is one replayed or newly appended message.
type CachedMessage struct {
	ID        string
	Topic     string
	Message   string
	Origin    string
	Timestamp int64
	ExpireAt  int64
}

// Store implements the key layout in spec §4.10 on top of a Commander.
type Store struct {
	rdb               backplane.Commander
	prefix            string
	maxCacheLength    int
	defaultCacheTTLS  int
}

// New builds a cache Store. maxCacheLength is the per-topic retained item
// cap; defaultCacheTTLSeconds is used when Append is called with ttl=0.
func New(rdb backplane.Commander, prefix string, maxCacheLength, defaultCacheTTLSeconds int) *Store {
	return &Store{
		rdb:              rdb,
		prefix:           prefix,
		maxCacheLength:   maxCacheLength,
		defaultCacheTTLS: defaultCacheTTLSeconds,
	}
}

func (s *Store) key(parts ...string) string {
	out := s.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (s *Store) channelKey(t string) string   { return s.key(t) }
func (s *Store) blobKey(t string) string      { return s.key(t, "cache") }
func (s *Store) scoreKey(t string) string     { return s.key(t, "scores") }
func (s *Store) pubCountKey() string          { return s.key("pub_count") }
func (s *Store) lastSeqKey(t string, ms int64) string {
	return fmt.Sprintf("%s:last_seq:%s:%d", s.prefix, t, ms)
}
func (s *Store) limitKey(ruleTopic, subject string) string {
	return s.key("limits", ruleTopic, subject)
}

// ErrCacheMiss is returned by Append-dependent calls when the backplane is
// unreachable, and by KVGet when the key does not exist; callers in the RPC
// layer translate this into an invalid-params-shaped JSON-RPC error.
var ErrCacheMiss = errors.New("cache: backplane operation failed")

// Append stores one message under topic, returning its cache id. If
// timestampMs is 0 it defaults to now; if ttlSeconds is 0 it defaults to
// the store's configured default.
func (s *Store) Append(ctx context.Context, topicName, message, origin string, timestampMs int64, ttlSeconds int) (string, error) {
	if timestampMs == 0 {
		timestampMs = time.Now().UnixMilli()
	}
	if ttlSeconds == 0 {
		ttlSeconds = s.defaultCacheTTLS
	}
	expireAt := timestampMs + int64(ttlSeconds)*1000

	seq, err := s.nextSeq(ctx, topicName, timestampMs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	id := fmt.Sprintf("%d-%d", timestampMs, seq)

	b := blob{
		Topic:     topicName,
		Message:   message,
		Origin:    origin,
		Timestamp: timestampMs,
		Meta:      Meta{ID: id, ExpireAt: expireAt, Origin: origin},
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	if err := s.rdb.HSet(ctx, s.blobKey(topicName), id, raw).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	if err := s.rdb.ZAdd(ctx, s.scoreKey(topicName), redis.Z{Score: float64(timestampMs), Member: id}).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	if err := s.rdb.HIncrBy(ctx, s.pubCountKey(), topicName, 1).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	if err := s.trim(ctx, topicName); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	return id, nil
}

func (s *Store) nextSeq(ctx context.Context, topicName string, timestampMs int64) (int64, error) {
	key := s.lastSeqKey(topicName, timestampMs)
	val, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 {
		// Short TTL: this key only needs to survive the one millisecond
		// window it disambiguates.
		_ = s.rdb.Expire(ctx, key, 2*time.Second).Err()
	}
	return val - 1, nil
}

// trim enforces maxCacheLength by dropping the oldest entries once the
// sorted set for topicName grows past the cap.
func (s *Store) trim(ctx context.Context, topicName string) error {
	count, err := s.rdb.ZCard(ctx, s.scoreKey(topicName)).Result()
	if err != nil {
		return err
	}
	overflow := count - int64(s.maxCacheLength)
	if overflow <= 0 {
		return nil
	}

	stale, err := s.rdb.ZRange(ctx, s.scoreKey(topicName), 0, overflow-1).Result()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.rdb.ZRemRangeByRank(ctx, s.scoreKey(topicName), 0, overflow-1).Err(); err != nil {
		return err
	}
	return s.rdb.HDel(ctx, s.blobKey(topicName), stale...).Err()
}

// PurgeExpired scans every topic pub_count has seen and removes cached
// items whose expireAt has passed. Run periodically from the server's cron
// loop.
func (s *Store) PurgeExpired(ctx context.Context) error {
	topics, err := s.rdb.HKeys(ctx, s.pubCountKey()).Result()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	for _, t := range topics {
		ids, err := s.rdb.ZRange(ctx, s.scoreKey(t), 0, -1).Result()
		if err != nil {
			continue
		}
		var expiredIDs []string
		for _, id := range ids {
			raw, err := s.rdb.HGet(ctx, s.blobKey(t), id).Result()
			if err != nil {
				continue
			}
			var b blob
			if err := json.Unmarshal([]byte(raw), &b); err != nil {
				continue
			}
			if b.Meta.ExpireAt != 0 && b.Meta.ExpireAt < now {
				expiredIDs = append(expiredIDs, id)
			}
		}
		if len(expiredIDs) == 0 {
			continue
		}
		members := make([]any, len(expiredIDs))
		for i, id := range expiredIDs {
			members[i] = id
		}
		_ = s.rdb.ZRem(ctx, s.scoreKey(t), members...).Err()
		_ = s.rdb.HDel(ctx, s.blobKey(t), expiredIDs...).Err()
	}
	return nil
}

// matchingTopics resolves topicPattern to the concrete topic names to
// replay: itself, unless isPattern, in which case every topic pub_count
// has recorded that the filter matches.
func (s *Store) matchingTopics(ctx context.Context, topicPattern string, isPattern bool) ([]string, error) {
	if !isPattern {
		return []string{topicPattern}, nil
	}
	all, err := s.rdb.HKeys(ctx, s.pubCountKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range all {
		if topic.IsFilterMatched(topicPattern, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) resolveBlobs(ctx context.Context, t string, ids []string) ([]CachedMessage, error) {
	out := make([]CachedMessage, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.HGet(ctx, s.blobKey(t), id).Result()
		if err != nil {
			continue
		}
		var b blob
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			continue
		}
		out = append(out, CachedMessage{
			ID:        b.Meta.ID,
			Topic:     b.Topic,
			Message:   b.Message,
			Origin:    b.Origin,
			Timestamp: b.Timestamp,
			ExpireAt:  b.Meta.ExpireAt,
		})
	}
	return out, nil
}

// ReplaySince returns every cached message with append-time >= sinceMs,
// across every topic matching topicPattern, merged in ascending time order
// and truncated to limit.
func (s *Store) ReplaySince(ctx context.Context, topicPattern string, sinceMs int64, limit int, isPattern bool) ([]CachedMessage, error) {
	topics, err := s.matchingTopics(ctx, topicPattern, isPattern)
	if err != nil {
		return nil, err
	}

	var merged []CachedMessage
	for _, t := range topics {
		ids, err := s.rdb.ZRangeByScore(ctx, s.scoreKey(t), &redis.ZRangeBy{
			Min: fmt.Sprintf("%d", sinceMs),
			Max: "+inf",
		}).Result()
		if err != nil {
			continue
		}
		items, _ := s.resolveBlobs(ctx, t, ids)
		merged = append(merged, items...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// ReplaySinceID is ReplaySince but keyed on a cache id rather than a
// timestamp: items with score strictly greater than sinceID's score are
// returned. If sinceID is not found for a topic, that topic behaves as if
// since=0 (every retained item is eligible).
func (s *Store) ReplaySinceID(ctx context.Context, topicPattern, sinceID string, limit int, isPattern bool) ([]CachedMessage, error) {
	topics, err := s.matchingTopics(ctx, topicPattern, isPattern)
	if err != nil {
		return nil, err
	}

	var merged []CachedMessage
	for _, t := range topics {
		min := "-inf"
		if score, err := s.rdb.ZScore(ctx, s.scoreKey(t), sinceID).Result(); err == nil {
			min = fmt.Sprintf("(%f", score)
		}
		ids, err := s.rdb.ZRangeByScore(ctx, s.scoreKey(t), &redis.ZRangeBy{
			Min: min,
			Max: "+inf",
		}).Result()
		if err != nil {
			continue
		}
		items, _ := s.resolveBlobs(ctx, t, ids)
		merged = append(merged, items...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// CheckRateLimit implements the fixed-window-with-reset limiter: INCR the
// per (ruleTopic, subject) counter, set its TTL on the first hit in a
// window, and report whether the result is within max. The tripping
// increment always persists.
func (s *Store) CheckRateLimit(ctx context.Context, ruleTopic, subject string, intervalMs, max int64) (bool, error) {
	key := s.limitKey(ruleTopic, subject)
	val, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if val == 1 {
		_ = s.rdb.Expire(ctx, key, time.Duration(intervalMs)*time.Millisecond).Err()
	}
	return val <= max, nil
}

// PublishChannel returns the backplane pub/sub channel name for topicName.
func (s *Store) PublishChannel(topicName string) string { return s.channelKey(topicName) }

// ChannelPattern returns the PSUBSCRIBE pattern matching every topic's
// publish channel under this store's prefix, used by the server's
// backplane-consumer loop to fan in every instance's publishes regardless
// of topic.
func (s *Store) ChannelPattern() string { return s.prefix + ":*" }

// Publish fans the message out on the backplane channel for topicName so
// every subscribed server instance's backplane-consumer loop can relay it
// to its local subscribers.
func (s *Store) Publish(ctx context.Context, topicName, payload string) error {
	return s.rdb.Publish(ctx, s.channelKey(topicName), payload).Err()
}

// Envelope is the cross-instance wire shape published on a topic's
// fan-out channel; every server instance's backplane-consumer loop decodes
// one of these and replays it into its local topic registry.
type Envelope struct {
	Topic   string `json:"topic"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Origin  string `json:"origin"`
}

// PublishEnvelope marshals and publishes an Envelope on topicName's channel.
func (s *Store) PublishEnvelope(ctx context.Context, topicName, id, message, origin string) error {
	raw, err := json.Marshal(Envelope{Topic: topicName, ID: id, Message: message, Origin: origin})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channelKey(topicName), raw).Err()
}

// DecodeEnvelope reverses PublishEnvelope, used by the backplane-consumer
// loop on message receipt.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}

func (s *Store) kvKey(k string) string { return s.key("kv", k) }

// KVGet implements the `get` RPC method's backing store.
func (s *Store) KVGet(ctx context.Context, k string) (string, error) {
	v, err := s.rdb.Get(ctx, s.kvKey(k)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

// KVSet implements the `set` RPC method's backing store. ttlSeconds=0 means
// no expiry.
func (s *Store) KVSet(ctx context.Context, k, v string, ttlSeconds int) error {
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return s.rdb.Set(ctx, s.kvKey(k), v, ttl).Err()
}

// KVDel implements the `del` RPC method's backing store.
func (s *Store) KVDel(ctx context.Context, k string) error {
	return s.rdb.Del(ctx, s.kvKey(k)).Err()
}
