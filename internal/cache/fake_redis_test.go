package cache

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is a narrow in-memory stand-in for backplane.Commander, used so
// cache package tests never need a live Redis instance.
type fakeRedis struct {
	mu       sync.Mutex
	kv       map[string]string
	counters map[string]int64
	hashes   map[string]map[string]string
	zsets    map[string]map[string]float64
	published []struct{ channel, msg string }
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:       make(map[string]string),
		counters: make(map[string]int64),
		hashes:   make(map[string]map[string]string),
		zsets:    make(map[string]map[string]float64),
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.kv[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case string:
		f.kv[key] = v
	case []byte:
		f.kv[key] = string(v)
	default:
		f.kv[key] = ""
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.kv[k]; ok {
			delete(f.kv, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.counters[key])
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	n := int64(0)
	for i := 0; i+1 < len(values); i += 2 {
		field := values[i].(string)
		var val string
		switch v := values[i+1].(type) {
		case string:
			val = v
		case []byte:
			val = string(v)
		default:
			val = ""
		}
		if _, exists := h[field]; !exists {
			n++
		}
		h[field] = val
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	h, ok := f.hashes[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	v, ok := h[field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	if h, ok := f.hashes[key]; ok {
		for _, field := range fields {
			if _, exists := h[field]; exists {
				delete(h, field)
				n++
			}
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += incr
	h[field] = strconv.FormatInt(cur, 10)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(cur)
	return cmd
}

func (f *fakeRedis) HKeys(ctx context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	var keys []string
	for k := range f.hashes[key] {
		keys = append(keys, k)
	}
	cmd.SetVal(keys)
	return cmd
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	var n int64
	for _, m := range members {
		member := m.Member.(string)
		if _, exists := z[member]; !exists {
			n++
		}
		z[member] = m.Score
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) sortedMembers(key string) []string {
	z := f.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return z[members[i]] < z[members[j]] })
	return members
}

func parseBound(s string) (val float64, exclusive bool) {
	switch s {
	case "-inf":
		return -1e18, false
	case "+inf":
		return 1e18, false
	}
	if strings.HasPrefix(s, "(") {
		v, _ := strconv.ParseFloat(s[1:], 64)
		return v, true
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v, false
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	min, minEx := parseBound(opt.Min)
	max, maxEx := parseBound(opt.Max)

	members := f.sortedMembers(key)
	var out []string
	for _, m := range members {
		score := z[m]
		if minEx && score <= min {
			continue
		}
		if !minEx && score < min {
			continue
		}
		if maxEx && score >= max {
			continue
		}
		if !maxEx && score > max {
			continue
		}
		out = append(out, m)
	}
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) ZScore(ctx context.Context, key, member string) *redis.FloatCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewFloatCmd(ctx)
	z, ok := f.zsets[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	v, ok := z[member]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	if z, ok := f.zsets[key]; ok {
		for _, m := range members {
			ms := m.(string)
			if _, exists := z[ms]; exists {
				delete(z, ms)
				n++
			}
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.sortedMembers(key)
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	var removed int64
	if z, ok := f.zsets[key]; ok {
		for i := start; i <= stop && i < n; i++ {
			delete(z, members[i])
			removed++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(removed)
	return cmd
}

func (f *fakeRedis) ZRemRangeByScore(ctx context.Context, key, minS, maxS string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	min, minEx := parseBound(minS)
	max, maxEx := parseBound(maxS)
	var removed int64
	if z, ok := f.zsets[key]; ok {
		for m, score := range z {
			if minEx && score <= min {
				continue
			}
			if !minEx && score < min {
				continue
			}
			if maxEx && score >= max {
				continue
			}
			if !maxEx && score > max {
				continue
			}
			delete(z, m)
			removed++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(removed)
	return cmd
}

func (f *fakeRedis) ZCard(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.zsets[key])))
	return cmd
}

func (f *fakeRedis) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := f.sortedMembers(key)
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	var out []string
	for i := start; i <= stop && i >= 0 && i < n; i++ {
		out = append(out, members[i])
	}
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct{ channel, msg string }{channel, message.(string)})
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return nil
}
