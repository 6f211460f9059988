package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// Cache keys.
const (
	keyAllVotes      = "all_votes"
	keyRankings      = "rankings"
	keyStats         = "stats"
	keyAggregatePfx  = "agg:"
	keyUserVotesPfx  = "user_votes:"
	keyUserVerPfx    = "user_votes_ver:"
	keyRestrictedPfx = "restricted:"
	keyActivityPfx   = "activity:"
)

const (
	redisOpTimeout      = 500 * time.Millisecond
	defaultLocalSize    = 1024
	defaultLocalTTL     = 5 * time.Second
	defaultSharedTTL    = 30 * time.Second
	defaultUserVotesTTL = 24 * time.Hour
)

// CacheOptions sets TTLs per key class.
type CacheOptions struct {
	AggregateTTL time.Duration
	StatsTTL     time.Duration
	UserVotesTTL time.Duration
	LocalTTL     time.Duration
	LocalSize    int
}

// CacheService is a two-tier cache: a short-lived in-process LRU in front of
// Redis. All writes go to Redis; the local tier is filled only on reads and
// cleared on invalidation. Redis errors are logged, counted and treated as
// misses. With a nil Redis client the service keeps counters and
// restrictions in process.
type CacheService struct {
	rdb   *redis.Client
	local *expirable.LRU[string, []byte]
	opts  CacheOptions
	log   zerolog.Logger

	mu       sync.Mutex
	counters map[string]localEntry
}

type localEntry struct {
	n       int64
	expires time.Time
}

// NewRedisClient connects to Redis. If redisURL is empty or the connection
// fails it returns nil and callers run without Redis.
func NewRedisClient(redisURL string, log zerolog.Logger) *redis.Client {
	log = log.With().Str("component", "redis").Logger()
	if redisURL == "" {
		log.Warn().Msg("no URL configured, running without redis")
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("invalid URL, running without redis")
		return nil
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("connection failed, running without redis")
		rdb.Close()
		return nil
	}

	log.Info().Msg("connected")
	return rdb
}

// NewCacheService creates a cache over rdb, which may be nil.
func NewCacheService(rdb *redis.Client, opts CacheOptions, log zerolog.Logger) *CacheService {
	if opts.LocalSize <= 0 {
		opts.LocalSize = defaultLocalSize
	}
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = defaultLocalTTL
	}
	if opts.AggregateTTL <= 0 {
		opts.AggregateTTL = defaultSharedTTL
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = defaultSharedTTL
	}
	if opts.UserVotesTTL <= 0 {
		opts.UserVotesTTL = defaultUserVotesTTL
	}
	return &CacheService{
		rdb:      rdb,
		local:    expirable.NewLRU[string, []byte](opts.LocalSize, nil, opts.LocalTTL),
		opts:     opts,
		log:      log.With().Str("component", "cache").Logger(),
		counters: make(map[string]localEntry),
	}
}

// Client returns the underlying Redis client (for health checks). May be nil.
func (c *CacheService) Client() *redis.Client {
	return c.rdb
}

// Get returns the cached bytes for key. The bool is false on a miss,
// including when Redis failed.
func (c *CacheService) Get(ctx context.Context, key string) ([]byte, bool) {
	if b, ok := c.local.Get(key); ok {
		metrics.CacheHits.WithLabelValues("local").Inc()
		return b, true
	}
	if c.rdb == nil {
		metrics.CacheMisses.Inc()
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.fail("get", key, err)
		}
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("redis").Inc()
	c.local.Add(key, b)
	return b, true
}

// GetMany reads several keys, answering from the local tier first and
// fetching the rest with one MGET. Missing keys are absent from the result.
func (c *CacheService) GetMany(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var pending []string
	for _, k := range keys {
		if b, ok := c.local.Get(k); ok {
			metrics.CacheHits.WithLabelValues("local").Inc()
			out[k] = b
			continue
		}
		pending = append(pending, k)
	}
	if len(pending) == 0 {
		return out
	}
	if c.rdb == nil {
		metrics.CacheMisses.Add(float64(len(pending)))
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	vals, err := c.rdb.MGet(ctx, pending...).Result()
	if err != nil {
		c.fail("mget", "", err)
		metrics.CacheMisses.Add(float64(len(pending)))
		return out
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			metrics.CacheMisses.Inc()
			continue
		}
		metrics.CacheHits.WithLabelValues("redis").Inc()
		b := []byte(s)
		out[pending[i]] = b
		c.local.Add(pending[i], b)
	}
	return out
}

// Set JSON-encodes value and writes it to Redis. The local tier is cleared
// for key, never written.
func (c *CacheService) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	c.local.Remove(key)
	if c.rdb == nil {
		return
	}
	b, err := json.Marshal(value)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("encode cache value")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		c.fail("set", key, err)
	}
}

// Invalidate removes keys from both tiers.
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) {
	for _, k := range keys {
		c.local.Remove(k)
	}
	if c.rdb == nil || len(keys) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.fail("del", keys[0], err)
	}
}

// IncrementCounter atomically adds delta to key and returns the new value.
// The key expires ttl after its first increment.
func (c *CacheService) IncrementCounter(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if c.rdb == nil {
		return c.incrementLocal(key, delta, ttl), nil
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	n, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		c.fail("incr", key, err)
		return c.incrementLocal(key, delta, ttl), err
	}
	if n == delta && ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			c.fail("expire", key, err)
		}
	}
	return n, nil
}

func (c *CacheService) incrementLocal(key string, delta int64, ttl time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	e, ok := c.counters[key]
	if !ok || (!e.expires.IsZero() && now.After(e.expires)) {
		e = localEntry{}
		if ttl > 0 {
			e.expires = now.Add(ttl)
		}
	}
	e.n += delta
	c.counters[key] = e

	// Opportunistic sweep so the map stays bounded by live keys.
	if len(c.counters) > 4*defaultLocalSize {
		for k, v := range c.counters {
			if !v.expires.IsZero() && now.After(v.expires) {
				delete(c.counters, k)
			}
		}
	}
	return e.n
}

// --- typed helpers ---

func (c *CacheService) GetAggregate(ctx context.Context, itemID string) (model.Aggregate, bool) {
	var agg model.Aggregate
	return agg, c.getJSON(ctx, aggregateKey(itemID), &agg)
}

// GetAggregates returns the cached aggregates among itemIDs.
func (c *CacheService) GetAggregates(ctx context.Context, itemIDs []string) map[string]model.Aggregate {
	keys := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		keys[i] = aggregateKey(id)
	}
	out := make(map[string]model.Aggregate, len(itemIDs))
	for k, b := range c.GetMany(ctx, keys) {
		var agg model.Aggregate
		if err := json.Unmarshal(b, &agg); err != nil {
			c.Invalidate(ctx, k)
			continue
		}
		out[agg.ItemID] = agg
	}
	return out
}

func (c *CacheService) SetAggregate(ctx context.Context, agg model.Aggregate) {
	c.Set(ctx, aggregateKey(agg.ItemID), agg, c.opts.AggregateTTL)
}

func (c *CacheService) GetAllVotes(ctx context.Context) (map[string]int64, bool) {
	var votes map[string]int64
	return votes, c.getJSON(ctx, keyAllVotes, &votes)
}

func (c *CacheService) SetAllVotes(ctx context.Context, votes map[string]int64) {
	c.Set(ctx, keyAllVotes, votes, c.opts.StatsTTL)
}

func (c *CacheService) GetRankings(ctx context.Context) ([]model.RankingEntry, bool) {
	var rankings []model.RankingEntry
	return rankings, c.getJSON(ctx, keyRankings, &rankings)
}

func (c *CacheService) SetRankings(ctx context.Context, rankings []model.RankingEntry) {
	c.Set(ctx, keyRankings, rankings, c.opts.StatsTTL)
}

func (c *CacheService) GetStats(ctx context.Context) (*model.GlobalStats, bool) {
	var stats model.GlobalStats
	if !c.getJSON(ctx, keyStats, &stats) {
		return nil, false
	}
	return &stats, true
}

func (c *CacheService) SetStats(ctx context.Context, stats *model.GlobalStats) {
	c.Set(ctx, keyStats, stats, c.opts.StatsTTL)
}

// InvalidateVote drops everything one committed vote can have changed and
// bumps the client's vote-map version so an in-flight fill is discarded.
func (c *CacheService) InvalidateVote(ctx context.Context, itemID, fingerprint string) {
	c.bumpUserVotesVersion(ctx, fingerprint)
	c.Invalidate(ctx, aggregateKey(itemID), keyAllVotes, keyRankings, keyStats, userVotesKey(fingerprint))
}

// InvalidateAggregates drops the given items' aggregates and every derived
// view built from them.
func (c *CacheService) InvalidateAggregates(ctx context.Context, itemIDs ...string) {
	keys := []string{keyAllVotes, keyRankings, keyStats}
	for _, id := range itemIDs {
		keys = append(keys, aggregateKey(id))
	}
	c.Invalidate(ctx, keys...)
}

// GetUserVotes reads a client's vote map from its Redis hash. Never served
// from the local tier, so a client always sees its own latest write.
func (c *CacheService) GetUserVotes(ctx context.Context, fingerprint string) (map[string]model.VoteValue, bool) {
	if c.rdb == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := userVotesKey(fingerprint)
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		c.fail("hgetall", key, err)
		metrics.CacheMisses.Inc()
		return nil, false
	}
	// An empty map is stored as a single sentinel field so "no votes" is
	// distinguishable from "not cached".
	if len(res) == 0 {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	votes := make(map[string]model.VoteValue, len(res))
	for itemID, v := range res {
		if itemID == emptyHashField {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			c.Invalidate(ctx, key)
			return nil, false
		}
		votes[itemID] = model.VoteValue(n)
	}
	metrics.CacheHits.WithLabelValues("redis").Inc()
	return votes, true
}

const emptyHashField = "_"

// UserVotesVersion returns the version to pass to SetUserVotes. Read it
// before loading the votes from the store. ok is false when the map must not
// be cached.
func (c *CacheService) UserVotesVersion(ctx context.Context, fingerprint string) (version string, ok bool) {
	if c.rdb == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := userVersionKey(fingerprint)
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.fail("get", key, err)
		return "", false
	}
	return v, true
}

// SetUserVotes replaces a client's cached vote map, unless a vote for the
// client committed after version was read.
func (c *CacheService) SetUserVotes(ctx context.Context, fingerprint string, votes map[string]model.VoteValue, version string) {
	if c.rdb == nil {
		return
	}
	fields := make(map[string]any, len(votes)+1)
	fields[emptyHashField] = "0"
	for itemID, v := range votes {
		fields[itemID] = int(v)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := userVotesKey(fingerprint)
	verKey := userVersionKey(fingerprint)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != version {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, c.opts.UserVotesTTL)
			return nil
		})
		return err
	}, verKey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		c.log.Debug().Str("key", key).Msg("vote map changed during fill, not cached")
	default:
		c.fail("hset", key, err)
	}
}

func (c *CacheService) bumpUserVotesVersion(ctx context.Context, fingerprint string) {
	if c.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := userVersionKey(fingerprint)
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.opts.UserVotesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.fail("incr", key, err)
	}
}

// SetRestriction blocks a fingerprint for d.
func (c *CacheService) SetRestriction(ctx context.Context, fingerprint string, d time.Duration) {
	key := keyRestrictedPfx + fingerprint
	if c.rdb == nil {
		c.mu.Lock()
		c.counters[key] = localEntry{n: 1, expires: time.Now().Add(d)}
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, "1", d).Err(); err != nil {
		c.fail("set", key, err)
	}
}

// IsRestricted reports whether a restriction is active. Fails open.
func (c *CacheService) IsRestricted(ctx context.Context, fingerprint string) bool {
	key := keyRestrictedPfx + fingerprint
	if c.rdb == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.counters[key]
		return ok && time.Now().Before(e.expires)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		c.fail("exists", key, err)
		return false
	}
	return n > 0
}

// PushActivity prepends a record to a fingerprint's activity list, keeping
// at most max entries for ttl.
func (c *CacheService) PushActivity(ctx context.Context, fingerprint string, rec model.ActivityRecord, max int64, ttl time.Duration) error {
	if c.rdb == nil {
		return errNoRedis
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := keyActivityPfx + fingerprint
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, max-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.fail("lpush", key, err)
		return err
	}
	return nil
}

// Activity returns up to n records, newest first.
func (c *CacheService) Activity(ctx context.Context, fingerprint string, n int64) ([]model.ActivityRecord, error) {
	if c.rdb == nil {
		return nil, errNoRedis
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := keyActivityPfx + fingerprint
	raw, err := c.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		c.fail("lrange", key, err)
		return nil, err
	}
	out := make([]model.ActivityRecord, 0, len(raw))
	for _, s := range raw {
		var rec model.ActivityRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close shuts down the Redis connection.
func (c *CacheService) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

var (
	errNoRedis   = errors.New("redis disabled")
	errStaleFill = errors.New("vote map changed during fill")
)

func (c *CacheService) getJSON(ctx context.Context, key string, dst any) bool {
	b, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		c.Invalidate(ctx, key)
		return false
	}
	return true
}

func (c *CacheService) fail(op, key string, err error) {
	metrics.CacheErrors.WithLabelValues(op).Inc()
	c.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("redis operation failed")
}

func aggregateKey(itemID string) string {
	return keyAggregatePfx + itemID
}

func userVotesKey(fingerprint string) string {
	return keyUserVotesPfx + fingerprint
}

func userVersionKey(fingerprint string) string {
	return keyUserVerPfx + fingerprint
}
