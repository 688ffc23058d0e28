package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskfabric/fabric/internal/apperrors"
)

// Store is the façade every other component programs against (§4.A). It
// names the primitives the spec requires — atomic CAS, counters, lists
// (without a blocking pop), sorted sets, hashes, scripted transactions, pub/sub — rather than
// exposing the full redis.Cmdable surface, so a component's dependency on
// the store is auditable at a glance.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// SetNX is the atomic compare-and-set primitive (§4.A): set key to value
	// with a TTL, only if key does not already exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally writes key, optionally with a TTL (ttl<=0 means no
	// expiry). Used for the small number of single-writer blobs (queue_state,
	// emergency_stop) that don't need script-level atomicity themselves.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	// ZPopMaxScore pops the single highest-scoring member, or ok=false if
	// the set is empty. Used by claim() to pick the highest effective
	// priority (§4.E).
	ZPopMaxScore(ctx context.Context, key string) (member string, score float64, ok bool, err error)
	// ZRangeByScore returns members with score in [min, max], used by the
	// delayed-task promoter to find due items.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	// RunScript executes a Lua script atomically, the only mechanism by
	// which a read-modify-write spanning multiple keys may occur (§4.A
	// rationale). Scripts are cached by the Store and re-sent via EVAL on
	// a NOSCRIPT error so callers never have to manage SHA state.
	RunScript(ctx context.Context, script *Script, keys []string, args ...any) (any, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription
}

// Subscription is a live keyspace pub/sub subscription (§4.A: best-effort,
// at-most-once, no replay).
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// Script wraps a Lua script body with a human-readable name for logging.
type Script struct {
	Name string
	rs   *redis.Script
}

// NewScript compiles a named Lua script.
func NewScript(name, body string) *Script {
	return &Script{Name: name, rs: redis.NewScript(body)}
}

// Options configures a RedisStore.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// OpTimeout bounds every individual call (§4.B: "registry operations
	// never block on network for more than store_op_timeout").
	OpTimeout time.Duration
}

// RedisStore is the production Store implementation over go-redis.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// New connects to Redis and returns a Store.
func New(opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	s := &RedisStore{client: client, opTimeout: opTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromClient wraps an already-constructed *redis.Client (used by tests
// to point at miniredis).
func NewFromClient(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) transient(op string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return apperrors.NewTransientError(op, err)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("PING", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.transient("SETNX", err)
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("SET", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.transient("GET", err)
	}
	return v, true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("DEL", s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("EXPIRE", s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, s.transient("INCR", err)
	}
	return v, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.transient("HSET", s.client.HSet(ctx, key, args...).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.transient("HGET", err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.transient("HGETALL", err)
	}
	return v, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("HDEL", s.client.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("ZADD", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("ZREM", s.client.ZRem(ctx, key, member).Err())
}

func (s *RedisStore) ZPopMaxScore(ctx context.Context, key string) (string, float64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	zs, err := s.client.ZPopMax(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, s.transient("ZPOPMAX", err)
	}
	if len(zs) == 0 {
		return "", 0, false, nil
	}
	member, _ := zs[0].Member.(string)
	return member, zs[0].Score, true, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, s.transient("ZRANGEBYSCORE", err)
	}
	return members, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, s.transient("ZCARD", err)
	}
	return n, nil
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	score, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.transient("ZSCORE", err)
	}
	return score, true, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.transient("LPUSH", s.client.LPush(ctx, key, args...).Err())
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.transient("RPUSH", s.client.RPush(ctx, key, args...).Err())
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, s.transient("LRANGE", err)
	}
	return v, nil
}

func (s *RedisStore) LRem(ctx context.Context, key string, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("LREM", s.client.LRem(ctx, key, 1, value).Err())
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, s.transient("LLEN", err)
	}
	return n, nil
}

func (s *RedisStore) RunScript(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := script.rs.Run(ctx, s.client, keys, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, s.transient("EVAL:"+script.Name, err)
	}
	return v, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.transient("PUBLISH", s.client.Publish(ctx, channel, payload).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) Subscription {
	pubsub := s.client.Subscribe(ctx, channels...)
	out := make(chan Message, 64)
	sub := &redisSubscription{pubsub: pubsub, out: out}
	go sub.pump()
	return sub
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for msg := range ch {
		s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

func formatScore(f float64) string {
	if f == negInf {
		return "-inf"
	}
	if f == posInf {
		return "+inf"
	}
	return trimFloat(f)
}
