// Package redishost provides a Redis-backed sessions.Host. Event streams use
// Redis Streams, the await/fulfill rendezvous uses SETNX markers with a Lua
// fulfill script, so suspension and resolution may happen on different server
// instances.
package redishost

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/lolzy2026/mcp-elicitation/sessions"
)

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: ELICIT_KEY_PREFIX
	KeyPrefix string `env:"ELICIT_KEY_PREFIX,default=elicit:sessions:"`
}

// Host implements sessions.Host on Redis.
type Host struct {
	client    *redis.Client
	keyPrefix string
}

var _ sessions.Host = (*Host)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "elicit:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) subsKey(sessionID string) string   { return h.keyPrefix + "subs:" + sessionID }
func (h *Host) awaitKey(sessionID, corr string) string {
	return h.keyPrefix + "await:" + sessionID + ":" + corr
}
func (h *Host) replyKey(sessionID, corr string) string {
	return h.keyPrefix + "reply:" + sessionID + ":" + corr
}

// --- Messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunc) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		// Attach from the beginning so events published before the channel
		// was bound are redelivered.
		start = "0"
	}

	if err := h.client.Incr(ctx, h.subsKey(sessionID)).Err(); err != nil {
		return err
	}
	_ = h.client.Expire(ctx, h.subsKey(sessionID), time.Hour).Err()
	defer func() {
		c := context.WithoutCancel(ctx)
		_ = h.client.Decr(c, h.subsKey(sessionID)).Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (h *Host) ActiveSubscribers(ctx context.Context, sessionID string) (int, error) {
	n, err := h.client.Get(ctx, h.subsKey(sessionID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	_, _ = h.client.Del(c, h.streamKey(sessionID), h.subsKey(sessionID)).Result()
	_ = h.deleteByPattern(c, h.keyPrefix+"await:"+sessionID+":*")
	_ = h.deleteByPattern(c, h.keyPrefix+"reply:"+sessionID+":*")
	return nil
}

func (h *Host) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := h.client.Scan(ctx, cursor, pattern, 50).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			_, _ = h.client.Del(ctx, keys...).Result()
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

// --- Await/Fulfill via SETNX marker + Lua fulfill ---

type redisAwaiter struct {
	h           *Host
	sessionID   string
	correlation string
}

func (a *redisAwaiter) Recv(ctx context.Context) ([]byte, error) {
	list := a.h.replyKey(a.sessionID, a.correlation)
	for {
		res, err := a.h.client.BLPop(ctx, time.Second, list).Result()
		if err != nil {
			if err == redis.Nil {
				// Await marker expiry is the cancellation signal.
				exists, eerr := a.h.client.Exists(ctx, a.h.awaitKey(a.sessionID, a.correlation)).Result()
				if eerr == nil && exists == 0 {
					return nil, sessions.ErrAwaitCanceled
				}
				continue
			}
			if ctx.Err() != nil {
				_ = a.Cancel(context.WithoutCancel(ctx))
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(res) == 2 {
			return []byte(res[1]), nil
		}
	}
}

func (a *redisAwaiter) Cancel(ctx context.Context) error {
	_, err := a.h.client.Del(ctx,
		a.h.awaitKey(a.sessionID, a.correlation),
		a.h.replyKey(a.sessionID, a.correlation),
	).Result()
	return err
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := h.awaitKey(sessionID, correlationID)
	ok, err := h.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessions.ErrAwaitExists
	}
	return &redisAwaiter{h: h, sessionID: sessionID, correlation: correlationID}, nil
}

var fulfillScript = redis.NewScript(`
local await = KEYS[1]
local list = KEYS[2]
local payload = ARGV[1]
if redis.call('EXISTS', await) == 1 then
  redis.call('RPUSH', list, payload)
  redis.call('DEL', await)
  redis.call('EXPIRE', list, 60)
  return 1
end
return 0
`)

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	keys := []string{h.awaitKey(sessionID, correlationID), h.replyKey(sessionID, correlationID)}
	res, err := fulfillScript.Run(ctx, h.client, keys, data).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
