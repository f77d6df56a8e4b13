package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/opsgate/pkg/auth"
)

// IdempotencyKeyHeader lets a client retry a vote, execute or reject
// request and receive the first response again.
const IdempotencyKeyHeader = "Idempotency-Key"

// CachedResponse is a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// ResponseCache is the replay backend.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*CachedResponse, bool)
	Put(ctx context.Context, key string, resp CachedResponse)
}

// MemoryResponseCache keeps replays in process.
type MemoryResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryResponseCache(ttl time.Duration) *MemoryResponseCache {
	return &MemoryResponseCache{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryResponseCache) Get(_ context.Context, key string) (*CachedResponse, bool) {
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.CachedAt) < c.ttl {
		return cached, true
	}
	return nil, false
}

func (c *MemoryResponseCache) Put(_ context.Context, key string, resp CachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, v := range c.entries {
		if now.Sub(v.CachedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	resp.CachedAt = now
	c.entries[key] = &resp
}

// RedisResponseCache shares replays between replicas.
type RedisResponseCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisResponseCache(client redis.UniversalClient, ttl time.Duration) *RedisResponseCache {
	return &RedisResponseCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "api"),
	}
}

func (c *RedisResponseCache) Get(ctx context.Context, key string) (*CachedResponse, bool) {
	data, err := c.client.Get(ctx, "opsgate:idem:"+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *RedisResponseCache) Put(ctx context.Context, key string, resp CachedResponse) {
	resp.CachedAt = time.Now().UTC()
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, "opsgate:idem:"+key, data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "idempotency store failed", "error", err)
	}
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotent replays the first successful response for a repeated
// Idempotency-Key. Keys are scoped to the operator and the request path,
// so two operators never share a replay.
func Idempotent(cache ResponseCache, next http.HandlerFunc) http.HandlerFunc {
	if cache == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			next(w, r)
			return
		}
		op, _ := auth.GetOperator(r.Context())
		scoped := op.ID + "|" + r.Method + " " + r.URL.Path + "|" + key

		if cached, ok := cache.Get(r.Context(), scoped); ok {
			for k, vals := range cached.Headers {
				for _, v := range vals {
					w.Header().Set(k, v)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next(capture, r)

		if capture.statusCode >= 200 && capture.statusCode < 300 {
			hdr := http.Header{}
			hdr.Set("Content-Type", w.Header().Get("Content-Type"))
			cache.Put(r.Context(), scoped, CachedResponse{
				StatusCode: capture.statusCode,
				Headers:    hdr,
				Body:       bytes.Clone(capture.body.Bytes()),
			})
		}
	}
}
