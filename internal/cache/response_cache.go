package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/amerfu/pgate/internal/providers"
)

const keyPrefix = "pgate:response:"

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pgate_response_cache_lookups_total",
	Help: "Response cache lookups by result.",
}, []string{"result"})

// Eligible reports whether a request may be served from or populate the
// cache: buffered only, and deterministic (zero temperature or a seed).
func Eligible(req *providers.ChatRequest) bool {
	if req.Stream {
		return false
	}
	if req.Seed != nil {
		return true
	}
	return req.Temperature != nil && *req.Temperature == 0
}

// fingerprintPayload fixes the field set hashed into the cache key. The
// stream flag and routing hints are deliberately absent.
type fingerprintPayload struct {
	Model          string                    `json:"model"`
	Messages       []providers.Message       `json:"messages"`
	Tools          []providers.Tool          `json:"tools,omitempty"`
	ToolChoice     interface{}               `json:"tool_choice,omitempty"`
	Temperature    *float64                  `json:"temperature,omitempty"`
	TopP           *float64                  `json:"top_p,omitempty"`
	MaxTokens      *int                      `json:"max_tokens,omitempty"`
	Stop           []string                  `json:"stop,omitempty"`
	Seed           *int                      `json:"seed,omitempty"`
	ResponseFormat *providers.ResponseFormat `json:"response_format,omitempty"`
}

// Key returns the content-addressed cache key for a normalized request.
func Key(req *providers.ChatRequest) string {
	payload, _ := json.Marshal(fingerprintPayload{
		Model:          req.Model,
		Messages:       req.Messages,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           req.Stop,
		Seed:           req.Seed,
		ResponseFormat: req.ResponseFormat,
	})
	sum := sha256.Sum256(payload)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// ResponseCache stores normalized responses in redis with a TTL and
// coalesces concurrent fills per key.
type ResponseCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

func New(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Get returns a stored response within TTL. Redis failures degrade to a
// miss.
func (c *ResponseCache) Get(ctx context.Context, key string) (*providers.ChatResponse, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", zap.Error(err))
		}
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	var resp providers.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", zap.String("key", key), zap.Error(err))
		_ = c.rdb.Del(ctx, key).Err()
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return &resp, true
}

// Put stores a response. Last write wins on concurrent puts.
func (c *ResponseCache) Put(ctx context.Context, key string, resp *providers.ChatResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("cache marshal failed", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache put failed", zap.Error(err))
	}
}

// GetOrCompute serves the key from cache or runs fill at most once across
// concurrent callers. shared is true when the caller did not pay for the
// upstream call itself (prior entry or another caller's flight). A failed
// fill populates nothing; waiters that observed a shared failure retry
// independently.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key string, fill func(context.Context) (*providers.ChatResponse, error)) (*providers.ChatResponse, bool, error) {
	if resp, ok := c.Get(ctx, key); ok {
		return resp, true, nil
	}

	type flightResult struct {
		resp   *providers.ChatResponse
		cached bool
	}
	// singleflight's shared flag is true for every caller on the key,
	// including the one whose closure ran. ran is per-call, so only the
	// caller that actually executed the fill reports shared=false.
	ran := false
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		ran = true
		if resp, ok := c.Get(ctx, key); ok {
			return flightResult{resp: resp, cached: true}, nil
		}
		resp, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, resp)
		return flightResult{resp: resp}, nil
	})
	if err != nil {
		if shared && !ran {
			// The failure belonged to another caller's flight; retry once
			// on our own.
			resp, err := fill(ctx)
			if err != nil {
				return nil, false, err
			}
			c.Put(ctx, key, resp)
			return resp, false, nil
		}
		return nil, false, err
	}

	result := v.(flightResult)
	return result.resp, !ran || result.cached, err
}
