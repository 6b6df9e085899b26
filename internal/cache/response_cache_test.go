package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/pgate/internal/providers"
)

func newTestCache(t *testing.T, ttl time.Duration) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl, zap.NewNop()), mr
}

func zeroTempRequest(content string) *providers.ChatRequest {
	temp := 0.0
	return &providers.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []providers.Message{{Role: "user", Content: content}},
		Temperature: &temp,
	}
}

func TestEligible(t *testing.T) {
	temp := 0.7
	seed := 42

	assert.True(t, Eligible(zeroTempRequest("q")))
	assert.True(t, Eligible(&providers.ChatRequest{Model: "m", Seed: &seed}))
	assert.False(t, Eligible(&providers.ChatRequest{Model: "m"}))
	assert.False(t, Eligible(&providers.ChatRequest{Model: "m", Temperature: &temp}))

	streaming := zeroTempRequest("q")
	streaming.Stream = true
	assert.False(t, Eligible(streaming))
}

func TestKeyIgnoresStreamAndRoutingHints(t *testing.T) {
	a := zeroTempRequest("same")
	b := zeroTempRequest("same")
	b.Stream = true
	b.Provider = "openai"
	b.Fallback = &providers.FallbackPolicy{Disabled: true}

	assert.Equal(t, Key(a), Key(b))
	assert.NotEqual(t, Key(a), Key(zeroTempRequest("different")))
}

func TestGetPutRoundTrip(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()
	key := Key(zeroTempRequest("q"))

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	resp := &providers.ChatResponse{
		ID:    "chatcmpl-1",
		Model: "openai/gpt-4o",
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: "hi"},
			FinishReason: providers.FinishStop,
		}},
		Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}
	c.Put(ctx, key, resp)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "chatcmpl-1", got.ID)
	assert.Equal(t, "hi", got.Choices[0].Message.Content)
	assert.Equal(t, 6, got.Usage.TotalTokens)

	mr.FastForward(2 * time.Minute)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok, "entry expires after ttl")
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	key := Key(zeroTempRequest("q"))

	var fills int32
	fill := func(context.Context) (*providers.ChatResponse, error) {
		atomic.AddInt32(&fills, 1)
		time.Sleep(50 * time.Millisecond)
		return &providers.ChatResponse{ID: "chatcmpl-sf"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	sharedCount := int32(0)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, shared, err := c.GetOrCompute(context.Background(), key, fill)
			require.NoError(t, err)
			ids[i] = resp.ID
			if shared {
				atomic.AddInt32(&sharedCount, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fills), "filler runs exactly once")
	for _, id := range ids {
		assert.Equal(t, "chatcmpl-sf", id)
	}
	assert.Equal(t, int32(callers-1), sharedCount, "all but the filler observe a shared result")
}

func TestGetOrComputeFailureNotCached(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	key := Key(zeroTempRequest("q"))
	ctx := context.Background()

	boom := errors.New("upstream down")
	_, _, err := c.GetOrCompute(ctx, key, func(context.Context) (*providers.ChatResponse, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok, "failed fill must not populate the cache")

	resp, shared, err := c.GetOrCompute(ctx, key, func(context.Context) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{ID: "chatcmpl-retry"}, nil
	})
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "chatcmpl-retry", resp.ID)
}
