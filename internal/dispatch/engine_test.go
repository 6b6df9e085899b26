package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/pgate/internal/cache"
	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/credential"
	"github.com/amerfu/pgate/internal/ledger"
	"github.com/amerfu/pgate/internal/providers"
	"github.com/amerfu/pgate/internal/usagelog"
)

type captureRecorder struct {
	mu   sync.Mutex
	recs []*usagelog.Record
}

func (c *captureRecorder) Enqueue(r *usagelog.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
}

func (c *captureRecorder) all() []*usagelog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*usagelog.Record(nil), c.recs...)
}

type upstream struct {
	server *httptest.Server
	calls  int32
}

func (u *upstream) callCount() int { return int(atomic.LoadInt32(&u.calls)) }

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.calls, 1)
		handler(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

// testHarness wires an engine over stub providers "alpha" and "beta".
type testHarness struct {
	engine   *Engine
	ledger   *ledger.MemoryLedger
	recorder *captureRecorder
}

func newHarness(t *testing.T, alpha, beta *upstream, withCache bool, retry RetryConfig) *testHarness {
	t.Helper()

	infos := []*catalog.ProviderInfo{}
	bindings := []catalog.ProviderBinding{}
	caps := catalog.Capabilities{Streaming: true, Tools: true, JSONOutput: true}
	pricing := catalog.Pricing{InputPerToken: 0.000001, OutputPerToken: 0.000002}

	if alpha != nil {
		infos = append(infos, &catalog.ProviderInfo{
			ID: "alpha", BaseURL: alpha.server.URL, Auth: catalog.AuthBearer, KeyEnvVar: "TEST_ALPHA_KEY",
		})
		bindings = append(bindings, catalog.ProviderBinding{
			ProviderID: "alpha", ModelName: "gpt-4o-upstream", Pricing: pricing, Capabilities: caps,
		})
		t.Setenv("TEST_ALPHA_KEY", "k-alpha")
	}
	if beta != nil {
		infos = append(infos, &catalog.ProviderInfo{
			ID: "beta", BaseURL: beta.server.URL, Auth: catalog.AuthBearer, KeyEnvVar: "TEST_BETA_KEY",
		})
		expensive := pricing
		expensive.InputPerToken *= 2
		bindings = append(bindings, catalog.ProviderBinding{
			ProviderID: "beta", ModelName: "gpt-4o-upstream", Pricing: expensive, Capabilities: caps,
		})
		t.Setenv("TEST_BETA_KEY", "k-beta")
	}

	cat, err := catalog.New([]*catalog.ModelEntry{{
		ID:       "gpt-4o",
		Family:   "gpt",
		Bindings: bindings,
	}}, nil, infos)
	require.NoError(t, err)

	adapters := []providers.Adapter{}
	for _, info := range infos {
		adapters = append(adapters, providers.NewOpenAIAdapter(info, http.DefaultClient))
	}
	registry := providers.NewRegistry(adapters...)

	resolver := credential.NewResolver(cat, credential.NopStore{}, credential.ResolverConfig{}, zap.NewNop())

	var responseCache *cache.ResponseCache
	if withCache {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		responseCache = cache.New(rdb, time.Minute, zap.NewNop())
	}

	led := ledger.NewMemoryLedger()
	led.Credit("org-1", decimal.NewFromInt(1))
	recorder := &captureRecorder{}

	engine := NewEngine(cat, registry, resolver, responseCache, led, recorder, retry, zap.NewNop())
	return &testHarness{engine: engine, ledger: led, recorder: recorder}
}

func okHandler(content string, prompt, completion int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-up",
			"created": 1700000000,
			"model": "gpt-4o-upstream",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "` + content + `"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": ` + itoa(prompt) + `, "completion_tokens": ` + itoa(completion) + `, "total_tokens": ` + itoa(prompt+completion) + `}
		}`))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func org() OrgContext { return OrgContext{OrgID: "org-1"} }

func TestCompleteHappyPath(t *testing.T) {
	alpha := newUpstream(t, okHandler("hello", 5, 1))
	h := newHarness(t, alpha, nil, false, RetryConfig{})

	resp, err := h.engine.Complete(context.Background(), org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-1")
	require.NoError(t, err)

	assert.Equal(t, "alpha/gpt-4o", resp.Model)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, "gpt-4o", resp.Metadata.RequestedModel)
	assert.Equal(t, "alpha", resp.Metadata.UsedProvider)
	assert.Equal(t, "gpt-4o-upstream", resp.Metadata.UnderlyingUsedModel)
	assert.Equal(t, 5, resp.Usage.PromptTokens)
	assert.Equal(t, 6, resp.Usage.TotalTokens)

	// Debit = 5 input + 1 output at the binding's rates.
	want := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(0.000007))
	assert.True(t, h.ledger.Balance("org-1").Equal(want), h.ledger.Balance("org-1").String())

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, usagelog.OutcomeOK, recs[0].Outcome)
	assert.Equal(t, "alpha", recs[0].Provider)
	assert.Equal(t, 6, recs[0].TotalTokens)
}

func TestLogBodiesOptIn(t *testing.T) {
	alpha := newUpstream(t, okHandler("hello", 5, 1))
	h := newHarness(t, alpha, nil, false, RetryConfig{})

	o := org()
	o.LogBodies = true
	_, err := h.engine.Complete(context.Background(), o,
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-lb")
	require.NoError(t, err)

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].RequestBody)
	assert.NotEmpty(t, recs[0].ResponseBody)

	// Without the opt-in nothing is captured.
	_, err = h.engine.Complete(context.Background(), org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-lb2")
	require.NoError(t, err)
	assert.Empty(t, h.recorder.all()[1].RequestBody)
}

func TestFallbackOn5xx(t *testing.T) {
	alpha := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	beta := newUpstream(t, okHandler("from beta", 5, 2))
	h := newHarness(t, alpha, beta, false, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	resp, err := h.engine.Complete(context.Background(), org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-2")
	require.NoError(t, err)

	assert.Equal(t, "beta/gpt-4o", resp.Model)
	assert.Equal(t, 2, alpha.callCount(), "two attempts on the failing candidate")
	assert.Equal(t, 1, beta.callCount())

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Attempts, 3)
	assert.Equal(t, usagelog.AttemptRecord{Provider: "alpha", Status: 503, Kind: "transient"}, recs[0].Attempts[0])
	assert.Equal(t, usagelog.AttemptRecord{Provider: "alpha", Status: 503, Kind: "transient"}, recs[0].Attempts[1])
	assert.Equal(t, usagelog.AttemptRecord{Provider: "beta", Status: 200}, recs[0].Attempts[2])
}

func TestFallbackExhausted(t *testing.T) {
	alpha := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := newHarness(t, alpha, nil, false, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond})

	_, err := h.engine.Complete(context.Background(), org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-3")
	require.ErrorIs(t, err, ErrUpstreamExhausted)

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, usagelog.OutcomeError, recs[0].Outcome)
	assert.Equal(t, "upstream_unavailable", recs[0].ErrorKind)
	assert.Equal(t, 502, recs[0].StatusCode)
	assert.Len(t, recs[0].Attempts, 2)
}

func TestInsufficientCredits(t *testing.T) {
	alpha := newUpstream(t, okHandler("never", 1, 1))
	h := newHarness(t, alpha, nil, false, RetryConfig{})
	require.NoError(t, h.ledger.Debit(context.Background(), "org-1", "drain", decimal.NewFromInt(1)))

	_, err := h.engine.Complete(context.Background(), org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-4")
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	assert.Equal(t, 0, alpha.callCount(), "no upstream call on a failed precheck")
	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, usagelog.OutcomeInsufficientCredits, recs[0].Outcome)
	assert.Equal(t, 402, recs[0].StatusCode)
}

func TestUnknownModel(t *testing.T) {
	alpha := newUpstream(t, okHandler("never", 1, 1))
	h := newHarness(t, alpha, nil, false, RetryConfig{})

	_, err := h.engine.Complete(context.Background(), org(),
		&providers.ChatRequest{Model: "no-such-model", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-5")
	require.ErrorIs(t, err, catalog.ErrUnknownModel)
	assert.Equal(t, 0, alpha.callCount())
}

func TestCacheHitSkipsUpstreamAndDebit(t *testing.T) {
	alpha := newUpstream(t, okHandler("cached answer", 8, 3))
	h := newHarness(t, alpha, nil, true, RetryConfig{})

	temp := 0.0
	req := func() *providers.ChatRequest {
		return &providers.ChatRequest{
			Model:       "gpt-4o",
			Messages:    []providers.Message{{Role: "user", Content: "deterministic"}},
			Temperature: &temp,
		}
	}

	first, err := h.engine.Complete(context.Background(), org(), req(), "req-a")
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := h.engine.Complete(context.Background(), org(), req(), "req-b")
	require.NoError(t, err)

	assert.Equal(t, 1, alpha.callCount(), "second request served from cache")
	require.NotNil(t, second.Metadata)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, "alpha", second.Metadata.UsedProvider)
	assert.Equal(t, first.Choices[0].Message.Content, second.Choices[0].Message.Content)

	// Only the fill request is debited; the cached serve costs zero.
	want := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(0.000014))
	assert.True(t, h.ledger.Balance("org-1").Equal(want), h.ledger.Balance("org-1").String())

	recs := h.recorder.all()
	require.Len(t, recs, 2)
	assert.False(t, recs[0].CacheHit)
	assert.True(t, recs[1].CacheHit)
	assert.Zero(t, recs[1].TotalCost)
}

func sseHandler(chunks []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}
}

func TestStreamSettlesOnTerminalFrame(t *testing.T) {
	alpha := newUpstream(t, sseHandler([]string{
		`{"id":"chatcmpl-s","choices":[{"index":0,"delta":{"role":"assistant","content":"a"}}]}`,
		`{"id":"chatcmpl-s","choices":[{"index":0,"delta":{"content":"b"}}]}`,
		`{"id":"chatcmpl-s","choices":[{"index":0,"delta":{"content":"c"}}]}`,
		`{"id":"chatcmpl-s","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-s","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":7,"total_tokens":17}}`,
	}))
	h := newHarness(t, alpha, nil, false, RetryConfig{})

	frames, err := h.engine.Stream(context.Background(), org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}, Stream: true},
		"req-s")
	require.NoError(t, err)

	var content string
	var terminals []providers.StreamFrame
	for f := range frames {
		assert.Equal(t, "alpha/gpt-4o", f.Model)
		if f.Done {
			terminals = append(terminals, f)
			continue
		}
		for _, c := range f.Choices {
			content += c.Delta.Content
		}
	}

	assert.Equal(t, "abc", content)
	require.Len(t, terminals, 1)
	require.NoError(t, terminals[0].Err)
	require.NotNil(t, terminals[0].Usage)
	assert.Equal(t, 10, terminals[0].Usage.PromptTokens)

	// Debit from the terminal usage: 10 input + 7 output.
	want := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(0.000024))
	assert.True(t, h.ledger.Balance("org-1").Equal(want), h.ledger.Balance("org-1").String())

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, usagelog.OutcomeOK, recs[0].Outcome)
	assert.Equal(t, 17, recs[0].TotalTokens)
	assert.GreaterOrEqual(t, recs[0].TimeToFirstToken, int64(0))
}

func TestStreamExhaustedEmitsTerminalError(t *testing.T) {
	alpha := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h := newHarness(t, alpha, nil, false, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond})

	frames, err := h.engine.Stream(context.Background(), org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}, Stream: true},
		"req-se")
	require.NoError(t, err)

	var terminals []providers.StreamFrame
	for f := range frames {
		require.True(t, f.Done, "no deltas on a fully failed stream")
		terminals = append(terminals, f)
	}
	require.Len(t, terminals, 1)
	assert.ErrorIs(t, terminals[0].Err, ErrUpstreamExhausted)
}

func TestPinnedProviderOnly(t *testing.T) {
	alpha := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	beta := newUpstream(t, okHandler("beta answer", 3, 1))
	h := newHarness(t, alpha, beta, false, RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond})

	// Pinning via "provider/model" disables fallback to other bindings.
	_, err := h.engine.Complete(context.Background(), org(),
		&providers.ChatRequest{Model: "alpha/gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-p")
	require.ErrorIs(t, err, ErrUpstreamExhausted)
	assert.Equal(t, 0, beta.callCount(), "pinned request never reaches other providers")
}

func TestCircuitBreakerSkipsFailingProvider(t *testing.T) {
	alpha := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	beta := newUpstream(t, okHandler("beta answer", 3, 1))
	h := newHarness(t, alpha, beta, false, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	req := func() *providers.ChatRequest {
		return &providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}}
	}

	// Two requests rack up six consecutive alpha failures, past the
	// breaker threshold.
	for i := 0; i < 2; i++ {
		resp, err := h.engine.Complete(context.Background(), org(), req(), "req-cb-"+itoa(i))
		require.NoError(t, err)
		assert.Equal(t, "beta/gpt-4o", resp.Model)
	}
	callsBefore := alpha.callCount()
	require.Equal(t, 6, callsBefore)

	resp, err := h.engine.Complete(context.Background(), org(), req(), "req-cb-open")
	require.NoError(t, err)
	assert.Equal(t, "beta/gpt-4o", resp.Model)
	assert.Equal(t, callsBefore, alpha.callCount(), "open circuit short-circuits the provider")

	recs := h.recorder.all()
	require.Len(t, recs, 3)
	require.NotEmpty(t, recs[2].Attempts)
	assert.Equal(t, usagelog.AttemptRecord{Provider: "alpha", Kind: "circuit_open"}, recs[2].Attempts[0])
}

func TestConcurrentCacheFillDebitsOnce(t *testing.T) {
	release := make(chan struct{})
	alpha := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okHandler("slow answer", 8, 3)(w, r)
	})
	h := newHarness(t, alpha, nil, true, RetryConfig{})

	temp := 0.0
	req := func() *providers.ChatRequest {
		return &providers.ChatRequest{
			Model:       "gpt-4o",
			Messages:    []providers.Message{{Role: "user", Content: "deterministic"}},
			Temperature: &temp,
		}
	}

	const callers = 4
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Complete(context.Background(), org(), req(), "req-cc-"+itoa(i))
			assert.NoError(t, err)
		}(i)
	}
	// Hold the upstream open until every caller has joined the flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, alpha.callCount(), "one flight fills for all callers")

	// Only the caller that ran the fill is billed.
	want := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(0.000014))
	assert.True(t, h.ledger.Balance("org-1").Equal(want), h.ledger.Balance("org-1").String())

	recs := h.recorder.all()
	require.Len(t, recs, callers)
	fresh := 0
	for _, r := range recs {
		if !r.CacheHit {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one record is a billed fresh fill")
}

func TestStreamClientDisconnectRecordsDeliveredUsage(t *testing.T) {
	hold := make(chan struct{})
	alpha := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, c := range []string{
			`{"id":"chatcmpl-cut","choices":[{"index":0,"delta":{"role":"assistant","content":"partial "}}]}`,
			`{"id":"chatcmpl-cut","choices":[{"index":0,"delta":{"content":"answer text"}}]}`,
		} {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
			fl.Flush()
		}
		<-hold
	})
	t.Cleanup(func() { close(hold) })
	h := newHarness(t, alpha, nil, false, RetryConfig{MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames, err := h.engine.Stream(ctx, org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}, Stream: true},
		"req-cut")
	require.NoError(t, err)

	deltas := 0
	var terminal providers.StreamFrame
	for f := range frames {
		if f.Done {
			terminal = f
			continue
		}
		deltas++
		if deltas == 2 {
			cancel()
		}
	}
	require.Error(t, terminal.Err)

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, usagelog.OutcomeClientDisconnect, rec.Outcome)
	assert.Greater(t, rec.OutputTokens, 0, "delivered deltas are estimated, not zeroed")
	assert.Greater(t, rec.InputTokens, 0)
	assert.Equal(t, rec.InputTokens+rec.OutputTokens, rec.TotalTokens)
	assert.GreaterOrEqual(t, rec.TimeToFirstToken, int64(0))
}

// hangupAdapter serves a canned response while simulating a client that
// disconnects during the upstream call.
type hangupAdapter struct {
	onComplete func()
	resp       providers.ChatResponse
}

func (a *hangupAdapter) ProviderID() string { return "alpha" }

func (a *hangupAdapter) CapabilityCheck(*providers.ChatRequest, catalog.ProviderBinding) error {
	return nil
}

func (a *hangupAdapter) Complete(ctx context.Context, req *providers.ChatRequest, b catalog.ProviderBinding, cred *credential.Credential) (*providers.ChatResponse, error) {
	if a.onComplete != nil {
		a.onComplete()
	}
	r := a.resp
	return &r, nil
}

func (a *hangupAdapter) Stream(context.Context, *providers.ChatRequest, catalog.ProviderBinding, *credential.Credential) (<-chan providers.StreamFrame, error) {
	return nil, errors.New("buffered stub only")
}

func TestClientGoneAfterUpstreamIsRefunded(t *testing.T) {
	cat, err := catalog.New([]*catalog.ModelEntry{{
		ID:     "gpt-4o",
		Family: "gpt",
		Bindings: []catalog.ProviderBinding{{
			ProviderID:   "alpha",
			ModelName:    "gpt-4o-upstream",
			Pricing:      catalog.Pricing{InputPerToken: 0.000001, OutputPerToken: 0.000002},
			Capabilities: catalog.Capabilities{Streaming: true},
		}},
	}}, nil, []*catalog.ProviderInfo{{
		ID: "alpha", Auth: catalog.AuthBearer, KeyEnvVar: "TEST_ALPHA_KEY",
	}})
	require.NoError(t, err)
	t.Setenv("TEST_ALPHA_KEY", "k-alpha")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ad := &hangupAdapter{
		onComplete: cancel,
		resp: providers.ChatResponse{
			ID:    "chatcmpl-gone",
			Model: "gpt-4o-upstream",
			Choices: []providers.Choice{{
				Message:      providers.Message{Role: "assistant", Content: "late"},
				FinishReason: providers.FinishStop,
			}},
			Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
		},
	}
	resolver := credential.NewResolver(cat, credential.NopStore{}, credential.ResolverConfig{}, zap.NewNop())
	led := ledger.NewMemoryLedger()
	led.Credit("org-1", decimal.NewFromInt(1))
	recorder := &captureRecorder{}
	engine := NewEngine(cat, providers.NewRegistry(ad), resolver, nil, led, recorder, RetryConfig{}, zap.NewNop())

	_, err = engine.Complete(ctx, org(),
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-gone")
	require.Error(t, err)

	// Debit then refund: the balance ends where it started.
	assert.True(t, led.Balance("org-1").Equal(decimal.NewFromInt(1)), led.Balance("org-1").String())

	recs := recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, usagelog.OutcomeClientDisconnect, recs[0].Outcome)
	assert.Greater(t, recs[0].TotalCost, 0.0, "the record still carries the upstream cost")
}

func TestBlockedProviderPolicy(t *testing.T) {
	alpha := newUpstream(t, okHandler("alpha answer", 3, 1))
	beta := newUpstream(t, okHandler("beta answer", 3, 1))
	h := newHarness(t, alpha, beta, false, RetryConfig{})

	o := org()
	o.BlockedProviders = []string{"alpha"}
	resp, err := h.engine.Complete(context.Background(), o,
		&providers.ChatRequest{Model: "gpt-4o", Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		"req-bp")
	require.NoError(t, err)
	assert.Equal(t, "beta/gpt-4o", resp.Model)
	assert.Equal(t, 0, alpha.callCount())
}
