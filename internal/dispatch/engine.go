package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/amerfu/pgate/internal/cache"
	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/credential"
	"github.com/amerfu/pgate/internal/ledger"
	"github.com/amerfu/pgate/internal/providers"
	"github.com/amerfu/pgate/internal/usagelog"
	"github.com/amerfu/pgate/pkg/circuitbreaker"
)

var (
	// ErrNoCandidates means no active binding can serve the request as
	// asked (capability, policy, or configuration).
	ErrNoCandidates = errors.New("no provider can serve this request")
	// ErrUpstreamExhausted means every candidate failed.
	ErrUpstreamExhausted = errors.New("all upstream providers failed")
	// ErrStreamingUnsupported means no streaming-capable candidate exists
	// but a buffered one might; the caller decides whether to downgrade.
	ErrStreamingUnsupported = errors.New("no provider supports streaming for this request")
)

var upstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pgate_upstream_attempts_total",
	Help: "Upstream attempts by provider and outcome.",
}, []string{"provider", "outcome"})

// OrgContext is the authenticated tenant a request runs under.
type OrgContext struct {
	OrgID            string
	ProjectID        string
	AllowedProviders []string
	BlockedProviders []string
	LogBodies        bool
}

// Recorder receives one usage record per request outcome.
type Recorder interface {
	Enqueue(record *usagelog.Record)
}

// RetryConfig bounds per-candidate retries of transient failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c *RetryConfig) withDefaults() RetryConfig {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 200 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 5 * time.Second
	}
	return out
}

// Engine runs the dispatch state machine: candidate selection, credit
// precheck, the attempt loop with retry and fallback, cost accounting,
// cache population, and usage logging.
type Engine struct {
	catalog   *catalog.Catalog
	registry  *providers.Registry
	resolver  *credential.Resolver
	cache     *cache.ResponseCache // nil disables caching
	ledger    ledger.Ledger
	logs      Recorder
	estimator *Estimator
	retry     RetryConfig
	breakers  *circuitbreaker.Set
	logger    *zap.Logger
}

func NewEngine(
	cat *catalog.Catalog,
	registry *providers.Registry,
	resolver *credential.Resolver,
	responseCache *cache.ResponseCache,
	led ledger.Ledger,
	logs Recorder,
	retry RetryConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		catalog:   cat,
		registry:  registry,
		resolver:  resolver,
		cache:     responseCache,
		ledger:    led,
		logs:      logs,
		estimator: NewEstimator(),
		retry:     retry.withDefaults(),
		breakers:  circuitbreaker.NewSet(5, 30*time.Second),
		logger:    logger,
	}
}

// plan is the per-request outcome of model resolution and candidate
// selection.
type plan struct {
	entry      *catalog.ModelEntry
	candidates []catalog.ProviderBinding
	skipped    []usagelog.AttemptRecord
	start      time.Time
}

func providerSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (e *Engine) prepare(ctx context.Context, org OrgContext, req *providers.ChatRequest) (*plan, error) {
	p := &plan{start: time.Now()}

	entry, pinned, err := e.catalog.Lookup(req.Model)
	if err != nil {
		return p, err
	}
	p.entry = entry
	if pinned == "" {
		pinned = req.Provider
	}

	policy := catalog.BindingPolicy{
		PinnedProvider:   pinned,
		AllowedProviders: providerSet(org.AllowedProviders),
		BlockedProviders: providerSet(org.BlockedProviders),
	}
	if req.Fallback != nil && !req.Fallback.AllowUnstable {
		policy.ExcludeUnstable = true
	}

	bindings := e.catalog.ListBindings(entry, policy)
	if pinned != "" {
		// A pinned provider must actually carry the model.
		if _, ok := e.catalog.Binding(entry, pinned); !ok {
			return p, fmt.Errorf("%w: provider %q does not serve %q", ErrNoCandidates, pinned, entry.ID)
		}
		if req.Fallback == nil || req.Fallback.Disabled {
			filtered := bindings[:0]
			for _, b := range bindings {
				if b.ProviderID == pinned {
					filtered = append(filtered, b)
				}
			}
			bindings = filtered
		}
	} else if req.Fallback != nil && req.Fallback.Disabled && len(bindings) > 1 {
		bindings = bindings[:1]
	}

	streamCapable := false
	for _, b := range bindings {
		adapter, err := e.registry.Get(b.ProviderID)
		if err != nil {
			continue
		}
		if b.Capabilities.Streaming {
			streamCapable = true
		}
		if err := adapter.CapabilityCheck(req, b); err != nil {
			p.skipped = append(p.skipped, usagelog.AttemptRecord{
				Provider: b.ProviderID,
				Kind:     providers.KindCapability.String(),
			})
			continue
		}
		p.candidates = append(p.candidates, b)
	}
	if len(p.candidates) == 0 {
		if req.Stream && !streamCapable && len(bindings) > 0 {
			return p, ErrStreamingUnsupported
		}
		return p, ErrNoCandidates
	}

	prompt := e.estimator.PromptTokens(req)
	bound := UpperBoundCost(p.candidates, prompt, req.MaxTokens)
	if err := e.ledger.Precheck(ctx, org.OrgID, bound); err != nil {
		return p, err
	}
	return p, nil
}

// Complete serves a buffered request end to end.
func (e *Engine) Complete(ctx context.Context, org OrgContext, req *providers.ChatRequest, requestID string) (*providers.ChatResponse, error) {
	p, err := e.prepare(ctx, org, req)
	if err != nil {
		e.logFailure(org, req, requestID, p, err)
		return nil, err
	}

	var (
		attempts []usagelog.AttemptRecord
		used     catalog.ProviderBinding
		byok     bool
	)
	run := func(ctx context.Context) (*providers.ChatResponse, error) {
		resp, a, b, bk, err := e.attemptAll(ctx, org, req, p)
		attempts, used, byok = a, b, bk
		if err != nil {
			return nil, err
		}
		e.stampMetadata(resp, req, p.entry, b.ProviderID, resp.Model, false)
		return resp, nil
	}

	var (
		resp   *providers.ChatResponse
		shared bool
	)
	if e.cache != nil && cache.Eligible(req) {
		resp, shared, err = e.cache.GetOrCompute(ctx, cache.Key(req), run)
	} else {
		resp, err = run(ctx)
	}
	if err != nil {
		p.skipped = append(p.skipped, attempts...)
		e.logFailure(org, req, requestID, p, err)
		return nil, err
	}

	if shared {
		copied := *resp
		meta := providers.Metadata{}
		if resp.Metadata != nil {
			meta = *resp.Metadata
		}
		meta.RequestedModel = req.Model
		meta.RequestedProvider = req.Provider
		meta.CacheHit = true
		copied.Metadata = &meta
		e.logs.Enqueue(e.baseRecord(org, req, requestID, p, &copied, usagelog.Record{
			Outcome:  usagelog.OutcomeOK,
			CacheHit: true,
		}))
		return &copied, nil
	}

	cost := ComputeCost(used, resp.Usage)
	e.debit(ctx, org, requestID, cost, byok)

	if ctx.Err() != nil {
		// The client hung up between the upstream response and ours. The
		// upstream call was already paid for, so the debit comes back.
		e.refund(ctx, org, requestID)
		rec := e.baseRecord(org, req, requestID, p, resp, usagelog.Record{
			Outcome:   usagelog.OutcomeClientDisconnect,
			ErrorKind: "client_disconnect",
			Attempts:  append(p.skipped, attempts...),
			BYOK:      byok,
		})
		applyCost(rec, cost)
		e.logs.Enqueue(rec)
		return nil, providers.ClassifyTransport("dispatch", ctx.Err())
	}

	rec := e.baseRecord(org, req, requestID, p, resp, usagelog.Record{
		Outcome:  usagelog.OutcomeOK,
		Attempts: append(p.skipped, attempts...),
		BYOK:     byok,
	})
	applyCost(rec, cost)
	e.logs.Enqueue(rec)
	return resp, nil
}

// Stream serves a streaming request. The returned channel carries delta
// frames and exactly one terminal frame; accounting happens when the
// terminal frame arrives.
func (e *Engine) Stream(ctx context.Context, org OrgContext, req *providers.ChatRequest, requestID string) (<-chan providers.StreamFrame, error) {
	p, err := e.prepare(ctx, org, req)
	if err != nil {
		e.logFailure(org, req, requestID, p, err)
		return nil, err
	}

	out := make(chan providers.StreamFrame, 16)
	go e.relay(ctx, org, req, requestID, p, out)
	return out, nil
}

// attemptAll runs the candidate loop for the buffered path.
func (e *Engine) attemptAll(ctx context.Context, org OrgContext, req *providers.ChatRequest, p *plan) (*providers.ChatResponse, []usagelog.AttemptRecord, catalog.ProviderBinding, bool, error) {
	var (
		attempts []usagelog.AttemptRecord
		lastErr  error
	)
	for _, binding := range p.candidates {
		adapter, cred, b, skip := e.openCandidate(ctx, org, binding, &attempts)
		if skip {
			continue
		}
		for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
			resp, err := adapter.Complete(ctx, req, b, cred)
			if err == nil {
				attempts = append(attempts, usagelog.AttemptRecord{Provider: b.ProviderID, Status: 200})
				upstreamAttempts.WithLabelValues(b.ProviderID, "ok").Inc()
				e.breakers.Success(b.ProviderID)
				return resp, attempts, binding, cred.BYOK, nil
			}

			pe := asProviderError(b.ProviderID, err)
			attempts = append(attempts, usagelog.AttemptRecord{
				Provider: b.ProviderID,
				Status:   pe.StatusCode,
				Kind:     pe.Kind.String(),
			})
			upstreamAttempts.WithLabelValues(b.ProviderID, pe.Kind.String()).Inc()
			e.noteBreakerFailure(b.ProviderID, pe)
			lastErr = err

			if pe.Retryable() && attempt+1 < e.retry.MaxAttempts {
				if err := e.sleep(ctx, e.backoffDelay(attempt, pe.RetryAfter)); err != nil {
					return nil, attempts, binding, false, err
				}
				continue
			}
			if pe.Advanceable() {
				break
			}
			return nil, attempts, binding, false, err
		}
	}
	return nil, attempts, catalog.ProviderBinding{}, false, fmt.Errorf("%w: %w", ErrUpstreamExhausted, lastErr)
}

// openCandidate resolves the adapter and credential for one binding and
// applies provider-specific model id rewrites.
func (e *Engine) openCandidate(ctx context.Context, org OrgContext, binding catalog.ProviderBinding, attempts *[]usagelog.AttemptRecord) (providers.Adapter, *credential.Credential, catalog.ProviderBinding, bool) {
	if !e.breakers.Allow(binding.ProviderID) {
		*attempts = append(*attempts, usagelog.AttemptRecord{
			Provider: binding.ProviderID,
			Kind:     "circuit_open",
		})
		return nil, nil, binding, true
	}
	adapter, err := e.registry.Get(binding.ProviderID)
	if err != nil {
		return nil, nil, binding, true
	}
	cred, err := e.resolver.Resolve(ctx, org.OrgID, binding.ProviderID)
	if err != nil {
		if errors.Is(err, credential.ErrProviderNotConfigured) {
			*attempts = append(*attempts, usagelog.AttemptRecord{
				Provider: binding.ProviderID,
				Kind:     "provider_not_configured",
			})
		} else {
			e.logger.Warn("credential resolution failed",
				zap.String("provider", binding.ProviderID), zap.Error(err))
		}
		return nil, nil, binding, true
	}
	b := binding
	if b.ProviderID == "bedrock" {
		b.ModelName = e.resolver.BedrockModelID(b.ModelName)
	}
	return adapter, cred, b, false
}

// relay runs the candidate loop for the streaming path and seals the
// request once any delta reaches the client.
func (e *Engine) relay(ctx context.Context, org OrgContext, req *providers.ChatRequest, requestID string, p *plan, out chan<- providers.StreamFrame) {
	defer close(out)

	var (
		attempts []usagelog.AttemptRecord
		lastErr  error
		progress streamProgress
	)

	for _, binding := range p.candidates {
		adapter, cred, b, skip := e.openCandidate(ctx, org, binding, &attempts)
		if skip {
			continue
		}
		for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
			frames, err := adapter.Stream(ctx, req, b, cred)
			if err == nil {
				var terminal providers.StreamFrame
				terminal, err = e.pump(frames, out, p.entry, binding, &progress, p.start)
				if err == nil {
					attempts = append(attempts, usagelog.AttemptRecord{Provider: b.ProviderID, Status: 200})
					upstreamAttempts.WithLabelValues(b.ProviderID, "ok").Inc()
					e.breakers.Success(b.ProviderID)
					e.settleStream(ctx, org, req, requestID, p, binding, cred.BYOK, terminal, attempts, progress.ttft)
					return
				}
			}

			pe := asProviderError(b.ProviderID, err)
			attempts = append(attempts, usagelog.AttemptRecord{
				Provider: b.ProviderID,
				Status:   pe.StatusCode,
				Kind:     pe.Kind.String(),
			})
			upstreamAttempts.WithLabelValues(b.ProviderID, pe.Kind.String()).Inc()
			e.noteBreakerFailure(b.ProviderID, pe)
			lastErr = err

			if progress.delivered {
				// Bytes reached the client; the request is sealed. No
				// terminal usage arrived, so the record carries an
				// estimate of what was actually delivered.
				out <- providers.StreamFrame{Done: true, Err: err}
				outcome := usagelog.OutcomeError
				if pe.Kind == providers.KindStreamMidFlight {
					outcome = usagelog.OutcomeClientDisconnect
				}
				rec := e.baseRecord(org, req, requestID, p, nil, usagelog.Record{
					Outcome:   outcome,
					ErrorKind: pe.Kind.String(),
					Provider:  b.ProviderID,
					Attempts:  append(p.skipped, attempts...),
				})
				rec.UsedModel = p.entry.ID
				rec.InputTokens = e.estimator.PromptTokens(req)
				rec.OutputTokens = e.estimator.TextTokens(progress.text.String())
				rec.TotalTokens = rec.InputTokens + rec.OutputTokens
				rec.TimeToFirstToken = progress.ttft
				e.logs.Enqueue(rec)
				return
			}
			if pe.Retryable() && attempt+1 < e.retry.MaxAttempts {
				if err := e.sleep(ctx, e.backoffDelay(attempt, pe.RetryAfter)); err != nil {
					out <- providers.StreamFrame{Done: true, Err: err}
					return
				}
				continue
			}
			if pe.Advanceable() {
				break
			}
			out <- providers.StreamFrame{Done: true, Err: err}
			e.logFailure(org, req, requestID, p, err)
			return
		}
	}

	err := fmt.Errorf("%w: %w", ErrUpstreamExhausted, lastErr)
	out <- providers.StreamFrame{Done: true, Err: err}
	p.skipped = append(p.skipped, attempts...)
	e.logFailure(org, req, requestID, p, err)
}

// streamProgress tracks what actually reached the client, so a stream
// sealed by a mid-flight failure can still be accounted.
type streamProgress struct {
	delivered bool
	ttft      int64
	text      strings.Builder
}

// pump forwards frames until the terminal one. A terminal error before
// any delivery is returned to the attempt loop instead of forwarded.
func (e *Engine) pump(frames <-chan providers.StreamFrame, out chan<- providers.StreamFrame, entry *catalog.ModelEntry, binding catalog.ProviderBinding, progress *streamProgress, start time.Time) (providers.StreamFrame, error) {
	for frame := range frames {
		if frame.Err != nil {
			return frame, frame.Err
		}
		frame.Model = binding.ProviderID + "/" + entry.ID
		if frame.Done {
			out <- frame
			return frame, nil
		}
		if !progress.delivered {
			progress.delivered = true
			progress.ttft = time.Since(start).Milliseconds()
		}
		for _, c := range frame.Choices {
			progress.text.WriteString(c.Delta.Content)
			progress.text.WriteString(c.Delta.Reasoning)
		}
		out <- frame
	}
	return providers.StreamFrame{}, &providers.ProviderError{
		Provider: binding.ProviderID,
		Kind:     providers.KindTransient,
		Message:  "stream closed without terminal frame",
	}
}

// settleStream prices the terminal usage, debits and logs.
func (e *Engine) settleStream(ctx context.Context, org OrgContext, req *providers.ChatRequest, requestID string, p *plan, binding catalog.ProviderBinding, byok bool, terminal providers.StreamFrame, attempts []usagelog.AttemptRecord, ttft int64) {
	usage := providers.Usage{}
	if terminal.Usage != nil {
		usage = *terminal.Usage
	}
	usage.Clamp()

	cost := ComputeCost(binding, usage)
	e.debit(ctx, org, requestID, cost, byok)

	rec := e.baseRecord(org, req, requestID, p, nil, usagelog.Record{
		Outcome:  usagelog.OutcomeOK,
		Provider: binding.ProviderID,
		BYOK:     byok,
		Attempts: append(p.skipped, attempts...),
	})
	rec.UsedModel = p.entry.ID
	rec.InputTokens = usage.PromptTokens
	rec.OutputTokens = usage.CompletionTokens
	rec.CachedTokens = usage.CachedTokens()
	rec.TotalTokens = usage.TotalTokens
	rec.TimeToFirstToken = ttft
	applyCost(rec, cost)
	e.logs.Enqueue(rec)
}

func (e *Engine) debit(ctx context.Context, org OrgContext, requestID string, cost Cost, byok bool) {
	amount := DebitAmount(cost, byok)
	if amount.IsZero() {
		return
	}
	// Accounting runs to completion even when the caller's context is
	// already gone.
	if err := e.ledger.Debit(context.WithoutCancel(ctx), org.OrgID, requestID, amount); err != nil {
		// The response already succeeded; a debit failure is an accounting
		// incident, not a request failure.
		e.logger.Error("ledger debit failed",
			zap.String("org_id", org.OrgID),
			zap.String("request_id", requestID),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
}

func (e *Engine) refund(ctx context.Context, org OrgContext, requestID string) {
	if err := e.ledger.Refund(context.WithoutCancel(ctx), org.OrgID, requestID); err != nil {
		e.logger.Error("ledger refund failed",
			zap.String("org_id", org.OrgID),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (e *Engine) stampMetadata(resp *providers.ChatResponse, req *providers.ChatRequest, entry *catalog.ModelEntry, usedProvider, underlying string, cacheHit bool) {
	resp.Metadata = &providers.Metadata{
		RequestedModel:      req.Model,
		RequestedProvider:   req.Provider,
		UsedModel:           entry.ID,
		UsedProvider:        usedProvider,
		UnderlyingUsedModel: underlying,
		CacheHit:            cacheHit,
	}
	if usedProvider != "" {
		resp.Model = usedProvider + "/" + entry.ID
	}
}

// baseRecord fills the request-scoped fields of a usage record; the
// override supplies outcome-specific ones.
func (e *Engine) baseRecord(org OrgContext, req *providers.ChatRequest, requestID string, p *plan, resp *providers.ChatResponse, override usagelog.Record) *usagelog.Record {
	rec := &override
	rec.RequestID = requestID
	rec.Timestamp = time.Now()
	rec.OrgID = org.OrgID
	rec.ProjectID = org.ProjectID
	rec.RequestedModel = req.Model
	rec.Latency = time.Since(p.start).Milliseconds()
	if resp != nil {
		rec.UsedModel = resp.Model
		if resp.Metadata != nil {
			rec.Provider = resp.Metadata.UsedProvider
		}
		rec.InputTokens = resp.Usage.PromptTokens
		rec.OutputTokens = resp.Usage.CompletionTokens
		rec.CachedTokens = resp.Usage.CachedTokens()
		rec.TotalTokens = resp.Usage.TotalTokens
	}
	// Prompt and response bodies are persisted only for orgs that opted in.
	if org.LogBodies {
		if raw, err := json.Marshal(req); err == nil {
			rec.RequestBody = raw
		}
		if resp != nil {
			if raw, err := json.Marshal(resp); err == nil {
				rec.ResponseBody = raw
			}
		}
	}
	return rec
}

func applyCost(rec *usagelog.Record, cost Cost) {
	rec.InputCost = cost.Input.InexactFloat64()
	rec.OutputCost = cost.Output.InexactFloat64()
	rec.CachedCost = cost.Cached.InexactFloat64()
	rec.RequestCost = cost.Request.InexactFloat64()
	rec.TotalCost = cost.Total.InexactFloat64()
}

// logFailure writes the single record for a request that never produced
// a successful response.
func (e *Engine) logFailure(org OrgContext, req *providers.ChatRequest, requestID string, p *plan, err error) {
	rec := &usagelog.Record{
		Outcome:   usagelog.OutcomeError,
		ErrorKind: "internal",
	}
	switch {
	case errors.Is(err, catalog.ErrUnknownModel), errors.Is(err, ErrNoCandidates), errors.Is(err, ErrStreamingUnsupported):
		rec.Outcome = usagelog.OutcomeBadRequest
		rec.ErrorKind = "bad_request"
		rec.StatusCode = 400
	case errors.Is(err, ledger.ErrInsufficientCredits):
		rec.Outcome = usagelog.OutcomeInsufficientCredits
		rec.ErrorKind = "insufficient_credits"
		rec.StatusCode = 402
	case errors.Is(err, ErrUpstreamExhausted):
		rec.ErrorKind = "upstream_unavailable"
		rec.StatusCode = 502
	default:
		var pe *providers.ProviderError
		if errors.As(err, &pe) {
			rec.ErrorKind = pe.Kind.String()
			rec.StatusCode = 502
		}
	}
	if p != nil {
		rec.Attempts = p.skipped
	}
	full := e.baseRecord(org, req, requestID, p, nil, *rec)
	e.logs.Enqueue(full)
}

// noteBreakerFailure counts only upstream health failures against the
// provider's circuit; client mistakes and auth problems do not trip it.
func (e *Engine) noteBreakerFailure(providerID string, pe *providers.ProviderError) {
	if pe.Kind == providers.KindTransient || pe.Kind == providers.KindRateLimited {
		e.breakers.Failure(providerID)
	}
}

func asProviderError(providerID string, err error) *providers.ProviderError {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &providers.ProviderError{Provider: providerID, Kind: providers.KindTransient, Message: err.Error()}
}

func (e *Engine) backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := e.retry.BaseDelay << uint(attempt)
	if delay > e.retry.MaxDelay {
		delay = e.retry.MaxDelay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return providers.ClassifyTransport("dispatch", ctx.Err())
	case <-timer.C:
		return nil
	}
}
