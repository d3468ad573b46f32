// Package pipeline composes detection, masking, guardrails, the semantic
// cache and the provider into the request flow. Each stage may terminate
// the request: guardrail blocks substitute a refusal, cache hits skip the
// provider, provider failures surface as errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"piigate/internal/auditlog"
	"piigate/internal/core"
	"piigate/internal/guardrail"
	"piigate/internal/masking"
	"piigate/internal/observability"
	"piigate/internal/pii"
	"piigate/internal/pricing"
	"piigate/internal/semcache"
)

// DefaultTimeout bounds one end-to-end exchange including the provider
// call.
const DefaultTimeout = 60 * time.Second

// Request is one chat exchange entering the pipeline.
type Request struct {
	// SessionID scopes masking tokens. Empty means a fresh session is
	// created when masking engages.
	SessionID string
	Mode      pii.Mode
	Chat      *core.ChatRequest
}

// Outcome is the terminal result of a pipeline run.
type Outcome struct {
	Response  *core.ChatResponse
	Status    string
	SessionID string

	CacheHit  bool
	Blocked   bool
	BlockedBy string

	DetectionMode     pii.Mode
	DetectionDegraded bool

	Violations []guardrail.Violation
}

// Config tunes the pipeline.
type Config struct {
	ProviderName string
	Timeout      time.Duration
}

// Pipeline wires the stages together. All collaborators are required
// except the cache, which may be nil to disable semantic caching.
type Pipeline struct {
	detector *pii.Detector
	masker   *masking.Store
	engine   *guardrail.Engine
	cache    *semcache.Cache
	provider core.Provider
	pricing  core.PricingResolver
	audit    auditlog.Writer
	metrics  *observability.Metrics
	logger   *slog.Logger

	providerName string
	timeout      time.Duration
}

// New assembles a pipeline.
func New(
	detector *pii.Detector,
	masker *masking.Store,
	engine *guardrail.Engine,
	cache *semcache.Cache,
	provider core.Provider,
	pricing core.PricingResolver,
	audit auditlog.Writer,
	metrics *observability.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if audit == nil {
		audit = auditlog.NopWriter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		detector:     detector,
		masker:       masker,
		engine:       engine,
		cache:        cache,
		provider:     provider,
		pricing:      pricing,
		audit:        audit,
		metrics:      metrics,
		logger:       logger,
		providerName: cfg.ProviderName,
		timeout:      cfg.Timeout,
	}
}

// run carries the per-request state threaded through the stages.
type run struct {
	requestID string
	sessionID string
	started   time.Time

	mode          pii.Mode
	degraded      bool
	detectElapsed time.Duration

	// maskingOK gates the cache: when masking could not be applied the
	// request bypasses lookup and store so raw PII never enters the cache.
	maskingOK           bool
	maskingInconsistent bool

	entityCounts map[string]int
	violations   []guardrail.Violation
}

// Handle runs one request through all stages and returns the terminal
// outcome. The returned error is non-nil only for provider failures and
// cancellation; guardrail blocks are a normal Outcome, not an error.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*Outcome, error) {
	if req == nil || req.Chat == nil || len(req.Chat.Messages) == 0 {
		return nil, core.NewInvalidRequestError("chat request has no messages", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	r := &run{
		requestID:    core.GetRequestID(ctx),
		sessionID:    req.SessionID,
		started:      time.Now(),
		mode:         req.Mode,
		maskingOK:    true,
		entityCounts: make(map[string]int),
	}
	if r.requestID == "" {
		r.requestID = uuid.NewString()
	}

	// Stages 1-2: detect and mask every message.
	maskedMessages, inputEntities := p.maskInput(ctx, r, req.Chat.Messages)
	maskedPrompt := joinContents(maskedMessages)

	// Stage 3: guardrail the masked input.
	inputViolations := p.engine.Evaluate(maskedPrompt, inputEntities, guardrail.EvalContext{
		"tokens": float64(estimateTokens(maskedPrompt)),
	})
	r.violations = append(r.violations, inputViolations...)
	p.countViolations(inputViolations)
	if guardrail.ShouldBlock(inputViolations) {
		return p.blocked(req, r, inputViolations), nil
	}

	// Stage 4: semantic cache lookup on the masked prompt.
	if p.cache != nil && r.maskingOK {
		if cached, hit := p.cache.Lookup(ctx, maskedPrompt, p.providerName, req.Chat.Model); hit {
			p.countCache(true)
			return p.deliver(ctx, req, r, cached, true), nil
		}
		p.countCache(false)
	}

	// Stage 5: provider call with masked content.
	maskedReq := *req.Chat
	maskedReq.Messages = maskedMessages
	resp, err := p.provider.ChatCompletion(ctx, &maskedReq)
	if err != nil {
		return nil, p.providerFailed(req, r, err)
	}

	// Stage 6: detect PII the provider introduced in its output.
	outResult := p.detector.Detect(ctx, resp.Text(), "", r.mode)
	r.degraded = r.degraded || outResult.Degraded
	r.detectElapsed += outResult.Elapsed
	p.countEntities(r, outResult.Entities, "output")

	// Stage 7: guardrail the output.
	cost := p.cost(req.Chat.Model, resp.Usage)
	outputViolations := p.engine.Evaluate(resp.Text(), outResult.Entities, guardrail.EvalContext{
		"tokens": float64(resp.Usage.TotalTokens),
		"cost":   cost,
	})
	r.violations = append(r.violations, outputViolations...)
	p.countViolations(outputViolations)
	if guardrail.ShouldBlock(outputViolations) {
		out := p.blocked(req, r, outputViolations)
		out.Response.Usage = resp.Usage
		return out, nil
	}

	// Stage 9 (before unmask touches the session TTL): store the masked
	// exchange. Skipped on cancellation so an abandoned request leaves no
	// partial entry behind.
	if p.cache != nil && r.maskingOK && ctx.Err() == nil {
		if err := p.cache.Store(ctx, maskedPrompt, p.providerName, req.Chat.Model, resp); err != nil {
			p.logger.Warn("cache store failed", "request_id", r.requestID, "error", err)
		}
	}

	// Stages 8 and 10 run in deliver.
	return p.deliver(ctx, req, r, resp, false), nil
}

// maskInput runs detection and masking over each message. Masking
// failures degrade to the raw content and mark the run so the cache is
// bypassed.
func (p *Pipeline) maskInput(ctx context.Context, r *run, messages []core.Message) ([]core.Message, []pii.Entity) {
	masked := make([]core.Message, len(messages))
	var all []pii.Entity

	for i, msg := range messages {
		masked[i] = msg

		result := p.detector.Detect(ctx, msg.Content, "", r.mode)
		r.mode = result.Mode
		r.degraded = r.degraded || result.Degraded
		r.detectElapsed += result.Elapsed
		if len(result.Entities) == 0 {
			continue
		}

		all = append(all, result.Entities...)
		p.countEntities(r, result.Entities, "input")

		if r.sessionID == "" {
			r.sessionID = masking.NewSessionID()
		}
		content, err := p.masker.Mask(ctx, r.sessionID, msg.Content, result.Entities)
		if err != nil {
			p.logger.Error("masking failed, bypassing cache for this request",
				"request_id", r.requestID, "error", err)
			r.maskingOK = false
			r.maskingInconsistent = true
			continue
		}
		masked[i].Content = content
	}
	return masked, all
}

// deliver unmasks the response, emits audit and metrics, and builds the
// outcome. Used for both fresh and cached responses.
func (p *Pipeline) deliver(ctx context.Context, req *Request, r *run, resp *core.ChatResponse, cacheHit bool) *Outcome {
	// Unmask runs even without a session: a cached response may carry
	// another request's placeholder tokens, which must be flagged.
	final := resp
	text, unknown, err := p.masker.Unmask(ctx, r.sessionID, resp.Text())
	if err != nil {
		p.logger.Error("unmasking failed, returning masked output",
			"request_id", r.requestID, "error", err)
		r.maskingInconsistent = true
	} else {
		r.maskingInconsistent = r.maskingInconsistent || unknown
		final = resp.WithText(text)
	}

	cost := 0.0
	usage := final.Usage
	if cacheHit {
		// The stored usage was paid for by the request that populated
		// the entry; this one consumed no provider tokens.
		usage = core.Usage{}
	} else {
		cost = p.cost(req.Chat.Model, usage)
	}

	p.finish(req, r, auditlog.StatusOK, cacheHit, usage, cost, "")
	return &Outcome{
		Response:          final,
		Status:            auditlog.StatusOK,
		SessionID:         r.sessionID,
		CacheHit:          cacheHit,
		DetectionMode:     r.mode,
		DetectionDegraded: r.degraded,
		Violations:        r.violations,
	}
}

// blocked substitutes the policy refusal for the response.
func (p *Pipeline) blocked(req *Request, r *run, violations []guardrail.Violation) *Outcome {
	blockedBy := ""
	for _, v := range violations {
		if v.Action == guardrail.ActionBlock {
			blockedBy = v.RuleName
			break
		}
	}

	if p.metrics != nil {
		p.metrics.BlockedRequests.Inc()
	}
	p.finish(req, r, auditlog.StatusBlocked, false, core.Usage{}, 0, blockedBy)

	return &Outcome{
		Response: &core.ChatResponse{
			ID:       "blocked-" + r.requestID,
			Object:   "chat.completion",
			Model:    req.Chat.Model,
			Provider: p.providerName,
			Created:  time.Now().Unix(),
			Choices: []core.Choice{{
				Message:      core.Message{Role: "assistant", Content: p.engine.RefusalMessage()},
				FinishReason: "content_filter",
			}},
		},
		Status:            auditlog.StatusBlocked,
		SessionID:         r.sessionID,
		Blocked:           true,
		BlockedBy:         blockedBy,
		DetectionMode:     r.mode,
		DetectionDegraded: r.degraded,
		Violations:        r.violations,
	}
}

// providerFailed records the failure and normalizes the error. A request
// that timed out or was canceled mid-call is audited as such.
func (p *Pipeline) providerFailed(req *Request, r *run, err error) error {
	status := auditlog.StatusProviderError
	if errors.Is(err, context.Canceled) {
		status = auditlog.StatusCanceled
	} else if errors.Is(err, context.DeadlineExceeded) {
		err = core.NewProviderError(p.providerName, 0,
			fmt.Sprintf("provider call exceeded %s timeout", p.timeout), err)
	}

	if p.metrics != nil {
		errType := "unknown"
		var gwErr *core.GatewayError
		if errors.As(err, &gwErr) {
			errType = string(gwErr.Type)
		}
		p.metrics.ProviderErrors.WithLabelValues(p.providerName, errType).Inc()
	}

	p.finish(req, r, status, false, core.Usage{}, 0, "")
	return err
}

// finish emits the audit record and shared metrics for a terminal state.
func (p *Pipeline) finish(req *Request, r *run, status string, cacheHit bool, usage core.Usage, cost float64, blockedBy string) {
	duration := time.Since(r.started)

	if p.metrics != nil {
		p.metrics.TotalRequests.WithLabelValues(p.providerName, req.Chat.Model, status).Inc()
		p.metrics.RequestDuration.WithLabelValues(p.providerName, req.Chat.Model).Observe(duration.Seconds())
	}

	p.audit.Write(&auditlog.Record{
		RequestID:           r.requestID,
		SessionID:           r.sessionID,
		Timestamp:           r.started,
		Provider:            p.providerName,
		Model:               req.Chat.Model,
		Status:              status,
		CacheHit:            cacheHit,
		DetectionMode:       string(r.mode),
		DetectionDegraded:   r.degraded,
		MaskingInconsistent: r.maskingInconsistent,
		EntitiesDetected:    r.entityCounts,
		Violations:          r.violations,
		BlockedBy:           blockedBy,
		PromptTokens:        usage.PromptTokens,
		CompletionTokens:    usage.CompletionTokens,
		TotalTokens:         usage.TotalTokens,
		CostUSD:             cost,
		DetectionMS:         r.detectElapsed.Milliseconds(),
		DurationMS:          duration.Milliseconds(),
	})
}

func (p *Pipeline) cost(model string, usage core.Usage) float64 {
	if p.pricing == nil {
		return 0
	}
	return pricing.Cost(p.pricing, model, usage)
}

func (p *Pipeline) countEntities(r *run, entities []pii.Entity, direction string) {
	for _, e := range entities {
		r.entityCounts[string(e.Type)]++
		if p.metrics != nil {
			p.metrics.PIIDetections.WithLabelValues(string(e.Type), direction).Inc()
		}
	}
}

func (p *Pipeline) countViolations(violations []guardrail.Violation) {
	if p.metrics == nil {
		return
	}
	for _, v := range violations {
		p.metrics.Violations.WithLabelValues(v.RuleName, string(v.Action)).Inc()
	}
}

func (p *Pipeline) countCache(hit bool) {
	if p.metrics == nil {
		return
	}
	if hit {
		p.metrics.CacheHits.Inc()
	} else {
		p.metrics.CacheMisses.Inc()
	}
}

func joinContents(messages []core.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// estimateTokens approximates token count for pre-provider THRESHOLD
// rules; real usage figures replace it after the provider responds.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
