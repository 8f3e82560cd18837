package orfree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meetframe/orfree/internal/catalog"
	"github.com/meetframe/orfree/internal/extract"
	"github.com/meetframe/orfree/internal/health"
	"github.com/meetframe/orfree/internal/keypool"
	"github.com/meetframe/orfree/internal/metrics"
	"github.com/meetframe/orfree/internal/observability"
	"github.com/meetframe/orfree/internal/respcache"
	"github.com/meetframe/orfree/internal/selector"
	"github.com/meetframe/orfree/pkg/gateerr"
	"github.com/meetframe/orfree/pkg/types"
)

// Per-operation sampling parameters. Questions wants variety, overlay wants
// faithful comparison, brief sits in between.
const (
	opQuestions = "questions"
	opOverlay   = "overlay"
	opBrief     = "brief"

	questionsTemperature = 0.7
	questionsMaxTokens   = 650

	overlayTemperature = 0.3
	overlayMaxTokens   = 1200

	briefTemperature = 0.4
	briefMaxTokens   = 1000

	// Shared sampling parameters; mild repetition penalties keep small free
	// models from looping on structured output.
	topP             = 0.9
	frequencyPenalty = 0.1
	presencePenalty  = 0.1
)

// Client is the gateway over OpenRouter's free-tier models. It owns model
// discovery, ranking, health tracking, credential rotation, rate limiting,
// response caching, and retries; callers see three generation operations and
// a closed error taxonomy. Safe for concurrent use.
type Client struct {
	cfg        *Config
	httpClient *http.Client
	keys       *keypool.Pool
	catalog    *catalog.Catalog
	health     *health.Tracker
	selector   *selector.Selector
	cache      *respcache.Cache
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	// sleep is swapped out by tests to avoid real retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Client from options. At least one API key is required.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("orfree: MaxAttempts must be at least 1, got %d", cfg.MaxAttempts)
	}

	keys, err := keypool.New(cfg.APIKeys)
	if err != nil {
		return nil, err
	}

	cat := catalog.New(
		catalog.WithBaseURL(cfg.BaseURL),
		catalog.WithHTTPClient(cfg.HTTPClient),
		catalog.WithLogger(cfg.Logger),
	)
	tracker := health.NewTracker()

	c := &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		keys:       keys,
		catalog:    cat,
		health:     tracker,
		selector:   selector.New(cat, tracker, cfg.ModelOverrides),
		cache:      respcache.New(cfg.CacheTTL, cfg.CacheMaxEntries),
		logger:     cfg.Logger,
		tracer:     otel.Tracer("github.com/meetframe/orfree"),
		sleep:      sleepCtx,
	}
	if cfg.MetricsRegisterer != nil {
		c.metrics = metrics.New(cfg.MetricsRegisterer, func() float64 {
			return float64(keys.RateLimitedCount())
		})
	}
	return c, nil
}

// GenerateQuestions produces three warm-up questions for a framed message.
// A provider response that cannot be parsed into the structured shape is not
// an error: the result degrades to raw text and IsRaw reports it.
func (c *Client) GenerateQuestions(ctx context.Context, prompt types.Prompt) (types.Generation[types.QuestionsPayload], error) {
	res, err := c.generate(ctx, opQuestions, prompt, questionsTemperature, questionsMaxTokens, true)
	if err != nil {
		return types.Generation[types.QuestionsPayload]{}, err
	}
	if p, ok := extract.Questions(res.parsed); ok {
		return types.Generation[types.QuestionsPayload]{Value: p, Raw: res.raw}, nil
	}
	return types.Generation[types.QuestionsPayload]{Raw: res.raw}, nil
}

// GenerateOverlay produces the divergence overlay comparing intended meaning
// against received readings. Parse failure degrades to raw text.
func (c *Client) GenerateOverlay(ctx context.Context, prompt types.Prompt) (types.Generation[types.OverlayPayload], error) {
	res, err := c.generate(ctx, opOverlay, prompt, overlayTemperature, overlayMaxTokens, true)
	if err != nil {
		return types.Generation[types.OverlayPayload]{}, err
	}
	if p, ok := extract.Overlay(res.parsed); ok {
		return types.Generation[types.OverlayPayload]{Value: p, Raw: res.raw}, nil
	}
	return types.Generation[types.OverlayPayload]{Raw: res.raw}, nil
}

// GenerateBrief produces the freeform conversation brief as plain text, with
// any markdown fence the model wrapped it in removed.
func (c *Client) GenerateBrief(ctx context.Context, prompt types.Prompt) (string, error) {
	res, err := c.generate(ctx, opBrief, prompt, briefTemperature, briefMaxTokens, false)
	if err != nil {
		return "", err
	}
	return res.raw, nil
}

// callResult is the successful outcome of one provider call.
type callResult struct {
	parsed json.RawMessage // nil for freeform operations and unparseable output
	raw    string
	model  string // responding model; "" when served from cache
	cached bool
}

// generate runs one operation through the retry loop and records the terminal
// outcome exactly once.
func (c *Client) generate(ctx context.Context, op string, prompt types.Prompt, temperature float64, maxTokens int, wantJSON bool) (callResult, error) {
	ctx, span := c.tracer.Start(ctx, "orfree."+op)
	defer span.End()

	requestID := observability.RequestID()
	messages := buildMessages(prompt)
	start := time.Now()

	var res callResult
	var err error
	attempts := 0
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		attempts = attempt + 1
		res, err = c.attempt(ctx, messages, temperature, maxTokens, wantJSON)
		if err == nil {
			break
		}
		if !gateerr.IsRetryable(err) {
			break
		}
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		if serr := c.sleep(ctx, c.retryDelay(attempt)); serr != nil {
			err = gateerr.Timeout("canceled while waiting to retry")
			break
		}
	}

	latency := time.Since(start)
	span.SetAttributes(
		attribute.String("operation", op),
		attribute.Int("attempts", attempts),
	)

	if err != nil {
		span.RecordError(err)
		outcome := string(gateerr.KindOf(err))
		c.metrics.ObserveRequest(op, outcome)
		c.logger.Error("generation failed",
			"operation", op,
			"request_id", requestID,
			"latency_ms", latency.Milliseconds(),
			"attempts", attempts,
			"outcome", outcome,
			"error", err,
		)
		return callResult{}, err
	}

	outcome := "success"
	if wantJSON && res.parsed == nil {
		outcome = "raw_fallback"
	}
	model := res.model
	if res.cached {
		model = "cache"
	}
	span.SetAttributes(attribute.String("model", model))
	c.metrics.ObserveRequest(op, outcome)
	c.logger.Info("generation complete",
		"operation", op,
		"request_id", requestID,
		"latency_ms", latency.Milliseconds(),
		"attempts", attempts,
		"outcome", outcome,
		"model", model,
	)
	return res, nil
}

// attempt makes one pass over the current shortlist. With an operator
// override active each model is tried alone in order, so a broken first
// choice cannot absorb the whole attempt; discovered shortlists go out as one
// multi-model request and OpenRouter picks the first model it can serve.
func (c *Client) attempt(ctx context.Context, messages []types.Message, temperature float64, maxTokens int, wantJSON bool) (callResult, error) {
	models, err := c.selector.Available(ctx, selector.DefaultCount)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return callResult{}, gateerr.Timeout("canceled during model discovery")
		}
		return callResult{}, gateerr.Provider(0, "model discovery failed: "+err.Error())
	}
	if len(models) == 0 {
		return callResult{}, gateerr.Provider(http.StatusServiceUnavailable, "no models available")
	}

	if c.selector.Overridden() {
		var lastErr error
		for _, id := range models {
			res, cerr := c.callOnce(ctx, []string{id}, messages, temperature, maxTokens, wantJSON)
			if cerr == nil {
				return res, nil
			}
			lastErr = cerr
			if !gateerr.IsRetryable(cerr) {
				break
			}
		}
		return callResult{}, lastErr
	}

	return c.callOnce(ctx, models, messages, temperature, maxTokens, wantJSON)
}

// callOnce performs a single chat-completion call against one models list.
// The call runs detached from the caller's cancellation under its own budget
// of PerModelTimeout per listed model, so an impatient caller cannot strand a
// response the cache could still serve to the next one.
func (c *Client) callOnce(ctx context.Context, models []string, messages []types.Message, temperature float64, maxTokens int, wantJSON bool) (callResult, error) {
	key := respcache.Key(models, messages, temperature, maxTokens)
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.ObserveCache(true)
		return callResult{parsed: cached.Parsed, raw: cached.Raw, cached: true}, nil
	}
	c.metrics.ObserveCache(false)

	slot, ok := c.keys.Next()
	if !ok {
		return callResult{}, gateerr.RateLimited("all API keys are cooling down")
	}
	if err := slot.Limiter.Acquire(ctx); err != nil {
		return callResult{}, gateerr.Timeout("canceled while waiting for rate limit")
	}

	body, err := json.Marshal(types.ChatRequest{
		Models:           models,
		Messages:         messages,
		Temperature:      temperature,
		MaxTokens:        maxTokens,
		TopP:             topP,
		FrequencyPenalty: frequencyPenalty,
		PresencePenalty:  presencePenalty,
	})
	if err != nil {
		return callResult{}, gateerr.Validation("encode request: " + err.Error())
	}

	timeout := c.cfg.PerModelTimeout * time.Duration(len(models))
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return callResult{}, gateerr.Validation("create request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+slot.Key)
	// OpenRouter's free tier requires app attribution on every call.
	req.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	req.Header.Set("X-Title", c.cfg.SiteName)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A model that keeps timing out must lose health standing, or it
		// stays at the top of every shortlist.
		for _, id := range models {
			c.health.RecordFailure(id)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return callResult{}, gateerr.Timeout(fmt.Sprintf("model call exceeded %s", timeout))
		}
		return callResult{}, gateerr.Provider(0, "provider unreachable: "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return callResult{}, gateerr.Provider(resp.StatusCode, "read response: "+err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// A 429 is a credential signal, not a model signal: the key backs
		// off and model health is left alone.
		slot.MarkRateLimited()
		c.logger.Warn("API key rate limited",
			"key", observability.RedactKey(slot.Key),
			"backed_off", c.keys.RateLimitedCount(),
		)
		return callResult{}, gateerr.RateLimited(safeMessage(resp.StatusCode, raw))
	case resp.StatusCode == http.StatusNotFound:
		// The provider cannot serve these ids under current policy at all;
		// demote them permanently rather than burning retries.
		for _, id := range models {
			c.health.MarkIncompatible(id)
		}
		return callResult{}, gateerr.Provider(resp.StatusCode, safeMessage(resp.StatusCode, raw))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		for _, id := range models {
			c.health.RecordFailure(id)
		}
		return callResult{}, gateerr.Provider(resp.StatusCode, safeMessage(resp.StatusCode, raw))
	}

	var chat types.ChatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		for _, id := range models {
			c.health.RecordFailure(id)
		}
		return callResult{}, gateerr.Provider(resp.StatusCode, "malformed provider response")
	}
	// An embedded error object only matters when there is no usable content;
	// some models attach warning-style errors alongside a valid answer.
	content := chat.Content()
	if content == "" {
		for _, id := range models {
			c.health.RecordFailure(id)
		}
		if chat.Error != nil {
			return callResult{}, gateerr.Provider(chat.Error.Code, chat.Error.Message)
		}
		return callResult{}, gateerr.Provider(0, "empty response from model")
	}

	// Attribute the outcome to the model that actually answered; with
	// server-side fallback that is not necessarily models[0].
	respondingModel := chat.Model
	if respondingModel == "" {
		respondingModel = models[0]
	}
	c.health.RecordSuccess(respondingModel, time.Since(start))

	res := callResult{model: respondingModel}
	if wantJSON {
		res.raw = content
		if parsed, perr := extract.JSON(content); perr == nil {
			res.parsed = parsed
		}
	} else {
		res.raw = extract.StripFences(content)
	}
	c.cache.Set(key, respcache.Response{Parsed: res.parsed, Raw: res.raw})
	return res, nil
}

// retryDelay returns the pause before attempt+2, jittered so concurrent
// callers spread out.
func (c *Client) retryDelay(attempt int) time.Duration {
	delays := c.cfg.RetryDelays
	if len(delays) == 0 {
		return 0
	}
	idx := attempt
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	d := delays[idx]
	if j := c.cfg.RetryJitter; j > 0 {
		d += time.Duration(rand.Int63n(int64(2*j))) - j
	}
	if d < 0 {
		d = 0
	}
	return d
}

// buildMessages assembles the outbound chat messages. Both prompt parts go
// out as user-role messages: several free-tier models ignore or reject
// system-role content, and a user-role preamble is honored by all of them.
func buildMessages(p types.Prompt) []types.Message {
	var msgs []types.Message
	if p.System != "" {
		msgs = append(msgs, types.Message{Role: "user", Content: p.System})
	}
	msgs = append(msgs, types.Message{Role: "user", Content: p.User})
	return msgs
}

// safeMessage distills an error body into something loggable and caller-safe.
// Quota and permission statuses surface the provider's own message because it
// tells the operator what to fix; anything else collapses to a generic string
// unless the body is short enough to be harmless.
func safeMessage(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		if status == http.StatusForbidden || status == http.StatusTooManyRequests {
			return envelope.Error.Message
		}
	}
	if n := len(bytes.TrimSpace(body)); n > 0 && n < 200 {
		return string(bytes.TrimSpace(body))
	}
	return "AI service error"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
