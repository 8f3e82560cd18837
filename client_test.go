package orfree

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetframe/orfree/pkg/gateerr"
	"github.com/meetframe/orfree/pkg/types"
)

const testModelID = "acme/test-7b-instruct:free"

type capturedRequest struct {
	header http.Header
	body   types.ChatRequest
}

// gatewayHarness fakes OpenRouter: a fixed free-tier listing plus a
// swappable chat handler.
type gatewayHarness struct {
	srv      *httptest.Server
	chat     atomic.Pointer[http.HandlerFunc]
	chatHits atomic.Int64
	lastReq  atomic.Pointer[capturedRequest]
}

func newHarness(t *testing.T, listing []types.Model) *gatewayHarness {
	t.Helper()
	h := &gatewayHarness{}

	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ModelsResponse{Data: listing})
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		h.chatHits.Add(1)
		var body types.ChatRequest
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		h.lastReq.Store(&capturedRequest{header: r.Header.Clone(), body: body})
		r.Body = io.NopCloser(bytes.NewReader(raw))
		(*h.chat.Load())(w, r)
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *gatewayHarness) respondWith(fn http.HandlerFunc) { h.chat.Store(&fn) }

func (h *gatewayHarness) respondContent(content, model string) {
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ChatResponse{
			Model:   model,
			Choices: []types.Choice{{Message: &types.Message{Role: "assistant", Content: content}}},
		})
	})
}

func (h *gatewayHarness) respondStatus(status int, body string) {
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func defaultListing() []types.Model {
	return []types.Model{{ID: testModelID, ContextLength: 32768}}
}

func newTestClient(t *testing.T, h *gatewayHarness, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithAPIKeys("test-key-0123456789"),
		WithBaseURL(h.srv.URL),
		WithRetryJitter(0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	// Collapse retry delays so failure-path tests stay fast.
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestGenerateQuestionsStructured(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondContent("```json\n{\"questions\": [\"q1\", \"q2\", \"q3\"]}\n```", testModelID)
	c := newTestClient(t, h)

	gen, err := c.GenerateQuestions(context.Background(), types.Prompt{System: "sys", User: "usr"})
	require.NoError(t, err)
	require.False(t, gen.IsRaw())
	assert.Equal(t, [3]string{"q1", "q2", "q3"}, gen.Value.Questions)
	assert.NotEmpty(t, gen.Raw)
}

func TestGenerateQuestionsRawFallback(t *testing.T) {
	h := newHarness(t, defaultListing())
	prose := "1. What did you mean?\n2. Who is affected?\n3. When does it land?"
	h.respondContent(prose, testModelID)
	c := newTestClient(t, h)

	gen, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.NoError(t, err, "unparseable output degrades, it does not fail")
	assert.True(t, gen.IsRaw())
	assert.Equal(t, prose, gen.Raw)
}

func TestGenerateOverlayStructured(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondContent(`{"divergences": [{"intended": "i", "received": "r", "gapSummary": "g"}], "themes": [{"theme": "tone", "count": 2}], "followUp": "ask"}`, testModelID)
	c := newTestClient(t, h)

	gen, err := c.GenerateOverlay(context.Background(), types.Prompt{User: "usr"})
	require.NoError(t, err)
	require.False(t, gen.IsRaw())
	assert.Equal(t, "i", gen.Value.Divergences[0].Intended)
	assert.Equal(t, "ask", gen.Value.FollowUp)
}

func TestGenerateBriefStripsFences(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondContent("```markdown\nThe brief body.\n```", testModelID)
	c := newTestClient(t, h)

	brief, err := c.GenerateBrief(context.Background(), types.Prompt{User: "usr"})
	require.NoError(t, err)
	assert.Equal(t, "The brief body.", brief)
}

func TestOutboundRequestShape(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondContent(`{"questions": ["a", "b", "c"]}`, testModelID)
	c := newTestClient(t, h, WithAttribution("https://example.app", "Example App"))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{System: "sys", User: "usr"})
	require.NoError(t, err)

	req := h.lastReq.Load()
	require.NotNil(t, req)
	assert.Equal(t, "Bearer test-key-0123456789", req.header.Get("Authorization"))
	assert.Equal(t, "https://example.app", req.header.Get("HTTP-Referer"))
	assert.Equal(t, "Example App", req.header.Get("X-Title"))

	assert.Equal(t, []string{testModelID}, req.body.Models)
	require.Len(t, req.body.Messages, 2)
	assert.Equal(t, "user", req.body.Messages[0].Role)
	assert.Equal(t, "sys", req.body.Messages[0].Content)
	assert.Equal(t, "user", req.body.Messages[1].Role)
	assert.Equal(t, "usr", req.body.Messages[1].Content)
	assert.InDelta(t, questionsTemperature, req.body.Temperature, 1e-9)
	assert.Equal(t, questionsMaxTokens, req.body.MaxTokens)
	assert.InDelta(t, topP, req.body.TopP, 1e-9)
}

func TestIdenticalRequestServedFromCache(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondContent(`{"questions": ["a", "b", "c"]}`, testModelID)
	c := newTestClient(t, h)

	prompt := types.Prompt{User: "same"}
	first, err := c.GenerateQuestions(context.Background(), prompt)
	require.NoError(t, err)
	second, err := c.GenerateQuestions(context.Background(), prompt)
	require.NoError(t, err)

	assert.Equal(t, int64(1), h.chatHits.Load())
	assert.Equal(t, first.Value, second.Value)
}

func TestDifferentOperationsDoNotShareCache(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondContent(`{"questions": ["a", "b", "c"]}`, testModelID)
	c := newTestClient(t, h)

	prompt := types.Prompt{User: "same"}
	_, err := c.GenerateQuestions(context.Background(), prompt)
	require.NoError(t, err)
	// Brief uses different sampling parameters, so it must miss.
	_, err = c.GenerateBrief(context.Background(), prompt)
	require.NoError(t, err)

	assert.Equal(t, int64(2), h.chatHits.Load())
}

func TestRateLimitBacksOffKeyNotModel(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondStatus(http.StatusTooManyRequests, `{"error": {"message": "Rate limit exceeded: free tier"}}`)
	c := newTestClient(t, h)

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)

	var ge *gateerr.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateerr.KindProvider, ge.Kind)
	assert.Equal(t, http.StatusTooManyRequests, ge.Status)

	// The credential backs off; the model's health ledger stays clean.
	assert.Equal(t, 1, c.keys.RateLimitedCount())
	assert.True(t, c.health.Healthy(testModelID))
	// Only the first attempt reached the provider; later attempts found
	// every key cooling down.
	assert.Equal(t, int64(1), h.chatHits.Load())
}

func TestRateLimitMessageSurfaced(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondStatus(http.StatusTooManyRequests, `{"error": {"message": "Rate limit exceeded: free tier"}}`)
	c := newTestClient(t, h, WithRetry(1))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rate limit exceeded: free tier")
}

func TestNotFoundDemotesModelPermanently(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		var body types.ChatRequest
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		if body.Models[0] == "acme/gone-7b:free" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error": {"message": "No endpoints found"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(types.ChatResponse{
			Model:   body.Models[0],
			Choices: []types.Choice{{Message: &types.Message{Role: "assistant", Content: `{"questions": ["a", "b", "c"]}`}}},
		})
	})
	c := newTestClient(t, h, WithModelOverrides("acme/gone-7b:free", "acme/alive-7b:free"))

	gen, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.NoError(t, err, "the surviving model answers within the same attempt")
	assert.False(t, gen.IsRaw())

	assert.False(t, c.health.Healthy("acme/gone-7b:free"))
	assert.True(t, c.health.Healthy("acme/alive-7b:free"))

	// The demoted model is filtered out of the next shortlist entirely.
	h.chatHits.Store(0)
	_, err = c.GenerateQuestions(context.Background(), types.Prompt{User: "again"})
	require.NoError(t, err)
	assert.Equal(t, "acme/alive-7b:free", h.lastReq.Load().body.Models[0])
}

func TestServerErrorRecordsFailures(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondStatus(http.StatusInternalServerError, "upstream exploded in a very long way that should never be surfaced to callers because it could contain anything at all, including details about infrastructure internals that belong in logs only, never in user-facing errors....")
	c := newTestClient(t, h, WithRetry(2))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)

	var ge *gateerr.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateerr.KindProvider, ge.Kind)
	assert.Equal(t, http.StatusInternalServerError, ge.Status)
	assert.Contains(t, ge.Message, "AI service error")
	assert.Equal(t, int64(2), h.chatHits.Load(), "provider errors are retried")
}

func TestEmptyContentIsProviderError(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ChatResponse{Model: testModelID})
	})
	c := newTestClient(t, h, WithRetry(1))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)
	assert.Equal(t, gateerr.KindProvider, gateerr.KindOf(err))
}

func TestTimeoutClassified(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(types.ChatResponse{})
	})
	c := newTestClient(t, h, WithRetry(1), WithPerModelTimeout(50*time.Millisecond))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)
	assert.Equal(t, gateerr.KindTimeout, gateerr.KindOf(err))
}

func TestTimeoutsDemoteModel(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(types.ChatResponse{})
	})
	c := newTestClient(t, h, WithRetry(3), WithPerModelTimeout(50*time.Millisecond))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)
	assert.Equal(t, gateerr.KindTimeout, gateerr.KindOf(err))

	// Three timeouts end the grace period with a zero success ratio, so the
	// model drops out of future shortlists.
	assert.False(t, c.health.Healthy(testModelID))
}

func TestUnreachableProviderRecordsFailure(t *testing.T) {
	h := newHarness(t, defaultListing())
	c := newTestClient(t, h, WithRetry(1))
	// Discovery succeeds first, then the provider goes away.
	_, err := c.selector.Available(context.Background(), 3)
	require.NoError(t, err)
	h.srv.Close()

	_, err = c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)
	assert.Equal(t, gateerr.KindProvider, gateerr.KindOf(err))

	_, ok := c.health.AverageLatency(testModelID)
	assert.False(t, ok)
	// The failed attempt is on the ledger even though grace keeps it healthy.
	assert.True(t, c.health.Healthy(testModelID))
	c.health.RecordFailure(testModelID)
	c.health.RecordFailure(testModelID)
	assert.False(t, c.health.Healthy(testModelID), "transport failure counted as the first of three outcomes")
}

func TestContentWinsOverWarningErrorObject(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ChatResponse{
			Model:   testModelID,
			Choices: []types.Choice{{Message: &types.Message{Role: "assistant", Content: `{"questions": ["a", "b", "c"]}`}}},
			Error:   &types.APIError{Message: "deprecated model, migrate soon", Code: 299},
		})
	})
	c := newTestClient(t, h, WithRetry(1))

	gen, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.NoError(t, err, "a warning-style error object must not fail a response with content")
	assert.False(t, gen.IsRaw())
	assert.True(t, c.health.Healthy(testModelID))
}

func TestEmptyContentSurfacesErrorObject(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ChatResponse{
			Error: &types.APIError{Message: "model overloaded", Code: 502},
		})
	})
	c := newTestClient(t, h, WithRetry(1))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)

	var ge *gateerr.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 502, ge.Status)
	assert.Contains(t, ge.Message, "model overloaded")
}

func TestNoEligibleModels(t *testing.T) {
	h := newHarness(t, []types.Model{
		{ID: "acme/paid-only", Pricing: types.Pricing{Prompt: "0.01", Completion: "0.02"}},
	})
	c := newTestClient(t, h, WithRetry(1))

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.Error(t, err)

	var ge *gateerr.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusServiceUnavailable, ge.Status)
}

func TestResponseAttributedToRespondingModel(t *testing.T) {
	h := newHarness(t, defaultListing())
	// Server-side fallback answered with a model we never listed first.
	h.respondContent(`{"questions": ["a", "b", "c"]}`, "acme/fallback-3b:free")
	c := newTestClient(t, h)

	_, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.NoError(t, err)

	_, ok := c.health.AverageLatency("acme/fallback-3b:free")
	assert.True(t, ok, "success recorded against the model that answered")
	_, ok = c.health.AverageLatency(testModelID)
	assert.False(t, ok)
}

func TestOverrideTriedSequentially(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.respondWith(func(w http.ResponseWriter, r *http.Request) {
		var body types.ChatRequest
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		assert.Len(t, body.Models, 1, "override models go out one at a time")
		if body.Models[0] == "op/first" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(types.ChatResponse{
			Model:   body.Models[0],
			Choices: []types.Choice{{Message: &types.Message{Role: "assistant", Content: `{"questions": ["a", "b", "c"]}`}}},
		})
	})
	c := newTestClient(t, h, WithModelOverrides("op/first", "op/second"))

	gen, err := c.GenerateQuestions(context.Background(), types.Prompt{User: "usr"})
	require.NoError(t, err)
	assert.False(t, gen.IsRaw())
	assert.Equal(t, int64(2), h.chatHits.Load())
}

func TestRetryDelayJitterBounds(t *testing.T) {
	h := newHarness(t, defaultListing())
	c := newTestClient(t, h, WithRetry(3, time.Second), WithRetryJitter(200*time.Millisecond))

	for i := 0; i < 50; i++ {
		d := c.retryDelay(0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	// Past the configured delays the last one repeats.
	d := c.retryDelay(9)
	assert.GreaterOrEqual(t, d, 800*time.Millisecond)
}

func TestSafeMessage(t *testing.T) {
	assert.Equal(t, "quota hit",
		safeMessage(429, []byte(`{"error": {"message": "quota hit"}}`)))
	assert.Equal(t, "key disabled",
		safeMessage(403, []byte(`{"error": {"message": "key disabled"}}`)))
	// Non-quota statuses do not surface the embedded message; a short body
	// passes through as-is.
	assert.Equal(t, "bad gateway", safeMessage(502, []byte("bad gateway")))

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	assert.Equal(t, "AI service error", safeMessage(500, long))
	assert.Equal(t, "AI service error", safeMessage(500, nil))
}

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages(types.Prompt{System: "sys", User: "usr"})
	require.Len(t, msgs, 2)
	assert.Equal(t, types.Message{Role: "user", Content: "sys"}, msgs[0])
	assert.Equal(t, types.Message{Role: "user", Content: "usr"}, msgs[1])

	msgs = buildMessages(types.Prompt{User: "only"})
	require.Len(t, msgs, 1)
	assert.Equal(t, "only", msgs[0].Content)
}
