// Package catalog discovers and caches the free-tier models available on
// OpenRouter. The cached snapshot has a freshness TTL; a failed refresh keeps
// the previous good snapshot rather than emptying the list, and concurrent
// refreshes share one in-flight fetch.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/meetframe/orfree/pkg/types"
)

const (
	// DefaultBaseURL is the OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	defaultTTL = 5 * time.Minute
	// fetchTimeout caps the listing call independently of any per-request
	// timeout elsewhere in the gateway.
	fetchTimeout = 10 * time.Second
)

// Catalog caches the eligible model list. Safe for concurrent use.
type Catalog struct {
	httpClient *http.Client
	baseURL    string
	ttl        time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	models    []types.Model
	fetchedAt time.Time
	inflight  chan struct{} // non-nil while a fetch is running; closed on completion

	now func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithBaseURL overrides the API root (tests point this at a fake server).
func WithBaseURL(url string) Option {
	return func(c *Catalog) { c.baseURL = url }
}

// WithTTL overrides the snapshot freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) { c.ttl = ttl }
}

// WithHTTPClient overrides the HTTP client used for listing fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) { c.httpClient = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) { c.logger = logger }
}

// New creates a catalog. No fetch happens until the first Models call.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		httpClient: &http.Client{},
		baseURL:    DefaultBaseURL,
		ttl:        defaultTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Models returns the current eligible model list, refreshing when the cached
// snapshot is older than the TTL. Callers arriving during a refresh wait for
// the in-flight fetch instead of starting their own. The returned slice is a
// snapshot the caller may keep.
func (c *Catalog) Models(ctx context.Context) ([]types.Model, error) {
	c.mu.Lock()
	if c.valid() {
		models := c.models
		c.mu.Unlock()
		return models, nil
	}

	if ch := c.inflight; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.snapshot(), nil
	}

	ch := make(chan struct{})
	c.inflight = ch
	c.mu.Unlock()

	models, err := c.fetch()

	c.mu.Lock()
	if err == nil {
		c.models = models
		c.fetchedAt = c.now()
	} else {
		// Keep the stale snapshot; an empty list only ever means there has
		// never been a successful fetch.
		c.logger.Warn("model catalog refresh failed", "error", err)
	}
	c.inflight = nil
	c.mu.Unlock()
	close(ch)

	return c.snapshot(), nil
}

// Age returns how old the current snapshot is.
func (c *Catalog) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchedAt.IsZero() {
		return 0
	}
	return c.now().Sub(c.fetchedAt)
}

func (c *Catalog) snapshot() []types.Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models
}

// valid assumes mu is held.
func (c *Catalog) valid() bool {
	return len(c.models) > 0 && c.now().Sub(c.fetchedAt) < c.ttl
}

// fetch lists models with its own hard timeout, detached from caller
// deadlines so one slow caller cannot abort a fetch others are waiting on.
func (c *Catalog) fetch() ([]types.Model, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var listing types.ModelsResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}

	free := make([]types.Model, 0, len(listing.Data))
	for _, m := range listing.Data {
		if m.Free() {
			free = append(free, m)
		}
	}
	c.logger.Debug("model catalog refreshed", "total", len(listing.Data), "free", len(free))
	return free, nil
}

// SetNowFunc overrides the catalog clock. Tests only.
func (c *Catalog) SetNowFunc(now func() time.Time) { c.now = now }
