package orfree

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meetframe/orfree/internal/respcache"
	"github.com/meetframe/orfree/internal/selector"
)

// Config holds all construction-time configuration for a Client. Build one
// through options; New validates it.
type Config struct {
	// APIKeys are the OpenRouter credentials. Calls are distributed across
	// all keys via round-robin, each key behind its own rate limiter.
	APIKeys []string

	// SiteURL and SiteName populate OpenRouter's attribution headers
	// (HTTP-Referer, X-Title), required by its free-tier terms.
	SiteURL  string
	SiteName string

	// ModelOverrides, when set, bypasses model discovery entirely and tries
	// these ids in order (at most three are used).
	ModelOverrides []string

	// BaseURL is the OpenRouter API root.
	BaseURL string

	// PerModelTimeout is the budget granted per model in the shortlist; the
	// overall call timeout is PerModelTimeout times the shortlist length.
	PerModelTimeout time.Duration

	// MaxAttempts is the total number of tries for one operation.
	MaxAttempts int
	// RetryDelays are the pauses before the second and following attempts.
	RetryDelays []time.Duration
	// RetryJitter is added to each delay uniformly in [-RetryJitter, +RetryJitter]
	// so concurrent callers do not retry in lockstep.
	RetryJitter time.Duration

	// CacheTTL and CacheMaxEntries bound the response cache.
	CacheTTL       time.Duration
	CacheMaxEntries int

	// Logger receives one structured record per terminal outcome.
	Logger *slog.Logger

	// HTTPClient is used for all provider calls; per-call timeouts come from
	// request contexts, so the client itself carries no Timeout.
	HTTPClient *http.Client

	// MetricsRegisterer, when set, enables prometheus instrumentation.
	MetricsRegisterer prometheus.Registerer
}

// Option configures the Client at construction.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		SiteURL:         "https://frame-mirror.app",
		SiteName:        "Frame + Mirror",
		BaseURL:         "https://openrouter.ai/api/v1",
		PerModelTimeout: 30 * time.Second,
		MaxAttempts:     3,
		RetryDelays:     []time.Duration{time.Second, 3 * time.Second},
		RetryJitter:     200 * time.Millisecond,
		CacheTTL:        respcache.DefaultTTL,
		CacheMaxEntries: respcache.DefaultMaxEntries,
		Logger:          slog.Default(),
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// WithAPIKeys sets the OpenRouter credentials.
func WithAPIKeys(keys ...string) Option {
	return func(c *Config) { c.APIKeys = append(c.APIKeys, keys...) }
}

// WithAttribution sets the site URL and name sent in attribution headers.
func WithAttribution(siteURL, siteName string) Option {
	return func(c *Config) {
		c.SiteURL = siteURL
		c.SiteName = siteName
	}
}

// WithModelOverrides forces an explicit ordered model list, bypassing
// discovery and ranking. At most three ids are used.
func WithModelOverrides(ids ...string) Option {
	return func(c *Config) {
		if len(ids) > selector.DefaultCount {
			ids = ids[:selector.DefaultCount]
		}
		c.ModelOverrides = ids
	}
}

// WithBaseURL overrides the API root (tests point this at a fake server).
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithPerModelTimeout sets the per-model slice of the overall call timeout.
func WithPerModelTimeout(d time.Duration) Option {
	return func(c *Config) { c.PerModelTimeout = d }
}

// WithRetry sets the total attempt count and the inter-attempt delays.
func WithRetry(attempts int, delays ...time.Duration) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
		if len(delays) > 0 {
			c.RetryDelays = delays
		}
	}
}

// WithRetryJitter sets the random spread applied to retry delays.
func WithRetryJitter(d time.Duration) Option {
	return func(c *Config) { c.RetryJitter = d }
}

// WithCache bounds the response cache.
func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(c *Config) {
		c.CacheTTL = ttl
		c.CacheMaxEntries = maxEntries
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithMetrics enables prometheus instrumentation on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.MetricsRegisterer = reg }
}
