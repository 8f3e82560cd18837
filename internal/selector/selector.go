// Package selector produces the ordered model shortlist offered to the
// provider for one request, composing the catalog, scorer, and health
// tracker. Ranking is cached and refreshed on an interval; health filtering
// happens at selection time so a recovering model is picked up immediately
// instead of waiting for the next ranking refresh.
package selector

import (
	"context"
	"sync"
	"time"

	"github.com/meetframe/orfree/internal/catalog"
	"github.com/meetframe/orfree/internal/health"
	"github.com/meetframe/orfree/internal/scoring"
)

const (
	// DefaultCount is the shortlist size OpenRouter accepts per request.
	DefaultCount = 3
	// maxModels absolutely caps the shortlist regardless of requested count.
	maxModels = 8

	refreshInterval = 2 * time.Minute
)

// Selector builds shortlists of healthy, ranked model ids. Safe for
// concurrent use.
type Selector struct {
	catalog *catalog.Catalog
	scorer  scoring.Scorer
	health  *health.Tracker

	// override, when non-empty, bypasses discovery and ranking entirely.
	override []string

	mu          sync.Mutex
	rankedIDs   []string
	lastRefresh time.Time
	inflight    chan struct{}

	now func() time.Time
}

// New creates a selector. override may be nil; when set (up to three ids,
// operator-configured) it takes precedence over discovery.
func New(cat *catalog.Catalog, tracker *health.Tracker, override []string) *Selector {
	if len(override) > DefaultCount {
		override = override[:DefaultCount]
	}
	return &Selector{
		catalog:  cat,
		health:   tracker,
		override: override,
		now:      time.Now,
	}
}

// Overridden reports whether an operator override is active.
func (s *Selector) Overridden() bool { return len(s.override) > 0 }

// Available returns up to count healthy model ids, best first, capped at the
// absolute shortlist maximum.
//
// With an override configured, the override order is authoritative: it is
// still health-filtered, but if filtering would empty it the raw override is
// returned anyway. Silently discarding everything the operator configured
// would turn a misconfiguration into an opaque 503; trying their models and
// surfacing the provider's answer is the better failure mode.
func (s *Selector) Available(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		count = DefaultCount
	}
	if count > maxModels {
		count = maxModels
	}

	if len(s.override) > 0 {
		healthy := make([]string, 0, len(s.override))
		for _, id := range s.override {
			if s.health.Healthy(id) {
				healthy = append(healthy, id)
			}
		}
		if len(healthy) == 0 {
			return s.override, nil
		}
		return healthy, nil
	}

	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ranked := s.rankedIDs
	s.mu.Unlock()

	out := make([]string, 0, count)
	for _, id := range ranked {
		if !s.health.Healthy(id) {
			continue
		}
		out = append(out, id)
		if len(out) == count {
			break
		}
	}
	return out, nil
}

// ensureFresh recomputes the ranking when it is empty or stale, coalescing
// concurrent refreshes into one in-flight computation.
func (s *Selector) ensureFresh(ctx context.Context) error {
	s.mu.Lock()
	fresh := len(s.rankedIDs) > 0 && s.now().Sub(s.lastRefresh) <= refreshInterval
	if fresh {
		s.mu.Unlock()
		return nil
	}
	if ch := s.inflight; ch != nil {
		s.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	s.inflight = ch
	s.mu.Unlock()

	models, err := s.catalog.Models(ctx)

	s.mu.Lock()
	if err == nil {
		ranked := s.scorer.Rank(models)
		ids := make([]string, len(ranked))
		for i, r := range ranked {
			ids[i] = r.Model.ID
		}
		s.rankedIDs = ids
		s.lastRefresh = s.now()
	}
	s.inflight = nil
	s.mu.Unlock()
	close(ch)

	return err
}

// SetNowFunc overrides the selector clock. Tests only.
func (s *Selector) SetNowFunc(now func() time.Time) { s.now = now }
