// Package health keeps a rolling per-model reliability ledger so the selector
// can route around models that have gone flaky, rate limited, or permanently
// incompatible.
package health

import (
	"sync"
	"time"
)

const (
	// windowSize bounds the outcome history kept per model (FIFO).
	windowSize = 20
	// healthyRatio is the inclusive success-ratio threshold over the window.
	healthyRatio = 0.50
	// graceRequests is how many outcomes a model gets before it is judged.
	// Abandoning a model on a single warm-up miss wastes good candidates.
	graceRequests = 3
	// rateLimitCooldown excludes a model after a model-level rate limit.
	rateLimitCooldown = 10 * time.Minute
)

type outcome struct {
	success bool
	at      time.Time
	latency time.Duration
}

type record struct {
	outcomes         []outcome
	rateLimitedUntil time.Time
	incompatible     bool
}

// Tracker records per-model outcomes and answers health queries. Records are
// created lazily on first observation and live for the process lifetime;
// memory stays bounded by the outcome window. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*record), now: time.Now}
}

// RecordSuccess appends a successful outcome with its observed latency.
func (t *Tracker) RecordSuccess(modelID string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(modelID)
	r.outcomes = appendBounded(r.outcomes, outcome{success: true, at: t.now(), latency: latency})
}

// RecordFailure appends a failed outcome.
func (t *Tracker) RecordFailure(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(modelID)
	r.outcomes = appendBounded(r.outcomes, outcome{success: false, at: t.now()})
}

// RecordRateLimit counts as a failure and additionally starts the model's
// cooldown window.
func (t *Tracker) RecordRateLimit(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(modelID)
	r.rateLimitedUntil = t.now().Add(rateLimitCooldown)
	r.outcomes = appendBounded(r.outcomes, outcome{success: false, at: t.now()})
}

// MarkIncompatible permanently demotes a model. Used for 404-class responses:
// the model cannot be served under the current policy, so unlike a flaky
// model it must never be retried.
func (t *Tracker) MarkIncompatible(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(modelID).incompatible = true
}

// Healthy reports whether the model should be offered to the provider.
// Unseen models are healthy. Incompatibility overrides everything, then an
// active cooldown, then the success ratio — with a grace period while fewer
// than graceRequests outcomes exist.
func (t *Tracker) Healthy(modelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[modelID]
	if !ok {
		return true
	}
	if r.incompatible {
		return false
	}
	if !r.rateLimitedUntil.IsZero() && t.now().Before(r.rateLimitedUntil) {
		return false
	}
	if len(r.outcomes) < graceRequests {
		return true
	}

	successes := 0
	for _, o := range r.outcomes {
		if o.success {
			successes++
		}
	}
	return float64(successes)/float64(len(r.outcomes)) >= healthyRatio
}

// AverageLatency returns the mean latency over successful outcomes in the
// window. ok is false when the model has no successful latency samples.
func (t *Tracker) AverageLatency(modelID string) (avg time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, exists := t.records[modelID]
	if !exists {
		return 0, false
	}
	var total time.Duration
	n := 0
	for _, o := range r.outcomes {
		if o.success && o.latency > 0 {
			total += o.latency
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

// getOrCreate assumes mu is held.
func (t *Tracker) getOrCreate(modelID string) *record {
	r, ok := t.records[modelID]
	if !ok {
		r = &record{}
		t.records[modelID] = r
	}
	return r
}

func appendBounded(outcomes []outcome, o outcome) []outcome {
	outcomes = append(outcomes, o)
	if len(outcomes) > windowSize {
		outcomes = outcomes[len(outcomes)-windowSize:]
	}
	return outcomes
}

// SetNowFunc overrides the tracker clock. Tests only.
func (t *Tracker) SetNowFunc(now func() time.Time) { t.now = now }
