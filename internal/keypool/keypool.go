// Package keypool distributes outbound calls across one or more API
// credentials. Each credential owns a dedicated rate limiter and is skipped
// for a fixed backoff window after the provider signals a quota violation.
package keypool

import (
	"errors"
	"sync"
	"time"

	"github.com/meetframe/orfree/internal/ratelimit"
)

// Backoff is how long a credential sits out after a 429.
const Backoff = time.Minute

// ErrNoKeys is returned when a pool is constructed without credentials.
var ErrNoKeys = errors.New("keypool: at least one API key is required")

type entry struct {
	key              string
	limiter          *ratelimit.Limiter
	rateLimitedUntil time.Time // zero when not backed off
}

// Slot is one usable credential handed to a caller. MarkRateLimited puts this
// specific credential into its backoff window; it is safe to call from any
// goroutine.
type Slot struct {
	Key     string
	Limiter *ratelimit.Limiter

	pool *Pool
	idx  int
}

// MarkRateLimited starts the backoff window for this slot's credential.
func (s *Slot) MarkRateLimited() {
	s.pool.mu.Lock()
	s.pool.entries[s.idx].rateLimitedUntil = s.pool.now().Add(Backoff)
	s.pool.mu.Unlock()
}

// Pool round-robins across credentials. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	index   int

	now func() time.Time
}

// New creates a pool over the given keys. A single-key pool works identically
// and degenerates to always returning that key unless it is backed off.
func New(keys []string) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	p := &Pool{now: time.Now}
	for _, k := range keys {
		p.entries = append(p.entries, &entry{key: k, limiter: ratelimit.New()})
	}
	return p, nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int { return len(p.entries) }

// Next returns the next usable credential via round-robin, starting from the
// position after the last one returned and skipping credentials inside their
// backoff window. ok is false when every credential is backed off.
func (p *Pool) Next() (slot *Slot, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	start := p.index
	for i := 0; i < len(p.entries); i++ {
		idx := (start + i) % len(p.entries)
		e := p.entries[idx]
		if !e.rateLimitedUntil.IsZero() && e.rateLimitedUntil.After(now) {
			continue
		}
		p.index = (idx + 1) % len(p.entries)
		return &Slot{Key: e.key, Limiter: e.limiter, pool: p, idx: idx}, true
	}
	return nil, false
}

// RateLimitedCount reports how many credentials are currently backed off.
func (p *Pool) RateLimitedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, e := range p.entries {
		if !e.rateLimitedUntil.IsZero() && e.rateLimitedUntil.After(now) {
			n++
		}
	}
	return n
}

// SetNowFunc overrides the pool clock. Tests only.
func (p *Pool) SetNowFunc(now func() time.Time) { p.now = now }
