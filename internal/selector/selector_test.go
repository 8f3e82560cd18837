package selector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetframe/orfree/internal/catalog"
	"github.com/meetframe/orfree/internal/health"
	"github.com/meetframe/orfree/pkg/types"
)

// catalogFor serves a fixed free-tier listing and returns a catalog bound to it.
func catalogFor(t *testing.T, hits *atomic.Int64, models ...types.Model) *catalog.Catalog {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		_ = json.NewEncoder(w).Encode(types.ModelsResponse{Data: models})
	}))
	t.Cleanup(srv.Close)
	return catalog.New(catalog.WithBaseURL(srv.URL))
}

func model(id string, contextLength int) types.Model {
	return types.Model{ID: id, ContextLength: contextLength}
}

func TestAvailableRanksDiscoveredModels(t *testing.T) {
	cat := catalogFor(t, nil,
		model("a/small:free", 4096),
		model("b/large:free", 131072),
		model("c/medium:free", 32768),
	)
	s := New(cat, health.NewTracker(), nil)

	ids, err := s.Available(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b/large:free", "c/medium:free", "a/small:free"}, ids)
}

func TestAvailableRespectsCountAndCap(t *testing.T) {
	models := make([]types.Model, 10)
	for i := range models {
		models[i] = model(string(rune('a'+i))+"/m:free", 1000*(10-i))
	}
	cat := catalogFor(t, nil, models...)
	s := New(cat, health.NewTracker(), nil)

	ids, err := s.Available(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = s.Available(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, ids, maxModels)

	ids, err = s.Available(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, ids, DefaultCount)
}

func TestAvailableFiltersUnhealthy(t *testing.T) {
	cat := catalogFor(t, nil,
		model("a/best:free", 131072),
		model("b/ok:free", 32768),
	)
	tracker := health.NewTracker()
	tracker.MarkIncompatible("a/best:free")
	s := New(cat, tracker, nil)

	ids, err := s.Available(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b/ok:free"}, ids)
}

func TestHealthFilterAppliesAtSelectionTime(t *testing.T) {
	cat := catalogFor(t, nil, model("a/m:free", 131072), model("b/m:free", 4096))
	tracker := health.NewTracker()
	now := time.Now()
	tracker.SetNowFunc(func() time.Time { return now })
	s := New(cat, tracker, nil)

	tracker.RecordRateLimit("a/m:free")
	ids, err := s.Available(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b/m:free"}, ids)

	// Recovery shows up immediately, without waiting for a ranking refresh.
	now = now.Add(11 * time.Minute)
	ids, err = s.Available(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/m:free", "b/m:free"}, ids)
}

func TestRankingRefreshIsCached(t *testing.T) {
	var hits atomic.Int64
	cat := catalogFor(t, &hits, model("a/m:free", 4096))
	s := New(cat, health.NewTracker(), nil)

	for i := 0; i < 5; i++ {
		_, err := s.Available(context.Background(), 3)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load())
}

func TestOverrideBypassesDiscovery(t *testing.T) {
	var hits atomic.Int64
	cat := catalogFor(t, &hits, model("a/m:free", 4096))
	s := New(cat, health.NewTracker(), []string{"x/one", "y/two"})

	require.True(t, s.Overridden())
	ids, err := s.Available(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/one", "y/two"}, ids)
	assert.Equal(t, int64(0), hits.Load(), "no catalog fetch with an override")
}

func TestOverrideTruncatedToThree(t *testing.T) {
	cat := catalogFor(t, nil)
	s := New(cat, health.NewTracker(), []string{"a", "b", "c", "d"})

	ids, err := s.Available(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestOverrideHealthFiltered(t *testing.T) {
	cat := catalogFor(t, nil)
	tracker := health.NewTracker()
	tracker.MarkIncompatible("x/one")
	s := New(cat, tracker, []string{"x/one", "y/two"})

	ids, err := s.Available(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"y/two"}, ids)
}

func TestOverrideReturnedRawWhenAllUnhealthy(t *testing.T) {
	cat := catalogFor(t, nil)
	tracker := health.NewTracker()
	tracker.MarkIncompatible("x/one")
	tracker.MarkIncompatible("y/two")
	s := New(cat, tracker, []string{"x/one", "y/two"})

	ids, err := s.Available(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/one", "y/two"}, ids,
		"operator choice survives a fully unhealthy filter")
}
