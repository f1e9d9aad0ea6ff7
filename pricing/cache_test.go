package pricing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotStart(t *testing.T, str string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, str)
	require.NoError(t, err)
	return parsed.UTC()
}

func TestMergeNeverDowngradesQuality(t *testing.T) {
	cache := NewCache(0)
	start := slotStart(t, "2025-06-04T10:00:00Z")

	cache.Merge([]PricePoint{{Start: start, Channel: ChannelGeneral, PriceKwh: 21.0, Quality: QualityActual}})
	cache.Merge([]PricePoint{{Start: start, Channel: ChannelGeneral, PriceKwh: 35.0, Quality: QualityForecast}})

	point, ok := cache.PriceAt(ChannelGeneral, start.Add(10*time.Minute))
	require.True(t, ok)
	assert.Equal(t, QualityActual, point.Quality)
	assert.Equal(t, 21.0, point.PriceKwh)

	// Equal-or-better quality is last-writer-wins.
	cache.Merge([]PricePoint{{Start: start, Channel: ChannelGeneral, PriceKwh: 22.5, Quality: QualityActual}})
	point, _ = cache.PriceAt(ChannelGeneral, start)
	assert.Equal(t, 22.5, point.PriceKwh)
}

func TestForecastOrderedAndBounded(t *testing.T) {
	cache := NewCache(0)
	base := slotStart(t, "2025-06-04T00:00:00Z")

	// merge out of order
	var points []PricePoint
	for _, offset := range []int{3, 0, 2, 1, 4} {
		points = append(points, PricePoint{
			Start:    base.Add(time.Duration(offset) * 30 * time.Minute),
			Channel:  ChannelGeneral,
			PriceKwh: float64(offset),
			Quality:  QualityForecast,
		})
	}
	cache.Merge(points)

	forecast := cache.Forecast(ChannelGeneral, base, base.Add(2*time.Hour))
	require.Len(t, forecast, 4)
	for i, point := range forecast {
		assert.Equal(t, float64(i), point.PriceKwh)
	}
}

func TestMarkStaleLeavesActuals(t *testing.T) {
	cache := NewCache(0)
	base := slotStart(t, "2025-06-04T00:00:00Z")

	cache.Merge([]PricePoint{
		{Start: base, Channel: ChannelGeneral, Quality: QualityActual},
		{Start: base.Add(30 * time.Minute), Channel: ChannelGeneral, Quality: QualityCurrent},
		{Start: base.Add(60 * time.Minute), Channel: ChannelGeneral, Quality: QualityForecast},
	})
	cache.MarkStale()

	forecast := cache.Forecast(ChannelGeneral, base, base.Add(2*time.Hour))
	require.Len(t, forecast, 3)
	assert.Equal(t, QualityActual, forecast[0].Quality)
	assert.Equal(t, QualityCachedStale, forecast[1].Quality)
	assert.Equal(t, QualityCachedStale, forecast[2].Quality)
}

func TestCacheFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	base := slotStart(t, "2025-06-04T00:00:00Z")

	cache := NewCache(0)
	cache.Merge([]PricePoint{
		{Start: base, Channel: ChannelGeneral, PriceKwh: 10.5, Quality: QualityActual},
		{Start: base.Add(30 * time.Minute), Channel: ChannelFeedIn, PriceKwh: -2.0, Quality: QualityForecast},
	})
	require.NoError(t, cache.SaveFile(path))

	reloaded := NewCache(0)
	require.NoError(t, reloaded.LoadFile(path))

	point, ok := reloaded.PriceAt(ChannelGeneral, base)
	require.True(t, ok)
	assert.Equal(t, 10.5, point.PriceKwh)
	assert.Equal(t, QualityActual, point.Quality)

	point, ok = reloaded.PriceAt(ChannelFeedIn, base.Add(30*time.Minute))
	require.True(t, ok)
	assert.Equal(t, -2.0, point.PriceKwh)
}

// mockFetcher implements fetcher for refresher tests.
type mockFetcher struct {
	points []PricePoint
	err    error
	calls  int
}

func (m *mockFetcher) FetchPrices(ctx context.Context, previous, next int) ([]PricePoint, error) {
	m.calls++
	return m.points, m.err
}

func (m *mockFetcher) FetchUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error) {
	return nil, nil
}

func TestRefresherDeclaresDownAfterConsecutiveErrors(t *testing.T) {
	cache := NewCache(0)
	mock := &mockFetcher{err: errors.New("boom")}
	refresher := NewRefresher(cache, mock, RefresherConfig{MaxConcurrentErrors: 3})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		refresher.Refresh(ctx)
		assert.False(t, refresher.Down())
	}
	refresher.Refresh(ctx)
	assert.True(t, refresher.Down())

	// One success clears the streak.
	mock.err = nil
	mock.points = []PricePoint{{Start: slotStart(t, "2025-06-04T00:00:00Z"), Channel: ChannelGeneral, Quality: QualityCurrent}}
	refresher.Refresh(ctx)
	assert.False(t, refresher.Down())
}
