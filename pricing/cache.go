package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marloweh/powercontroller/timeutils"
)

// Cache holds the merged half-hourly price series per channel. It is safe for
// concurrent use: the refresher is the only writer, consumers read snapshots.
type Cache struct {
	mu     sync.RWMutex
	points map[Channel]map[int64]PricePoint // keyed by slot start unix seconds
	usage  []UsageRecord

	usageRetention time.Duration
}

// NewCache returns an empty cache. Usage rows older than usageRetention are
// dropped on append; zero means keep 14 days.
func NewCache(usageRetention time.Duration) *Cache {
	if usageRetention <= 0 {
		usageRetention = 14 * 24 * time.Hour
	}
	return &Cache{
		points:         make(map[Channel]map[int64]PricePoint),
		usageRetention: usageRetention,
	}
}

// PriceAt returns the price point covering the given instant for the channel.
func (c *Cache) PriceAt(channel Channel, t time.Time) (PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slot := timeutils.FloorHH(t.UTC())
	point, ok := c.points[channel][slot.Unix()]
	return point, ok
}

// Forecast returns the ordered price points for the channel with slot starts
// in [from, to).
func (c *Cache) Forecast(channel Channel, from, to time.Time) []PricePoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []PricePoint
	for _, point := range c.points[channel] {
		if point.Start.Before(from) || !point.Start.Before(to) {
			continue
		}
		out = append(out, point)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Channels returns the channels currently present in the cache.
func (c *Cache) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Channel
	for ch := range c.points {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge folds the given points into the cache. Within a slot the newer point
// wins, except that a point never replaces one of better quality: an actual
// is never overwritten by a forecast.
func (c *Cache) Merge(points []PricePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, point := range points {
		point.Start = timeutils.FloorHH(point.Start.UTC())
		if point.Duration == 0 {
			point.Duration = timeutils.SlotDuration
		}
		byStart, ok := c.points[point.Channel]
		if !ok {
			byStart = make(map[int64]PricePoint)
			c.points[point.Channel] = byStart
		}
		key := point.Start.Unix()
		if existing, ok := byStart[key]; ok && !point.Quality.AtLeast(existing.Quality) {
			continue
		}
		byStart[key] = point
	}
}

// MarkStale downgrades every current/forecast point to cached-stale. Called
// by the refresher once the data's TTL has lapsed without a successful
// refresh. Actuals are left alone: settled history does not go stale.
func (c *Cache) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, byStart := range c.points {
		for key, point := range byStart {
			if point.Quality == QualityCurrent || point.Quality == QualityForecast {
				point.Quality = QualityCachedStale
				byStart[key] = point
			}
		}
	}
}

// Trim drops points with slot starts before the given cutoff.
func (c *Cache) Trim(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, byStart := range c.points {
		for key, point := range byStart {
			if point.Start.Before(cutoff) {
				delete(byStart, key)
			}
		}
	}
}

// AppendUsage appends hourly usage rows, dropping anything older than the
// retention window.
func (c *Cache) AppendUsage(rows []UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.usage = append(c.usage, rows...)
	cutoff := time.Now().Add(-c.usageRetention)
	kept := c.usage[:0]
	seen := make(map[string]bool, len(c.usage))
	for _, row := range c.usage {
		if row.Start.Before(cutoff) {
			continue
		}
		key := fmt.Sprintf("%s/%d", row.Channel, row.Start.Unix())
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, row)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start.Before(kept[j].Start) })
	c.usage = kept
}

// Usage returns a copy of the retained usage rows.
func (c *Cache) Usage() []UsageRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]UsageRecord, len(c.usage))
	copy(out, c.usage)
	return out
}

// cacheFile is the JSON document persisted between restarts.
type cacheFile struct {
	WrittenAt time.Time     `json:"writtenAt"`
	Points    []PricePoint  `json:"points"`
	Usage     []UsageRecord `json:"usage,omitempty"`
}

// SaveFile atomically writes the cache contents to the given path.
func (c *Cache) SaveFile(path string) error {
	c.mu.RLock()
	doc := cacheFile{WrittenAt: time.Now().UTC()}
	for _, byStart := range c.points {
		for _, point := range byStart {
			doc.Points = append(doc.Points, point)
		}
	}
	doc.Usage = append(doc.Usage, c.usage...)
	c.mu.RUnlock()

	sort.Slice(doc.Points, func(i, j int) bool {
		if doc.Points[i].Channel != doc.Points[j].Channel {
			return doc.Points[i].Channel < doc.Points[j].Channel
		}
		return doc.Points[i].Start.Before(doc.Points[j].Start)
	})

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal price cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pricecache-*")
	if err != nil {
		return fmt.Errorf("create temp price cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write price cache: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync price cache: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close price cache: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename price cache: %w", err)
	}
	return nil
}

// LoadFile merges a previously saved cache file into the cache. A missing
// file is not an error.
func (c *Cache) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read price cache: %w", err)
	}

	var doc cacheFile
	if err = json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("unmarshal price cache: %w", err)
	}

	c.Merge(doc.Points)
	c.AppendUsage(doc.Usage)
	return nil
}
