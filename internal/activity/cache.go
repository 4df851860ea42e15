// Package activity persists the per-zone last-event timestamps so zone
// activity history survives add-on restarts.
package activity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"laresbridge/internal/clock"

	"go.uber.org/zap"
)

// DefaultFlushInterval bounds write amplification: the cache is flushed at
// most once per interval no matter how often zones fire.
const DefaultFlushInterval = 5 * time.Second

// Cache is a debounced write-through map of zone ID to last-event epoch
// seconds. Updates mark the cache dirty; a flush happens on the first
// MaybeFlush after the debounce interval has elapsed since the last
// successful flush.
type Cache struct {
	path     string
	interval time.Duration
	clk      clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	lastSeen  map[string]int64
	dirty     bool
	dirtyAt   time.Time
	lastFlush time.Time
}

// NewCache creates a cache backed by the given file path.
func NewCache(path string, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Cache {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Cache{
		path:     path,
		interval: interval,
		clk:      clk,
		logger:   logger,
		lastSeen: make(map[string]int64),
	}
}

// Load seeds the cache from disk. A missing or corrupt file yields an empty
// cache, never an error the caller must handle; non-positive or unparsable
// values are dropped.
func (c *Cache) Load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to read zone activity cache", zap.Error(err))
		}
		return
	}

	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		c.logger.Warn("Corrupt zone activity cache, starting empty",
			zap.String("path", c.path), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, num := range raw {
		ts, err := num.Int64()
		if err != nil || ts <= 0 {
			continue
		}
		c.lastSeen[id] = ts
	}
	c.logger.Info("Zone activity cache loaded",
		zap.String("path", c.path), zap.Int("zones", len(c.lastSeen)))
}

// Get returns the persisted last-event time for a zone.
func (c *Cache) Get(zoneID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.lastSeen[zoneID]
	return ts, ok
}

// Update records ts for a zone if it is strictly newer than the stored value
// and marks the cache dirty. Returns true when the value was recorded.
func (c *Cache) Update(zoneID string, ts int64) bool {
	if zoneID == "" || ts <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.lastSeen[zoneID]; ok && prev >= ts {
		return false
	}
	c.lastSeen[zoneID] = ts
	if !c.dirty {
		c.dirty = true
		c.dirtyAt = c.clk.Now()
	}
	return true
}

// MaybeFlush flushes if the cache is dirty and the debounce interval has
// elapsed since the last successful flush. A flush failure is logged and
// leaves the dirty flag set so the next eligible call retries.
func (c *Cache) MaybeFlush() {
	c.mu.Lock()
	if !c.dirty || c.clk.Now().Sub(c.lastFlush) < c.interval {
		c.mu.Unlock()
		return
	}
	snapshot := make(map[string]int64, len(c.lastSeen))
	for id, ts := range c.lastSeen {
		snapshot[id] = ts
	}
	c.mu.Unlock()

	if err := c.write(snapshot); err != nil {
		c.logger.Error("Failed to flush zone activity cache", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.dirty = false
	c.lastFlush = c.clk.Now()
	c.mu.Unlock()
}

// Flush writes unconditionally (used at shutdown).
func (c *Cache) Flush() error {
	c.mu.Lock()
	snapshot := make(map[string]int64, len(c.lastSeen))
	for id, ts := range c.lastSeen {
		snapshot[id] = ts
	}
	c.mu.Unlock()

	if err := c.write(snapshot); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.lastFlush = c.clk.Now()
	c.mu.Unlock()
	return nil
}

// write performs the atomic temp-file-then-rename swap so a crash mid-write
// never corrupts the cache.
func (c *Cache) write(snapshot map[string]int64) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal zone activity: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
