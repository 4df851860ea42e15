// Package names holds user-editable display-name overrides for thermostats.
// The file can be edited outside the process, so reads go through a coarse
// TTL cache instead of a file watch.
package names

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

// reloadTTL is how stale the in-memory copy may be after an external edit.
const reloadTTL = 3 * time.Second

// Overrides maps thermostat ID to display name, backed by a JSON file.
type Overrides struct {
	path   string
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	byID     map[string]string
	loadedAt time.Time
}

// NewOverrides creates an override map backed by the given file.
func NewOverrides(path string, clk clock.Clock, logger *zap.Logger) *Overrides {
	return &Overrides{
		path:   path,
		clk:    clk,
		logger: logger,
		byID:   make(map[string]string),
	}
}

// All returns the current overrides, re-reading the file at most once per
// TTL. The returned map is a copy.
func (o *Overrides) All() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reloadLocked()

	out := make(map[string]string, len(o.byID))
	for id, name := range o.byID {
		out[id] = name
	}
	return out
}

// Set stores an override and saves the file atomically. An empty name
// removes the override.
func (o *Overrides) Set(id, name string) error {
	if id == "" {
		return fmt.Errorf("thermostat id required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.reloadLocked()
	if name == "" {
		delete(o.byID, id)
	} else {
		o.byID[id] = name
	}

	data, err := json.Marshal(o.byID)
	if err != nil {
		return fmt.Errorf("marshal name overrides: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	o.loadedAt = o.clk.Now()
	return nil
}

// reloadLocked refreshes byID from disk when the TTL has expired. Read or
// parse failures keep the previous copy.
func (o *Overrides) reloadLocked() {
	now := o.clk.Now()
	if !o.loadedAt.IsZero() && now.Sub(o.loadedAt) < reloadTTL {
		return
	}
	o.loadedAt = now

	data, err := os.ReadFile(o.path)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Warn("Failed to read name overrides", zap.Error(err))
		}
		return
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		o.logger.Warn("Corrupt name override file, keeping previous values",
			zap.String("path", o.path), zap.Error(err))
		return
	}

	fresh := make(map[string]string, len(raw))
	for id, name := range raw {
		if id == "" || name == "" {
			continue
		}
		fresh[id] = name
	}
	o.byID = fresh
}
