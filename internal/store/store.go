// Package store converts the panel's heterogeneous partial updates into one
// normalized entity map and exposes point queries and full snapshots to
// viewers.
package store

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"laresbridge/internal/activity"
	"laresbridge/internal/broadcast"
	"laresbridge/internal/clock"
	"laresbridge/internal/names"

	"go.uber.org/zap"
)

// Meta carries process-wide snapshot fields.
type Meta struct {
	StartedAt  int64 `json:"started_at"`
	LastUpdate int64 `json:"last_update"`
	Connected  bool  `json:"connection_connected"`
}

// Snapshot is a full, independently-copied view of the store.
type Snapshot struct {
	Meta     Meta      `json:"meta"`
	Entities []*Entity `json:"entities"`
}

// Store is the entity merge engine. One lock guards the entity map and the
// derived meta fields; fan-out goes through the broadcaster, which has its
// own lock, so publishing never holds the entity lock.
type Store struct {
	clk       clock.Clock
	logger    *zap.Logger
	activity  *activity.Cache
	overrides *names.Overrides
	bc        *broadcast.Broadcaster

	mu        sync.Mutex
	entities  map[string]*Entity
	startedAt time.Time
	lastAt    time.Time
	connected bool
}

// New creates an empty store. activity and overrides may be nil in tests
// that do not exercise persistence.
func New(clk clock.Clock, act *activity.Cache, ovr *names.Overrides, bc *broadcast.Broadcaster, logger *zap.Logger) *Store {
	return &Store{
		clk:       clk,
		logger:    logger,
		activity:  act,
		overrides: ovr,
		bc:        bc,
		entities:  make(map[string]*Entity),
		startedAt: clk.Now(),
	}
}

// Upsert merges a patch into the entity identified by (kind, rawID),
// creating it on first sight. Returns the post-merge entity as a defensive
// copy, or nil when rawID is absent or blank.
func (s *Store) Upsert(kind string, rawID any, patch Patch) *Entity {
	id, ok := NormalizeID(rawID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(kind, id, patch).clone()
}

func (s *Store) upsertLocked(kind, id string, patch Patch) *Entity {
	now := s.clk.Now()
	key := entityKey(kind, id)

	e, exists := s.entities[key]
	if !exists {
		e = &Entity{
			Key:      key,
			Kind:     kind,
			ID:       id,
			Access:   accessFor(kind),
			Static:   make(map[string]any),
			Realtime: make(map[string]any),
		}
		if kind == KindZone && s.activity != nil {
			if ts, ok := s.activity.Get(id); ok {
				e.LastSeen = ts
			}
		}
		s.entities[key] = e
	}

	hadRealtime := len(e.Realtime) > 0
	prevRealtime := e.Realtime
	if kind == KindZone && patch.Realtime != nil {
		prevRealtime = copyMap(e.Realtime)
	}

	if patch.Static != nil {
		mergeShallow(e.Static, patch.Static)
	}
	if patch.Realtime != nil {
		if kind == KindThermostat {
			mergeThermostatRealtime(e, patch.Realtime)
		} else {
			mergeShallow(e.Realtime, patch.Realtime)
		}
	}

	if e.Name == "" {
		e.Name = deriveName(e.Static, e.Realtime)
	}

	switch kind {
	case KindZone:
		if patch.Realtime != nil {
			s.bumpZoneLocked(e, hadRealtime, prevRealtime, now)
		}
	default:
		e.LastSeen = now.Unix()
	}

	s.lastAt = now
	return e
}

// bumpZoneLocked implements the zone last-seen state machine. The first-ever
// realtime patch is not an activity event (the prior value was empty, not
// different); it only seeds last_seen when the zone is already in trouble
// and no persisted value exists. Later patches bump last_seen on any tracked
// sub-field transition.
func (s *Store) bumpZoneLocked(e *Entity, hadRealtime bool, prev map[string]any, now time.Time) {
	if !hadRealtime {
		if !zoneInTrouble(e.Realtime) {
			return
		}
		if s.activity != nil {
			if _, ok := s.activity.Get(e.ID); ok {
				return
			}
		}
		if e.LastSeen != 0 {
			return
		}
		e.LastSeen = now.Unix()
		s.persistZone(e.ID, e.LastSeen)
		return
	}

	if !zoneTransition(prev, e.Realtime) {
		return
	}
	e.LastSeen = now.Unix()
	s.persistZone(e.ID, e.LastSeen)
}

func (s *Store) persistZone(id string, ts int64) {
	if s.activity == nil {
		return
	}
	if s.activity.Update(id, ts) {
		s.activity.MaybeFlush()
	}
}

// GetRealtime returns a copy of the entity's realtime map, tolerating ID
// type drift (verbatim, string form, and all-digits integer form all
// resolve to the same entity).
func (s *Store) GetRealtime(kind string, rawID any) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(kind, rawID)
	if !ok {
		return nil, false
	}
	return copyMap(e.Realtime), true
}

// GetMerged returns static overlaid with realtime for one entity, applying
// the thermostat smart-merge semantics and injecting the ID when the wire
// maps lack it.
func (s *Store) GetMerged(kind string, rawID any) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(kind, rawID)
	if !ok {
		return nil, false
	}
	out := mergedView(e)
	if _, ok := out["ID"]; !ok {
		out["ID"] = e.ID
	}
	return out, true
}

func (s *Store) lookupLocked(kind string, rawID any) (*Entity, bool) {
	if id, ok := NormalizeID(rawID); ok {
		if e, ok := s.entities[entityKey(kind, id)]; ok {
			return e, true
		}
	}
	// Verbatim fallback for identifiers normalization would reject or alter.
	s2 := strings.TrimSpace(toVerbatim(rawID))
	if s2 != "" {
		if e, ok := s.entities[entityKey(kind, s2)]; ok {
			return e, true
		}
	}
	return nil, false
}

func toVerbatim(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// SnapshotView exports every entity as an independent copy plus the meta
// fields, with the thermostat name-override layer applied.
func (s *Store) SnapshotView() Snapshot {
	var overrides map[string]string
	if s.overrides != nil {
		overrides = s.overrides.All()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Meta:     s.metaLocked(),
		Entities: make([]*Entity, 0, len(s.entities)),
	}
	for _, e := range s.entities {
		cp := e.clone()
		if cp.Kind == KindThermostat {
			if name, ok := overrides[cp.ID]; ok && name != "" {
				cp.Name = name
			}
		}
		snap.Entities = append(snap.Entities, cp)
	}
	return snap
}

// Meta returns the current meta fields.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaLocked()
}

func (s *Store) metaLocked() Meta {
	m := Meta{
		StartedAt: s.startedAt.Unix(),
		Connected: s.connected,
	}
	if !s.lastAt.IsZero() {
		m.LastUpdate = s.lastAt.Unix()
	}
	return m
}

// SetConnected records the upstream link state and publishes a meta-only
// connectivity event on transitions.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	meta := s.metaLocked()
	s.mu.Unlock()

	if !changed || s.bc == nil {
		return
	}
	s.logger.Info("Panel connectivity changed", zap.Bool("connected", connected))
	s.bc.Publish(broadcast.Event{
		Type: broadcast.TypeConnectivity,
		Meta: meta,
	})
}

// ApplyRealtimeList upserts a batch of realtime items for one kind and
// publishes the changed entities.
func (s *Store) ApplyRealtimeList(kind string, items []map[string]any) []*Entity {
	return s.applyList(kind, items, false)
}

// ApplyStaticList upserts a batch of configuration items for one kind and
// publishes the changed entities.
func (s *Store) ApplyStaticList(kind string, items []map[string]any) []*Entity {
	return s.applyList(kind, items, true)
}

func (s *Store) applyList(kind string, items []map[string]any, static bool) []*Entity {
	changed := make([]*Entity, 0, len(items))

	s.mu.Lock()
	for _, item := range items {
		id, ok := NormalizeID(item["ID"])
		if !ok {
			continue
		}
		patch := Patch{Realtime: item}
		if static {
			patch = Patch{Static: item}
		}
		changed = append(changed, s.upsertLocked(kind, id, patch).clone())
	}
	meta := s.metaLocked()
	s.mu.Unlock()

	if len(changed) > 0 && s.bc != nil {
		s.bc.Publish(broadcast.Event{
			Type:     broadcast.TypeUpdate,
			Meta:     meta,
			Entities: changed,
		})
	}
	return changed
}
