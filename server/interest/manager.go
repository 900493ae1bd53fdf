// Package interest decides which entities each connection receives and, when
// a snapshot would exceed its byte budget, which records are sent first.
package interest

import (
	"github.com/automoto/netsync/shared/protocol"
	"github.com/automoto/netsync/shared/tick"
)

// Config controls the interest policy.
type Config struct {
	// Radius around each controlled entity inside which entities are visible.
	Radius float64
	// BoostTicks keeps an entity the client already knows visible for this
	// many ticks after it changes, even outside Radius.
	BoostTicks uint64
	// Interval is how often, in ticks, visible sets are recomputed.
	Interval uint64
}

// ChangeClock reports when an entity last changed.
type ChangeClock interface {
	ChangedAt(id protocol.EntityID) (tick.Tick, bool)
}

// Manager computes visible sets against a spatial index. It holds no
// per-connection state.
type Manager struct {
	cfg      Config
	index    *Index
	changes  ChangeClock
	priority PriorityFunc
}

func NewManager(cfg Config, index *Index, changes ChangeClock, priority PriorityFunc) *Manager {
	if priority == nil {
		priority = DefaultPriority
	}
	if cfg.Interval == 0 {
		cfg.Interval = 1
	}
	return &Manager{cfg: cfg, index: index, changes: changes, priority: priority}
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) Index() *Index {
	return m.index
}

// Due reports whether a visible set computed at last is stale at now.
func (m *Manager) Due(last, now tick.Tick, computed bool) bool {
	return !computed || now.Since(last) >= m.cfg.Interval
}

// VisibleSet returns the entities a connection controlling owned should
// receive at now. known is the set of entities the client currently holds.
func (m *Manager) VisibleSet(owned []protocol.EntityID, known Set, now tick.Tick) Set {
	visible := NewSet(owned...)

	var near []protocol.EntityID
	for _, id := range owned {
		x, y, ok := m.index.Position(id)
		if !ok {
			continue
		}
		near = m.index.Within(x, y, m.cfg.Radius, near[:0])
		for _, n := range near {
			visible.Add(n)
		}
	}

	// Only entities the client holds are boosted; an unknown entity has no
	// stale copy to correct.
	for id := range known {
		if visible.Has(id) || !m.index.Has(id) {
			continue
		}
		if m.Boosted(id, now) {
			visible.Add(id)
		}
	}
	return visible
}

// Boosted reports whether id changed within the boost window.
func (m *Manager) Boosted(id protocol.EntityID, now tick.Tick) bool {
	at, ok := m.changes.ChangedAt(id)
	return ok && now.Since(at) <= m.cfg.BoostTicks
}

// DistanceSq returns the squared distance from id to the nearest of owned.
func (m *Manager) DistanceSq(id protocol.EntityID, owned []protocol.EntityID) float64 {
	return m.index.NearestSq(id, owned)
}

// Select ranks candidates and keeps as many as fit in budget bytes.
func (m *Manager) Select(candidates []Candidate, budget int) Selection {
	return Select(candidates, budget, m.priority)
}
