// Package claims is the authoritative chunk claim store. It is not safe for
// concurrent use: every call must come from the world tick goroutine.
package claims

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/spreadout"
)

// CellChange describes one chunk changing state. Old or New is nil for an
// unclaimed chunk.
type CellChange struct {
	Dim  string
	X, Z int32
	Old  *State
	New  *State
}

// Listener receives store events on the tick goroutine. Implementations must
// not mutate the store from a callback.
type Listener interface {
	CellChanged(c CellChange)
	StateCreated(s *State)
	StateRemoved(s *State)
	RegionEmptied(dim string, rx, rz int32)
	PropertiesChanged(owner uuid.UUID, p Properties)
}

// NopListener can be embedded to implement only some Listener methods.
type NopListener struct{}

func (NopListener) CellChanged(CellChange)                  {}
func (NopListener) StateCreated(*State)                     {}
func (NopListener) StateRemoved(*State)                     {}
func (NopListener) RegionEmptied(string, int32, int32)      {}
func (NopListener) PropertiesChanged(uuid.UUID, Properties) {}

// Properties are the display attributes of an owner.
type Properties struct {
	Username   string `json:"username,omitempty"`
	ClaimsName string `json:"claims_name,omitempty"`
	Color      int32  `json:"color"`
}

// Manager owns the claim-state table, the spatial hierarchy and the owner
// index.
type Manager struct {
	states    *StateTable
	owners    *OwnerIndex
	dims      map[string]*Dimension
	props     map[uuid.UUID]Properties
	seen      map[uuid.UUID]time.Time
	listeners []Listener

	pendingRemoval []*State
	replacer       *spreadout.Handler[uuid.UUID, *Manager]
}

// NewManager returns an empty store. replace bounds the chunks re-owned per
// tick by replacement tasks.
func NewManager(replace spreadout.Limits) *Manager {
	m := &Manager{
		states:   NewStateTable(),
		owners:   newOwnerIndex(),
		dims:     map[string]*Dimension{},
		props:    map[uuid.UUID]Properties{},
		seen:     map[uuid.UUID]time.Time{},
		replacer: spreadout.NewQueued[uuid.UUID, *Manager](replace),
	}
	m.states.onCreated = func(s *State) {
		for _, l := range m.listeners {
			l.StateCreated(s)
		}
	}
	m.states.onRemoved = func(s *State) {
		for _, l := range m.listeners {
			l.StateRemoved(s)
		}
	}
	return m
}

func (m *Manager) AddListener(l Listener) { m.listeners = append(m.listeners, l) }

func (m *Manager) States() *StateTable { return m.states }
func (m *Manager) Owners() *OwnerIndex { return m.owners }

// BySyncIndex resolves a wire handle to its state.
func (m *Manager) BySyncIndex(i int32) *State { return m.states.BySyncIndex(i) }

// OwnerCounts returns the claimed and forceloaded chunk counts of owner.
func (m *Manager) OwnerCounts(owner uuid.UUID) (claims, forceloads int) {
	return m.owners.Count(owner), m.owners.ForceloadCount(owner)
}

// Dimension returns nil for dimensions that never had a claim.
func (m *Manager) Dimension(id string) *Dimension { return m.dims[id] }

// Dimensions lists known dimension ids, sorted.
func (m *Manager) Dimensions() []string {
	out := make([]string, 0, len(m.dims))
	for id := range m.dims {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) dimension(id string) *Dimension {
	d := m.dims[id]
	if d == nil {
		d = newDimension(m, id)
		m.dims[id] = d
	}
	return d
}

// Get returns the state of the chunk, or nil if unclaimed.
func (m *Manager) Get(dim string, x, z int32) *State {
	d := m.dims[dim]
	if d == nil {
		return nil
	}
	r := d.Region(x>>5, z>>5)
	if r == nil {
		return nil
	}
	return r.Get(int(x&31), int(z&31))
}

// Claim sets the chunk to the canonical state for (owner, sub, forceload).
// Limits and reserved owners are checked by callers.
func (m *Manager) Claim(dim string, x, z int32, owner uuid.UUID, sub int32, forceload bool) *State {
	r := m.dimension(dim).ensureRegion(x>>5, z>>5)
	s := m.states.GetOrCreate(StateKey{Owner: owner, Sub: sub, Forceload: forceload})
	return m.set(r, x, z, s)
}

// ClaimState is Claim with an already resolved state. A state removed since
// it was looked up is resolved again.
func (m *Manager) ClaimState(dim string, x, z int32, s *State) *State {
	if s == nil {
		m.Unclaim(dim, x, z)
		return nil
	}
	return m.Claim(dim, x, z, s.key.Owner, s.key.Sub, s.key.Forceload)
}

// Unclaim clears the chunk, destroying its region if it becomes empty.
func (m *Manager) Unclaim(dim string, x, z int32) {
	d := m.dims[dim]
	if d == nil {
		return
	}
	r := d.Region(x>>5, z>>5)
	if r == nil {
		return
	}
	m.set(r, x, z, nil)
}

func (m *Manager) set(r *Region, x, z int32, s *State) *State {
	lx, lz := int(x&31), int(z&31)
	old := r.Get(lx, lz)
	if old == s {
		return s
	}
	dim := r.dim.id
	pos := PackPos(x, z)
	if old != nil {
		m.owners.recordUnclaim(dim, old, pos)
	}
	if s != nil {
		m.owners.recordClaim(dim, s, pos)
	}
	r.set(lx, lz, s)

	c := CellChange{Dim: dim, X: x, Z: z, Old: old, New: s}
	for _, l := range m.listeners {
		l.CellChanged(c)
	}
	m.flushRemovals()
	if r.IsEmpty() {
		r.dim.removeRegion(r)
		for _, l := range m.listeners {
			l.RegionEmptied(dim, r.x, r.z)
		}
	}
	return s
}

func (m *Manager) flushRemovals() {
	for len(m.pendingRemoval) > 0 {
		s := m.pendingRemoval[0]
		m.pendingRemoval = m.pendingRemoval[1:]
		m.states.RemoveIfUnused(s)
	}
	m.pendingRemoval = m.pendingRemoval[:0]
}

// Properties returns the stored display attributes of owner.
func (m *Manager) Properties(owner uuid.UUID) (Properties, bool) {
	p, ok := m.props[owner]
	return p, ok
}

func (m *Manager) SetProperties(owner uuid.UUID, p Properties) {
	if cur, ok := m.props[owner]; ok && cur == p {
		return
	}
	m.props[owner] = p
	for _, l := range m.listeners {
		l.PropertiesChanged(owner, p)
	}
}

// Touch records that owner was active at t. Claims of owners inactive for
// too long are expired by the caller.
func (m *Manager) Touch(owner uuid.UUID, t time.Time) { m.seen[owner] = t }

// LastSeen returns the last activity recorded for owner.
func (m *Manager) LastSeen(owner uuid.UUID) (time.Time, bool) {
	t, ok := m.seen[owner]
	return t, ok
}

// Tick advances queued replacement tasks.
func (m *Manager) Tick() { m.replacer.Tick(m) }
