package claims

import (
	"fmt"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims/linked"
)

// Reserved owner ids.
var (
	// ServerOwner owns system claims; its cells are replicated to everyone.
	ServerOwner = uuid.UUID{}
	// ExpiredOwner is the placeholder owner of claims whose owner expired.
	ExpiredOwner = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	// UnclaimableOwner marks the default owner of unclaimable dimensions.
	UnclaimableOwner = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// IsReserved reports whether id is one of the reserved owners that players
// cannot act as.
func IsReserved(id uuid.UUID) bool {
	return id == ServerOwner || id == ExpiredOwner || id == UnclaimableOwner
}

// StateKey is the identity of a claim state.
type StateKey struct {
	Owner     uuid.UUID
	Sub       int32
	Forceload bool
}

// State is the canonical, immutable claim state for one StateKey.
type State struct {
	key       StateKey
	syncIndex int32

	// regions counts region palettes currently holding this state.
	regions int
	link    linked.Link[*State]
}

func (s *State) ChainLink() *linked.Link[*State] { return &s.link }

func (s *State) Key() StateKey       { return s.key }
func (s *State) OwnerID() uuid.UUID  { return s.key.Owner }
func (s *State) SubConfig() int32    { return s.key.Sub }
func (s *State) Forceloadable() bool { return s.key.Forceload }
func (s *State) SyncIndex() int32    { return s.syncIndex }
func (s *State) Removed() bool       { return s.link.Destroyed() }
func (s *State) String() string {
	return fmt.Sprintf("%s/%d/f=%t#%d", s.key.Owner, s.key.Sub, s.key.Forceload, s.syncIndex)
}

// SameClaimType compares owner and sub config, ignoring forceload.
func SameClaimType(a, b *State) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.key.Owner == b.key.Owner && a.key.Sub == b.key.Sub
}

// StateTable deduplicates claim states and hands out sync indices. Sync
// indices are never reused for the lifetime of the table.
type StateTable struct {
	byKey  map[StateKey]*State
	bySync map[int32]*State
	next   int32
	live   linked.Chain[*State]

	onCreated func(*State)
	onRemoved func(*State)
}

func NewStateTable() *StateTable {
	return &StateTable{
		byKey:  map[StateKey]*State{},
		bySync: map[int32]*State{},
	}
}

// GetOrCreate returns the canonical state for key, creating it and firing
// the created hook if needed.
func (t *StateTable) GetOrCreate(key StateKey) *State {
	if s, ok := t.byKey[key]; ok {
		return s
	}
	s := &State{key: key, syncIndex: t.next}
	t.next++
	if _, dup := t.bySync[s.syncIndex]; dup {
		panic(fmt.Sprintf("claims: duplicate sync index %d", s.syncIndex))
	}
	t.byKey[key] = s
	t.bySync[s.syncIndex] = s
	t.live.Add(s)
	if t.onCreated != nil {
		t.onCreated(s)
	}
	return s
}

// Lookup returns the existing state for key, or nil.
func (t *StateTable) Lookup(key StateKey) *State { return t.byKey[key] }

// BySyncIndex returns nil for indices that were never issued or whose state
// was removed.
func (t *StateTable) BySyncIndex(i int32) *State { return t.bySync[i] }

// RemoveIfUnused drops s when no region palette holds it.
func (t *StateTable) RemoveIfUnused(s *State) bool {
	if s.regions != 0 || s.Removed() {
		return false
	}
	if t.byKey[s.key] != s || t.bySync[s.syncIndex] != s {
		panic(fmt.Sprintf("claims: state %s is not canonical", s))
	}
	delete(t.byKey, s.key)
	delete(t.bySync, s.syncIndex)
	t.live.Remove(s)
	if t.onRemoved != nil {
		t.onRemoved(s)
	}
	return true
}

func (t *StateTable) Len() int { return t.live.Len() }

// Iter walks live states in creation order.
func (t *StateTable) Iter() *linked.Iterator[*State] { return t.live.Iter() }

// NextSyncIndex is the index the next new state will receive.
func (t *StateTable) NextSyncIndex() int32 { return t.next }
