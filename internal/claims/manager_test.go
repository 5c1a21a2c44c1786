package claims

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/spreadout"
)

type recorder struct {
	NopListener
	changes []CellChange
	created []*State
	removed []*State
	emptied int
}

func (r *recorder) CellChanged(c CellChange)               { r.changes = append(r.changes, c) }
func (r *recorder) StateCreated(s *State)                  { r.created = append(r.created, s) }
func (r *recorder) StateRemoved(s *State)                  { r.removed = append(r.removed, s) }
func (r *recorder) RegionEmptied(dim string, rx, rz int32) { r.emptied++ }

func newTestManager() (*Manager, *recorder) {
	m := NewManager(spreadout.Limits{PerTick: 64, PerTask: 16})
	rec := &recorder{}
	m.AddListener(rec)
	return m, rec
}

var (
	ownerA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	ownerB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	ownerC = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func TestStateTable_Dedup(t *testing.T) {
	tab := NewStateTable()
	a1 := tab.GetOrCreate(StateKey{Owner: ownerA, Sub: 0})
	a2 := tab.GetOrCreate(StateKey{Owner: ownerA, Sub: 0})
	af := tab.GetOrCreate(StateKey{Owner: ownerA, Sub: 0, Forceload: true})
	b := tab.GetOrCreate(StateKey{Owner: ownerB, Sub: 0})
	if a1 != a2 {
		t.Fatalf("GetOrCreate returned distinct instances for one key")
	}
	seen := map[int32]bool{}
	for _, s := range []*State{a1, af, b} {
		if seen[s.SyncIndex()] {
			t.Fatalf("sync index %d reused", s.SyncIndex())
		}
		seen[s.SyncIndex()] = true
		if tab.BySyncIndex(s.SyncIndex()) != s {
			t.Fatalf("reverse lookup mismatch for %s", s)
		}
	}
	if tab.BySyncIndex(99) != nil {
		t.Fatalf("lookup of never-issued index should be nil")
	}
	if !SameClaimType(a1, af) || SameClaimType(a1, b) {
		t.Fatalf("SameClaimType should ignore forceload only")
	}
}

func TestStateTable_RemovedIndexNotReused(t *testing.T) {
	tab := NewStateTable()
	a := tab.GetOrCreate(StateKey{Owner: ownerA})
	if !tab.RemoveIfUnused(a) {
		t.Fatalf("unused state not removed")
	}
	if tab.BySyncIndex(a.SyncIndex()) != nil {
		t.Fatalf("removed state still resolvable")
	}
	a2 := tab.GetOrCreate(StateKey{Owner: ownerA})
	if a2 == a || a2.SyncIndex() == a.SyncIndex() {
		t.Fatalf("recreated state reused index %d", a.SyncIndex())
	}
}

func TestManager_RoundTrip(t *testing.T) {
	m, _ := newTestManager()
	s := m.Claim("overworld", -40, 70, ownerA, 2, true)
	got := m.Get("overworld", -40, 70)
	if got != s || got.OwnerID() != ownerA || got.SubConfig() != 2 || !got.Forceloadable() {
		t.Fatalf("get=%v want=%v", got, s)
	}
	m.Unclaim("overworld", -40, 70)
	if m.Get("overworld", -40, 70) != nil {
		t.Fatalf("chunk still claimed after unclaim")
	}
}

func TestManager_Scenario(t *testing.T) {
	m, rec := newTestManager()
	sa := m.Claim("D", 0, 0, ownerA, 0, false)
	d := m.Dimension("D")
	r := d.Region(0, 0)
	if r == nil || d.RegionCount() != 1 {
		t.Fatalf("region (0,0) not created")
	}
	if r.Get(0, 0) != sa {
		t.Fatalf("cell 0 not set")
	}
	if n, _ := m.OwnerCounts(ownerA); n != 1 {
		t.Fatalf("owner A count=%d want=1", n)
	}

	sb := m.Claim("D", 0, 0, ownerB, 0, false)
	last := rec.changes[len(rec.changes)-1]
	if last.Old != sa || last.New != sb {
		t.Fatalf("delta old=%v new=%v want %v -> %v", last.Old, last.New, sa, sb)
	}
	if n, _ := m.OwnerCounts(ownerA); n != 0 {
		t.Fatalf("owner A count=%d want=0", n)
	}
	if m.Owners().Get(ownerA) != nil {
		t.Fatalf("owner A record not pruned")
	}
	if n, _ := m.OwnerCounts(ownerB); n != 1 {
		t.Fatalf("owner B count=%d want=1", n)
	}
	if r.Destroyed() {
		t.Fatalf("non-empty region destroyed")
	}
	if len(rec.removed) != 1 || rec.removed[0] != sa {
		t.Fatalf("state A should be removed once unreferenced: %v", rec.removed)
	}

	m.Unclaim("D", 0, 0)
	if !r.Destroyed() || d.Region(0, 0) != nil || d.RegionCount() != 0 {
		t.Fatalf("empty region not removed")
	}
	if !d.Regions().Done() {
		t.Fatalf("region chain not empty")
	}
	if rec.emptied != 1 {
		t.Fatalf("emptied=%d want=1", rec.emptied)
	}
}

func TestManager_IdempotentClaim(t *testing.T) {
	m, rec := newTestManager()
	m.Claim("D", 3, 3, ownerA, 0, false)
	before := len(rec.changes)
	m.Claim("D", 3, 3, ownerA, 0, false)
	if len(rec.changes) != before {
		t.Fatalf("re-claim emitted a delta")
	}
	if n, _ := m.OwnerCounts(ownerA); n != 1 {
		t.Fatalf("count=%d want=1", n)
	}
	m.Unclaim("D", 100, 100)
	if len(rec.changes) != before {
		t.Fatalf("unclaim of free chunk emitted a delta")
	}
}

func TestManager_StateCreatedBeforeCellChange(t *testing.T) {
	m := NewManager(spreadout.Limits{PerTick: 1, PerTask: 1})
	var order []string
	m.AddListener(&orderListener{order: &order})
	m.Claim("D", 0, 0, ownerA, 0, false)
	if len(order) != 2 || order[0] != "created" || order[1] != "changed" {
		t.Fatalf("order=%v want=[created changed]", order)
	}
}

type orderListener struct {
	NopListener
	order *[]string
}

func (l *orderListener) StateCreated(*State)    { *l.order = append(*l.order, "created") }
func (l *orderListener) CellChanged(CellChange) { *l.order = append(*l.order, "changed") }

func TestManager_WriteToDestroyedRegionPanics(t *testing.T) {
	m, _ := newTestManager()
	m.Claim("D", 1, 1, ownerA, 0, false)
	r := m.Dimension("D").Region(0, 0)
	m.Unclaim("D", 1, 1)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic writing to destroyed region")
		}
	}()
	r.set(1, 1, m.States().GetOrCreate(StateKey{Owner: ownerA}))
}

func TestManager_OwnerSpatialConsistencyRandomized(t *testing.T) {
	m, _ := newTestManager()
	rng := rand.New(rand.NewSource(7))
	owners := []uuid.UUID{ownerA, ownerB, ownerC}
	dims := []string{"overworld", "nether"}
	for i := 0; i < 5000; i++ {
		dim := dims[rng.Intn(len(dims))]
		x, z := int32(rng.Intn(96)-48), int32(rng.Intn(96)-48)
		if rng.Intn(3) == 0 {
			m.Unclaim(dim, x, z)
			continue
		}
		m.Claim(dim, x, z, owners[rng.Intn(len(owners))], int32(rng.Intn(2)), rng.Intn(4) == 0)
	}

	spatial := map[uuid.UUID]map[string]map[int64]*State{}
	for _, dim := range m.Dimensions() {
		for it := m.Dimension(dim).Regions(); ; {
			r, ok := it.Next()
			if !ok {
				break
			}
			if r.IsEmpty() {
				t.Fatalf("empty region %d,%d left in %s", r.X(), r.Z(), dim)
			}
			r.Each(func(x, z int32, s *State) {
				if spatial[s.OwnerID()] == nil {
					spatial[s.OwnerID()] = map[string]map[int64]*State{}
				}
				if spatial[s.OwnerID()][dim] == nil {
					spatial[s.OwnerID()][dim] = map[int64]*State{}
				}
				spatial[s.OwnerID()][dim][PackPos(x, z)] = s
			})
		}
	}

	for _, id := range owners {
		o := m.Owners().Get(id)
		want := spatial[id]
		total := 0
		for _, cells := range want {
			total += len(cells)
		}
		if o == nil {
			if total != 0 {
				t.Fatalf("owner %s missing with %d cells", id, total)
			}
			continue
		}
		if o.Count() != total {
			t.Fatalf("owner %s count=%d spatial=%d", id, o.Count(), total)
		}
		forceloads := 0
		for _, dim := range o.Dimensions() {
			for _, s := range o.States(dim) {
				for _, p := range o.Positions(dim, s) {
					if want[dim][p] != s {
						t.Fatalf("owner %s pos %d in %s indexed under %s, spatial has %v", id, p, dim, s, want[dim][p])
					}
					if s.Forceloadable() {
						forceloads++
					}
				}
			}
		}
		if o.ForceloadCount() != forceloads {
			t.Fatalf("owner %s forceloads=%d want=%d", id, o.ForceloadCount(), forceloads)
		}
	}

	for it := m.States().Iter(); ; {
		s, ok := it.Next()
		if !ok {
			break
		}
		if s.regions <= 0 {
			t.Fatalf("live state %s held by no region", s)
		}
	}
}

func TestReplaceTask_ReownsAcrossTicks(t *testing.T) {
	m, _ := newTestManager()
	for x := int32(0); x < 40; x++ {
		m.Claim("D", x, 0, ownerA, 0, false)
	}
	m.Claim("D", 0, 5, ownerA, 1, false)

	var result ReplaceResult = -1
	changed := 0
	with := StateKey{Owner: ownerB}
	m.EnqueueReplacementTask(ownerA, func(k StateKey) bool { return k.Sub == 0 }, &with, func(r ReplaceResult, n int) {
		result, changed = r, n
	})

	m.Tick()
	if n, _ := m.OwnerCounts(ownerB); n != 16 {
		t.Fatalf("after one tick owner B count=%d want=16", n)
	}
	for i := 0; i < 5; i++ {
		m.Tick()
	}
	if result != ReplaceDone || changed != 40 {
		t.Fatalf("result=%v changed=%d want DONE,40", result, changed)
	}
	if n, _ := m.OwnerCounts(ownerA); n != 1 {
		t.Fatalf("owner A count=%d want=1 (sub 1 untouched)", n)
	}
	if m.PendingReplacements(ownerA) != 0 {
		t.Fatalf("replacement queue not drained")
	}
}

func TestReplaceTask_FailsWhenReplacementMatches(t *testing.T) {
	m, _ := newTestManager()
	m.Claim("D", 0, 0, ownerA, 0, false)
	var result ReplaceResult = -1
	with := StateKey{Owner: ownerA, Forceload: true}
	m.EnqueueReplacementTask(ownerA, func(StateKey) bool { return true }, &with, func(r ReplaceResult, _ int) { result = r })
	m.Tick()
	if result != ReplaceStateMatches {
		t.Fatalf("result=%v want=%v", result, ReplaceStateMatches)
	}
}

func TestReplaceTask_UnclaimAllAndNextQueued(t *testing.T) {
	m, _ := newTestManager()
	for z := int32(0); z < 10; z++ {
		m.Claim("D", 0, z, ownerA, 0, false)
		m.Claim("N", 0, z, ownerA, 0, true)
	}
	var finished []int
	all := func(StateKey) bool { return true }
	m.EnqueueReplacementTask(ownerA, func(k StateKey) bool { return k.Forceload }, nil, func(_ ReplaceResult, n int) { finished = append(finished, n) })
	m.EnqueueReplacementTask(ownerA, all, nil, func(_ ReplaceResult, n int) { finished = append(finished, n) })
	for i := 0; i < 6; i++ {
		m.Tick()
	}
	if len(finished) != 2 || finished[0] != 10 || finished[1] != 10 {
		t.Fatalf("finished=%v want=[10 10]", finished)
	}
	if m.Owners().Get(ownerA) != nil {
		t.Fatalf("owner A still has claims")
	}
	if m.Dimension("D").RegionCount() != 0 || m.Dimension("N").RegionCount() != 0 {
		t.Fatalf("regions left after unclaiming everything")
	}
}
