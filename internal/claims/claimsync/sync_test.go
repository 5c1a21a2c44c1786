package claimsync

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/claims/storage"
	"chunkclaims.dev/internal/protocol"
	"chunkclaims.dev/internal/spreadout"
)

type outbox struct {
	got     map[uuid.UUID][][]byte
	clogged map[uuid.UUID]bool
}

func newOutbox() *outbox {
	return &outbox{got: map[uuid.UUID][][]byte{}, clogged: map[uuid.UUID]bool{}}
}

func (o *outbox) Enqueue(id uuid.UUID, b []byte) bool {
	o.got[id] = append(o.got[id], b)
	return true
}

func (o *outbox) IsClogged(id uuid.UUID) bool { return o.clogged[id] }

func (o *outbox) types(id uuid.UUID) []string {
	var out []string
	for _, b := range o.got[id] {
		base, _ := protocol.DecodeBase(b)
		out = append(out, base.Type)
	}
	return out
}

func (o *outbox) count(id uuid.UUID, typ string) int {
	n := 0
	for _, t := range o.types(id) {
		if t == typ {
			n++
		}
	}
	return n
}

var (
	alice = uuid.MustParse("bbbbbbbb-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("bbbbbbbb-0000-0000-0000-00000000000b")
)

func newTestSync(mode Mode) (*claims.Manager, *Synchronizer, *outbox) {
	m := claims.NewManager(spreadout.Limits{PerTick: 1024, PerTask: 256})
	out := newOutbox()
	s := New(Config{Mode: mode, RegionsPerTick: 1024, RegionsPerTickPerPlayer: 16},
		m, claims.Limits{MaxClaims: 500, MaxForceloads: 10, MaxDistance: 5}, out, nil)
	return m, s, out
}

func tickUntilSynced(t *testing.T, s *Synchronizer, id uuid.UUID) {
	t.Helper()
	for i := 0; i < 1000 && s.Syncing(id); i++ {
		s.Tick()
	}
	if s.Syncing(id) {
		t.Fatalf("sync of %s did not finish", id)
	}
}

// view replays a player's message stream into a chunk -> owner map, the
// way a client would.
type view struct {
	states map[int32]protocol.StateEntry
	cells  map[string]map[[2]int32]string
	dim    string
}

func replay(t *testing.T, msgs [][]byte) *view {
	t.Helper()
	v := &view{states: map[int32]protocol.StateEntry{}, cells: map[string]map[[2]int32]string{}}
	for _, b := range msgs {
		base, _ := protocol.DecodeBase(b)
		switch base.Type {
		case protocol.TypeClaimStates:
			var m protocol.ClaimStatesMsg
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("states: %v", err)
			}
			for _, e := range m.States {
				v.states[e.SyncIndex] = e
			}
		case protocol.TypeRemoveClaimState:
			var m protocol.RemoveClaimStateMsg
			_ = json.Unmarshal(b, &m)
			delete(v.states, m.SyncIndex)
		case protocol.TypeDimension:
			var m protocol.DimensionMsg
			_ = json.Unmarshal(b, &m)
			v.dim = m.Dim
		case protocol.TypeClaimRegion:
			m, words, err := protocol.DecodeRegion(b)
			if err != nil {
				t.Fatalf("region: %v", err)
			}
			bs, err := storage.LoadBitStorage(m.Bits, words)
			if err != nil {
				t.Fatalf("region words: %v", err)
			}
			for x := 0; x < 32; x++ {
				for z := 0; z < 32; z++ {
					slot := bs.Get(storage.CellIndex(x, z))
					if slot == 0 {
						continue
					}
					e, ok := v.states[m.Palette[slot-1]]
					if !ok {
						t.Fatalf("region references unknown sync index %d", m.Palette[slot-1])
					}
					v.set(v.dim, m.X*32+int32(x), m.Z*32+int32(z), e.PlayerID)
				}
			}
		case protocol.TypeClaimUpdate:
			var m protocol.ClaimUpdateMsg
			_ = json.Unmarshal(b, &m)
			v.set(m.Dim, m.X, m.Z, m.PlayerID)
		}
	}
	return v
}

func (v *view) set(dim string, x, z int32, owner string) {
	if v.cells[dim] == nil {
		v.cells[dim] = map[[2]int32]string{}
	}
	if owner == "" {
		delete(v.cells[dim], [2]int32{x, z})
		return
	}
	v.cells[dim][[2]int32{x, z}] = owner
}

func (v *view) owner(dim string, x, z int32) string { return v.cells[dim][[2]int32{x, z}] }

func TestSync_LoginSnapshotAll(t *testing.T) {
	m, s, out := newTestSync(ModeAll)
	m.Claim("overworld", 0, 0, bob, 0, false)
	m.Claim("overworld", 100, -40, bob, 1, false)
	m.Claim("nether", 5, 5, claims.ServerOwner, 0, true)
	m.SetProperties(bob, claims.Properties{Username: "bob", Color: 7})

	s.Join(alice)
	tickUntilSynced(t, s, alice)

	types := out.types(alice)
	if types[0] != protocol.TypeLoading || types[len(types)-1] != protocol.TypeLoading {
		t.Fatalf("stream not bracketed by LOADING: %v", types)
	}
	if n := out.count(alice, protocol.TypeDimension); n != 2 {
		t.Fatalf("dimension prefixes=%d want=2", n)
	}
	v := replay(t, out.got[alice])
	if v.owner("overworld", 100, -40) != bob.String() || v.owner("nether", 5, 5) != claims.ServerOwner.String() {
		t.Fatalf("snapshot mismatch: %v", v.cells)
	}
	if len(v.cells["overworld"]) != 2 {
		t.Fatalf("overworld cells=%d want=2", len(v.cells["overworld"]))
	}
}

func TestSync_DeltasKeepViewConsistent(t *testing.T) {
	m, s, out := newTestSync(ModeAll)
	s.Join(alice)
	tickUntilSynced(t, s, alice)

	m.Claim("overworld", 1, 1, bob, 0, false)
	m.Claim("overworld", 1, 2, bob, 0, false)
	m.Claim("overworld", 1, 1, alice, 0, false)
	m.Unclaim("overworld", 1, 2)
	m.Claim("overworld", 3, 3, bob, 2, true)

	v := replay(t, out.got[alice])
	if v.owner("overworld", 1, 1) != alice.String() || v.owner("overworld", 1, 2) != "" || v.owner("overworld", 3, 3) != bob.String() {
		t.Fatalf("view diverged: %v", v.cells["overworld"])
	}
	// the first state announcement precedes the first delta using it.
	types := out.types(alice)
	var sawStates bool
	for _, typ := range types {
		if typ == protocol.TypeClaimStates {
			sawStates = true
		}
		if typ == protocol.TypeClaimUpdate && !sawStates {
			t.Fatalf("update before state announcement: %v", types)
		}
	}
}

func TestSync_OwnedOnlyFiltersSnapshotAndDeltas(t *testing.T) {
	m, s, out := newTestSync(ModeOwnedOnly)
	m.Claim("overworld", 0, 0, alice, 0, false)
	m.Claim("overworld", 1, 0, bob, 0, false)
	m.Claim("overworld", 200, 200, bob, 0, false)
	m.Claim("overworld", 2, 0, claims.ServerOwner, 0, false)

	s.Join(alice)
	tickUntilSynced(t, s, alice)
	v := replay(t, out.got[alice])
	if v.owner("overworld", 0, 0) != alice.String() || v.owner("overworld", 2, 0) != claims.ServerOwner.String() {
		t.Fatalf("own or server claims missing: %v", v.cells)
	}
	if v.owner("overworld", 1, 0) != "" || v.owner("overworld", 200, 200) != "" {
		t.Fatalf("foreign claims leaked: %v", v.cells)
	}
	if n := out.count(alice, protocol.TypeClaimRegion); n != 1 {
		t.Fatalf("regions=%d want=1", n)
	}

	before := len(out.got[alice])
	m.Claim("overworld", 50, 50, bob, 0, false)
	if len(out.got[alice]) != before {
		t.Fatalf("alice told about bob's new claim")
	}
	m.Claim("overworld", 0, 0, bob, 0, false)
	v = replay(t, out.got[alice])
	if v.owner("overworld", 0, 0) != "" {
		t.Fatalf("alice still sees lost chunk")
	}
	for _, b := range out.got[alice][before:] {
		var u protocol.ClaimUpdateMsg
		if json.Unmarshal(b, &u) == nil && u.Type == protocol.TypeClaimUpdate && u.PlayerID != "" {
			t.Fatalf("removal leaked new owner %s", u.PlayerID)
		}
	}
}

func TestSync_DisabledSendsOnlyOwnData(t *testing.T) {
	m, s, out := newTestSync(ModeDisabled)
	m.Claim("overworld", 0, 0, bob, 0, false)
	m.SetProperties(bob, claims.Properties{Username: "bob"})
	m.SetProperties(alice, claims.Properties{Username: "alice"})
	s.Join(alice)
	tickUntilSynced(t, s, alice)

	for _, typ := range []string{protocol.TypeClaimStates, protocol.TypeClaimRegion, protocol.TypeClaimUpdate} {
		if n := out.count(alice, typ); n != 0 {
			t.Fatalf("%s sent %d times in disabled mode", typ, n)
		}
	}
	if n := out.count(alice, protocol.TypeClaimProperties); n != 1 {
		t.Fatalf("properties=%d want=1", n)
	}
	m.Claim("overworld", 9, 9, alice, 0, false)
	s.Tick()
	if n := out.count(alice, protocol.TypeClaimLimits); n != 2 {
		t.Fatalf("limits=%d want=2 after own claim", n)
	}
}

func TestSync_PerPlayerBudgetAndClog(t *testing.T) {
	m, s, out := newTestSync(ModeAll)
	s.cfg.RegionsPerTickPerPlayer = 2
	s.tasks.SetLimits(spreadout.Limits{PerTick: 1024, PerTask: 2})
	for i := int32(0); i < 6; i++ {
		m.Claim("overworld", i*32, 0, bob, 0, false)
	}
	s.Join(alice)
	s.Tick() // properties
	s.Tick() // states
	s.Tick()
	if n := out.count(alice, protocol.TypeClaimRegion); n != 2 {
		t.Fatalf("regions after first region tick=%d want=2", n)
	}
	out.clogged[alice] = true
	s.Tick()
	s.Tick()
	if n := out.count(alice, protocol.TypeClaimRegion); n != 2 {
		t.Fatalf("clogged player received %d regions", n)
	}
	out.clogged[alice] = false
	tickUntilSynced(t, s, alice)
	if n := out.count(alice, protocol.TypeClaimRegion); n != 6 {
		t.Fatalf("regions=%d want=6", n)
	}
}

func TestSync_DropCancelsAndResyncRestarts(t *testing.T) {
	m, s, out := newTestSync(ModeAll)
	for i := int32(0); i < 40; i++ {
		m.Claim("overworld", i*32, 0, bob, 0, false)
	}
	s.Join(alice)
	s.Tick()
	s.OnLazyPacketsDropped(alice, 1000)
	if s.Syncing(alice) || s.tasks.Pending(alice) != 0 {
		t.Fatalf("drop did not cancel sync")
	}
	out.got[alice] = nil
	s.Resync(alice)
	tickUntilSynced(t, s, alice)
	v := replay(t, out.got[alice])
	if len(v.cells["overworld"]) != 40 {
		t.Fatalf("resync cells=%d want=40", len(v.cells["overworld"]))
	}
}

func TestSync_LeaveStopsDelivery(t *testing.T) {
	m, s, out := newTestSync(ModeAll)
	s.Join(alice)
	tickUntilSynced(t, s, alice)
	s.Leave(alice)
	n := len(out.got[alice])
	m.Claim("overworld", 0, 0, bob, 0, false)
	s.Tick()
	if len(out.got[alice]) != n || s.Online(alice) {
		t.Fatalf("departed player still receives updates")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"all": ModeAll, "OWNED_ONLY": ModeOwnedOnly, "disabled": ModeDisabled, "": ModeAll} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q)=%s,%v want=%s", in, got, err, want)
		}
	}
	if _, err := ParseMode("some"); err == nil {
		t.Fatalf("expected error")
	}
}
