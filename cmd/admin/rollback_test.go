package main

import (
	"testing"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims"
	persistlog "chunkclaims.dev/internal/persistence/log"
	"chunkclaims.dev/internal/sim/world"
	"chunkclaims.dev/internal/spreadout"
)

var (
	alice = uuid.MustParse("ffffffff-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("ffffffff-0000-0000-0000-00000000000b")
)

func TestParseRect(t *testing.T) {
	r, err := parseRect("overworld", "4,-2:-1,3")
	if err != nil {
		t.Fatalf("parseRect: %v", err)
	}
	if r.MinX != -1 || r.MaxX != 4 || r.MinZ != -2 || r.MaxZ != 3 {
		t.Fatalf("rect=%+v", r)
	}
	if !r.contains(world.AuditEntry{Dim: "overworld", X: 0, Z: 0}) || r.contains(world.AuditEntry{Dim: "nether"}) {
		t.Fatalf("contains mismatch")
	}
	if _, err := parseRect("", "1,2"); err == nil {
		t.Fatalf("expected error for a single point")
	}
}

func TestRevertRestoresEarlierOwners(t *testing.T) {
	m := claims.NewManager(spreadout.Limits{})
	// Current state after: tick 1 alice claims (0,0) forceloaded; tick 5 bob
	// takes it over; tick 6 bob claims (1,0).
	m.Claim("overworld", 0, 0, bob, 0, false)
	m.Claim("overworld", 1, 0, bob, 0, false)
	recs := []auditRec{
		{Seq: 1, Entry: world.AuditEntry{Tick: 1, Dim: "overworld", X: 0, Z: 0, To: alice.String(), Forceload: true}},
		{Seq: 2, Entry: world.AuditEntry{Tick: 5, Dim: "overworld", X: 0, Z: 0, From: alice.String(), FromForceload: true, To: bob.String()}},
		{Seq: 3, Entry: world.AuditEntry{Tick: 6, Dim: "overworld", X: 1, Z: 0, To: bob.String()}},
	}

	touched, applied, skipped := revert(m, recs[1:])
	if applied != 2 || skipped != 0 || len(touched) != 2 {
		t.Fatalf("applied=%d skipped=%d touched=%d", applied, skipped, len(touched))
	}
	s := m.Get("overworld", 0, 0)
	if s == nil || s.OwnerID() != alice || !s.Forceloadable() {
		t.Fatalf("(0,0)=%v want alice forceloaded", s)
	}
	if m.Get("overworld", 1, 0) != nil {
		t.Fatalf("(1,0) still claimed")
	}
}

func TestReadAuditFilters(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewAuditLogger(dir)
	for i, e := range []world.AuditEntry{
		{Tick: 1, Dim: "overworld", X: 0, Z: 0},
		{Tick: 2, Dim: "overworld", X: 9, Z: 9},
		{Tick: 3, Dim: "nether", X: 0, Z: 0},
		{Tick: 4, Dim: "overworld", X: 1, Z: 1},
	} {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, _ := parseRect("overworld", "0,0:2,2")
	recs, err := readAudit(dir+"/audit", 0, r)
	if err != nil {
		t.Fatalf("readAudit: %v", err)
	}
	if len(recs) != 2 || recs[0].Entry.Tick != 1 || recs[1].Entry.Tick != 4 {
		t.Fatalf("recs=%+v", recs)
	}
	recs, _ = readAudit(dir+"/audit", 2, r)
	if len(recs) != 1 {
		t.Fatalf("since filter recs=%d want=1", len(recs))
	}
}
