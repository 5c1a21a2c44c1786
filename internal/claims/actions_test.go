package claims

import (
	"math"
	"testing"
)

func newTestActions(l Limits) (*Actions, *Manager) {
	m, _ := newTestManager()
	return NewActions(m, l), m
}

func TestActions_ClaimLimits(t *testing.T) {
	a, m := newTestActions(Limits{MaxClaims: 2, MaxForceloads: 1})
	req := Request{Action: ActionClaim, Dim: "D"}
	for i, want := range []ClaimResult{ResultSuccessfulClaim, ResultSuccessfulClaim, ResultClaimLimitReached} {
		req.X = int32(i)
		if got := a.Try(ownerA, req); got != want {
			t.Fatalf("claim %d got=%s want=%s", i, got, want)
		}
	}
	req.X = 0
	if got := a.Try(ownerB, req); got != ResultAlreadyClaimed {
		t.Fatalf("foreign claim got=%s want=%s", got, ResultAlreadyClaimed)
	}
	if got := a.Try(ownerA, req); got != ResultAlreadyClaimed {
		t.Fatalf("same-sub reclaim got=%s want=%s", got, ResultAlreadyClaimed)
	}

	req.Action = ActionForceload
	if got := a.Try(ownerA, req); got != ResultSuccessfulForceload {
		t.Fatalf("forceload got=%s", got)
	}
	if got := a.Try(ownerA, req); got != ResultAlreadyForceloadable {
		t.Fatalf("forceload again got=%s", got)
	}
	req.X = 1
	if got := a.Try(ownerA, req); got != ResultForceloadLimitReached {
		t.Fatalf("forceload over limit got=%s", got)
	}
	if _, f := m.OwnerCounts(ownerA); f != 1 {
		t.Fatalf("forceloads=%d want=1", f)
	}

	// Switching sub config keeps the forceload flag.
	req = Request{Action: ActionClaim, Dim: "D", X: 0, Sub: 3}
	if got := a.Try(ownerA, req); got != ResultSuccessfulClaim {
		t.Fatalf("sub switch got=%s", got)
	}
	if s := m.Get("D", 0, 0); s.SubConfig() != 3 || !s.Forceloadable() {
		t.Fatalf("after sub switch state=%s", s)
	}

	req.Action = ActionUnforceload
	if got := a.Try(ownerB, req); got != ResultNotClaimedByUserForceload {
		t.Fatalf("foreign unforceload got=%s", got)
	}
	if got := a.Try(ownerA, req); got != ResultSuccessfulUnforceload {
		t.Fatalf("unforceload got=%s", got)
	}
	if got := a.Try(ownerA, req); got != ResultAlreadyUnforceloaded {
		t.Fatalf("unforceload again got=%s", got)
	}

	req.Action = ActionUnclaim
	if got := a.Try(ownerB, req); got != ResultNotClaimedByUser {
		t.Fatalf("foreign unclaim got=%s", got)
	}
	if got := a.Try(ownerA, req); got != ResultSuccessfulUnclaim {
		t.Fatalf("unclaim got=%s", got)
	}
}

func TestActions_Prechecks(t *testing.T) {
	a, _ := newTestActions(Limits{MaxDistance: 2, ClaimableDimensions: []string{"overworld"}})
	req := Request{Action: ActionClaim, Dim: "nether"}
	if got := a.Try(ownerA, req); got != ResultUnclaimableDimension {
		t.Fatalf("got=%s want=%s", got, ResultUnclaimableDimension)
	}
	req.Dim = "overworld"
	req.X = 3
	if got := a.Try(ownerA, req); got != ResultTooFar {
		t.Fatalf("got=%s want=%s", got, ResultTooFar)
	}
	if got := a.Try(ServerOwner, Request{Action: ActionClaim, Dim: "overworld"}); got != ResultInvalidOwner {
		t.Fatalf("reserved owner got=%s", got)
	}

	off, _ := newTestActions(Limits{Disabled: true})
	if got := off.Try(ownerA, Request{Action: ActionClaim, Dim: "overworld"}); got != ResultClaimsAreDisabled {
		t.Fatalf("got=%s want=%s", got, ResultClaimsAreDisabled)
	}
}

func TestActions_Area(t *testing.T) {
	a, m := newTestActions(Limits{MaxArea: 25, MaxClaims: 20, MaxDistance: 3})
	res := a.TryArea(ownerA, Request{Action: ActionClaim, Dim: "D", X: 0, Z: 0, X2: 5, Z2: 5})
	if len(res) != 1 || res[0].Result != ResultTooManyChunks {
		t.Fatalf("6x6 area got=%v want TOO_MANY_CHUNKS", res)
	}
	res = a.TryArea(ownerA, Request{Action: ActionClaim, Dim: "D", X: 4, Z: 4, X2: 0, Z2: 0})
	if len(res) != 25 {
		t.Fatalf("results=%d want=25", len(res))
	}
	counts := map[ClaimResult]int{}
	for _, r := range res {
		counts[r.Result]++
	}
	// Column and row 4 are out of range.
	if counts[ResultSuccessfulClaim] != 16 || counts[ResultTooFar] != 9 {
		t.Fatalf("counts=%v", counts)
	}
	if n, _ := m.OwnerCounts(ownerA); n != 16 {
		t.Fatalf("count=%d want=16", n)
	}
}

func TestActions_AreaExtremeCoordinates(t *testing.T) {
	a, m := newTestActions(Limits{MaxArea: 64, MaxClaims: 20, MaxDistance: 3})
	for _, x2 := range []int32{math.MaxInt32 - 1, math.MaxInt32} {
		res := a.TryArea(ownerA, Request{Action: ActionClaim, Dim: "D", X: math.MinInt32, X2: x2})
		if len(res) != 1 || res[0].Result != ResultTooManyChunks {
			t.Fatalf("x2=%d got=%v want TOO_MANY_CHUNKS", x2, res)
		}
	}
	res := a.TryArea(ownerA, Request{Action: ActionClaim, Dim: "D", Z: math.MinInt32, Z2: math.MaxInt32})
	if len(res) != 1 || res[0].Result != ResultTooManyChunks {
		t.Fatalf("full z span got=%v want TOO_MANY_CHUNKS", res)
	}

	// A small rectangle on the upper edge must stop at MaxInt32.
	res = a.TryArea(ownerA, Request{
		Action: ActionClaim, Dim: "D",
		X: math.MaxInt32 - 1, Z: math.MaxInt32 - 1, X2: math.MaxInt32, Z2: math.MaxInt32,
		FromX: math.MaxInt32, FromZ: math.MaxInt32,
	})
	if len(res) != 4 {
		t.Fatalf("results=%d want=4", len(res))
	}
	for _, r := range res {
		if r.Result != ResultSuccessfulClaim {
			t.Fatalf("(%d,%d) got=%s", r.X, r.Z, r.Result)
		}
	}
	if n, _ := m.OwnerCounts(ownerA); n != 4 {
		t.Fatalf("count=%d want=4", n)
	}
}

func TestActions_TooFarAcrossInt32Range(t *testing.T) {
	a, _ := newTestActions(Limits{MaxDistance: 5})
	req := Request{Action: ActionClaim, Dim: "D", X: math.MaxInt32, FromX: math.MinInt32}
	if got := a.Try(ownerA, req); got != ResultTooFar {
		t.Fatalf("got=%s want=%s", got, ResultTooFar)
	}
	req = Request{Action: ActionClaim, Dim: "D", Z: math.MinInt32, FromZ: math.MaxInt32}
	if got := a.Try(ownerA, req); got != ResultTooFar {
		t.Fatalf("z got=%s want=%s", got, ResultTooFar)
	}
}
