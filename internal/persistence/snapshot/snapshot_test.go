package snapshot

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/spreadout"
)

var owner = uuid.MustParse("cccccccc-0000-0000-0000-000000000001")

func newManager() *claims.Manager {
	return claims.NewManager(spreadout.Limits{PerTick: 64, PerTask: 64})
}

func TestCaptureRestore_ReproducesClaims(t *testing.T) {
	src := newManager()
	src.Claim("overworld", 0, 0, owner, 0, false)
	src.Claim("overworld", -33, 70, owner, 0, false)
	src.Claim("overworld", 5, 5, owner, 3, true)
	src.Claim("nether", 1, 1, owner, 0, false)
	src.SetProperties(owner, claims.Properties{Username: "carol", Color: 0x00ff00})
	src.Touch(owner, time.Unix(1700000000, 0))

	blob, err := CaptureBlob(src, owner)
	if err != nil {
		t.Fatalf("CaptureBlob: %v", err)
	}
	if len(blob.Data) == 0 {
		t.Fatalf("empty blob for owner with claims")
	}

	dst := newManager()
	owners, chunks, err := RestoreBlobs(dst, []Blob{blob})
	if err != nil {
		t.Fatalf("RestoreBlobs: %v", err)
	}
	if owners != 1 || chunks != 4 {
		t.Fatalf("owners=%d chunks=%d want=1,4", owners, chunks)
	}
	for _, c := range []struct {
		dim  string
		x, z int32
	}{{"overworld", 0, 0}, {"overworld", -33, 70}, {"overworld", 5, 5}, {"nether", 1, 1}} {
		a, b := src.Get(c.dim, c.x, c.z), dst.Get(c.dim, c.x, c.z)
		if a == nil || b == nil || a.Key() != b.Key() {
			t.Fatalf("%s %d,%d: src=%v dst=%v", c.dim, c.x, c.z, a, b)
		}
	}
	if n, f := dst.OwnerCounts(owner); n != 4 || f != 1 {
		t.Fatalf("counts=%d,%d want=4,1", n, f)
	}
	if p, ok := dst.Properties(owner); !ok || p.Username != "carol" {
		t.Fatalf("properties not restored: %+v", p)
	}
	if seen, ok := dst.LastSeen(owner); !ok || seen.Unix() != 1700000000 {
		t.Fatalf("last seen=%v ok=%v want=1700000000", seen, ok)
	}
}

func TestEncode_EmptyOwnerIsNil(t *testing.T) {
	m := newManager()
	b, err := CaptureBlob(m, owner)
	if err != nil || b.Data != nil {
		t.Fatalf("data=%v err=%v want=nil,nil", b.Data, err)
	}
}

func TestRestoreBlobs_RejectsMismatchedOwner(t *testing.T) {
	m := newManager()
	m.Claim("overworld", 0, 0, owner, 0, false)
	blob, _ := CaptureBlob(m, owner)
	blob.Owner = uuid.NewString()
	if _, _, err := RestoreBlobs(newManager(), []Blob{blob}); err == nil {
		t.Fatalf("expected owner mismatch error")
	}
	if _, err := Decode([]byte("not zstd")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRestore_RejectsUnknownVersion(t *testing.T) {
	o := OwnerV1{Header: Header{Version: 99, Owner: owner.String()}}
	if _, err := Restore(newManager(), o); err == nil {
		t.Fatalf("expected version error")
	}
}
