package claims

import (
	"fmt"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims/linked"
	"chunkclaims.dev/internal/claims/storage"
)

// PackPos packs two int32 coordinates into one key, x in the high half.
func PackPos(x, z int32) int64 { return int64(x)<<32 | int64(uint32(z)) }

// UnpackPos reverses PackPos.
func UnpackPos(p int64) (x, z int32) { return int32(p >> 32), int32(p) }

// Region holds the 32x32 chunk claims at (X, Z) in region coordinates.
type Region struct {
	dim       *Dimension
	x, z      int32
	cells     *storage.Palette[*State]
	owners    map[uuid.UUID]int
	destroyed bool
	link      linked.Link[*Region]
}

func (r *Region) ChainLink() *linked.Link[*Region] { return &r.link }

func (r *Region) X() int32               { return r.x }
func (r *Region) Z() int32               { return r.z }
func (r *Region) Dimension() string      { return r.dim.id }
func (r *Region) Destroyed() bool        { return r.destroyed }
func (r *Region) IsEmpty() bool          { return r.cells.IsEmpty() }
func (r *Region) Bits() int              { return r.cells.Bits() }
func (r *Region) Palette() []*State      { return r.cells.Values() }
func (r *Region) Words() []uint64        { return r.cells.Words() }
func (r *Region) Contains(s *State) bool { return r.cells.Contains(s) }

// ContainsOwner reports whether any cell is held by a state of owner.
func (r *Region) ContainsOwner(owner uuid.UUID) bool { return r.owners[owner] > 0 }

// Get reads the state of a chunk given in local (0..31) coordinates.
func (r *Region) Get(lx, lz int) *State { return r.cells.Get(lx, lz) }

// Filter returns a detached copy with only the states accepted by keep.
func (r *Region) Filter(keep func(*State) bool) *storage.Palette[*State] {
	return r.cells.Filter(keep)
}

// Each visits every claimed chunk with world chunk coordinates.
func (r *Region) Each(fn func(x, z int32, s *State)) {
	r.cells.Each(func(lx, lz int, s *State) {
		fn(r.x<<5|int32(lx), r.z<<5|int32(lz), s)
	})
}

// PaletteAdded tracks per-owner state counts and the global region reference
// count of each state.
func (r *Region) PaletteAdded(s *State) {
	s.regions++
	r.owners[s.key.Owner]++
}

func (r *Region) PaletteRemoved(s *State) {
	s.regions--
	if s.regions < 0 {
		panic(fmt.Sprintf("claims: negative region count for %s", s))
	}
	if r.owners[s.key.Owner]--; r.owners[s.key.Owner] == 0 {
		delete(r.owners, s.key.Owner)
	}
	r.dim.m.pendingRemoval = append(r.dim.m.pendingRemoval, s)
}

func (r *Region) set(lx, lz int, s *State) *State {
	if r.destroyed {
		panic(fmt.Sprintf("claims: write to destroyed region %s:%d,%d", r.dim.id, r.x, r.z))
	}
	return r.cells.Set(lx, lz, s)
}

// Dimension is a sparse grid of regions.
type Dimension struct {
	m       *Manager
	id      string
	regions map[int64]*Region
	live    linked.Chain[*Region]
}

func newDimension(m *Manager, id string) *Dimension {
	return &Dimension{m: m, id: id, regions: map[int64]*Region{}}
}

func (d *Dimension) ID() string { return d.id }

// Region returns the region at region coordinates, or nil.
func (d *Dimension) Region(rx, rz int32) *Region { return d.regions[PackPos(rx, rz)] }

func (d *Dimension) RegionCount() int { return d.live.Len() }

// Regions walks live regions; the iterator tolerates regions being created
// and destroyed between calls.
func (d *Dimension) Regions() *linked.Iterator[*Region] { return d.live.Iter() }

func (d *Dimension) ensureRegion(rx, rz int32) *Region {
	key := PackPos(rx, rz)
	if r := d.regions[key]; r != nil {
		return r
	}
	r := &Region{dim: d, x: rx, z: rz, owners: map[uuid.UUID]int{}}
	r.cells = storage.NewPalette[*State](r)
	d.regions[key] = r
	d.live.Add(r)
	return r
}

func (d *Dimension) removeRegion(r *Region) {
	key := PackPos(r.x, r.z)
	if d.regions[key] != r {
		panic(fmt.Sprintf("claims: region %s:%d,%d is not registered under its coordinates", d.id, r.x, r.z))
	}
	delete(d.regions, key)
	d.live.Remove(r)
	r.destroyed = true
}
