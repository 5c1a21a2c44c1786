package claims

import (
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims/linked"
)

// Owner aggregates the chunk positions one owner holds, grouped by dimension
// and claim state.
type Owner struct {
	id         uuid.UUID
	dims       map[string]map[*State]*posList
	count      int
	forceloads int
	link       linked.Link[*Owner]
}

func (o *Owner) ChainLink() *linked.Link[*Owner] { return &o.link }

func (o *Owner) ID() uuid.UUID       { return o.id }
func (o *Owner) Count() int          { return o.count }
func (o *Owner) ForceloadCount() int { return o.forceloads }

// Dimensions lists the dimensions the owner has claims in, sorted.
func (o *Owner) Dimensions() []string {
	out := make([]string, 0, len(o.dims))
	for d := range o.dims {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// States lists the owner's states in one dimension, by sync index.
func (o *Owner) States(dim string) []*State {
	lists := o.dims[dim]
	out := make([]*State, 0, len(lists))
	for s := range lists {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].syncIndex < out[j].syncIndex })
	return out
}

// Positions returns a copy of the packed positions held under s in dim.
func (o *Owner) Positions(dim string, s *State) []int64 {
	l := o.dims[dim][s]
	if l == nil {
		return nil
	}
	return slices.Clone(l.positions)
}

// posList is a sorted set of packed chunk positions.
type posList struct {
	positions []int64
}

func (l *posList) add(p int64) bool {
	i, found := slices.BinarySearch(l.positions, p)
	if found {
		return false
	}
	l.positions = slices.Insert(l.positions, i, p)
	return true
}

func (l *posList) remove(p int64) bool {
	i, found := slices.BinarySearch(l.positions, p)
	if !found {
		return false
	}
	l.positions = slices.Delete(l.positions, i, i+1)
	return true
}

// OwnerIndex maps owner ids to their claim aggregates. Empty owners are
// pruned.
type OwnerIndex struct {
	owners map[uuid.UUID]*Owner
	live   linked.Chain[*Owner]
}

func newOwnerIndex() *OwnerIndex {
	return &OwnerIndex{owners: map[uuid.UUID]*Owner{}}
}

func (x *OwnerIndex) Get(id uuid.UUID) *Owner { return x.owners[id] }

func (x *OwnerIndex) Len() int { return x.live.Len() }

// Iter walks owners in the order they first claimed.
func (x *OwnerIndex) Iter() *linked.Iterator[*Owner] { return x.live.Iter() }

func (x *OwnerIndex) Count(id uuid.UUID) int {
	if o := x.owners[id]; o != nil {
		return o.count
	}
	return 0
}

func (x *OwnerIndex) ForceloadCount(id uuid.UUID) int {
	if o := x.owners[id]; o != nil {
		return o.forceloads
	}
	return 0
}

func (x *OwnerIndex) recordClaim(dim string, s *State, pos int64) {
	o := x.owners[s.key.Owner]
	if o == nil {
		o = &Owner{id: s.key.Owner, dims: map[string]map[*State]*posList{}}
		x.owners[o.id] = o
		x.live.Add(o)
	}
	lists := o.dims[dim]
	if lists == nil {
		lists = map[*State]*posList{}
		o.dims[dim] = lists
	}
	for other, l := range lists {
		if _, found := slices.BinarySearch(l.positions, pos); found && other != s {
			panic(fmt.Sprintf("claims: %s:%d already indexed under %s", dim, pos, other))
		}
	}
	l := lists[s]
	if l == nil {
		l = &posList{}
		lists[s] = l
	}
	if !l.add(pos) {
		panic(fmt.Sprintf("claims: %s:%d already indexed under %s", dim, pos, s))
	}
	o.count++
	if s.key.Forceload {
		o.forceloads++
	}
}

// recordUnclaim removes pos from the owner of s and reports whether it was
// forceloadable.
func (x *OwnerIndex) recordUnclaim(dim string, s *State, pos int64) bool {
	o := x.owners[s.key.Owner]
	var l *posList
	if o != nil {
		l = o.dims[dim][s]
	}
	if l == nil || !l.remove(pos) {
		panic(fmt.Sprintf("claims: owner index lost %s:%d under %s", dim, pos, s))
	}
	if len(l.positions) == 0 {
		delete(o.dims[dim], s)
		if len(o.dims[dim]) == 0 {
			delete(o.dims, dim)
		}
	}
	o.count--
	if s.key.Forceload {
		o.forceloads--
	}
	if o.count == 0 {
		delete(x.owners, o.id)
		x.live.Remove(o)
	}
	return s.key.Forceload
}
