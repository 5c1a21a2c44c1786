// Package storage holds the packed per-region cell storage.
package storage

import (
	"fmt"
	"math/bits"
)

// MaxBits is wide enough for a palette holding every cell plus the empty slot.
const MaxBits = 11

// Listener observes values entering and leaving a palette.
type Listener[V comparable] interface {
	PaletteAdded(v V)
	PaletteRemoved(v V)
}

type entry[V comparable] struct {
	value V
	total int
	// columns counts the cells per x column that reference this entry.
	columns [32]uint16
	minX    int
	maxX    int
}

func (e *entry[V]) inc(x int) {
	if e.total == 0 || x < e.minX {
		e.minX = x
	}
	if e.total == 0 || x > e.maxX {
		e.maxX = x
	}
	e.columns[x]++
	e.total++
}

func (e *entry[V]) dec(x int) {
	if e.columns[x] == 0 {
		panic("storage: palette column count underflow")
	}
	e.columns[x]--
	e.total--
	if e.total == 0 {
		return
	}
	for e.columns[e.minX] == 0 {
		e.minX++
	}
	for e.columns[e.maxX] == 0 {
		e.maxX--
	}
}

// Palette maps the 32x32 cells of a region to values through a small palette
// of distinct values. Slot 0 is the zero value of V and means "empty". The bit
// width grows as the palette grows and never shrinks.
type Palette[V comparable] struct {
	entries  []*entry[V]
	index    map[V]int
	data     *BitStorage
	listener Listener[V]
}

// NewPalette returns an all-empty palette storage. listener may be nil.
func NewPalette[V comparable](listener Listener[V]) *Palette[V] {
	return &Palette[V]{
		entries:  []*entry[V]{{}},
		index:    map[V]int{},
		data:     NewBitStorage(neededBits(1)),
		listener: listener,
	}
}

// CellIndex is the packed local index of a cell.
func CellIndex(x, z int) int { return (x&31)<<5 | z&31 }

// neededBits returns the width for a palette of n entries. Widths below
// MaxBits are kept even so that growth re-packs less often.
func neededBits(n int) int {
	b := bits.Len(uint(n - 1))
	if b < 1 {
		b = 1
	}
	if b < MaxBits && b%2 == 1 {
		b++
	}
	return b
}

func (p *Palette[V]) Get(x, z int) V {
	return p.entries[p.data.Get(CellIndex(x, z))].value
}

// Set stores v in the cell, returning the previous value.
func (p *Palette[V]) Set(x, z int, v V) V {
	x, z = x&31, z&31
	i := CellIndex(x, z)
	cur := p.data.Get(i)
	old := p.entries[cur].value
	if old == v {
		return old
	}
	var zero V
	idx := 0
	if v != zero {
		idx = p.add(v)
		p.entries[idx].inc(x)
	}
	p.data.Set(i, idx)
	if cur != 0 {
		e := p.entries[cur]
		e.dec(x)
		if e.total == 0 {
			p.remove(cur)
		}
	}
	return old
}

func (p *Palette[V]) add(v V) int {
	if idx, ok := p.index[v]; ok {
		return idx
	}
	idx := len(p.entries)
	p.entries = append(p.entries, &entry[V]{value: v})
	p.index[v] = idx
	if need := neededBits(len(p.entries)); need > p.data.Bits() {
		p.data = p.data.Resize(need)
	}
	if p.listener != nil {
		p.listener.PaletteAdded(v)
	}
	return idx
}

// remove drops an unreferenced palette entry and shifts the cells that point
// past it. Only columns used by higher entries are visited.
func (p *Palette[V]) remove(idx int) {
	e := p.entries[idx]
	if e.total != 0 {
		panic(fmt.Sprintf("storage: removing palette entry %d still referenced by %d cells", idx, e.total))
	}
	minX, maxX := 32, -1
	for _, h := range p.entries[idx+1:] {
		if h.minX < minX {
			minX = h.minX
		}
		if h.maxX > maxX {
			maxX = h.maxX
		}
	}
	for x := minX; x <= maxX; x++ {
		for z := 0; z < 32; z++ {
			i := CellIndex(x, z)
			if c := p.data.Get(i); c > idx {
				p.data.Set(i, c-1)
			}
		}
	}
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	delete(p.index, e.value)
	for i := idx; i < len(p.entries); i++ {
		p.index[p.entries[i].value] = i
	}
	if p.listener != nil {
		p.listener.PaletteRemoved(e.value)
	}
}

// IsEmpty is true iff every cell is empty.
func (p *Palette[V]) IsEmpty() bool { return len(p.entries) <= 1 }

func (p *Palette[V]) Bits() int { return p.data.Bits() }

// Len is the number of distinct non-empty values present.
func (p *Palette[V]) Len() int { return len(p.entries) - 1 }

// Values returns the non-empty palette in slot order; Values()[i] is slot i+1.
func (p *Palette[V]) Values() []V {
	out := make([]V, 0, len(p.entries)-1)
	for _, e := range p.entries[1:] {
		out = append(out, e.value)
	}
	return out
}

func (p *Palette[V]) Contains(v V) bool {
	_, ok := p.index[v]
	return ok
}

// Count returns how many cells hold v.
func (p *Palette[V]) Count(v V) int {
	idx, ok := p.index[v]
	if !ok {
		return 0
	}
	return p.entries[idx].total
}

// Words returns a copy of the packed slot indices.
func (p *Palette[V]) Words() []uint64 { return p.data.Words() }

// Filter builds a detached copy holding only the cells whose value passes
// keep. The copy has no listener.
func (p *Palette[V]) Filter(keep func(V) bool) *Palette[V] {
	out := NewPalette[V](nil)
	var zero V
	for x := 0; x < 32; x++ {
		for z := 0; z < 32; z++ {
			if v := p.Get(x, z); v != zero && keep(v) {
				out.Set(x, z, v)
			}
		}
	}
	return out
}

// Each calls fn for every non-empty cell.
func (p *Palette[V]) Each(fn func(x, z int, v V)) {
	if p.IsEmpty() {
		return
	}
	for x := 0; x < 32; x++ {
		for z := 0; z < 32; z++ {
			if c := p.data.Get(CellIndex(x, z)); c != 0 {
				fn(x, z, p.entries[c].value)
			}
		}
	}
}
