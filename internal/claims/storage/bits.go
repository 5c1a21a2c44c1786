package storage

import "fmt"

// Cells is the number of chunks in a region (32x32).
const Cells = 1024

// BitStorage packs Cells unsigned values of a fixed width into 64-bit words.
// A value never spans two words.
type BitStorage struct {
	bits    int
	perWord int
	mask    uint64
	words   []uint64
}

func NewBitStorage(bits int) *BitStorage {
	if bits < 1 || bits > 32 {
		panic(fmt.Sprintf("storage: invalid bit width %d", bits))
	}
	perWord := 64 / bits
	return &BitStorage{
		bits:    bits,
		perWord: perWord,
		mask:    (uint64(1) << bits) - 1,
		words:   make([]uint64, (Cells+perWord-1)/perWord),
	}
}

// WordsFor returns the word count a storage of the given width uses.
func WordsFor(bits int) int {
	perWord := 64 / bits
	return (Cells + perWord - 1) / perWord
}

func (s *BitStorage) Bits() int { return s.bits }

func (s *BitStorage) Get(i int) int {
	w := i / s.perWord
	shift := uint((i % s.perWord) * s.bits)
	return int((s.words[w] >> shift) & s.mask)
}

func (s *BitStorage) Set(i, v int) {
	if uint64(v) > s.mask {
		panic(fmt.Sprintf("storage: value %d does not fit in %d bits", v, s.bits))
	}
	w := i / s.perWord
	shift := uint((i % s.perWord) * s.bits)
	s.words[w] = s.words[w]&^(s.mask<<shift) | uint64(v)<<shift
}

// Words returns a copy of the packed data.
func (s *BitStorage) Words() []uint64 {
	out := make([]uint64, len(s.words))
	copy(out, s.words)
	return out
}

// Resize returns a storage of the new width holding the same values.
func (s *BitStorage) Resize(bits int) *BitStorage {
	n := NewBitStorage(bits)
	for i := 0; i < Cells; i++ {
		n.Set(i, s.Get(i))
	}
	return n
}

// LoadBitStorage wraps packed words produced by Words.
func LoadBitStorage(bits int, words []uint64) (*BitStorage, error) {
	if bits < 1 || bits > 32 {
		return nil, fmt.Errorf("invalid bit width %d", bits)
	}
	if len(words) != WordsFor(bits) {
		return nil, fmt.Errorf("bit width %d wants %d words, got %d", bits, WordsFor(bits), len(words))
	}
	s := NewBitStorage(bits)
	copy(s.words, words)
	return s, nil
}
