package migrate

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/smavisor/gosma/frame"
)

// Batch is one ordered migration batch. The frames live in a fixed arena
// and the three protocol stages are index sets over it, so a frame is in
// exactly one of pending, unmapped, or moved at any time and membership
// only moves forward.
type Batch struct {
	frames []*frame.Frame

	// tokens[i] holds the lock ownership token produced when frames[i]
	// was unmapped, consumed when it is relocated.
	tokens []*lockToken

	// dests[i] is the destination frame frames[i] was relocated onto.
	dests []*frame.Frame

	pending  *bitset.BitSet
	unmapped *bitset.BitSet
	moved    *bitset.BitSet
}

// NewBatch builds a batch over frames, all pending. The caller supplies
// frames sorted by ascending PFN with one reference held on each.
func NewBatch(frames []*frame.Frame) *Batch {
	n := uint(len(frames))

	b := &Batch{
		frames:   frames,
		tokens:   make([]*lockToken, len(frames)),
		dests:    make([]*frame.Frame, len(frames)),
		pending:  bitset.New(n),
		unmapped: bitset.New(n),
		moved:    bitset.New(n),
	}

	for i := uint(0); i < n; i++ {
		b.pending.Set(i)
	}

	return b
}

// Len returns the number of frames in the batch.
func (b *Batch) Len() int { return len(b.frames) }

// PendingPFNs returns the PFNs still awaiting unmap, in batch order.
func (b *Batch) PendingPFNs() []uint64 { return b.pfns(b.pending) }

// UnmappedPFNs returns the PFNs unmapped but not yet relocated.
func (b *Batch) UnmappedPFNs() []uint64 { return b.pfns(b.unmapped) }

// MovedPFNs returns the PFNs fully relocated, in batch order.
func (b *Batch) MovedPFNs() []uint64 { return b.pfns(b.moved) }

// Relocation is one completed source-to-destination move.
type Relocation struct {
	SrcPFN uint64
	DstPFN uint64
}

// Relocations returns the completed moves in batch order.
func (b *Batch) Relocations() []Relocation {
	var rs []Relocation

	for _, i := range setIndexes(b.moved) {
		rs = append(rs, Relocation{
			SrcPFN: b.frames[i].PFN(),
			DstPFN: b.dests[i].PFN(),
		})
	}

	return rs
}

func (b *Batch) pfns(s *bitset.BitSet) []uint64 {
	var pfns []uint64

	for _, i := range setIndexes(s) {
		pfns = append(pfns, b.frames[i].PFN())
	}

	return pfns
}

// setIndexes snapshots the set bits in ascending order so a driver pass
// can move frames between sets while iterating.
func setIndexes(s *bitset.BitSet) []uint {
	idx := make([]uint, 0, s.Count())

	for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
		idx = append(idx, i)
	}

	return idx
}

// lockToken witnesses that a frame's lock was acquired by the unmap phase
// and is still held. A frame cannot enter relocation without its token;
// releasing the token is the single point the lock is finally dropped.
type lockToken struct {
	f *frame.Frame
}

func (t *lockToken) release() { t.f.Unlock() }
