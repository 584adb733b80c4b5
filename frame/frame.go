// Package frame models host-side bookkeeping for physical memory frames
// owned by a secure guest: the per-frame lock and reference counts, the
// reverse-mapping anchor, and the guest address space a frame is mapped
// into.
package frame

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Size is the frame size in bytes. Only 4K frames are supported.
const Size = 4096

// Frame is one physical memory frame. The zero value is not usable;
// construct frames with New or NewSecure.
type Frame struct {
	pfn    uint64
	secure bool

	// mu is the frame lock. It is held transiently per migration phase:
	// the unmap phase acquires it and, on success, hands it to the
	// relocation phase, which releases it.
	mu sync.Mutex

	refs     atomic.Int32
	mapCount atomic.Int32

	writeback atomic.Bool

	anon  bool
	dedup bool

	// space is the address space this frame is mapped into, nil if the
	// frame has no mapping object.
	space *AddressSpace

	// anchor keeps the reverse-mapping bookkeeping alive while the map
	// count transiently drops to zero. Present only for anonymous,
	// non-deduplicated frames.
	anchor *Anchor

	// data is the host-visible content buffer. Secure frames leave it
	// nil: their content is never host-readable.
	data []byte
}

// New returns a non-secure frame with a single reference held.
func New(pfn uint64) *Frame {
	f := &Frame{pfn: pfn}
	f.refs.Store(1)

	return f
}

// NewSecure returns a secure-tagged frame with a single reference held.
func NewSecure(pfn uint64) *Frame {
	f := New(pfn)
	f.secure = true

	return f
}

// PFN returns the frame's physical frame number.
func (f *Frame) PFN() uint64 { return f.pfn }

// Secure reports whether the frame carries the secure-memory tag.
func (f *Frame) Secure() bool { return f.secure }

// TryLock acquires the frame lock without blocking.
func (f *Frame) TryLock() bool { return f.mu.TryLock() }

// Lock acquires the frame lock, blocking until it is available.
func (f *Frame) Lock() { f.mu.Lock() }

// Unlock releases the frame lock.
func (f *Frame) Unlock() { f.mu.Unlock() }

// Refs returns the current reference count.
func (f *Frame) Refs() int { return int(f.refs.Load()) }

// Get takes a reference.
func (f *Frame) Get() { f.refs.Add(1) }

// Put drops a reference.
func (f *Frame) Put() { f.refs.Add(-1) }

// MapCount returns the number of live address-space entries for the frame.
func (f *Frame) MapCount() int { return int(f.mapCount.Load()) }

// Mapped reports whether any live entry still maps the frame.
func (f *Frame) Mapped() bool { return f.mapCount.Load() > 0 }

// Space returns the frame's mapping object, nil if it has none.
func (f *Frame) Space() *AddressSpace { return f.space }

// Writeback reports whether the frame is under writeback to a backing
// store. Secure frames must never be.
func (f *Frame) Writeback() bool { return f.writeback.Load() }

// SetWriteback flags the frame as under writeback.
func (f *Frame) SetWriteback(v bool) { f.writeback.Store(v) }

// Anonymous reports whether the frame backs anonymous guest memory.
func (f *Frame) Anonymous() bool { return f.anon }

// Deduplicated reports whether the frame is a content-deduplicated page.
func (f *Frame) Deduplicated() bool { return f.dedup }

// SetAnonymous attaches a reverse-mapping anchor and marks the frame
// anonymous. Deduplicated anonymous frames carry no anchor.
func (f *Frame) SetAnonymous(dedup bool) {
	f.anon = true
	f.dedup = dedup

	if !dedup {
		f.anchor = newAnchor()
	}
}

// GetAnchor returns the frame's reverse-mapping anchor with a reference
// taken, or nil if the frame has no live anchor. A nil result means the
// frame can no longer be remapped while its lock is held.
func (f *Frame) GetAnchor() *Anchor {
	if f.anchor == nil {
		return nil
	}

	return f.anchor.get()
}

// AttachData gives the frame a host-visible content buffer of Size bytes.
// Only meaningful for non-secure frames.
func (f *Frame) AttachData(b []byte) { f.data = b }

// Data returns the frame's host-visible content buffer, nil for secure
// frames.
func (f *Frame) Data() []byte { return f.data }

// Anchor is a reference-counted reverse-mapping anchor. It outlives the
// window in which a frame's map count transiently reaches zero.
type Anchor struct {
	refs atomic.Int32
}

func newAnchor() *Anchor {
	a := &Anchor{}
	a.refs.Store(1)

	return a
}

// get takes a reference, returning nil if the anchor is already dead.
func (a *Anchor) get() *Anchor {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return nil
		}

		if a.refs.CompareAndSwap(n, n+1) {
			return a
		}
	}
}

// Put drops a reference.
func (a *Anchor) Put() { a.refs.Add(-1) }

// Refs returns the current anchor reference count.
func (a *Anchor) Refs() int { return int(a.refs.Load()) }

// InvariantError is a protocol invariant violation: a state the design
// asserts cannot occur with correct callers and collaborators. It is
// raised via panic, never returned, and callers are expected not to
// recover it; continuing would risk silently corrupting or leaking
// confidential memory, which is worse than a crash.
type InvariantError struct {
	Msg string
	PFN uint64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("migration invariant violated: %s (pfn %#x)", e.Msg, e.PFN)
}
