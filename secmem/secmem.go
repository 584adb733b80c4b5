// Package secmem manages the pool of secure destination frames a
// migration batch relocates into, plus the process-wide swap-writeback
// policy flag the migration core overrides while it runs.
package secmem

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/smavisor/gosma/frame"
)

// RegionFrames is the fixed size of a destination region in frames:
// 2048 4K frames, an 8 MiB region.
const RegionFrames = 2048

var errNotFromCache = errors.New("frame does not belong to this cache")

// Cache is a pool of secure frames at a contiguous base PFN. It is the
// allocation target for one whole migration batch.
type Cache struct {
	BasePFN uint64

	// NrFrames is the fixed region size the secure monitor is told to
	// remap, independent of how many frames a batch actually contains.
	NrFrames uint32

	free []*frame.Frame
}

// NewCache builds a cache of nrFrames secure frames at basePFN, all free.
func NewCache(basePFN uint64, nrFrames uint32) *Cache {
	c := &Cache{
		BasePFN:  basePFN,
		NrFrames: nrFrames,
		free:     make([]*frame.Frame, 0, nrFrames),
	}

	for i := uint32(0); i < nrFrames; i++ {
		c.free = append(c.free, frame.NewSecure(basePFN+uint64(i)))
	}

	return c
}

// Alloc hands out the lowest free destination frame with one reference
// held, or nil when the cache is exhausted. A non-secure frame in the
// pool violates the secure-memory contract and panics with
// *frame.InvariantError.
func (c *Cache) Alloc() *frame.Frame {
	if len(c.free) == 0 {
		return nil
	}

	f := c.free[0]
	c.free = c.free[1:]

	if !f.Secure() {
		zap.L().Error("non-secure frame in secure destination cache",
			zap.Uint64("pfn", f.PFN()))
		panic(&frame.InvariantError{
			Msg: "non-secure frame in secure destination cache",
			PFN: f.PFN(),
		})
	}

	return f
}

// Release returns a frame handed out by Alloc back to the free pool.
func (c *Cache) Release(f *frame.Frame) error {
	if f.PFN() < c.BasePFN || f.PFN() >= c.BasePFN+uint64(c.NrFrames) {
		return errNotFromCache
	}

	c.free = append(c.free, f)

	return nil
}

// Free returns the number of frames still available.
func (c *Cache) Free() int { return len(c.free) }

// swapWrite is the process-wide "allow writes to swap-backed storage
// during reclaim" flag. Unmapping secure frames must not be throttled by
// swap-writeback policy, so the migration core forces it on for the
// duration of a batch.
var swapWrite atomic.Bool

// AllowSwapWrite sets the swap-write flag and returns its previous value
// so callers can restore it.
func AllowSwapWrite(v bool) (prev bool) {
	return swapWrite.Swap(v)
}

// SwapWriteAllowed reports the current swap-write policy.
func SwapWriteAllowed() bool { return swapWrite.Load() }
