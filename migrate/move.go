package migrate

import (
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/smavisor/gosma/frame"
)

// moveFrame relocates host-side ownership of the unmapped src, whose lock
// tok still holds, onto dst. On success the token is consumed and src's
// lock is finally released; on errAgain the token stays live, dst is
// untouched and unlocked, and the driver retries with a fresh destination.
func (s *session) moveFrame(src, dst *frame.Frame, tok *lockToken) error {
	// A freshly allocated destination should have no other lockers; a
	// race here is abnormal but only fails this frame, not the batch.
	if !dst.TryLock() {
		s.m.log.Error("failed to lock destination frame",
			zap.Uint64("dst_pfn", dst.PFN()), zap.Int("refs", dst.Refs()))

		return errAgain
	}

	if src.Mapped() {
		// The unmap phase left the lock held exactly so the frame could
		// not be remapped before relocation.
		dst.Unlock()
		s.fatal("mapped source frame reached relocation", src)
	}

	s.moveContents(dst, src)

	// One reference for the caller's handle, one for the mapping we just
	// transferred. External bookkeeping may race on the handle, so a
	// mismatch is a diagnostic, not a failure.
	if n := dst.Refs(); n != 2 {
		s.m.log.Warn("unexpected destination refcount",
			zap.Uint64("dst_pfn", dst.PFN()), zap.Int("refs", n))
	}

	// Point the guest's migration placeholders at the new frame.
	s.m.mapper.RemoveMigrationEntries(src, dst)
	dst.Unlock()

	// Drop the anchor reference held since unmap, then release the
	// source lock acquired back then.
	if a := src.GetAnchor(); a != nil {
		a.Put()
	}

	tok.release()

	return nil
}

// moveContents transfers content and ownership bookkeeping from src to
// dst. In sync-no-copy mode the secure monitor has already copied the
// confidential content and only bookkeeping moves; the host-side copy
// path exists for non-secure frames with host-visible buffers.
func (s *session) moveContents(dst, src *frame.Frame) {
	if s.mode != ModeSyncNoCopy {
		if sd, dd := src.Data(), dst.Data(); sd != nil && dd != nil {
			copy(dd, sd)
		}
	}

	// The transferred mapping's reference.
	dst.Get()
}

// moveFrames sweeps the unmapped set for up to maxPasses passes,
// allocating a fresh destination for every attempt. A destination whose
// move fails is released back to the cache and never reused.
func (s *session) moveFrames(b *Batch) error {
	retry := 1

	for pass := 0; pass < maxPasses && retry > 0; pass++ {
		retry = 0

		for _, i := range setIndexes(b.unmapped) {
			runtime.Gosched()

			src := b.frames[i]

			dst := s.m.alloc(src, s.m.cache)
			if dst == nil {
				s.m.log.Error("destination cache exhausted",
					zap.Uint64("src_pfn", src.PFN()), zap.Int("refs", src.Refs()))

				return fmt.Errorf("%w: src pfn %#x", ErrNoDestFrame, src.PFN())
			}

			err := s.moveFrame(src, dst, b.tokens[i])

			switch {
			case err == nil:
				if !dst.Secure() {
					s.fatal("relocated onto a non-secure frame", dst)
				}

				b.tokens[i] = nil
				b.dests[i] = dst
				b.unmapped.Clear(i)
				b.moved.Set(i)
			case errors.Is(err, errAgain):
				retry++

				s.m.release(dst, s.m.cache)
			default:
				s.fatal("invalid move result: "+err.Error(), src)
			}
		}
	}

	if n := b.unmapped.Count(); n > 0 {
		return fmt.Errorf("%w: %d frames still unmapped", ErrMoveIncomplete, n)
	}

	return nil
}
