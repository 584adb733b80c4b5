package migrate

import (
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/smavisor/gosma/frame"
)

// unmapFrame detaches every guest mapping of f. On success the frame's
// lock stays held and its ownership token is returned for the relocation
// phase; on errAgain no lock is held and the batch driver retries on a
// later pass.
func (s *session) unmapFrame(f *frame.Frame, force bool) (*lockToken, error) {
	if !f.Secure() {
		s.fatal("non-secure frame entered secure migration", f)
	}

	if !f.TryLock() {
		if !force || s.mode == ModeAsync {
			return nil, errAgain
		}

		// Blocking acquisition from an allocation context can deadlock
		// against an I/O completion path that holds this lock while
		// allocating. Such contexts never block on frame locks.
		if s.m.allocContext {
			return nil, errAgain
		}

		f.Lock()
	}

	if f.Writeback() {
		// Secure frames are never backed by reclaimable disk cache.
		s.fatal("secure frame under writeback", f)
	}

	// Hold the reverse-mapping anchor across the window where the map
	// count transiently reaches zero, so the bookkeeping stays alive
	// until relocation finishes. A nil anchor means the frame can no
	// longer be remapped while we hold its lock.
	var anchor *frame.Anchor
	if f.Anonymous() && !f.Deduplicated() {
		anchor = f.GetAnchor()
	}

	defer func() {
		if anchor != nil {
			anchor.Put()
		}
	}()

	if f.Space() == nil {
		if f.Mapped() {
			s.fatal("mapped frame without a mapping object", f)
		}

		// Nothing to unmap.
		return &lockToken{f: f}, nil
	}

	if !f.Mapped() {
		// A previous pass already detached every entry.
		return &lockToken{f: f}, nil
	}

	if f.Anonymous() && !f.Deduplicated() && anchor == nil {
		s.fatal("anonymous frame lost its anchor before unmap", f)
	}

	if s.m.mapper.UnmapAll(f, s.recordIPN) {
		return &lockToken{f: f}, nil
	}

	// Teardown failed partway: put the migration placeholders back and
	// drop the lock so a later pass can retry from a clean state. This is
	// the one failure path that releases the lock itself.
	s.m.mapper.RemoveMigrationEntries(f, f)
	f.Unlock()

	return nil, errAgain
}

// unmapFrames sweeps the pending set for up to maxPasses passes. The
// first passes never block on a frame lock; later passes escalate to
// blocking acquisition to make progress against transient contention.
func (s *session) unmapFrames(b *Batch) error {
	retry := 1

	for pass := 0; pass < maxPasses && retry > 0; pass++ {
		retry = 0

		for _, i := range setIndexes(b.pending) {
			// Long batches must not starve other runnable work.
			runtime.Gosched()

			f := b.frames[i]

			tok, err := s.unmapFrame(f, pass > forceAfterPass)

			switch {
			case err == nil:
				b.tokens[i] = tok
				b.pending.Clear(i)
				b.unmapped.Set(i)
			case errors.Is(err, errAgain):
				retry++

				if pass == maxPasses-1 {
					s.m.log.Error("unmap retries exhausted",
						zap.Uint64("pfn", f.PFN()),
						zap.Int("mapcount", f.MapCount()),
						zap.Int("pass", pass),
						zap.Int("retry", retry))
				}
			default:
				s.fatal("invalid unmap result: "+err.Error(), f)
			}
		}
	}

	if n := b.pending.Count(); n > 0 {
		return fmt.Errorf("%w: %d frames still pending", ErrUnmapIncomplete, n)
	}

	return nil
}
