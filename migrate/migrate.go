// Package migrate drives batched migration of secure guest frames: unmap
// every frame, hand the batch to the secure monitor for the confidential
// content copy, then relocate host-side ownership onto the destination
// region. The host never reads the content it is moving.
package migrate

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/smavisor/gosma/frame"
	"github.com/smavisor/gosma/secmem"
	"github.com/smavisor/gosma/smc"
)

// Mode selects how aggressively a migration may block and whether it
// copies content on the host side.
type Mode int

const (
	// ModeAsync never blocks on a frame lock.
	ModeAsync Mode = iota

	// ModeSync may block on frame locks in late passes.
	ModeSync

	// ModeSyncNoCopy is ModeSync without the host-side content copy; the
	// secure monitor has already performed the authoritative transfer.
	ModeSyncNoCopy
)

func (m Mode) String() string {
	switch m {
	case ModeAsync:
		return "async"
	case ModeSync:
		return "sync"
	case ModeSyncNoCopy:
		return "sync-no-copy"
	}

	return fmt.Sprintf("mode(%d)", int(m))
}

// Reason records why a batch is being migrated.
type Reason int

const (
	ReasonCompaction Reason = iota
	ReasonReclaim
)

func (r Reason) String() string {
	switch r {
	case ReasonCompaction:
		return "compaction"
	case ReasonReclaim:
		return "reclaim"
	}

	return fmt.Sprintf("reason(%d)", int(r))
}

// maxPasses bounds both batch drivers. A batch never sweeps its working
// set more than this many times.
const maxPasses = 10

// forceAfterPass is the last conservative pass; later passes may block to
// acquire frame locks.
const forceAfterPass = 2

var (
	// ErrMigrationInFlight means another batch is already running; the
	// protocol state is process-wide and callers must serialize.
	ErrMigrationInFlight = errors.New("migration batch already in flight")

	// ErrEmptyBatch means the caller supplied no frames.
	ErrEmptyBatch = errors.New("empty migration batch")

	// ErrBatchUnsorted means the batch is not sorted by ascending PFN.
	ErrBatchUnsorted = errors.New("batch not sorted by ascending pfn")

	// ErrBatchTooLarge means the batch exceeds the monitor's IPN cap.
	ErrBatchTooLarge = errors.New("batch exceeds IPN capacity")

	// ErrNoDestFrame means the destination cache ran out of frames.
	ErrNoDestFrame = errors.New("no destination frame available")

	// ErrUnmapIncomplete reports frames still pending after the unmap
	// pass budget; no secure monitor call was made.
	ErrUnmapIncomplete = errors.New("unmap pass budget exhausted")

	// ErrMoveIncomplete reports frames left on the unmapped list after
	// the relocation pass budget; frames already moved stay moved.
	ErrMoveIncomplete = errors.New("relocation pass budget exhausted")

	// errAgain asks the batch driver to retry the frame on a later pass.
	errAgain = errors.New("retry on a later pass")
)

// InvariantError is a fatal protocol violation, raised via panic and
// never returned. It aliases frame.InvariantError so every layer of the
// protocol aborts with the same distinguished type.
type InvariantError = frame.InvariantError

// Mapper is the collaborator that tears down and restores guest mappings
// of a frame. The default implementation delegates to the frame's own
// address space.
type Mapper interface {
	// UnmapAll detaches every live mapping of f, leaving migration
	// placeholders behind and reporting each detached IPA through
	// collect. It returns false if any mapping could not be detached.
	UnmapAll(f *frame.Frame, collect func(vmID uint32, ipa uint64)) bool

	// RemoveMigrationEntries replaces the placeholders left for old with
	// live entries pointing at dst; dst == old restores the original
	// mappings after a failed unmap.
	RemoveMigrationEntries(old, dst *frame.Frame)
}

type spaceMapper struct{}

func (spaceMapper) UnmapAll(f *frame.Frame, collect func(uint32, uint64)) bool {
	sp := f.Space()
	if sp == nil {
		return true
	}

	return sp.UnmapAll(f, collect)
}

func (spaceMapper) RemoveMigrationEntries(old, dst *frame.Frame) {
	if sp := old.Space(); sp != nil {
		sp.RemoveMigrationEntries(old, dst)
	}
}

// AllocFunc allocates a destination frame for src from the cache. It
// returns nil when no frame is available, which fails the batch.
type AllocFunc func(src *frame.Frame, cache *secmem.Cache) *frame.Frame

// ReleaseFunc returns a destination frame that was not used to the cache.
type ReleaseFunc func(dst *frame.Frame, cache *secmem.Cache)

// Migrator runs migration batches against one destination cache and one
// secure monitor caller.
type Migrator struct {
	cache   *secmem.Cache
	caller  smc.Caller
	mapper  Mapper
	alloc   AllocFunc
	release ReleaseFunc
	log     *zap.Logger

	// allocContext marks a caller running in an allocation context where
	// blocking lock acquisition can deadlock against an I/O completion
	// path; such callers never block on frame locks.
	allocContext bool
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithMapper overrides the mapping-teardown collaborator.
func WithMapper(mp Mapper) Option { return func(m *Migrator) { m.mapper = mp } }

// WithLogger overrides the logger (default zap.L()).
func WithLogger(l *zap.Logger) Option { return func(m *Migrator) { m.log = l } }

// WithAlloc overrides the destination allocator.
func WithAlloc(fn AllocFunc) Option { return func(m *Migrator) { m.alloc = fn } }

// WithRelease overrides the destination release hook.
func WithRelease(fn ReleaseFunc) Option { return func(m *Migrator) { m.release = fn } }

// WithAllocContext marks the calling context as allocation-reentrant.
func WithAllocContext() Option { return func(m *Migrator) { m.allocContext = true } }

// New returns a Migrator targeting cache through caller.
func New(cache *secmem.Cache, caller smc.Caller, opts ...Option) *Migrator {
	m := &Migrator{
		cache:  cache,
		caller: caller,
		mapper: spaceMapper{},
	}

	m.alloc = func(_ *frame.Frame, c *secmem.Cache) *frame.Frame { return c.Alloc() }
	m.release = func(f *frame.Frame, c *secmem.Cache) {
		if err := c.Release(f); err != nil {
			m.log.Error("release destination frame", zap.Uint64("pfn", f.PFN()), zap.Error(err))
		}
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = zap.L()
	}

	return m
}

// inFlight is the process-wide single-batch guard. The IPN side channel
// is only meaningful for one batch at a time.
var inFlight atomic.Bool

// session is the state of one batch: the in-flight collection window, the
// secure-VM id and IPN list gathered during unmap, and the effective mode.
type session struct {
	m      *Migrator
	mode   Mode
	reason Reason

	collecting bool
	secVMID    uint32
	ipns       []uint64
}

// recordIPN is the side channel the unmap-time address-space walk feeds.
// It only accepts entries while the unmap phase is in flight.
func (s *session) recordIPN(vmID uint32, ipn uint64) {
	if !s.collecting {
		return
	}

	if s.secVMID == 0 {
		s.secVMID = vmID
	} else if s.secVMID != vmID {
		s.m.log.Error("IPN collected for a different secure VM",
			zap.Uint32("want", s.secVMID), zap.Uint32("got", vmID))
		panic(&InvariantError{Msg: "batch spans multiple secure VMs"})
	}

	if len(s.ipns) >= smc.MaxIPNs {
		panic(&InvariantError{Msg: "IPN collector overflow"})
	}

	s.ipns = append(s.ipns, ipn)
}

// fatal logs the violation and aborts the operation. See InvariantError.
func (s *session) fatal(msg string, f *frame.Frame) {
	s.m.log.Error(msg,
		zap.Uint64("pfn", f.PFN()),
		zap.Int("refs", f.Refs()),
		zap.Int("mapcount", f.MapCount()))
	panic(&InvariantError{Msg: msg, PFN: f.PFN()})
}

// Migrate runs the full batch protocol: unmap every frame, issue one
// secure monitor remap for the whole batch, then relocate host ownership
// onto the destination cache.
//
// The batch must be non-empty, sorted by ascending PFN, and no larger
// than smc.MaxIPNs. On ErrUnmapIncomplete no monitor call was made and
// the remaining frames stay pending; on ErrMoveIncomplete the frames on
// the moved list are permanently migrated and the caller inspects the
// batch to see where the rest ended up. Fatal invariant violations do not
// return: they panic with *InvariantError.
func (m *Migrator) Migrate(b *Batch, mode Mode, reason Reason) error {
	if b == nil || b.Len() == 0 {
		return ErrEmptyBatch
	}

	if b.Len() > smc.MaxIPNs {
		return fmt.Errorf("%w: %d frames, cap %d", ErrBatchTooLarge, b.Len(), smc.MaxIPNs)
	}

	for i := 1; i < len(b.frames); i++ {
		if b.frames[i-1].PFN() >= b.frames[i].PFN() {
			return fmt.Errorf("%w: index %d", ErrBatchUnsorted, i)
		}
	}

	if !inFlight.CompareAndSwap(false, true) {
		return ErrMigrationInFlight
	}
	defer inFlight.Store(false)

	// Unmapping secure frames must not be throttled by swap-writeback
	// policy; force it on and restore the caller's setting on exit.
	prevSwap := secmem.AllowSwapWrite(true)
	defer func() {
		if !prevSwap {
			secmem.AllowSwapWrite(false)
		}
	}()

	s := &session{
		m:          m,
		mode:       mode,
		reason:     reason,
		collecting: true,
		ipns:       make([]uint64, 0, smc.MaxIPNs),
	}

	m.log.Info("migration batch starting",
		zap.Int("frames", b.Len()),
		zap.Uint64("src_base_pfn", b.frames[0].PFN()),
		zap.Uint64("dst_base_pfn", m.cache.BasePFN),
		zap.Stringer("mode", mode),
		zap.Stringer("reason", reason))

	err := s.unmapFrames(b)

	// The IPN side channel is only valid during the unmap phase.
	s.collecting = false

	if err != nil {
		m.log.Error("failed to unmap batch",
			zap.Error(err), zap.Uint64s("pending_pfns", b.PendingPFNs()))

		return err
	}

	req := &smc.Request{
		SecVMID:    s.secVMID,
		Type:       smc.ReqRemapIPA,
		SrcBasePFN: b.frames[0].PFN(),
		DstBasePFN: m.cache.BasePFN,
		NrPages:    m.cache.NrFrames,
		IPNs:       s.ipns,
	}

	m.log.Info("issuing secure monitor remap",
		zap.Uint32("sec_vm_id", req.SecVMID),
		zap.Uint64("src_base_pfn", req.SrcBasePFN),
		zap.Uint64("dst_base_pfn", req.DstBasePFN),
		zap.Int("ipns", len(req.IPNs)))

	if err := m.caller.Call(req); err != nil {
		// The monitor owns the authoritative content copy; after a
		// failed trap the location of confidential content is unknown.
		m.log.Error("secure monitor remap failed", zap.Error(err))
		panic(&InvariantError{Msg: "secure monitor remap failed: " + err.Error()})
	}

	// The monitor has copied the content; the relocation phase must only
	// fix up host-side bookkeeping.
	s.mode = ModeSyncNoCopy

	if err := s.moveFrames(b); err != nil {
		m.log.Error("failed to move batch",
			zap.Error(err), zap.Uint64s("unmapped_pfns", b.UnmappedPFNs()))

		return err
	}

	m.log.Info("migration batch complete", zap.Int("moved", len(b.MovedPFNs())))

	return nil
}
