// Package compactor is the demo host-side compaction driver: it builds a
// synthetic secure guest, maps a batch of secure frames, and migrates
// them into a fresh destination region through the migrate core.
package compactor

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/smavisor/gosma/frame"
	"github.com/smavisor/gosma/migrate"
	"github.com/smavisor/gosma/secmem"
	"github.com/smavisor/gosma/smc"
)

// Config describes one demo compaction run.
type Config struct {
	VMID         uint32
	BatchFrames  int
	RegionFrames uint32
	SrcBasePFN   uint64
	DstBasePFN   uint64
	IPABase      uint64

	// DevPath is the secure monitor bridge device; empty runs against an
	// in-process loopback monitor.
	DevPath string
}

// Run performs one compaction batch and logs the outcome.
func Run(c Config) error {
	if c.BatchFrames <= 0 || uint32(c.BatchFrames) > c.RegionFrames {
		return fmt.Errorf("batch of %d frames does not fit a %d-frame region",
			c.BatchFrames, c.RegionFrames)
	}

	log := zap.L()

	caller, err := openCaller(c.DevPath)
	if err != nil {
		return err
	}

	space := frame.NewAddressSpace("secure-guest", c.VMID)
	frames := make([]*frame.Frame, 0, c.BatchFrames)

	for i := 0; i < c.BatchFrames; i++ {
		f := frame.NewSecure(c.SrcBasePFN + uint64(i))
		f.SetAnonymous(false)

		if err := space.Map(c.IPABase+uint64(i)*frame.Size, f); err != nil {
			return fmt.Errorf("map frame %#x: %w", f.PFN(), err)
		}

		frames = append(frames, f)
	}

	cache := secmem.NewCache(c.DstBasePFN, c.RegionFrames)

	log.Info("compacting secure region",
		zap.Uint32("sec_vm_id", c.VMID),
		zap.String("batch", humanize.IBytes(uint64(c.BatchFrames)*frame.Size)),
		zap.String("region", humanize.IBytes(uint64(c.RegionFrames)*frame.Size)))

	batch := migrate.NewBatch(frames)
	m := migrate.New(cache, caller)

	if err := m.Migrate(batch, migrate.ModeSync, migrate.ReasonCompaction); err != nil {
		return fmt.Errorf("migrate batch: %w", err)
	}

	for _, r := range batch.Relocations() {
		log.Debug("relocated", zap.Uint64("src_pfn", r.SrcPFN), zap.Uint64("dst_pfn", r.DstPFN))
	}

	log.Info("compaction complete",
		zap.Int("moved", len(batch.MovedPFNs())),
		zap.Int("free_dst_frames", cache.Free()))

	return nil
}

func openCaller(devPath string) (smc.Caller, error) {
	if devPath == "" {
		return &smc.Loopback{}, nil
	}

	caller, err := smc.OpenDev(devPath)
	if err != nil {
		return nil, fmt.Errorf("secure monitor bridge: %w", err)
	}

	return caller, nil
}
