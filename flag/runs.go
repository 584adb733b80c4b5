package flag

import (
	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/smavisor/gosma/compactor"
	"github.com/smavisor/gosma/frame"
	"github.com/smavisor/gosma/probe"
)

// CLI is the gosma command line.
type CLI struct {
	Migrate MigrateCMD `cmd:"" help:"Run one secure-frame migration batch."`
	Probe   ProbeCMD   `cmd:"" help:"Probe the secure monitor bridge device."`
}

// MigrateCMD runs one compaction-driven migration batch.
type MigrateCMD struct {
	VMID    uint32 `name:"vmid" default:"1" help:"Secure VM id."`
	Batch   string `name:"batch" default:"2M" help:"Batch size: as number[gGmMkK], defaults to M."`
	Region  string `name:"region" default:"8M" help:"Destination region size: as number[gGmMkK], defaults to M."`
	SrcPFN  uint64 `name:"src-pfn" default:"262144" help:"Source base PFN."`
	DstPFN  uint64 `name:"dst-pfn" default:"524288" help:"Destination base PFN."`
	IPABase uint64 `name:"ipa-base" default:"268435456" help:"Guest IPA of the first frame."`
	Dev     string `name:"dev" default:"" help:"Secure monitor bridge device (empty: in-process loopback)."`
	Profile bool   `name:"profile" help:"Write a CPU profile for the batch."`
}

// ProbeCMD reports whether a secure monitor bridge is available.
type ProbeCMD struct {
	Dev string `name:"dev" default:"" help:"Secure monitor bridge device."`
}

// Parse parses the command line and runs the selected command.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("gosma"),
		kong.Description("gosma migrates secure guest memory frames through the secure monitor"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (m *MigrateCMD) Run() error {
	if m.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	batchBytes, err := ParseSize(m.Batch, "m")
	if err != nil {
		return err
	}

	regionBytes, err := ParseSize(m.Region, "m")
	if err != nil {
		return err
	}

	c := compactor.Config{
		VMID:         m.VMID,
		BatchFrames:  batchBytes / frame.Size,
		RegionFrames: uint32(regionBytes / frame.Size),
		SrcBasePFN:   m.SrcPFN,
		DstBasePFN:   m.DstPFN,
		IPABase:      m.IPABase,
		DevPath:      m.Dev,
	}

	return compactor.Run(c)
}

func (p *ProbeCMD) Run() error {
	return probe.MonitorBridge(p.Dev)
}
