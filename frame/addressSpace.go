package frame

import (
	"errors"
	"sort"
)

var errIPAOccupied = errors.New("intermediate physical address already mapped")

// AddressSpace is the IPA-to-PFN table of one secure guest. Entries are
// either live or migration placeholders; a placeholder keeps the IPA
// reserved while its frame is between unmap and relocation.
type AddressSpace struct {
	Name  string
	VMID  uint32
	table map[uint64]*entry
}

type entry struct {
	pfn       uint64
	migration bool
}

// NewAddressSpace returns an empty address space for the given secure VM.
func NewAddressSpace(name string, vmID uint32) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		VMID:  vmID,
		table: make(map[uint64]*entry),
	}
}

// Map installs a live entry at ipa for f and bumps f's map count.
func (a *AddressSpace) Map(ipa uint64, f *Frame) error {
	if _, ok := a.table[ipa]; ok {
		return errIPAOccupied
	}

	a.table[ipa] = &entry{pfn: f.pfn}
	f.space = a
	f.mapCount.Add(1)

	return nil
}

// Mapped reports whether ipa has a live (non-placeholder) entry.
func (a *AddressSpace) Mapped(ipa uint64) bool {
	e, ok := a.table[ipa]

	return ok && !e.migration
}

// Lookup returns the PFN backing ipa and whether the entry is live.
func (a *AddressSpace) Lookup(ipa uint64) (pfn uint64, live bool) {
	e, ok := a.table[ipa]
	if !ok {
		return 0, false
	}

	return e.pfn, !e.migration
}

// UnmapAll replaces every live entry for f with a migration placeholder,
// dropping f's map count to zero for this space. Each detached IPA is
// reported through collect in ascending order, the side channel the
// migration core consumes while a batch is in flight.
//
// The return value reports whether every live entry was detached.
func (a *AddressSpace) UnmapAll(f *Frame, collect func(vmID uint32, ipa uint64)) bool {
	for _, ipa := range a.ipasOf(f.pfn, false) {
		e := a.table[ipa]
		e.migration = true
		f.mapCount.Add(-1)

		if collect != nil {
			collect(a.VMID, ipa)
		}
	}

	return f.mapCount.Load() == 0
}

// RemoveMigrationEntries turns every placeholder left for old back into a
// live entry pointing at dst. Called with dst == old it undoes a failed
// unmap; otherwise it redirects the guest's IPAs to the relocated frame.
func (a *AddressSpace) RemoveMigrationEntries(old, dst *Frame) {
	for _, ipa := range a.ipasOf(old.pfn, true) {
		e := a.table[ipa]
		e.pfn = dst.pfn
		e.migration = false
		dst.mapCount.Add(1)
	}

	if dst != old {
		dst.space = a
		old.space = nil
	}
}

// ipasOf returns the sorted IPAs whose entries reference pfn, filtered on
// the placeholder bit.
func (a *AddressSpace) ipasOf(pfn uint64, migration bool) []uint64 {
	var ipas []uint64

	for ipa, e := range a.table {
		if e.pfn == pfn && e.migration == migration {
			ipas = append(ipas, ipa)
		}
	}

	sort.Slice(ipas, func(i, j int) bool { return ipas[i] < ipas[j] })

	return ipas
}
