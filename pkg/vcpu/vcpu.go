// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vcpu ties the MMU emulation together for one emulated CPU: it
// owns the register file and the shadow tables, and turns guest aborts into
// shadow mappings or injected faults.
package vcpu

import (
	"fmt"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
	"github.com/kvmarm/shadowmmu/pkg/cleanup"
	"github.com/kvmarm/shadowmmu/pkg/errors"
	"github.com/kvmarm/shadowmmu/pkg/log"
	"github.com/kvmarm/shadowmmu/pkg/memslot"
	"github.com/kvmarm/shadowmmu/pkg/mmu"
	"github.com/kvmarm/shadowmmu/pkg/shadow"
)

// ErrMMIO is returned for accesses to guest frames outside every memory
// slot. They are left to device emulation.
var ErrMMIO = errors.New(errors.ClassIO, "access to unbacked guest frame")

// FramePinner hands out references on the host frames backing guest memory.
type FramePinner interface {
	shadow.Frames

	// PinGFN takes a reference on the host frame backing gfn.
	PinGFN(gfn arm.GFN) (arm.PFN, error)
}

// Config configures a VCPU.
type Config struct {
	// ID identifies the CPU in logs.
	ID int

	// Format is the descriptor format of the shadow tables.
	Format arm.Format

	// Special are the hypervisor pages mapped into every shadow table.
	Special shadow.SpecialPages

	// KernelSplit is passed to the shadow set.
	KernelSplit arm.GVA

	// Source supplies shadow table memory.
	Source shadow.PageSource

	// ASIDs tags shadow tables. If nil, tables are untagged.
	ASIDs *shadow.ASIDs

	// Regs is the initial register file.
	Regs cp15.Registers
}

// Stats counts the aborts a VCPU handled.
type Stats struct {
	Aborts   uint64
	Mapped   uint64
	Injected uint64
	MMIO     uint64
}

// VCPU is one emulated CPU. It is not safe for concurrent use.
type VCPU struct {
	// Regs is the architectural register file. Callers update Trap
	// before handing an abort over, and read the fault registers after.
	Regs cp15.Registers

	id     int
	set    *shadow.Set
	tr     *mmu.Translator
	slots  *memslot.Directory
	frames FramePinner
	log    log.Logger
	stats  Stats

	// gen counts flushes. synced records, per guest TTBR, the flush
	// generation its shadow table was last initialized at.
	gen    uint64
	synced map[uint32]uint64
}

// New returns a VCPU whose shadow table mirrors the guest table in
// cfg.Regs.TTBR0.
func New(cfg Config, slots *memslot.Directory, frames FramePinner) (*VCPU, error) {
	if cfg.Source == nil {
		src, err := shadow.NewHeapSource(shadow.DefaultWindowFrames)
		if err != nil {
			return nil, err
		}
		cfg.Source = src
	}
	c := &VCPU{
		Regs:   cfg.Regs,
		id:     cfg.ID,
		tr:     mmu.NewTranslator(slots, slots).WithFormat(cfg.Format),
		slots:  slots,
		frames: frames,
		log:    log.ForVCPU(log.Log(), cfg.ID),
		synced: make(map[uint32]uint64),
	}
	set, err := shadow.NewSet(shadow.Options{
		Format:      cfg.Format,
		Source:      cfg.Source,
		Frames:      frames,
		ASIDs:       cfg.ASIDs,
		Regs:        &c.Regs,
		Special:     cfg.Special,
		KernelSplit: cfg.KernelSplit,
		Logger:      c.log,
	})
	if err != nil {
		return nil, err
	}
	c.set = set
	if err := c.SetTTBR0(c.Regs.TTBR0); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the CPU index.
func (c *VCPU) ID() int {
	return c.id
}

// Shadow returns the CPU's shadow tables.
func (c *VCPU) Shadow() *shadow.Set {
	return c.set
}

// Translator returns the walker used for the CPU's aborts.
func (c *VCPU) Translator() *mmu.Translator {
	return c.tr
}

// Stats returns the abort counters.
func (c *VCPU) Stats() Stats {
	return c.stats
}

// SetTTBR0 installs a new guest table base. The shadow table mirroring it is
// reused if it exists, and created and initialized otherwise.
func (c *VCPU) SetTTBR0(ttbr uint32) error {
	c.Regs.TTBR0 = ttbr
	if t, ok := c.set.Lookup(ttbr); ok {
		if c.synced[ttbr] != c.gen {
			if err := t.Init(); err != nil {
				return err
			}
			c.synced[ttbr] = c.gen
		}
		return c.set.Activate(t)
	}
	t, err := c.set.Allocate(ttbr)
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() { c.set.Release(t) })
	defer cu.Clean()
	if err := t.Init(); err != nil {
		return err
	}
	if err := c.set.Activate(t); err != nil {
		return err
	}
	cu.Release()
	c.synced[ttbr] = c.gen
	c.log.Debugf("New shadow table %#x asid %d for guest TTBR0 %#08x", t.Phys(), t.ASID(), ttbr)
	return nil
}

// SetDACR installs a new domain access control value. Shadow leaves in the
// synthetic regions were resolved against the old value, so the active
// table is flushed.
func (c *VCPU) SetDACR(dacr uint32) error {
	if c.Regs.DACR == dacr {
		return nil
	}
	c.Regs.DACR = dacr
	return c.Flush()
}

// SetSCTLR installs a new system control value. Turning the MMU on or off
// or changing the descriptor format invalidates every shadow mapping.
func (c *VCPU) SetSCTLR(sctlr uint32) error {
	changed := (c.Regs.SCTLR ^ sctlr) & (cp15.SCTLRMMUEnable | cp15.SCTLRExtended)
	c.Regs.SCTLR = sctlr
	if changed == 0 {
		return nil
	}
	return c.Flush()
}

// Flush empties the active shadow table, keeping only the hypervisor pages.
// Inactive tables are emptied when SetTTBR0 selects them again.
func (c *VCPU) Flush() error {
	c.gen++
	t := c.set.Active()
	if t == nil {
		return nil
	}
	if err := t.Init(); err != nil {
		return err
	}
	c.synced[t.GuestTTBR()] = c.gen
	return nil
}

// HandleAbort services a guest abort of kind trap at gva.
//
// If the guest's own tables deny the access, the matching abort is injected
// into the guest and its code returned. Otherwise the page is mapped in the
// active shadow table and FaultNone is returned. Frames outside every slot
// return ErrMMIO.
func (c *VCPU) HandleAbort(trap cp15.Trap, gva arm.GVA, mode arm.AccessMode) (mmu.FaultCode, error) {
	c.stats.Aborts++
	c.Regs.Trap = trap
	t := c.set.Active()
	if t == nil {
		return mmu.FaultNone, fmt.Errorf("abort at %v with no active shadow table", gva)
	}
	res, err := c.tr.Translate(&c.Regs, gva, mode)
	if err != nil {
		return mmu.FaultNone, err
	}
	if res.Fault != mmu.FaultNone {
		c.stats.Injected++
		c.log.Debugf("Injecting %v for %v at %v", res.Fault, mode, gva)
		mmu.InjectFault(&c.Regs, gva, res.Fault, res.Info.Domain)
		return res.Fault, nil
	}
	if !c.slots.IsVisible(res.GFN) {
		c.stats.MMIO++
		return mmu.FaultNone, fmt.Errorf("%v maps gfn %#x: %w", gva, res.GFN, ErrMMIO)
	}

	caps := shadowCaps(res.Info, c.Regs.Format(), c.Regs.DomainClass(res.Info.Domain))
	pfn, err := c.frames.PinGFN(res.GFN)
	if err != nil {
		return mmu.FaultNone, err
	}
	if err := t.MapSubpages(gva, pfn, res.Info.Domain, caps, !res.Info.XN); err != nil {
		c.frames.ReleaseClean(pfn)
		return mmu.FaultNone, err
	}
	c.stats.Mapped++
	return mmu.FaultNone, nil
}

// shadowCaps returns the permissions to give each sub-page of a shadow
// leaf for a guest page. Manager domains get full access.
func shadowCaps(info mmu.MapInfo, f arm.Format, class arm.DomainClass) [4]arm.Capability {
	var caps [4]arm.Capability
	for i := range caps {
		if class == arm.DomainManager {
			caps[i] = arm.Capability{Priv: arm.PermReadWrite, User: arm.PermReadWrite}
			continue
		}
		caps[i] = arm.DecodeAP(arm.SubpageAP(info.AP, uint32(i)), info.APX, f)
	}
	return caps
}

// ResolveGVA returns the host address of gva for the CPU's current state,
// or arm.BadHVA.
func (c *VCPU) ResolveGVA(gva arm.GVA, mode arm.AccessMode) arm.HVA {
	return c.tr.GVAToHVA(&c.Regs, gva, mode)
}

// SwitchHostVectors moves the hypervisor vector page.
func (c *VCPU) SwitchHostVectors(high bool) error {
	t := c.set.Active()
	if t == nil {
		return fmt.Errorf("switching vectors with no active shadow table")
	}
	return t.SwitchVectors(high)
}

// Close releases every shadow table of the CPU.
func (c *VCPU) Close() error {
	clear(c.synced)
	return c.set.ReleaseAll()
}
