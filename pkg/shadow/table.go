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

// Package shadow manages the shadow translation tables the host MMU uses
// while a guest runs.
//
// A Set holds the shadow tables of one emulated CPU, keyed by the guest
// table base each one mirrors. Nothing in this package is synchronized: a
// Set and its Tables are only touched by the owning emulated CPU's thread.
// The PageSource, ASIDs and Frames a Set is built with may be shared.
package shadow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
	"github.com/kvmarm/shadowmmu/pkg/arm/descriptor"
	"github.com/kvmarm/shadowmmu/pkg/cleanup"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
	"github.com/kvmarm/shadowmmu/pkg/log"
)

// Frames manages references on the host frames shadow leaves map.
type Frames interface {
	// Pin takes a reference on a hypervisor frame mapped by Init or
	// SwitchVectors.
	Pin(pfn arm.PFN)

	// ReleaseDirty drops a reference after a writable mapping.
	ReleaseDirty(pfn arm.PFN)

	// ReleaseClean drops a reference after a read-only mapping.
	ReleaseClean(pfn arm.PFN)
}

// SpecialPages are the hypervisor pages every shadow table maps.
type SpecialPages struct {
	// SharedGVA is where the shared control page appears to the guest.
	SharedGVA arm.GVA

	// SharedPFN is the host frame of the shared control page.
	SharedPFN arm.PFN

	// VectorsPFN is the host frame of the exception vector page.
	VectorsPFN arm.PFN

	// HighVectors selects the vector page address.
	HighVectors bool
}

// VectorsGVA returns the address of the host exception vectors.
func (s SpecialPages) VectorsGVA() arm.GVA {
	if s.HighVectors {
		return arm.VectorsHigh
	}
	return arm.VectorsLow
}

// Options configures a Set.
type Options struct {
	// Format is the descriptor format shadow tables are written in.
	Format arm.Format

	// Source supplies table memory.
	Source PageSource

	// Frames is told about every leaf installed and removed.
	Frames Frames

	// ASIDs tags tables with address space identifiers. If nil, tables are
	// untagged.
	ASIDs *ASIDs

	// Regs is the register file of the owning emulated CPU. Its DACR is
	// read when mapping the special regions and when releasing leaves.
	Regs *cp15.Registers

	// Special are the hypervisor pages.
	Special SpecialPages

	// KernelSplit is the lowest address above which leaves are global. Zero
	// makes only the shared page global.
	KernelSplit arm.GVA

	// Logger receives debug output. If nil, the global logger is used.
	Logger log.Logger
}

// Stats describes the memory held by a Set.
type Stats struct {
	Tables       int
	SubTables    int
	SubPages     int
	CursorActive bool
}

// Set is the collection of shadow tables of one emulated CPU.
type Set struct {
	format      arm.Format
	src         PageSource
	frames      Frames
	asids       *ASIDs
	regs        *cp15.Registers
	special     SpecialPages
	kernelSplit arm.GVA
	log         log.Logger

	// tables are the live tables keyed by guest table base.
	tables map[uint32]*Table

	// active is the table the emulated CPU runs on, if any.
	active *Table

	// pages tracks every page holding sub-tables, keyed by its address.
	pages map[uint32]*subPage

	// cursor is the page sub-tables are carved from, or nil if the next
	// sub-table needs a fresh page. next is the index of the next free
	// slot in cursor.
	cursor *subPage
	next   uint32
}

// NewSet returns an empty Set.
func NewSet(opts Options) (*Set, error) {
	if opts.Source == nil || opts.Frames == nil || opts.Regs == nil {
		return nil, fmt.Errorf("shadow set needs a page source, a frame tracker and registers")
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Set{
		format:      opts.Format,
		src:         opts.Source,
		frames:      opts.Frames,
		asids:       opts.ASIDs,
		regs:        opts.Regs,
		special:     opts.Special,
		kernelSplit: opts.KernelSplit,
		log:         opts.Logger,
		tables:      make(map[uint32]*Table),
		pages:       make(map[uint32]*subPage),
	}, nil
}

// Format returns the descriptor format of the set's tables.
func (s *Set) Format() arm.Format {
	return s.format
}

// Special returns the current hypervisor page layout.
func (s *Set) Special() SpecialPages {
	return s.special
}

// Table is a shadow first level table.
type Table struct {
	set  *Set
	root *Block

	// words is the first level table.
	words []uint32

	// asid is the address space identifier, or 0 if untagged.
	asid uint8

	// guestTTBR is the guest table base this table mirrors.
	guestTTBR uint32

	// vectorsHigh records where Init or SwitchVectors last put the vector
	// page.
	vectorsHigh bool
}

// Phys returns the address of the table in the shadow physical window.
func (t *Table) Phys() uint32 {
	return t.root.Phys
}

// ASID returns the table's address space identifier, or 0 if untagged.
func (t *Table) ASID() uint8 {
	return t.asid
}

// GuestTTBR returns the guest table base the table mirrors.
func (t *Table) GuestTTBR() uint32 {
	return t.guestTTBR
}

// Format returns the descriptor format of the table.
func (t *Table) Format() arm.Format {
	return t.set.format
}

// L1 returns the first level entry covering gva.
func (t *Table) L1(gva arm.GVA) uint32 {
	return t.words[gva.L1Index()]
}

// Allocate returns a new empty table mirroring guestTTBR and registers it.
func (s *Set) Allocate(guestTTBR uint32) (*Table, error) {
	if _, ok := s.tables[guestTTBR]; ok {
		return nil, fmt.Errorf("shadow table for guest TTBR %#08x already exists", guestTTBR)
	}
	root, err := s.src.AllocPages(arm.L1TableOrder)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { s.src.FreePages(root) })
	defer cu.Clean()

	if root.Phys%arm.L1TableSize != 0 {
		return nil, fmt.Errorf("first level table at %#x is not naturally aligned: %w", root.Phys, mmuerr.ErrNoMemory)
	}
	clear(root.words)
	t := &Table{
		set:       s,
		root:      root,
		words:     root.words[:arm.L1Entries],
		guestTTBR: guestTTBR,
	}
	if s.asids != nil {
		asid, ok := s.asids.Assign(t)
		if !ok {
			s.log.Debugf("No ASID left for shadow table of guest TTBR %#08x, running untagged", guestTTBR)
		}
		t.asid = asid
	}
	s.tables[guestTTBR] = t
	cu.Release()
	return t, nil
}

// Lookup returns the table mirroring guestTTBR.
func (s *Set) Lookup(guestTTBR uint32) (*Table, bool) {
	t, ok := s.tables[guestTTBR]
	return t, ok
}

// Tables returns the live tables ordered by guest table base.
func (s *Set) Tables() []*Table {
	ts := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].guestTTBR < ts[j].guestTTBR })
	return ts
}

// Activate makes t the table the emulated CPU runs on. If the host moved its
// vectors since t was last initialized, t follows.
func (s *Set) Activate(t *Table) error {
	if t.set != s {
		return mmuerr.ErrForeignTable
	}
	if t.vectorsHigh != s.special.HighVectors {
		if err := t.moveVectors(s.special.HighVectors); err != nil {
			return err
		}
	}
	s.active = t
	return nil
}

// Active returns the table the emulated CPU runs on, or nil.
func (s *Set) Active() *Table {
	return s.active
}

// Release tears t down: every sub-table and every leaf reference is
// released, then the table itself. The first error is returned, but the
// release always completes.
func (s *Set) Release(t *Table) error {
	if t.set != s || s.tables[t.guestTTBR] != t {
		return mmuerr.ErrForeignTable
	}
	err := t.releaseChildren()
	if s.asids != nil {
		s.asids.Drop(t)
	}
	s.src.FreePages(t.root)
	t.root = nil
	t.words = nil
	delete(s.tables, t.guestTTBR)
	if s.active == t {
		s.active = nil
	}
	return err
}

// ReleaseAll releases every table of the set.
func (s *Set) ReleaseAll() error {
	var errs []error
	for _, t := range s.Tables() {
		if err := s.Release(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the memory held by the set.
func (s *Set) Stats() Stats {
	st := Stats{
		Tables:       len(s.tables),
		SubPages:     len(s.pages),
		CursorActive: s.cursor != nil,
	}
	for _, pg := range s.pages {
		st.SubTables += int(pg.live)
	}
	return st
}

// releaseChildren releases every region of t.
func (t *Table) releaseChildren() error {
	var first error
	for i := range t.words {
		if err := t.releaseRegion(uint32(i)); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// releaseRegion releases the sub-table behind first level entry idx and
// clears the entry.
func (t *Table) releaseRegion(idx uint32) error {
	l1 := t.words[idx]
	switch descriptor.L1Type(l1) {
	case 0b00:
		return nil
	case 0b01:
	default:
		return fmt.Errorf("first level entry %d is %#08x: %w", idx, l1, mmuerr.ErrNotCoarse)
	}
	s := t.set
	sub, pg, err := s.subTable(l1)
	if err != nil {
		return fmt.Errorf("first level entry %d: %w", idx, err)
	}
	domain := descriptor.L1Domain(l1)
	var first error
	for i, leaf := range sub {
		if leaf == 0 {
			continue
		}
		if err := t.releaseLeaf(domain, leaf); err != nil && first == nil {
			first = fmt.Errorf("leaf for gva %#08x: %w", idx<<arm.SectionShift|uint32(i)<<arm.PageShift, err)
		}
		sub[i] = 0
	}
	t.words[idx] = 0
	s.putSubTable(pg)
	return first
}

// releaseLeaf drops the frame reference held by leaf, dirty if the guest
// could write through it.
func (t *Table) releaseLeaf(domain uint8, leaf uint32) error {
	d := descriptor.DecodeL2(leaf, t.set.format)
	if d.Kind != descriptor.L2Small && d.Kind != descriptor.L2ExtSmall {
		return fmt.Errorf("leaf %#08x: %w", leaf, mmuerr.ErrUnsupportedSubTable)
	}
	if t.guestWritable(domain, d) {
		t.set.frames.ReleaseDirty(d.PFN())
	} else {
		t.set.frames.ReleaseClean(d.PFN())
	}
	return nil
}

// guestWritable reports whether the guest could write through a leaf in
// domain, through any of its sub-pages. The reserved domain counts as a
// client domain.
func (t *Table) guestWritable(domain uint8, d descriptor.L2) bool {
	dacr := arm.WithDomainClass(t.set.regs.DACR, arm.ReservedDomain, arm.DomainClient)
	switch arm.DomainClassOf(dacr, domain) {
	case arm.DomainManager:
		return true
	case arm.DomainClient:
		if d.Kind == descriptor.L2Small {
			for i := uint32(0); i < 4; i++ {
				if arm.DecodeAP(arm.SubpageAP(d.AP, i), false, arm.FormatLegacy).Priv == arm.PermReadWrite {
					return true
				}
			}
			return false
		}
		return arm.DecodeAP(d.AP, d.APX, t.set.format).Priv == arm.PermReadWrite
	default:
		return false
	}
}
