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

// Package guesttable builds guest translation tables in guest physical memory.
package guesttable

import (
	"encoding/binary"
	"fmt"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/descriptor"
	"github.com/kvmarm/shadowmmu/pkg/memslot"
)

// Memory is guest physical memory the builder writes tables into.
type Memory interface {
	ReadGuest(gpa arm.GPA, dst []byte) error
	WriteGuest(gpa arm.GPA, src []byte) error
}

// Builder writes a first level table and allocates coarse tables for it from
// a pool of guest memory.
type Builder struct {
	mem    Memory
	format arm.Format
	l1     arm.GPA

	// next is the next free coarse table in the pool.
	next  arm.GPA
	limit arm.GPA
}

// NewBuilder returns a builder for the table at l1, which must be 16KB
// aligned. Coarse tables are carved from [pool, pool+poolSize).
func NewBuilder(mem Memory, format arm.Format, l1, pool arm.GPA, poolSize uint32) (*Builder, error) {
	if l1%arm.L1TableSize != 0 {
		return nil, fmt.Errorf("first level table at %#x is not %d byte aligned", l1, arm.L1TableSize)
	}
	if pool%arm.L2TableSize != 0 {
		return nil, fmt.Errorf("coarse table pool at %#x is not %d byte aligned", pool, arm.L2TableSize)
	}
	b := &Builder{
		mem:    mem,
		format: format,
		l1:     l1,
		next:   pool,
		limit:  pool + arm.GPA(poolSize),
	}
	if err := b.mem.WriteGuest(l1, make([]byte, arm.L1TableSize)); err != nil {
		return nil, err
	}
	return b, nil
}

// TTBR returns the table base register value selecting the table.
func (b *Builder) TTBR() uint32 {
	return uint32(b.l1)
}

func (b *Builder) read(gpa arm.GPA) (uint32, error) {
	var buf [4]byte
	if err := b.mem.ReadGuest(gpa, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (b *Builder) write(gpa arm.GPA, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.mem.WriteGuest(gpa, buf[:])
}

func (b *Builder) l1Addr(gva arm.GVA) arm.GPA {
	return b.l1 + arm.GPA(gva.L1Index()*4)
}

// SetL1 writes a raw first level descriptor for gva.
func (b *Builder) SetL1(gva arm.GVA, raw uint32) error {
	return b.write(b.l1Addr(gva), raw)
}

// SetL2 writes a raw coarse table entry for gva, creating the coarse table
// in domain 0 if needed.
func (b *Builder) SetL2(gva arm.GVA, raw uint32) error {
	base, err := b.coarse(gva, 0, false)
	if err != nil {
		return err
	}
	return b.write(base+arm.GPA(gva.L2Index()*4), raw)
}

// Section maps the 1MB region containing gva to gpa.
func (b *Builder) Section(gva arm.GVA, gpa arm.GPA, domain, ap uint8, apx, xn bool) error {
	raw := uint32(gpa)&^(arm.SectionSize-1) | uint32(ap&0x3)<<10 | uint32(domain&0xf)<<5 | uint32(descriptor.DefaultCache) | 0b10
	if b.format == arm.FormatExtended {
		if apx {
			raw |= 1 << 15
		}
		if xn {
			raw |= 1 << 4
		}
	}
	return b.SetL1(gva, raw)
}

// Supersection maps the 16MB region containing gva to gpa. ext holds
// physical address bits [39:32].
func (b *Builder) Supersection(gva arm.GVA, gpa arm.GPA, ap, ext uint8) error {
	if b.format != arm.FormatExtended {
		return fmt.Errorf("supersections need the extended format")
	}
	raw := uint32(gpa)&^(arm.SupersectionSize-1) | 1<<18 | uint32(ext&0xf)<<20 | uint32(ext>>4)<<5 |
		uint32(ap&0x3)<<10 | uint32(descriptor.DefaultCache) | 0b10
	first := gva &^ (arm.SupersectionSize - 1)
	for i := arm.GVA(0); i < arm.SupersectionSize/arm.SectionSize; i++ {
		if err := b.SetL1(first+i*arm.SectionSize, raw); err != nil {
			return err
		}
	}
	return nil
}

// Page maps the page containing gva to gpa with a single access permission
// field. In the legacy format the field is replicated to all sub-pages.
func (b *Builder) Page(gva arm.GVA, gpa arm.GPA, domain, ap uint8, apx, xn bool) error {
	pfn := arm.PFN(gpa >> arm.PageShift)
	var raw uint32
	if b.format == arm.FormatExtended {
		raw = descriptor.EncodeExtSmall(pfn, ap, apx, xn, false, descriptor.DefaultCache)
	} else {
		raw = descriptor.EncodeSmall(pfn, arm.ReplicateAP(ap), descriptor.DefaultCache)
	}
	return b.page(gva, domain, raw)
}

// SubPages maps the page containing gva to gpa as a legacy small page with
// four packed sub-page access permission fields.
func (b *Builder) SubPages(gva arm.GVA, gpa arm.GPA, domain, packed uint8) error {
	raw := descriptor.EncodeSmall(arm.PFN(gpa>>arm.PageShift), packed, descriptor.DefaultCache)
	return b.page(gva, domain, raw)
}

// LargePage writes a 64KB page descriptor for gva.
func (b *Builder) LargePage(gva arm.GVA, gpa arm.GPA, domain uint8) error {
	return b.page(gva, domain, uint32(gpa)&0xffff0000|0b01)
}

func (b *Builder) page(gva arm.GVA, domain uint8, raw uint32) error {
	base, err := b.coarse(gva, domain, true)
	if err != nil {
		return err
	}
	return b.write(base+arm.GPA(gva.L2Index()*4), raw)
}

// Unmap clears the page mapping for gva, or the section mapping if the
// region is not a coarse table.
func (b *Builder) Unmap(gva arm.GVA) error {
	raw, err := b.read(b.l1Addr(gva))
	if err != nil {
		return err
	}
	if descriptor.L1Type(raw) != 0b01 {
		return b.SetL1(gva, 0)
	}
	return b.write(arm.GPA(raw&descriptor.CoarseBaseMask)+arm.GPA(gva.L2Index()*4), 0)
}

// coarse returns the coarse table for the region containing gva, allocating
// it if the region is unmapped.
func (b *Builder) coarse(gva arm.GVA, domain uint8, setDomain bool) (arm.GPA, error) {
	addr := b.l1Addr(gva)
	raw, err := b.read(addr)
	if err != nil {
		return 0, err
	}
	switch descriptor.L1Type(raw) {
	case 0b00:
		if b.next+arm.L2TableSize > b.limit || b.next+arm.L2TableSize < b.next {
			return 0, fmt.Errorf("coarse table pool exhausted at %#x", b.next)
		}
		base := b.next
		b.next += arm.L2TableSize
		if err := b.mem.WriteGuest(base, make([]byte, arm.L2TableSize)); err != nil {
			return 0, err
		}
		return base, b.write(addr, descriptor.EncodeCoarse(uint32(base), domain))
	case 0b01:
		if setDomain {
			if err := b.write(addr, descriptor.SetDomain(raw, domain)); err != nil {
				return 0, err
			}
		}
		return arm.GPA(raw & descriptor.CoarseBaseMask), nil
	default:
		return 0, fmt.Errorf("region of gva %v is mapped by first level descriptor %#08x", gva, raw)
	}
}

// NewMemory returns a slot directory with one zeroed slot of pages frames at
// gfn base, backed by host frames from hostPFN.
func NewMemory(base arm.GFN, pages uint32, hostPFN arm.PFN) (*memslot.Directory, error) {
	s, err := memslot.NewSlot(base, pages, hostPFN)
	if err != nil {
		return nil, err
	}
	d := memslot.NewDirectory()
	if err := d.Add(s); err != nil {
		s.Close()
		return nil, err
	}
	return d, nil
}
