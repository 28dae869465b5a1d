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

// Package descriptor decodes and encodes short-format translation table
// descriptors.
package descriptor

import (
	"fmt"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/bits"
)

const (
	typeShift = 0
	typeWidth = 2

	domainShift = 5
	domainWidth = 4

	// CoarseBaseMask masks the second level table address of a coarse entry.
	CoarseBaseMask = 0xfffffc00

	sectionBaseMask      = 0xfff00000
	supersectionBaseMask = 0xff000000
	smallBaseMask        = 0xfffff000

	sectionAPShift   = 10
	sectionTEXShift  = 12
	sectionAPXBit    = 15
	supersectionBit  = 18
	sectionXNBit     = 4
	supExtLowShift   = 20
	supExtHighShift  = 5
	extSmallAPXBit   = 9
	extSmallTEXShift = 6
	smallAPShift     = 4

	cacheCBMask = 0xc
)

// DefaultCache is normal memory, write-back cacheable, TEX 0.
const DefaultCache uint8 = 0x0c

// L1Kind is the type of a first level descriptor.
type L1Kind uint8

const (
	// L1Fault is an invalid entry.
	L1Fault L1Kind = iota

	// L1Coarse points at a coarse second level table.
	L1Coarse

	// L1Section maps a section or a supersection.
	L1Section

	// L1Reserved is the fine table encoding, unsupported here.
	L1Reserved
)

// String implements fmt.Stringer.String.
func (k L1Kind) String() string {
	switch k {
	case L1Fault:
		return "fault"
	case L1Coarse:
		return "coarse"
	case L1Section:
		return "section"
	case L1Reserved:
		return "reserved"
	default:
		return fmt.Sprintf("L1Kind(%d)", uint8(k))
	}
}

// L1 is a decoded first level descriptor. Fields not meaningful for Kind are
// zero.
type L1 struct {
	Kind L1Kind

	// Base is the second level table address for coarse entries and the
	// output address base for sections.
	Base uint32

	// Domain is the protection domain. Supersections always use domain 0.
	Domain uint8

	AP    uint8
	APX   bool
	XN    bool
	Cache uint8

	// Super is set for supersections.
	Super bool

	// ExtBase holds the supersection physical address bits [39:32]. Any
	// non-zero value addresses memory beyond 4GB.
	ExtBase uint8
}

// DecodeL1 decodes a first level descriptor. Supersections and the XN and
// APX bits only exist in the extended format.
func DecodeL1(raw uint32, f arm.Format) L1 {
	switch bits.Field32(raw, typeShift, typeWidth) {
	case 0b00:
		return L1{Kind: L1Fault}
	case 0b01:
		return L1{
			Kind:   L1Coarse,
			Base:   raw & CoarseBaseMask,
			Domain: uint8(bits.Field32(raw, domainShift, domainWidth)),
		}
	case 0b10:
		d := L1{
			Kind:  L1Section,
			Base:  raw & sectionBaseMask,
			AP:    uint8(bits.Field32(raw, sectionAPShift, 2)),
			Cache: uint8(raw&cacheCBMask) | uint8(bits.Field32(raw, sectionTEXShift, 3))<<4,
		}
		if f != arm.FormatExtended {
			d.Domain = uint8(bits.Field32(raw, domainShift, domainWidth))
			return d
		}
		d.APX = bits.Bit32(raw, sectionAPXBit)
		d.XN = bits.Bit32(raw, sectionXNBit)
		if bits.Bit32(raw, supersectionBit) {
			d.Super = true
			d.Base = raw & supersectionBaseMask
			d.ExtBase = uint8(bits.Field32(raw, supExtLowShift, 4)) |
				uint8(bits.Field32(raw, supExtHighShift, 4))<<4
			return d
		}
		d.Domain = uint8(bits.Field32(raw, domainShift, domainWidth))
		return d
	default:
		return L1{Kind: L1Reserved}
	}
}

// Translate returns the output address of a section or supersection for v.
func (d L1) Translate(v arm.GVA) arm.GPA {
	if d.Super {
		return arm.GPA(d.Base | uint32(v)&(arm.SupersectionSize-1))
	}
	return arm.GPA(d.Base | uint32(v)&(arm.SectionSize-1))
}

// L1Domain returns the domain field of a raw first level descriptor.
func L1Domain(raw uint32) uint8 {
	return uint8(bits.Field32(raw, domainShift, domainWidth))
}

// L1Type returns the 2-bit type field of a raw first level descriptor.
func L1Type(raw uint32) uint32 {
	return bits.Field32(raw, typeShift, typeWidth)
}

// EncodeCoarse returns a first level descriptor pointing at the coarse table
// at phys in domain.
func EncodeCoarse(phys uint32, domain uint8) uint32 {
	return phys&CoarseBaseMask | 0b01 | uint32(domain&0xf)<<domainShift
}

// SetDomain returns raw with its domain field replaced.
func SetDomain(raw uint32, domain uint8) uint32 {
	return bits.SetField32(raw, domainShift, domainWidth, uint32(domain&0xf))
}
