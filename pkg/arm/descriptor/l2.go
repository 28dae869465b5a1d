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

package descriptor

import (
	"fmt"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/bits"
)

// L2Kind is the type of a second level descriptor.
type L2Kind uint8

const (
	// L2Fault is an invalid entry.
	L2Fault L2Kind = iota

	// L2Large maps a 64KB page.
	L2Large

	// L2Small is a legacy small page with four sub-page permissions.
	L2Small

	// L2ExtSmall is an extended small page.
	L2ExtSmall
)

// String implements fmt.Stringer.String.
func (k L2Kind) String() string {
	switch k {
	case L2Fault:
		return "fault"
	case L2Large:
		return "large"
	case L2Small:
		return "small"
	case L2ExtSmall:
		return "ext-small"
	default:
		return fmt.Sprintf("L2Kind(%d)", uint8(k))
	}
}

// L2 is a decoded second level descriptor.
type L2 struct {
	Kind L2Kind

	// Base is the output page address.
	Base uint32

	// AP holds AP3..AP0 for legacy small pages and the single 2-bit field
	// for extended small pages.
	AP uint8

	APX   bool
	XN    bool
	Cache uint8
}

// DecodeL2 decodes a coarse table entry.
//
// In the legacy format type 0b11 is an extended small page without XN. In
// the extended format any type with bit 1 set is an extended small page and
// bit 0 is XN.
func DecodeL2(raw uint32, f arm.Format) L2 {
	t := bits.Field32(raw, typeShift, typeWidth)
	switch {
	case t == 0b00:
		return L2{Kind: L2Fault}
	case t == 0b01:
		return L2{Kind: L2Large}
	case t == 0b10 && f != arm.FormatExtended:
		return L2{
			Kind:  L2Small,
			Base:  raw & smallBaseMask,
			AP:    uint8(bits.Field32(raw, smallAPShift, 8)),
			Cache: uint8(raw & cacheCBMask),
		}
	default:
		d := L2{
			Kind:  L2ExtSmall,
			Base:  raw & smallBaseMask,
			AP:    uint8(bits.Field32(raw, smallAPShift, 2)),
			APX:   bits.Bit32(raw, extSmallAPXBit),
			Cache: uint8(raw&cacheCBMask) | uint8(bits.Field32(raw, extSmallTEXShift, 3))<<4,
		}
		if f == arm.FormatExtended {
			d.XN = bits.Bit32(raw, 0)
		}
		return d
	}
}

// UniformAP reports whether all four sub-pages of a legacy small page share
// the same access permissions.
func (d L2) UniformAP() bool {
	return arm.ReplicateAP(d.AP) == d.AP
}

// PFN returns the page frame the descriptor maps.
func (d L2) PFN() arm.PFN {
	return arm.PFN(d.Base >> arm.PageShift)
}

// EncodeSmall returns a legacy small page descriptor with packed sub-page
// permissions ap.
func EncodeSmall(pfn arm.PFN, ap uint8, cache uint8) uint32 {
	return uint32(pfn)<<arm.PageShift | 0b10 | uint32(cache&cacheCBMask) | uint32(ap)<<smallAPShift
}

// EncodeExtSmall returns an extended small page descriptor. nG marks the
// mapping as specific to the current address space identifier.
func EncodeExtSmall(pfn arm.PFN, ap uint8, apx, xn, nG bool, cache uint8) uint32 {
	raw := uint32(pfn)<<arm.PageShift | 0b10 | uint32(cache&cacheCBMask)
	raw |= uint32(cache>>4&0x7) << extSmallTEXShift
	raw |= uint32(ap&0x3) << smallAPShift
	if xn {
		raw |= 1
	}
	if apx {
		raw |= 1 << extSmallAPXBit
	}
	if nG {
		raw |= 1 << 11
	}
	return raw
}
