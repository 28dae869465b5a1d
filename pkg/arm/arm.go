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

// Package arm describes the 32-bit ARM virtual memory system architecture as
// seen by a guest: address types, translation table geometry, the domain
// access model and access permission encodings.
package arm

import "fmt"

// GVA is a guest virtual address.
type GVA uint32

// GPA is a guest physical address.
type GPA uint32

// GFN is a guest frame number.
type GFN uint32

// PFN is a host physical frame number.
type PFN uint64

// HVA is a host virtual address.
type HVA uintptr

// BadHVA is returned when a guest address cannot be resolved to host memory.
const BadHVA = ^HVA(0)

// Translation table geometry for short descriptors.
const (
	// PageShift is the binary log of the small page size.
	PageShift = 12

	// PageSize is the size of a small page.
	PageSize = 1 << PageShift

	// SectionShift is the binary log of the region covered by one first
	// level entry.
	SectionShift = 20

	// SectionSize is the size of a section.
	SectionSize = 1 << SectionShift

	// SupersectionShift is the binary log of the supersection size.
	SupersectionShift = 24

	// SupersectionSize is the size of a supersection.
	SupersectionSize = 1 << SupersectionShift

	// L1Entries is the number of entries in a first level table.
	L1Entries = 1 << (32 - SectionShift)

	// L1TableSize is the size in bytes of a first level table.
	L1TableSize = L1Entries * 4

	// L1TableOrder is the binary log of the number of pages backing a first
	// level table. The table is naturally aligned.
	L1TableOrder = 2

	// L2Entries is the number of entries in a coarse second level table.
	L2Entries = 1 << (SectionShift - PageShift)

	// L2TableSize is the size in bytes of a coarse second level table.
	L2TableSize = L2Entries * 4

	// SubTablesPerPage is the number of coarse tables that fit in a page.
	SubTablesPerPage = PageSize / L2TableSize

	// MaxPFN is the largest frame number a small page descriptor can hold.
	MaxPFN = PFN(1)<<(32-PageShift) - 1
)

// Exception vector base addresses.
const (
	VectorsLow  GVA = 0x00000000
	VectorsHigh GVA = 0xffff0000
)

// L1Index returns the first level table index of v.
func (v GVA) L1Index() uint32 {
	return uint32(v) >> SectionShift
}

// L2Index returns the coarse table index of v.
func (v GVA) L2Index() uint32 {
	return (uint32(v) >> PageShift) & (L2Entries - 1)
}

// PageOffset returns the offset of v within its page.
func (v GVA) PageOffset() uint32 {
	return uint32(v) & (PageSize - 1)
}

// PageRoundDown returns v rounded down to the nearest page boundary.
func (v GVA) PageRoundDown() GVA {
	return v &^ (PageSize - 1)
}

// SameSection reports whether v and w fall in the same 1MB region.
func (v GVA) SameSection(w GVA) bool {
	return v.L1Index() == w.L1Index()
}

// String implements fmt.Stringer.String.
func (v GVA) String() string {
	return fmt.Sprintf("%#08x", uint32(v))
}

// GFN returns the frame containing p.
func (p GPA) GFN() GFN {
	return GFN(p >> PageShift)
}

// GPA returns the first address of frame f.
func (f GFN) GPA() GPA {
	return GPA(f) << PageShift
}

// Format selects the short descriptor format revision.
type Format uint8

const (
	// FormatLegacy is the backwards compatible format with four access
	// permission fields per small page and no APX or XN bits.
	FormatLegacy Format = iota

	// FormatExtended is the ARMv6 extended format with a single access
	// permission field, APX and XN.
	FormatExtended
)

// String implements fmt.Stringer.String.
func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatExtended:
		return "extended"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// ParseFormat parses the output of Format.String.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "legacy", "v5":
		return FormatLegacy, nil
	case "extended", "v6":
		return FormatExtended, nil
	default:
		return 0, fmt.Errorf("unknown descriptor format %q", s)
	}
}

// AccessMode describes the access that caused a translation.
type AccessMode struct {
	// Write is set for stores.
	Write bool

	// User is set for unprivileged accesses.
	User bool

	// Size is the access size in bytes. Zero disables alignment checking.
	Size uint8
}

// Aligned reports whether an access of this mode at v is naturally aligned.
func (m AccessMode) Aligned(v GVA) bool {
	if m.Size <= 1 {
		return true
	}
	return uint32(v)%uint32(m.Size) == 0
}

// String implements fmt.Stringer.String.
func (m AccessMode) String() string {
	mode, op := "priv", "read"
	if m.User {
		mode = "user"
	}
	if m.Write {
		op = "write"
	}
	return mode + "-" + op
}
