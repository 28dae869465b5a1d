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

// Package cp15 holds the guest-visible system control coprocessor state of
// an emulated CPU that the memory management unit consults and updates.
package cp15

import (
	"fmt"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/bits"
)

// SCTLR bits.
const (
	SCTLRMMUEnable   = 1 << 0
	SCTLRAlign       = 1 << 1
	SCTLRHighVectors = 1 << 13
	SCTLRExtended    = 1 << 23
)

// TTBR1Align is the alignment of the TTBR1 table base.
const TTBR1Align = arm.L1TableSize

// Trap classifies the exception that caused the last guest exit.
type Trap uint8

const (
	// TrapNone is any exit that is not an abort.
	TrapNone Trap = iota

	// TrapPrefetchAbort is an instruction fetch abort.
	TrapPrefetchAbort

	// TrapDataAbort is a data abort.
	TrapDataAbort
)

// String implements fmt.Stringer.String.
func (t Trap) String() string {
	switch t {
	case TrapNone:
		return "none"
	case TrapPrefetchAbort:
		return "prefetch-abort"
	case TrapDataAbort:
		return "data-abort"
	default:
		return fmt.Sprintf("Trap(%d)", uint8(t))
	}
}

// Exception is a bit set of exceptions waiting to be delivered to the guest
// on its next entry.
type Exception uint8

const (
	// ExceptionPrefetchAbort is a pending prefetch abort.
	ExceptionPrefetchAbort Exception = 1 << iota

	// ExceptionDataAbort is a pending data abort.
	ExceptionDataAbort
)

// Registers is the register file of one emulated CPU.
//
// Registers is owned by the emulated CPU's thread and is not synchronized.
type Registers struct {
	SCTLR uint32
	TTBR0 uint32
	TTBR1 uint32
	TTBCR uint32
	DACR  uint32
	DFSR  uint32
	IFSR  uint32
	FAR   uint32

	// Trap is the classification of the last guest exit.
	Trap Trap

	// Pending is the set of exceptions to inject on next entry.
	Pending Exception
}

// MMUEnabled reports whether the guest has turned on address translation.
func (r *Registers) MMUEnabled() bool {
	return bits.IsOn32(r.SCTLR, SCTLRMMUEnable)
}

// AlignmentChecking reports whether strict alignment faults are enabled.
func (r *Registers) AlignmentChecking() bool {
	return bits.IsOn32(r.SCTLR, SCTLRAlign)
}

// HighVectors reports whether the guest uses the high exception vectors.
func (r *Registers) HighVectors() bool {
	return bits.IsOn32(r.SCTLR, SCTLRHighVectors)
}

// Format returns the descriptor format the guest tables are written in.
func (r *Registers) Format() arm.Format {
	if bits.IsOn32(r.SCTLR, SCTLRExtended) {
		return arm.FormatExtended
	}
	return arm.FormatLegacy
}

// N returns the TTBR0/TTBR1 split control.
func (r *Registers) N() uint32 {
	return bits.Field32(r.TTBCR, 0, 3)
}

// L1Base returns the guest physical address of the first level table that
// translates v.
func (r *Registers) L1Base(v arm.GVA) arm.GPA {
	n := r.N()
	if n > 0 && uint32(v)>>(32-n) != 0 {
		return arm.GPA(bits.AlignDown32(r.TTBR1, TTBR1Align))
	}
	return arm.GPA(bits.AlignDown32(r.TTBR0, TTBR1Align>>n))
}

// L1EntryAddr returns the guest physical address of the first level
// descriptor for v.
func (r *Registers) L1EntryAddr(v arm.GVA) arm.GPA {
	return r.L1Base(v) + arm.GPA(v.L1Index()*4)
}

// DomainClass returns the access class of domain.
func (r *Registers) DomainClass(domain uint8) arm.DomainClass {
	return arm.DomainClassOf(r.DACR, domain)
}

// SetPending marks e for delivery.
func (r *Registers) SetPending(e Exception) {
	r.Pending |= e
}

// IsPending reports whether e is waiting for delivery.
func (r *Registers) IsPending(e Exception) bool {
	return r.Pending&e != 0
}

// ClearPending acknowledges e.
func (r *Registers) ClearPending(e Exception) {
	r.Pending &^= e
}

// String implements fmt.Stringer.String.
func (r *Registers) String() string {
	return fmt.Sprintf("sctlr=%#08x ttbr0=%#08x ttbr1=%#08x ttbcr=%d dacr=%#08x dfsr=%#x ifsr=%#x far=%#08x",
		r.SCTLR, r.TTBR0, r.TTBR1, r.TTBCR, r.DACR, r.DFSR, r.IFSR, r.FAR)
}
