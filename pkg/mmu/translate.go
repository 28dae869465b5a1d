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

// Package mmu emulates the guest's memory management unit: it walks guest
// translation tables, checks domain and access permissions and reports
// faults the way the hardware would.
//
// Nothing in this package is synchronized. A Translator may be shared, but
// the Registers passed to it belong to the calling emulated CPU.
package mmu

import (
	"encoding/binary"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
	"github.com/kvmarm/shadowmmu/pkg/arm/descriptor"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
	"github.com/kvmarm/shadowmmu/pkg/log"
)

// noisy logs conditions a guest can trigger at will.
var noisy = log.BasicRateLimitedLogger(time.Second)

// GuestMemory reads guest physical memory.
type GuestMemory interface {
	// ReadGuest fills dst from guest physical memory at gpa.
	ReadGuest(gpa arm.GPA, dst []byte) error
}

// SlotDirectory reports which guest frames are backed by host memory.
type SlotDirectory interface {
	IsVisible(gfn arm.GFN) bool
	GFNToHVA(gfn arm.GFN) (arm.HVA, bool)

	// InvisibleGFN returns a frame outside every slot.
	InvisibleGFN() (arm.GFN, error)
}

// MapInfo is the protection and memory attributes of a translated page.
type MapInfo struct {
	// AP holds four 2-bit access permission fields, one per 1KB sub-page.
	// Formats with a single field replicate it.
	AP uint8

	APX bool
	XN  bool

	// Cache holds TEX<<4 | C<<3 | B<<2.
	Cache uint8

	Domain uint8
}

// Capability decodes the access permissions of the first sub-page.
func (m MapInfo) Capability(f arm.Format) arm.Capability {
	return arm.DecodeAP(m.AP, m.APX, f)
}

// Result is the outcome of a walk. When Fault is not FaultNone the guest
// must be sent an abort. For translation faults GFN is a frame no slot
// contains.
type Result struct {
	GFN   arm.GFN
	Fault FaultCode
	Info  MapInfo
}

// Translator walks guest translation tables.
type Translator struct {
	mem   GuestMemory
	slots SlotDirectory

	// format is the descriptor format of the shadow table the result will
	// be installed in.
	format arm.Format
}

// NewTranslator returns a Translator for shadow tables in the extended
// format.
func NewTranslator(mem GuestMemory, slots SlotDirectory) *Translator {
	return &Translator{
		mem:    mem,
		slots:  slots,
		format: arm.FormatExtended,
	}
}

// WithFormat returns a copy of t for shadow tables in format f.
func (t *Translator) WithFormat(f arm.Format) *Translator {
	t2 := *t
	t2.format = f
	return &t2
}

// Format returns the shadow format t translates for.
func (t *Translator) Format() arm.Format {
	return t.format
}

// Translate walks the guest tables selected by regs for an access of mode
// at gva.
//
// Faults are reported in the Result. An error is returned only when the walk
// cannot be completed: unreadable tables, descriptors this emulation does
// not support, or addresses the shadow format cannot express.
func (t *Translator) Translate(regs *cp15.Registers, gva arm.GVA, mode arm.AccessMode) (Result, error) {
	if !regs.MMUEnabled() {
		return Result{
			GFN: arm.GFN(gva >> arm.PageShift),
			Info: MapInfo{
				AP:    0xff,
				Cache: descriptor.DefaultCache,
			},
		}, nil
	}
	if regs.AlignmentChecking() && !mode.Aligned(gva) {
		return Result{Fault: FaultAlignment}, nil
	}

	format := regs.Format()
	l1Addr := regs.L1EntryAddr(gva)
	raw, err := t.readDescriptor(l1Addr)
	if err != nil {
		return Result{}, err
	}
	l1 := descriptor.DecodeL1(raw, format)
	switch l1.Kind {
	case descriptor.L1Fault:
		return t.translationFault(FaultTranslationSection, 0)
	case descriptor.L1Section:
		return t.section(regs, gva, mode, raw, l1)
	case descriptor.L1Coarse:
		return t.coarse(regs, gva, mode, l1)
	default:
		noisy.Warningf("Reserved first level descriptor %#08x at gpa %#x for gva %v", raw, l1Addr, gva)
		return Result{}, fmt.Errorf("first level descriptor %#08x at gpa %#x: %w", raw, l1Addr, mmuerr.ErrReservedDescriptor)
	}
}

func (t *Translator) section(regs *cp15.Registers, gva arm.GVA, mode arm.AccessMode, raw uint32, l1 descriptor.L1) (Result, error) {
	if l1.Super && l1.ExtBase != 0 {
		return Result{}, fmt.Errorf("supersection %#08x for gva %v: %w", raw, gva, mmuerr.ErrUnsupportedRange)
	}
	res := Result{
		GFN: l1.Translate(gva).GFN(),
		Info: MapInfo{
			AP:     arm.ReplicateAP(l1.AP),
			APX:    l1.APX,
			XN:     l1.XN,
			Cache:  l1.Cache,
			Domain: l1.Domain,
		},
	}
	c := arm.DecodeAP(l1.AP, l1.APX, regs.Format())
	res.Fault = checkAccess(regs.DomainClass(l1.Domain), c, mode, FaultDomainSection, FaultPermissionSection)
	return res, nil
}

func (t *Translator) coarse(regs *cp15.Registers, gva arm.GVA, mode arm.AccessMode, l1 descriptor.L1) (Result, error) {
	format := regs.Format()
	l2Addr := arm.GPA(l1.Base | gva.L2Index()*4)
	raw, err := t.readDescriptor(l2Addr)
	if err != nil {
		return Result{}, err
	}
	l2 := descriptor.DecodeL2(raw, format)
	info := MapInfo{
		Cache:  l2.Cache,
		Domain: l1.Domain,
	}
	var c arm.Capability
	switch l2.Kind {
	case descriptor.L2Fault:
		return t.translationFault(FaultTranslationPage, l1.Domain)
	case descriptor.L2Large:
		return Result{}, fmt.Errorf("second level descriptor %#08x at gpa %#x: %w", raw, l2Addr, mmuerr.ErrLargePage)
	case descriptor.L2Small:
		if t.format == arm.FormatExtended && !l2.UniformAP() {
			noisy.Infof("Guest uses different sub-page permissions: descriptor %#08x for gva %v", raw, gva)
			return Result{}, fmt.Errorf("small page %#08x for gva %v: %w", raw, gva, mmuerr.ErrSubpagePermissions)
		}
		info.AP = l2.AP
		c = arm.DecodeAP(arm.SubpageAP(l2.AP, uint32(gva)>>10), false, arm.FormatLegacy)
	default:
		info.AP = arm.ReplicateAP(l2.AP)
		info.APX = l2.APX && format == arm.FormatExtended
		info.XN = l2.XN
		c = arm.DecodeAP(l2.AP, info.APX, format)
	}
	res := Result{
		GFN:  arm.GPA(l2.Base | gva.PageOffset()).GFN(),
		Info: info,
	}
	res.Fault = checkAccess(regs.DomainClass(l1.Domain), c, mode, FaultDomainPage, FaultPermissionPage)
	return res, nil
}

// checkAccess applies the domain model. Only Client domains consult the
// descriptor's access permissions.
func checkAccess(class arm.DomainClass, c arm.Capability, mode arm.AccessMode, domainFault, permFault FaultCode) FaultCode {
	switch class {
	case arm.DomainManager:
		return FaultNone
	case arm.DomainClient:
		if c.Allows(mode) {
			return FaultNone
		}
		return permFault
	default:
		return domainFault
	}
}

func (t *Translator) translationFault(code FaultCode, domain uint8) (Result, error) {
	gfn, err := t.slots.InvisibleGFN()
	if err != nil {
		return Result{}, err
	}
	return Result{
		GFN:   gfn,
		Fault: code,
		Info:  MapInfo{Domain: domain},
	}, nil
}

func (t *Translator) readDescriptor(gpa arm.GPA) (uint32, error) {
	var buf [4]byte
	if err := t.mem.ReadGuest(gpa, buf[:]); err != nil {
		if goerrors.Is(err, mmuerr.ErrGuestRead) {
			return 0, fmt.Errorf("fetching descriptor: %w", err)
		}
		return 0, fmt.Errorf("fetching descriptor at gpa %#x: %w: %w", gpa, mmuerr.ErrGuestRead, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
