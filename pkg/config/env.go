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

package config

import (
	"errors"
	"fmt"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
	"github.com/kvmarm/shadowmmu/pkg/cleanup"
	"github.com/kvmarm/shadowmmu/pkg/frameref"
	"github.com/kvmarm/shadowmmu/pkg/memslot"
	"github.com/kvmarm/shadowmmu/pkg/mmu/guesttable"
	"github.com/kvmarm/shadowmmu/pkg/shadow"
	"github.com/kvmarm/shadowmmu/pkg/vcpu"
)

// Env is a machine brought up from a Machine description.
type Env struct {
	Slots  *memslot.Directory
	Frames *frameref.Tracker
	Source shadow.PageSource
	ASIDs  *shadow.ASIDs
	VCPUs  []*vcpu.VCPU
}

// Build allocates guest memory, writes the guest translation table and
// creates the emulated CPUs.
func (m *Machine) Build() (*Env, error) {
	env := &Env{Slots: memslot.NewDirectory()}
	cu := cleanup.Make(func() { env.Close() })
	defer cu.Clean()

	for i, s := range m.Slots {
		var (
			slot *memslot.Slot
			err  error
		)
		if s.Image != "" {
			slot, err = memslot.NewSlotFromFile(arm.GFN(s.Base), s.Pages, arm.PFN(s.HostPFN), s.Image)
		} else {
			slot, err = memslot.NewSlot(arm.GFN(s.Base), s.Pages, arm.PFN(s.HostPFN))
		}
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		if err := env.Slots.Add(slot); err != nil {
			slot.Close()
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}

	var l1 uint32
	if m.PageTable != nil {
		b, err := guesttable.NewBuilder(env.Slots, m.DescriptorFormat(), arm.GPA(m.PageTable.L1), arm.GPA(m.PageTable.Pool), m.PageTable.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("page table: %w", err)
		}
		for i, mp := range m.Mappings {
			if err := mp.apply(b); err != nil {
				return nil, fmt.Errorf("mapping %d: %w", i, err)
			}
		}
		l1 = b.TTBR()
	}

	env.Frames = frameref.New(env.Slots)
	var err error
	if m.MmapTables {
		env.Source, err = shadow.NewMmapSource(m.WindowFrames)
	} else {
		env.Source, err = shadow.NewHeapSource(m.WindowFrames)
	}
	if err != nil {
		return nil, err
	}
	if m.ASIDs != nil {
		if env.ASIDs, err = shadow.NewASIDs(m.ASIDs.Start, m.ASIDs.Size); err != nil {
			return nil, err
		}
	}
	for i, r := range m.VCPUs {
		c, err := vcpu.New(vcpu.Config{
			ID:          i,
			Format:      m.DescriptorFormat(),
			Special:     m.SpecialPages(),
			KernelSplit: arm.GVA(m.KernelSplit),
			Source:      env.Source,
			ASIDs:       env.ASIDs,
			Regs:        r.registers(l1),
		}, env.Slots, env.Frames)
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}
		env.VCPUs = append(env.VCPUs, c)
	}
	cu.Release()
	return env, nil
}

// Close tears down the CPUs and releases guest memory.
func (e *Env) Close() error {
	var errs []error
	for _, c := range e.VCPUs {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vcpu %d: %w", c.ID(), err))
		}
	}
	e.VCPUs = nil
	if err := e.Slots.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (mp Mapping) apply(b *guesttable.Builder) error {
	step := uint32(arm.SectionSize)
	if mp.Kind == KindPage {
		step = arm.PageSize
	}
	for i := uint32(0); i < mp.Count; i++ {
		gva, gpa := arm.GVA(mp.GVA+i*step), arm.GPA(mp.GPA+i*step)
		var err error
		if mp.Kind == KindPage {
			err = b.Page(gva, gpa, mp.Domain, mp.AP, mp.APX, mp.XN)
		} else {
			err = b.Section(gva, gpa, mp.Domain, mp.AP, mp.APX, mp.XN)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r VCPU) registers(l1 uint32) cp15.Registers {
	regs := cp15.Registers{
		SCTLR: r.SCTLR,
		TTBR0: r.TTBR0,
		TTBR1: r.TTBR1,
		TTBCR: r.TTBCR,
		DACR:  r.DACR,
	}
	if regs.TTBR0 == 0 {
		regs.TTBR0 = l1
	}
	return regs
}
