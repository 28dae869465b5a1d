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

// Package memslot maps guest physical frames to the host memory backing
// them.
//
// A Directory is shared by all emulated CPUs of a machine. It is read on
// every translation and only changes when the machine's memory layout does.
package memslot

import (
	goerrors "errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
)

// invisibleProbe is the first frame tried when looking for a frame outside
// every slot.
const invisibleProbe arm.GFN = 0xffffff

// Directory is an ordered set of non-overlapping slots.
type Directory struct {
	mu sync.RWMutex

	// slots is ordered by base frame.
	slots *btree.BTreeG[*Slot]
}

func lessSlot(a, b *Slot) bool {
	return a.Base < b.Base
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		slots: btree.NewG(8, lessSlot),
	}
}

// Add registers s. It fails if s overlaps a registered slot.
func (d *Directory) Add(s *Slot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.floorLocked(arm.GFN(s.End() - 1)); ok && prev.End() > uint64(s.Base) {
		return fmt.Errorf("slot %v overlaps %v", s, prev)
	}
	d.slots.ReplaceOrInsert(s)
	return nil
}

// Remove unregisters the slot starting at base and returns it.
func (d *Directory) Remove(base arm.GFN) (*Slot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slots.Delete(&Slot{Base: base})
}

// Len returns the number of registered slots.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slots.Len()
}

// Slots returns the registered slots in ascending order.
func (d *Directory) Slots() []*Slot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	slots := make([]*Slot, 0, d.slots.Len())
	d.slots.Ascend(func(s *Slot) bool {
		slots = append(slots, s)
		return true
	})
	return slots
}

// Close unregisters and releases every slot.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	d.slots.Ascend(func(s *Slot) bool {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	d.slots.Clear(false)
	return goerrors.Join(errs...)
}

// floorLocked returns the slot with the highest base not above gfn.
//
// Preconditions: d.mu is locked.
func (d *Directory) floorLocked(gfn arm.GFN) (*Slot, bool) {
	var found *Slot
	d.slots.DescendLessOrEqual(&Slot{Base: gfn}, func(s *Slot) bool {
		found = s
		return false
	})
	return found, found != nil
}

// findLocked returns the slot containing gfn.
//
// Preconditions: d.mu is locked.
func (d *Directory) findLocked(gfn arm.GFN) (*Slot, bool) {
	s, ok := d.floorLocked(gfn)
	if !ok || !s.Contains(gfn) {
		return nil, false
	}
	return s, true
}

// Find returns the slot containing gfn.
func (d *Directory) Find(gfn arm.GFN) (*Slot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findLocked(gfn)
}

// IsVisible reports whether gfn is backed by a slot.
func (d *Directory) IsVisible(gfn arm.GFN) bool {
	_, ok := d.Find(gfn)
	return ok
}

// GFNToHVA returns the host virtual address of gfn.
func (d *Directory) GFNToHVA(gfn arm.GFN) (arm.HVA, bool) {
	s, ok := d.Find(gfn)
	if !ok {
		return arm.BadHVA, false
	}
	return s.HVA(gfn), true
}

// GFNToPFN returns the host frame backing gfn.
func (d *Directory) GFNToPFN(gfn arm.GFN) (arm.PFN, bool) {
	s, ok := d.Find(gfn)
	if !ok {
		return 0, false
	}
	return s.PFN(gfn), true
}

// InvisibleGFN returns a frame that no slot contains. Starting from a high
// probe, each step moves below the slot containing the probe, so at most one
// step per slot is needed.
func (d *Directory) InvisibleGFN() (arm.GFN, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	probe := invisibleProbe
	for i := 0; i <= d.slots.Len(); i++ {
		s, ok := d.findLocked(probe)
		if !ok {
			return probe, nil
		}
		if s.Base == 0 {
			break
		}
		probe = s.Base - 1
	}
	return 0, mmuerr.ErrNoInvisibleFrame
}

// ReadGuest copies len(dst) bytes of guest physical memory starting at gpa.
func (d *Directory) ReadGuest(gpa arm.GPA, dst []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for len(dst) > 0 {
		s, ok := d.findLocked(gpa.GFN())
		if !ok {
			return fmt.Errorf("reading %d bytes at gpa %#x: %w", len(dst), gpa, mmuerr.ErrGuestRead)
		}
		n := copy(dst, s.mem[s.offset(gpa):])
		dst = dst[n:]
		gpa += arm.GPA(n)
	}
	return nil
}

// WriteGuest copies src into guest physical memory starting at gpa.
func (d *Directory) WriteGuest(gpa arm.GPA, src []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for len(src) > 0 {
		s, ok := d.findLocked(gpa.GFN())
		if !ok {
			return fmt.Errorf("writing %d bytes at gpa %#x: %w", len(src), gpa, mmuerr.ErrGuestRead)
		}
		n := copy(s.mem[s.offset(gpa):], src)
		src = src[n:]
		gpa += arm.GPA(n)
	}
	return nil
}
