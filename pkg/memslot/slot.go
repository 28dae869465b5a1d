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

package memslot

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kvmarm/shadowmmu/pkg/arm"
)

// Slot is a contiguous range of guest frames backed by host memory.
type Slot struct {
	// Base is the first guest frame of the slot.
	Base arm.GFN

	// Pages is the number of frames in the slot.
	Pages uint32

	// HostPFN is the host frame backing Base. Frames are contiguous.
	HostPFN arm.PFN

	mem []byte
}

// NewSlot returns a zeroed slot backed by an anonymous mapping.
func NewSlot(base arm.GFN, pages uint32, hostPFN arm.PFN) (*Slot, error) {
	if pages == 0 {
		return nil, fmt.Errorf("slot at gfn %#x has no pages", base)
	}
	if uint64(base)+uint64(pages) > 1<<32 {
		return nil, fmt.Errorf("slot [%#x, +%#x) exceeds the guest frame space", base, pages)
	}
	mem, err := unix.Mmap(-1, 0, int(pages)*arm.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d pages for slot at gfn %#x: %w", pages, base, err)
	}
	return &Slot{
		Base:    base,
		Pages:   pages,
		HostPFN: hostPFN,
		mem:     mem,
	}, nil
}

// NewSlotFromFile returns a slot whose first bytes are loaded from the file
// at path. The rest of the slot is zero.
func NewSlotFromFile(base arm.GFN, pages uint32, hostPFN arm.PFN, path string) (*Slot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > uint64(pages)*arm.PageSize {
		return nil, fmt.Errorf("image %q is %d bytes, slot at gfn %#x holds %d", path, len(data), base, uint64(pages)*arm.PageSize)
	}
	s, err := NewSlot(base, pages, hostPFN)
	if err != nil {
		return nil, err
	}
	copy(s.mem, data)
	return s, nil
}

// Contains reports whether gfn falls in the slot.
func (s *Slot) Contains(gfn arm.GFN) bool {
	return gfn >= s.Base && uint64(gfn) < uint64(s.Base)+uint64(s.Pages)
}

// End returns the first frame after the slot.
func (s *Slot) End() uint64 {
	return uint64(s.Base) + uint64(s.Pages)
}

// PFN returns the host frame backing gfn.
//
// Precondition: s.Contains(gfn).
func (s *Slot) PFN(gfn arm.GFN) arm.PFN {
	return s.HostPFN + arm.PFN(gfn-s.Base)
}

// Bytes returns the host memory backing the slot.
func (s *Slot) Bytes() []byte {
	return s.mem
}

// offset returns the byte offset of gpa within the slot.
func (s *Slot) offset(gpa arm.GPA) int {
	return int(uint32(gpa) - uint32(s.Base.GPA()))
}

// Close releases the host memory. The slot must no longer be registered.
func (s *Slot) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// String implements fmt.Stringer.String.
func (s *Slot) String() string {
	return fmt.Sprintf("gfn [%#x, %#x) -> pfn %#x", s.Base, s.End(), s.HostPFN)
}
