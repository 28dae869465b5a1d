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

package shadow

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
)

// MmapSource allocates shadow tables from anonymous host mappings, one
// mapping per block.
type MmapSource struct {
	win window
}

// NewMmapSource returns an MmapSource with a window of the given number of
// frames.
func NewMmapSource(frames uint32) (*MmapSource, error) {
	m := &MmapSource{}
	if err := m.win.init(frames); err != nil {
		return nil, err
	}
	return m, nil
}

// AllocPages implements PageSource.AllocPages.
func (m *MmapSource) AllocPages(order uint) (*Block, error) {
	phys, err := m.win.reserve(order)
	if err != nil {
		return nil, err
	}
	size := arm.PageSize << order
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		m.win.release(phys, order)
		return nil, fmt.Errorf("mapping %d bytes: %w: %w", size, mmuerr.ErrNoMemory, err)
	}
	return &Block{
		Phys:  phys,
		Order: order,
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), size/4),
		mem:   mem,
	}, nil
}

// FreePages implements PageSource.FreePages.
func (m *MmapSource) FreePages(b *Block) {
	if b.mem != nil {
		unix.Munmap(b.mem)
	}
	b.mem = nil
	b.words = nil
	m.win.release(b.Phys, b.Order)
}

// Stats implements PageSource.Stats.
func (m *MmapSource) Stats() SourceStats {
	return m.win.snapshot()
}
