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
	"sync"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/bitmap"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
	"github.com/kvmarm/shadowmmu/pkg/log"
)

// DefaultWindowFrames is the default size in frames of the shadow physical
// window (256MB).
const DefaultWindowFrames = 1 << 16

// maxWindowFrames is the number of frames addressable by a first level
// descriptor.
const maxWindowFrames = 1 << (32 - arm.PageShift)

// Block is a naturally aligned run of 1<<Order host pages.
type Block struct {
	// Phys is the address of the block in the shadow physical window. It
	// is what shadow descriptors store.
	Phys uint32

	// Order is the binary log of the number of pages.
	Order uint

	words []uint32

	// mem is the mapping backing words, if any.
	mem []byte
}

// Pages returns the number of pages in the block.
func (b *Block) Pages() uint32 {
	return 1 << b.Order
}

// SourceStats counts page source events, in pages.
type SourceStats struct {
	Allocated uint64
	Freed     uint64

	// DoubleFrees counts pages freed while not allocated.
	DoubleFrees uint64
}

// Live returns the number of pages allocated and not yet freed.
func (s SourceStats) Live() uint64 {
	return s.Allocated - s.Freed
}

// PageSource supplies zeroed host pages for shadow tables.
type PageSource interface {
	// AllocPages returns a zeroed block of 1<<order pages, naturally
	// aligned in the shadow physical window.
	AllocPages(order uint) (*Block, error)

	// FreePages returns a block to the source.
	FreePages(b *Block)

	// Stats returns the source counters.
	Stats() SourceStats
}

// window hands out frames of the shadow physical window.
type window struct {
	mu     sync.Mutex
	frames bitmap.Bitmap
	stats  SourceStats
}

func (w *window) init(frames uint32) error {
	if frames < 2 || frames > maxWindowFrames {
		return fmt.Errorf("shadow physical window of %d frames is out of range [2, %d]", frames, maxWindowFrames)
	}
	w.frames = bitmap.New(frames)
	// Frame 0 is never handed out, so a zero descriptor never names a
	// table.
	w.frames.Add(0)
	return nil
}

func (w *window) reserve(order uint) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := uint32(1) << order
	frame, err := w.frames.FirstZeroRun(0, n, n)
	if err != nil {
		return 0, fmt.Errorf("allocating %d shadow pages: %w", n, mmuerr.ErrNoMemory)
	}
	w.frames.AddRange(frame, n)
	w.stats.Allocated += uint64(n)
	return frame << arm.PageShift, nil
}

func (w *window) release(phys uint32, order uint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	first, n := phys>>arm.PageShift, uint32(1)<<order
	for f := first; f < first+n; f++ {
		if !w.frames.IsSet(f) || f == 0 {
			w.stats.DoubleFrees++
			log.Warningf("Shadow page %#x freed twice", f<<arm.PageShift)
			continue
		}
		w.frames.Remove(f)
		w.stats.Freed++
	}
}

func (w *window) snapshot() SourceStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// HeapSource allocates shadow tables from the Go heap.
type HeapSource struct {
	win window
}

// NewHeapSource returns a HeapSource with a window of the given number of
// frames.
func NewHeapSource(frames uint32) (*HeapSource, error) {
	h := &HeapSource{}
	if err := h.win.init(frames); err != nil {
		return nil, err
	}
	return h, nil
}

// AllocPages implements PageSource.AllocPages.
func (h *HeapSource) AllocPages(order uint) (*Block, error) {
	phys, err := h.win.reserve(order)
	if err != nil {
		return nil, err
	}
	return &Block{
		Phys:  phys,
		Order: order,
		words: make([]uint32, (arm.PageSize/4)<<order),
	}, nil
}

// FreePages implements PageSource.FreePages.
func (h *HeapSource) FreePages(b *Block) {
	h.win.release(b.Phys, b.Order)
	b.words = nil
}

// Stats implements PageSource.Stats.
func (h *HeapSource) Stats() SourceStats {
	return h.win.snapshot()
}
