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

// Package frameref pins guest frames while shadow tables map them and
// records whether they were released dirty.
package frameref

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
	"github.com/kvmarm/shadowmmu/pkg/log"
	"github.com/kvmarm/shadowmmu/pkg/memslot"
)

// Stats counts tracker events.
type Stats struct {
	Pins          uint64
	DirtyReleases uint64
	CleanReleases uint64

	// Unbalanced counts releases of frames that were not pinned.
	Unbalanced uint64
}

type frame struct {
	gfn  arm.GFN
	refs int
}

// Tracker hands out references on host frames backing guest memory. It is
// shared by all emulated CPUs of a machine.
type Tracker struct {
	slots *memslot.Directory

	mu sync.Mutex

	// frames holds every pinned frame.
	frames map[arm.PFN]*frame

	// dirty holds guest frames released after a writable mapping.
	dirty map[arm.GFN]struct{}

	stats Stats
}

// New returns a tracker for frames in slots.
func New(slots *memslot.Directory) *Tracker {
	return &Tracker{
		slots:  slots,
		frames: make(map[arm.PFN]*frame),
		dirty:  make(map[arm.GFN]struct{}),
	}
}

// PinGFN takes a reference on the host frame backing gfn and returns it.
func (t *Tracker) PinGFN(gfn arm.GFN) (arm.PFN, error) {
	pfn, ok := t.slots.GFNToPFN(gfn)
	if !ok {
		return 0, fmt.Errorf("pinning gfn %#x: %w", gfn, mmuerr.ErrNotBacked)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[pfn]
	if !ok {
		f = &frame{gfn: gfn}
		t.frames[pfn] = f
	}
	f.refs++
	t.stats.Pins++
	return pfn, nil
}

// Pin takes an extra reference on a host frame that is not guest memory,
// such as a hypervisor page mapped into every shadow table.
func (t *Tracker) Pin(pfn arm.PFN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[pfn]
	if !ok {
		f = &frame{gfn: ^arm.GFN(0)}
		t.frames[pfn] = f
	}
	f.refs++
	t.stats.Pins++
}

// ReleaseDirty drops a reference on pfn after a mapping the guest could
// write through.
func (t *Tracker) ReleaseDirty(pfn arm.PFN) {
	t.release(pfn, true)
}

// ReleaseClean drops a reference on pfn after a read-only mapping.
func (t *Tracker) ReleaseClean(pfn arm.PFN) {
	t.release(pfn, false)
}

func (t *Tracker) release(pfn arm.PFN, dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[pfn]
	if !ok {
		t.stats.Unbalanced++
		log.Warningf("Release of unpinned host frame %#x", pfn)
		return
	}
	if dirty {
		t.stats.DirtyReleases++
		if f.gfn != ^arm.GFN(0) {
			t.dirty[f.gfn] = struct{}{}
		}
	} else {
		t.stats.CleanReleases++
	}
	if f.refs--; f.refs == 0 {
		delete(t.frames, pfn)
	}
}

// Refs returns the number of outstanding references on pfn.
func (t *Tracker) Refs(pfn arm.PFN) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.frames[pfn]; ok {
		return f.refs
	}
	return 0
}

// Outstanding returns the total number of references not yet released.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.frames {
		n += f.refs
	}
	return n
}

// Dirty returns the guest frames released dirty, in ascending order.
func (t *Tracker) Dirty() []arm.GFN {
	t.mu.Lock()
	defer t.mu.Unlock()
	gfns := make([]arm.GFN, 0, len(t.dirty))
	for gfn := range t.dirty {
		gfns = append(gfns, gfn)
	}
	sort.Slice(gfns, func(i, j int) bool { return gfns[i] < gfns[j] })
	return gfns
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
