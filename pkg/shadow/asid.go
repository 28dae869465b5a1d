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
)

// maxASID is the largest 8-bit address space identifier.
const maxASID = 0xff

// ASIDs is a pool of address space identifiers shared by the emulated CPUs
// of a machine.
type ASIDs struct {
	// mu protects below.
	mu sync.Mutex

	// cache are the assigned tables.
	cache map[*Table]uint8

	// avail are available ASIDs.
	avail []uint8
}

// NewASIDs returns a pool handing out [start, start+size).
//
// start is the first identifier to assign. It must be at least one: ASID 0
// marks an untagged table.
func NewASIDs(start, size uint16) (*ASIDs, error) {
	if start == 0 || uint32(start)+uint32(size) > maxASID+1 {
		return nil, fmt.Errorf("ASID range [%d, %d) out of range [1, %d]", start, uint32(start)+uint32(size), maxASID+1)
	}
	a := &ASIDs{
		cache: make(map[*Table]uint8),
	}
	// Hand out low identifiers first.
	for asid := uint32(start) + uint32(size); asid > uint32(start); asid-- {
		a.avail = append(a.avail, uint8(asid-1))
	}
	return a, nil
}

// Assign assigns an ASID to t. It returns false if the pool is exhausted.
func (a *ASIDs) Assign(t *Table) (uint8, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if asid, ok := a.cache[t]; ok {
		return asid, true
	}
	if len(a.avail) == 0 {
		return 0, false
	}
	asid := a.avail[len(a.avail)-1]
	a.avail = a.avail[:len(a.avail)-1]
	a.cache[t] = asid
	return asid, true
}

// Drop returns the ASID of t to the pool.
func (a *ASIDs) Drop(t *Table) {
	a.mu.Lock()
	defer a.mu.Unlock()
	asid, ok := a.cache[t]
	if !ok {
		// If not present, then ignore the drop.
		return
	}
	delete(a.cache, t)
	a.avail = append(a.avail, asid)
}

// Available returns the number of unassigned ASIDs.
func (a *ASIDs) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.avail)
}
