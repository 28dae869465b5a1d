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

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/descriptor"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
)

// subPage is a host page holding up to SubTablesPerPage coarse tables.
type subPage struct {
	block *Block

	// live is the number of sub-tables in use. The page is returned to the
	// source when it drops to zero.
	live uint32
}

// subTable returns the sub-table a coarse first level entry points at.
func (s *Set) subTable(l1 uint32) ([]uint32, *subPage, error) {
	phys := l1 & descriptor.CoarseBaseMask
	pg, ok := s.pages[phys&^(arm.PageSize-1)]
	if !ok {
		return nil, nil, fmt.Errorf("coarse table at %#x: %w", phys, mmuerr.ErrBadShadowEntry)
	}
	i := (phys % arm.PageSize) / arm.L2TableSize
	return pg.block.words[i*arm.L2Entries : (i+1)*arm.L2Entries], pg, nil
}

// allocSubTable carves a zeroed sub-table from the cursor page, taking a new
// page when there is none.
func (s *Set) allocSubTable() (uint32, []uint32, error) {
	if s.cursor == nil {
		block, err := s.src.AllocPages(0)
		if err != nil {
			return 0, nil, err
		}
		clear(block.words)
		pg := &subPage{block: block}
		s.pages[block.Phys] = pg
		s.cursor = pg
		s.next = 0
	}
	pg, i := s.cursor, s.next
	pg.live++
	if s.next++; s.next == arm.SubTablesPerPage {
		s.cursor = nil
	}
	words := pg.block.words[i*arm.L2Entries : (i+1)*arm.L2Entries]
	clear(words)
	return pg.block.Phys + i*arm.L2TableSize, words, nil
}

// putSubTable drops one sub-table of pg.
func (s *Set) putSubTable(pg *subPage) {
	if pg.live--; pg.live > 0 {
		return
	}
	delete(s.pages, pg.block.Phys)
	if s.cursor == pg {
		s.cursor = nil
	}
	s.src.FreePages(pg.block)
}
