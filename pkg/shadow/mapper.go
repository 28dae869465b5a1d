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
	"github.com/kvmarm/shadowmmu/pkg/log"
)

// Map installs a leaf mapping the page at gva to the host frame pfn.
//
// The first mapping into a 1MB region allocates its sub-table. Later
// mappings replace the region's domain and release the frame of any leaf
// they overwrite. Mappings into the region of the shared page or of the
// vector page carry the reserved domain; their permissions are resolved
// against the guest's current domain access control instead.
func (t *Table) Map(gva arm.GVA, pfn arm.PFN, domain uint8, priv, user arm.Perm, exec bool) error {
	ap, apx, ok := arm.EncodeAP(priv, user, t.set.format)
	if !ok {
		return fmt.Errorf("privileged %v user %v in %v format: %w", priv, user, t.set.format, mmuerr.ErrInvalidPermissions)
	}
	return t.install(gva, pfn, domain, t.set.leafAP(ap), apx, !exec, false)
}

// MapSubpages is Map with separate permissions for each 1KB sub-page of the
// page at gva. Only legacy tables can hold differing sub-page permissions;
// extended tables return ErrSubpagePermissions for them.
func (t *Table) MapSubpages(gva arm.GVA, pfn arm.PFN, domain uint8, caps [4]arm.Capability, exec bool) error {
	if caps == [4]arm.Capability{caps[0], caps[0], caps[0], caps[0]} {
		return t.Map(gva, pfn, domain, caps[0].Priv, caps[0].User, exec)
	}
	if t.set.format != arm.FormatLegacy {
		return fmt.Errorf("sub-pages %v at %v: %w", caps, gva, mmuerr.ErrSubpagePermissions)
	}
	var packed uint8
	for i, c := range caps {
		ap, _, ok := arm.EncodeAP(c.Priv, c.User, arm.FormatLegacy)
		if !ok {
			return fmt.Errorf("sub-page %d %v: %w", i, c, mmuerr.ErrInvalidPermissions)
		}
		packed |= ap << (2 * i)
	}
	return t.install(gva, pfn, domain, packed, false, !exec, false)
}

// leafAP returns the leaf permission field for a 2-bit ap: legacy leaves
// carry it once per sub-page.
func (s *Set) leafAP(ap uint8) uint8 {
	if s.format == arm.FormatLegacy {
		return arm.ReplicateAP(ap)
	}
	return ap
}

// install writes the leaf for gva. ap is the leaf's permission field: four
// packed sub-page fields for legacy tables. If special is set, domain and ap
// are used as given even inside the synthetic regions.
func (t *Table) install(gva arm.GVA, pfn arm.PFN, domain uint8, ap uint8, apx, xn, special bool) error {
	s := t.set
	if pfn > arm.MaxPFN {
		return fmt.Errorf("host frame %#x: %w", pfn, mmuerr.ErrUnsupportedRange)
	}
	global := gva.PageRoundDown() == s.special.SharedGVA.PageRoundDown() ||
		(s.kernelSplit != 0 && gva > s.kernelSplit)

	if !special && t.synthetic(gva) {
		switch arm.DomainClassOf(s.regs.DACR, domain) {
		case arm.DomainManager:
			ap, apx = s.leafAP(0b11), false
		case arm.DomainClient:
		default:
			ap, apx = 0, false
		}
		domain = arm.ReservedDomain
	}

	idx := gva.L1Index()
	l1 := t.words[idx]
	var sub []uint32
	switch descriptor.L1Type(l1) {
	case 0b00:
		phys, words, err := s.allocSubTable()
		if err != nil {
			return err
		}
		sub = words
		t.words[idx] = descriptor.EncodeCoarse(phys, domain)
	case 0b01:
		var err error
		if sub, _, err = s.subTable(l1); err != nil {
			return err
		}
		if old := sub[gva.L2Index()]; old != 0 {
			if err := t.releaseLeaf(descriptor.L1Domain(l1), old); err != nil {
				return err
			}
			sub[gva.L2Index()] = 0
		}
		t.words[idx] = descriptor.SetDomain(l1, domain)
	default:
		return fmt.Errorf("mapping %v over first level entry %#08x: %w", gva, l1, mmuerr.ErrNotCoarse)
	}

	if s.format == arm.FormatExtended {
		sub[gva.L2Index()] = descriptor.EncodeExtSmall(pfn, ap, apx, xn, !global, descriptor.DefaultCache)
	} else {
		sub[gva.L2Index()] = descriptor.EncodeSmall(pfn, ap, descriptor.DefaultCache)
	}
	if s.log.IsLogging(log.Debug) {
		s.log.Debugf("Shadow %#08x: %v -> pfn %#x domain %d leaf %#08x", t.guestTTBR, gva, pfn, domain, sub[gva.L2Index()])
	}
	return nil
}

// synthetic reports whether gva falls in the 1MB region of the shared page
// or of the host vectors.
func (t *Table) synthetic(gva arm.GVA) bool {
	sp := t.set.special
	return gva.SameSection(sp.SharedGVA) || gva.SameSection(sp.VectorsGVA())
}

// UnmapLeaf removes the leaf for gva. The region's sub-table stays in place.
func (t *Table) UnmapLeaf(gva arm.GVA) error {
	l1 := t.words[gva.L1Index()]
	switch descriptor.L1Type(l1) {
	case 0b00:
		return nil
	case 0b01:
	default:
		return fmt.Errorf("unmapping %v from first level entry %#08x: %w", gva, l1, mmuerr.ErrNotCoarse)
	}
	sub, _, err := t.set.subTable(l1)
	if err != nil {
		return err
	}
	leaf := sub[gva.L2Index()]
	if leaf == 0 {
		return nil
	}
	if err := t.releaseLeaf(descriptor.L1Domain(l1), leaf); err != nil {
		return err
	}
	sub[gva.L2Index()] = 0
	return nil
}

// UnmapRegion removes the whole 1MB region containing gva, releasing its
// sub-table.
func (t *Table) UnmapRegion(gva arm.GVA) error {
	return t.releaseRegion(gva.L1Index())
}

// Lookup returns the leaf installed for gva.
func (t *Table) Lookup(gva arm.GVA) (uint32, bool) {
	l1 := t.words[gva.L1Index()]
	if descriptor.L1Type(l1) != 0b01 {
		return 0, false
	}
	sub, _, err := t.set.subTable(l1)
	if err != nil {
		return 0, false
	}
	leaf := sub[gva.L2Index()]
	return leaf, leaf != 0
}

// Region returns the first level entry covering gva and, if it is coarse, a
// copy of its sub-table.
func (t *Table) Region(gva arm.GVA) (uint32, []uint32) {
	l1 := t.words[gva.L1Index()]
	if descriptor.L1Type(l1) != 0b01 {
		return l1, nil
	}
	sub, _, err := t.set.subTable(l1)
	if err != nil {
		return l1, nil
	}
	return l1, append([]uint32(nil), sub...)
}

// Init empties t and maps the shared page and the host vectors into it.
// Both hold a fresh frame reference.
func (t *Table) Init() error {
	if err := t.releaseChildren(); err != nil {
		return err
	}
	sp := t.set.special
	if err := t.mapSpecial(sp.SharedGVA, sp.SharedPFN); err != nil {
		return fmt.Errorf("mapping shared page: %w", err)
	}
	if err := t.mapSpecial(sp.VectorsGVA(), sp.VectorsPFN); err != nil {
		return fmt.Errorf("mapping host vectors: %w", err)
	}
	t.vectorsHigh = sp.HighVectors
	return nil
}

// SwitchVectors moves the host vectors of the set to the high or low vector
// address and remaps them in t. Other tables of the set follow when they
// are activated.
func (t *Table) SwitchVectors(high bool) error {
	s := t.set
	if high != s.special.HighVectors {
		s.log.Infof("Host vectors switched to %s", vectorsName(high))
		s.special.HighVectors = high
	}
	return t.moveVectors(high)
}

// moveVectors unmaps the host vector page from its old address in t and
// maps it at the other.
func (t *Table) moveVectors(high bool) error {
	if t.vectorsHigh == high {
		return nil
	}
	var err error
	if high {
		err = t.UnmapRegion(arm.VectorsLow)
	} else {
		err = t.UnmapLeaf(arm.VectorsHigh)
	}
	if err != nil {
		return err
	}
	t.vectorsHigh = high
	return t.mapSpecial(t.set.special.VectorsGVA(), t.set.special.VectorsPFN)
}

// mapSpecial pins pfn and maps it at gva for privileged use only.
func (t *Table) mapSpecial(gva arm.GVA, pfn arm.PFN) error {
	ap, apx, _ := arm.EncodeAP(arm.PermReadWrite, arm.PermNone, t.set.format)
	t.set.frames.Pin(pfn)
	if err := t.install(gva, pfn, arm.ReservedDomain, t.set.leafAP(ap), apx, false, true); err != nil {
		t.set.frames.ReleaseClean(pfn)
		return err
	}
	return nil
}

func vectorsName(high bool) string {
	if high {
		return "high"
	}
	return "low"
}
