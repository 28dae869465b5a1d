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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
	"github.com/kvmarm/shadowmmu/pkg/arm/descriptor"
	"github.com/kvmarm/shadowmmu/pkg/errors/mmuerr"
)

const (
	sharedGVA  = arm.GVA(0xbf000000)
	sharedPFN  = arm.PFN(0x100)
	vectorsPFN = arm.PFN(0x101)

	// userBase is a region clear of the shared page and both vector
	// addresses.
	userBase = arm.GVA(0x10000000)

	allClient = 0x55555555
)

// fakeFrames counts references per frame.
type fakeFrames struct {
	refs  map[arm.PFN]int
	dirty []arm.PFN
	clean []arm.PFN
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{refs: make(map[arm.PFN]int)}
}

func (f *fakeFrames) Pin(pfn arm.PFN) {
	f.refs[pfn]++
}

func (f *fakeFrames) ReleaseDirty(pfn arm.PFN) {
	f.refs[pfn]--
	f.dirty = append(f.dirty, pfn)
}

func (f *fakeFrames) ReleaseClean(pfn arm.PFN) {
	f.refs[pfn]--
	f.clean = append(f.clean, pfn)
}

// outstanding returns the frames with a non-zero count.
func (f *fakeFrames) outstanding() map[arm.PFN]int {
	m := make(map[arm.PFN]int)
	for pfn, n := range f.refs {
		if n != 0 {
			m[pfn] = n
		}
	}
	return m
}

type testSet struct {
	*Set
	src    *HeapSource
	frames *fakeFrames
	regs   *cp15.Registers
}

func newTestSet(t *testing.T, format arm.Format, mod func(*Options)) *testSet {
	t.Helper()
	src, err := NewHeapSource(256)
	if err != nil {
		t.Fatalf("NewHeapSource: %v", err)
	}
	ts := &testSet{
		src:    src,
		frames: newFakeFrames(),
		regs:   &cp15.Registers{DACR: allClient},
	}
	opts := Options{
		Format: format,
		Source: src,
		Frames: ts.frames,
		Regs:   ts.regs,
		Special: SpecialPages{
			SharedGVA:   sharedGVA,
			SharedPFN:   sharedPFN,
			VectorsPFN:  vectorsPFN,
			HighVectors: true,
		},
	}
	if mod != nil {
		mod(&opts)
	}
	s, err := NewSet(opts)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	ts.Set = s
	return ts
}

func (ts *testSet) allocate(t *testing.T, ttbr uint32) *Table {
	t.Helper()
	tbl, err := ts.Allocate(ttbr)
	if err != nil {
		t.Fatalf("Allocate(%#x): %v", ttbr, err)
	}
	return tbl
}

// mapUser maps gva to pfn with the guest frame refcounted the way the
// caller of Map does it.
func (ts *testSet) mapUser(t *testing.T, tbl *Table, gva arm.GVA, pfn arm.PFN, domain uint8, priv, user arm.Perm) {
	t.Helper()
	ts.frames.Pin(pfn)
	if err := tbl.Map(gva, pfn, domain, priv, user, true); err != nil {
		t.Fatalf("Map(%v, %#x): %v", gva, pfn, err)
	}
}

func TestNewSetValidation(t *testing.T) {
	if _, err := NewSet(Options{}); err == nil {
		t.Errorf("NewSet with no page source succeeded")
	}
}

func TestAllocate(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	if got := tbl.Phys() % arm.L1TableSize; got != 0 {
		t.Errorf("Phys() = %#x, not naturally aligned", tbl.Phys())
	}
	for i, w := range tbl.words {
		if w != 0 {
			t.Fatalf("entry %d = %#x, want 0", i, w)
		}
	}
	if got := len(tbl.words); got != arm.L1Entries {
		t.Errorf("len(words) = %d, want %d", got, arm.L1Entries)
	}
	if tbl.ASID() != 0 {
		t.Errorf("ASID() = %d without a pool, want 0", tbl.ASID())
	}
	if _, err := ts.Allocate(0x4000); err == nil {
		t.Errorf("second Allocate(0x4000) succeeded")
	}
	got, ok := ts.Lookup(0x4000)
	if !ok || got != tbl {
		t.Errorf("Lookup(0x4000) = %p, %t, want %p, true", got, ok, tbl)
	}
	if got := ts.src.Stats().Live(); got != 4 {
		t.Errorf("live pages = %d, want 4", got)
	}
}

func TestSubTablePacking(t *testing.T) {
	for n := 1; n <= 8; n++ {
		ts := newTestSet(t, arm.FormatExtended, nil)
		tbl := ts.allocate(t, 0x4000)
		for i := 0; i < n; i++ {
			ts.mapUser(t, tbl, userBase+arm.GVA(i)<<arm.SectionShift, arm.PFN(0x200+i), 0, arm.PermReadWrite, arm.PermReadWrite)
		}
		wantPages := (n + 3) / 4
		st := ts.Stats()
		if st.SubPages != wantPages || st.SubTables != n {
			t.Errorf("n=%d: Stats() = %+v, want %d sub-pages and %d sub-tables", n, st, wantPages, n)
		}
		if got, want := ts.src.Stats().Live(), uint64(4+wantPages); got != want {
			t.Errorf("n=%d: live pages = %d, want %d", n, got, want)
		}
		if err := ts.Release(tbl); err != nil {
			t.Fatalf("n=%d: Release: %v", n, err)
		}
		src := ts.src.Stats()
		if src.Live() != 0 || src.DoubleFrees != 0 {
			t.Errorf("n=%d: after release source stats = %+v", n, src)
		}
		if got := ts.frames.outstanding(); len(got) != 0 {
			t.Errorf("n=%d: outstanding frames after release: %v", n, got)
		}
		if got := ts.Stats(); got != (Stats{}) {
			t.Errorf("n=%d: set stats after release = %+v", n, got)
		}
	}
}

func TestMapEncoding(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format arm.Format
		split  arm.GVA
		gva    arm.GVA
		priv   arm.Perm
		user   arm.Perm
		exec   bool
		want   uint32
	}{
		{
			name:   "extended execute never",
			format: arm.FormatExtended,
			gva:    userBase + 0x3000,
			priv:   arm.PermReadWrite,
			user:   arm.PermRead,
			want:   0x1234582f,
		},
		{
			name:   "extended executable",
			format: arm.FormatExtended,
			gva:    userBase + 0x3000,
			priv:   arm.PermReadWrite,
			user:   arm.PermReadWrite,
			exec:   true,
			want:   0x1234583e,
		},
		{
			name:   "extended privileged read only",
			format: arm.FormatExtended,
			gva:    userBase,
			priv:   arm.PermRead,
			user:   arm.PermNone,
			exec:   true,
			want:   0x12345a1e,
		},
		{
			name:   "extended kernel address is global",
			format: arm.FormatExtended,
			split:  0xc0000000,
			gva:    0xc0100000,
			priv:   arm.PermReadWrite,
			user:   arm.PermNone,
			exec:   true,
			want:   0x1234501e,
		},
		{
			name:   "shared page is global",
			format: arm.FormatExtended,
			gva:    sharedGVA + 0x10,
			priv:   arm.PermReadWrite,
			user:   arm.PermReadWrite,
			exec:   true,
			want:   0x1234503e,
		},
		{
			name:   "legacy replicated",
			format: arm.FormatLegacy,
			gva:    userBase + 0x3000,
			priv:   arm.PermReadWrite,
			user:   arm.PermRead,
			want:   0x12345aae,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestSet(t, tc.format, func(o *Options) { o.KernelSplit = tc.split })
			tbl := ts.allocate(t, 0x4000)
			if err := tbl.Map(tc.gva, 0x12345, 3, tc.priv, tc.user, tc.exec); err != nil {
				t.Fatalf("Map: %v", err)
			}
			got, ok := tbl.Lookup(tc.gva)
			if !ok {
				t.Fatalf("Lookup(%v) found nothing", tc.gva)
			}
			if got != tc.want {
				t.Errorf("leaf = %#08x, want %#08x", got, tc.want)
			}
		})
	}
}

func TestMapL1Entry(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0x200, 3, arm.PermReadWrite, arm.PermNone)
	// The root takes frames 4-7, so the first sub-table page is frame 1.
	if got, want := tbl.L1(userBase), uint32(0x1061); got != want {
		t.Errorf("L1(%v) = %#08x, want %#08x", userBase, got, want)
	}
	// A second region is carved from the same page.
	ts.mapUser(t, tbl, userBase+arm.SectionSize, 0x201, 3, arm.PermReadWrite, arm.PermNone)
	if got, want := tbl.L1(userBase+arm.SectionSize), uint32(0x1461); got != want {
		t.Errorf("L1(%v) = %#08x, want %#08x", userBase+arm.SectionSize, got, want)
	}
	// Mapping again replaces the domain of the region.
	ts.mapUser(t, tbl, userBase+0x1000, 0x202, 9, arm.PermReadWrite, arm.PermNone)
	if got := descriptor.L1Domain(tbl.L1(userBase)); got != 9 {
		t.Errorf("domain after remap = %d, want 9", got)
	}
}

func TestMapErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format arm.Format
		pfn    arm.PFN
		priv   arm.Perm
		user   arm.Perm
		want   error
	}{
		{"user without privileged", arm.FormatExtended, 1, arm.PermNone, arm.PermRead, mmuerr.ErrInvalidPermissions},
		{"user write over privileged read", arm.FormatExtended, 1, arm.PermRead, arm.PermReadWrite, mmuerr.ErrInvalidPermissions},
		{"legacy privileged read only", arm.FormatLegacy, 1, arm.PermRead, arm.PermNone, mmuerr.ErrInvalidPermissions},
		{"frame too large", arm.FormatExtended, arm.MaxPFN + 1, arm.PermReadWrite, arm.PermNone, mmuerr.ErrUnsupportedRange},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestSet(t, tc.format, nil)
			tbl := ts.allocate(t, 0x4000)
			if err := tbl.Map(userBase, tc.pfn, 0, tc.priv, tc.user, true); !errors.Is(err, tc.want) {
				t.Errorf("Map = %v, want %v", err, tc.want)
			}
			if _, ok := tbl.Lookup(userBase); ok {
				t.Errorf("failed Map installed a leaf")
			}
		})
	}
}

func TestMapOverSection(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	tbl.words[userBase.L1Index()] = 0x10000c02
	if err := tbl.Map(userBase, 1, 0, arm.PermReadWrite, arm.PermNone, true); !errors.Is(err, mmuerr.ErrNotCoarse) {
		t.Errorf("Map over section = %v, want %v", err, mmuerr.ErrNotCoarse)
	}
	if err := tbl.UnmapLeaf(userBase); !errors.Is(err, mmuerr.ErrNotCoarse) {
		t.Errorf("UnmapLeaf over section = %v, want %v", err, mmuerr.ErrNotCoarse)
	}
	if err := ts.Release(tbl); !errors.Is(err, mmuerr.ErrNotCoarse) {
		t.Errorf("Release = %v, want %v", err, mmuerr.ErrNotCoarse)
	}
	if got := ts.src.Stats().Live(); got != 0 {
		t.Errorf("live pages after failed release = %d, want 0", got)
	}
}

func TestSyntheticRegions(t *testing.T) {
	for _, tc := range []struct {
		name    string
		class   arm.DomainClass
		priv    arm.Perm
		user    arm.Perm
		wantAP  uint8
		wantAPX bool
	}{
		{"client keeps permissions", arm.DomainClient, arm.PermRead, arm.PermNone, 0b01, true},
		{"manager grants all", arm.DomainManager, arm.PermRead, arm.PermNone, 0b11, false},
		{"no access denies all", arm.DomainNoAccess, arm.PermReadWrite, arm.PermReadWrite, 0, false},
		{"reserved denies all", arm.DomainReserved, arm.PermReadWrite, arm.PermReadWrite, 0, false},
	} {
		for _, gva := range []arm.GVA{sharedGVA + 0x5000, arm.VectorsHigh + 0x2000} {
			t.Run(tc.name+"/"+gva.String(), func(t *testing.T) {
				ts := newTestSet(t, arm.FormatExtended, nil)
				ts.regs.DACR = arm.WithDomainClass(allClient, 7, tc.class)
				tbl := ts.allocate(t, 0x4000)
				ts.mapUser(t, tbl, gva, 0x300, 7, tc.priv, tc.user)
				if got := descriptor.L1Domain(tbl.L1(gva)); got != arm.ReservedDomain {
					t.Errorf("domain = %d, want %d", got, arm.ReservedDomain)
				}
				leaf, _ := tbl.Lookup(gva)
				d := descriptor.DecodeL2(leaf, arm.FormatExtended)
				if d.AP != tc.wantAP || d.APX != tc.wantAPX {
					t.Errorf("AP, APX = %#b, %t, want %#b, %t", d.AP, d.APX, tc.wantAP, tc.wantAPX)
				}
			})
		}
	}
}

func TestLowVectorsNotSyntheticWhenHigh(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, 0x1000, 0x300, 7, arm.PermReadWrite, arm.PermNone)
	if got := descriptor.L1Domain(tbl.L1(0x1000)); got != 7 {
		t.Errorf("domain = %d, want 7", got)
	}
}

func TestMapSubpages(t *testing.T) {
	var (
		none = arm.Capability{}
		priv = arm.Capability{Priv: arm.PermReadWrite}
		read = arm.Capability{Priv: arm.PermReadWrite, User: arm.PermRead}
		full = arm.Capability{Priv: arm.PermReadWrite, User: arm.PermReadWrite}
	)
	for _, tc := range []struct {
		name    string
		format  arm.Format
		caps    [4]arm.Capability
		want    uint32
		wantErr error
	}{
		{
			name:   "legacy packed",
			format: arm.FormatLegacy,
			caps:   [4]arm.Capability{full, priv, priv, priv},
			want:   0x1234557e,
		},
		{
			name:   "legacy inaccessible sub-page",
			format: arm.FormatLegacy,
			caps:   [4]arm.Capability{read, none, full, priv},
			want:   0x1234572e,
		},
		{
			name:   "extended uniform",
			format: arm.FormatExtended,
			caps:   [4]arm.Capability{read, read, read, read},
			want:   0x1234582f,
		},
		{
			name:    "extended differing",
			format:  arm.FormatExtended,
			caps:    [4]arm.Capability{full, priv, priv, priv},
			wantErr: mmuerr.ErrSubpagePermissions,
		},
		{
			name:    "legacy privileged read only",
			format:  arm.FormatLegacy,
			caps:    [4]arm.Capability{full, {Priv: arm.PermRead}, full, full},
			wantErr: mmuerr.ErrInvalidPermissions,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestSet(t, tc.format, nil)
			tbl := ts.allocate(t, 0x4000)
			err := tbl.MapSubpages(userBase+0x3000, 0x12345, 3, tc.caps, false)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("MapSubpages = %v, want %v", err, tc.wantErr)
			}
			got, ok := tbl.Lookup(userBase + 0x3000)
			if tc.wantErr != nil {
				if ok {
					t.Errorf("failed MapSubpages installed leaf %#08x", got)
				}
				return
			}
			if got != tc.want {
				t.Errorf("leaf = %#08x, want %#08x", got, tc.want)
			}
		})
	}
}

func TestSubpageReleaseDirty(t *testing.T) {
	ts := newTestSet(t, arm.FormatLegacy, nil)
	tbl := ts.allocate(t, 0x4000)
	// Only the third sub-page is writable.
	ts.frames.Pin(0x10)
	if err := tbl.MapSubpages(userBase, 0x10, 0, [4]arm.Capability{{}, {}, {Priv: arm.PermReadWrite}, {}}, true); err != nil {
		t.Fatalf("MapSubpages: %v", err)
	}
	ts.mapUser(t, tbl, userBase+0x1000, 0x11, 0, arm.PermNone, arm.PermNone)
	if err := ts.Release(tbl); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if diff := cmp.Diff([]arm.PFN{0x10}, ts.frames.dirty); diff != "" {
		t.Errorf("dirty releases (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]arm.PFN{0x11}, ts.frames.clean); diff != "" {
		t.Errorf("clean releases (-want +got):\n%s", diff)
	}
}

func TestMapIdempotent(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format arm.Format
		gva    arm.GVA
	}{
		{"extended", arm.FormatExtended, userBase + 0x5000},
		{"legacy", arm.FormatLegacy, userBase + 0x5000},
		{"extended shared page", arm.FormatExtended, sharedGVA},
		{"legacy shared page", arm.FormatLegacy, sharedGVA},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestSet(t, tc.format, nil)
			tbl := ts.allocate(t, 0x4000)
			ts.mapUser(t, tbl, tc.gva, 0x300, 6, arm.PermReadWrite, arm.PermRead)
			l1, sub := tbl.Region(tc.gva)
			ts.mapUser(t, tbl, tc.gva, 0x300, 6, arm.PermReadWrite, arm.PermRead)
			gotL1, gotSub := tbl.Region(tc.gva)
			if gotL1 != l1 {
				t.Errorf("L1 entry after second Map = %#08x, want %#08x", gotL1, l1)
			}
			if diff := cmp.Diff(sub, gotSub); diff != "" {
				t.Errorf("sub-table changed by identical Map (-first +second):\n%s", diff)
			}
			if got := ts.frames.outstanding(); !cmp.Equal(got, map[arm.PFN]int{0x300: 1}) {
				t.Errorf("outstanding = %v, want one reference on 0x300", got)
			}
		})
	}
}

func TestUnmapRoundTrip(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0x200, 4, arm.PermReadWrite, arm.PermNone)

	l1, before := tbl.Region(userBase + 0x7000)
	ts.mapUser(t, tbl, userBase+0x7000, 0x201, 4, arm.PermReadWrite, arm.PermRead)
	if err := tbl.UnmapLeaf(userBase + 0x7000); err != nil {
		t.Fatalf("UnmapLeaf: %v", err)
	}
	gotL1, after := tbl.Region(userBase + 0x7000)
	if gotL1 != l1 {
		t.Errorf("L1 entry = %#08x, want %#08x", gotL1, l1)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("sub-table changed after map and unmap (-before +after):\n%s", diff)
	}

	// Unmapping again changes nothing.
	if err := tbl.UnmapLeaf(userBase + 0x7000); err != nil {
		t.Fatalf("second UnmapLeaf: %v", err)
	}
	if _, again := tbl.Region(userBase + 0x7000); !cmp.Equal(before, again) {
		t.Errorf("second UnmapLeaf changed the sub-table")
	}
	if err := tbl.UnmapLeaf(userBase + 0x300000); err != nil {
		t.Errorf("UnmapLeaf of unmapped region: %v", err)
	}
	if got := ts.frames.outstanding(); !cmp.Equal(got, map[arm.PFN]int{0x200: 1}) {
		t.Errorf("outstanding = %v, want only 0x200", got)
	}
}

// TestUnmapLeafKeepsSubTable covers a region that had no sub-table before
// the Map: UnmapLeaf empties the sub-table but leaves it installed, and
// UnmapRegion restores the empty first level entry.
func TestUnmapLeafKeepsSubTable(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	gva := userBase + 0x7000
	if got := tbl.L1(gva); got != 0 {
		t.Fatalf("L1 before Map = %#08x, want 0", got)
	}
	ts.mapUser(t, tbl, gva, 0x201, 4, arm.PermReadWrite, arm.PermRead)
	if err := tbl.UnmapLeaf(gva); err != nil {
		t.Fatalf("UnmapLeaf: %v", err)
	}
	l1, sub := tbl.Region(gva)
	if descriptor.L1Type(l1) != 0b01 {
		t.Errorf("L1 after UnmapLeaf = %#08x, want a coarse entry", l1)
	}
	if diff := cmp.Diff(make([]uint32, len(sub)), sub); diff != "" {
		t.Errorf("sub-table not empty after UnmapLeaf (-want +got):\n%s", diff)
	}
	if err := tbl.UnmapRegion(gva); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if got := tbl.L1(gva); got != 0 {
		t.Errorf("L1 after UnmapRegion = %#08x, want 0", got)
	}
	if got := ts.frames.outstanding(); len(got) != 0 {
		t.Errorf("outstanding = %v", got)
	}
}

func TestUnmapRegion(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0x200, 0, arm.PermReadWrite, arm.PermNone)
	ts.mapUser(t, tbl, userBase+0x1000, 0x201, 0, arm.PermReadWrite, arm.PermNone)
	if err := tbl.UnmapRegion(userBase); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if got := tbl.L1(userBase); got != 0 {
		t.Errorf("L1 after UnmapRegion = %#08x, want 0", got)
	}
	if got := ts.frames.outstanding(); len(got) != 0 {
		t.Errorf("outstanding after UnmapRegion = %v", got)
	}
	if err := tbl.UnmapRegion(userBase); err != nil {
		t.Errorf("second UnmapRegion: %v", err)
	}
}

func TestCursorReset(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0x200, 0, arm.PermReadWrite, arm.PermNone)
	if st := ts.Stats(); !st.CursorActive || st.SubPages != 1 {
		t.Fatalf("Stats() = %+v, want an active cursor on one page", st)
	}
	if err := tbl.UnmapRegion(userBase); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if got := ts.Stats(); got != (Stats{Tables: 1}) {
		t.Errorf("Stats() after freeing the cursor page = %+v", got)
	}
	if got := ts.src.Stats().Live(); got != 4 {
		t.Errorf("live pages = %d, want 4", got)
	}
	ts.mapUser(t, tbl, userBase, 0x200, 0, arm.PermReadWrite, arm.PermNone)
	if got, want := tbl.L1(userBase)&descriptor.CoarseBaseMask, uint32(0x1000); got != want {
		t.Errorf("sub-table at %#x, want a fresh page at %#x", got, want)
	}
}

func TestLeafOverwriteReleases(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0xa, 0, arm.PermReadWrite, arm.PermNone)
	ts.mapUser(t, tbl, userBase, 0xb, 0, arm.PermRead, arm.PermNone)
	ts.mapUser(t, tbl, userBase, 0xa, 0, arm.PermReadWrite, arm.PermNone)
	if err := tbl.UnmapLeaf(userBase); err != nil {
		t.Fatalf("UnmapLeaf: %v", err)
	}
	if diff := cmp.Diff([]arm.PFN{0xa, 0xa}, ts.frames.dirty); diff != "" {
		t.Errorf("dirty releases (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]arm.PFN{0xb}, ts.frames.clean); diff != "" {
		t.Errorf("clean releases (-want +got):\n%s", diff)
	}
	if got := ts.frames.outstanding(); len(got) != 0 {
		t.Errorf("outstanding = %v", got)
	}
}

func TestReleaseDirtyClean(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	dacr := uint32(allClient)
	dacr = arm.WithDomainClass(dacr, 1, arm.DomainManager)
	dacr = arm.WithDomainClass(dacr, 2, arm.DomainNoAccess)
	ts.regs.DACR = dacr
	tbl := ts.allocate(t, 0x4000)

	// Domain 0 is a client.
	ts.mapUser(t, tbl, userBase, 0x10, 0, arm.PermReadWrite, arm.PermNone)
	ts.mapUser(t, tbl, userBase+0x1000, 0x11, 0, arm.PermRead, arm.PermRead)
	// Managers write through anything.
	ts.mapUser(t, tbl, userBase+arm.SectionSize, 0x12, 1, arm.PermRead, arm.PermNone)
	// No access domains never write.
	ts.mapUser(t, tbl, userBase+2*arm.SectionSize, 0x13, 2, arm.PermReadWrite, arm.PermReadWrite)

	if err := ts.Release(tbl); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if diff := cmp.Diff([]arm.PFN{0x10, 0x12}, ts.frames.dirty); diff != "" {
		t.Errorf("dirty releases (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]arm.PFN{0x11, 0x13}, ts.frames.clean); diff != "" {
		t.Errorf("clean releases (-want +got):\n%s", diff)
	}
}

func TestOverwriteUsesOldDomain(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	ts.regs.DACR = arm.WithDomainClass(allClient, 2, arm.DomainNoAccess)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0x10, 2, arm.PermReadWrite, arm.PermNone)
	ts.mapUser(t, tbl, userBase, 0x11, 0, arm.PermReadWrite, arm.PermNone)
	if diff := cmp.Diff([]arm.PFN{0x10}, ts.frames.clean); diff != "" {
		t.Errorf("clean releases (-want +got):\n%s", diff)
	}
}

func TestWindowExhaustion(t *testing.T) {
	src, err := NewHeapSource(8)
	if err != nil {
		t.Fatalf("NewHeapSource: %v", err)
	}
	ts := newTestSet(t, arm.FormatExtended, func(o *Options) { o.Source = src })
	ts.src = src
	tbl := ts.allocate(t, 0x4000)
	if _, err := ts.Allocate(0x8000); !errors.Is(err, mmuerr.ErrNoMemory) {
		t.Errorf("Allocate with a full window = %v, want %v", err, mmuerr.ErrNoMemory)
	}
	// Frames 1-3 hold twelve sub-tables.
	for i := 0; i < 12; i++ {
		ts.mapUser(t, tbl, userBase+arm.GVA(i)<<arm.SectionShift, 0x10, 0, arm.PermReadWrite, arm.PermNone)
	}
	gva := userBase + 12<<arm.SectionShift
	if err := tbl.Map(gva, 0x10, 0, arm.PermReadWrite, arm.PermNone, true); !errors.Is(err, mmuerr.ErrNoMemory) {
		t.Errorf("Map with a full window = %v, want %v", err, mmuerr.ErrNoMemory)
	}
	if got := tbl.L1(gva); got != 0 {
		t.Errorf("failed Map left L1 entry %#08x", got)
	}
	if err := ts.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if st := src.Stats(); st.Live() != 0 || st.DoubleFrees != 0 {
		t.Errorf("source stats = %+v", st)
	}
}

func TestMmapSource(t *testing.T) {
	src, err := NewMmapSource(64)
	if err != nil {
		t.Fatalf("NewMmapSource: %v", err)
	}
	ts := newTestSet(t, arm.FormatExtended, func(o *Options) { o.Source = src })
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0x200, 0, arm.PermReadWrite, arm.PermNone)
	if _, ok := tbl.Lookup(userBase); !ok {
		t.Errorf("Lookup found nothing")
	}
	if err := ts.Release(tbl); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if st := src.Stats(); st.Live() != 0 || st.DoubleFrees != 0 || st.Allocated != 5 {
		t.Errorf("source stats = %+v, want 5 pages allocated and freed", st)
	}
}

func TestReleaseForeign(t *testing.T) {
	a := newTestSet(t, arm.FormatExtended, nil)
	b := newTestSet(t, arm.FormatExtended, nil)
	tbl := a.allocate(t, 0x4000)
	if err := b.Release(tbl); !errors.Is(err, mmuerr.ErrForeignTable) {
		t.Errorf("Release by another set = %v, want %v", err, mmuerr.ErrForeignTable)
	}
	if err := a.Activate(tbl); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := a.Release(tbl); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.Active() != nil {
		t.Errorf("released table still active")
	}
	if err := a.Release(tbl); !errors.Is(err, mmuerr.ErrForeignTable) {
		t.Errorf("second Release = %v, want %v", err, mmuerr.ErrForeignTable)
	}
}

func TestASIDs(t *testing.T) {
	asids, err := NewASIDs(1, 2)
	if err != nil {
		t.Fatalf("NewASIDs: %v", err)
	}
	ts := newTestSet(t, arm.FormatExtended, func(o *Options) { o.ASIDs = asids })
	t1 := ts.allocate(t, 0x4000)
	t2 := ts.allocate(t, 0x8000)
	t3 := ts.allocate(t, 0xc000)
	if got := []uint8{t1.ASID(), t2.ASID(), t3.ASID()}; !cmp.Equal(got, []uint8{1, 2, 0}) {
		t.Errorf("ASIDs = %v, want [1 2 0]", got)
	}
	if err := ts.Release(t1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if t4 := ts.allocate(t, 0x10000); t4.ASID() != 1 {
		t.Errorf("ASID after release = %d, want 1", t4.ASID())
	}
	if asids.Available() != 0 {
		t.Errorf("Available() = %d, want 0", asids.Available())
	}
	if err := ts.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if asids.Available() != 2 {
		t.Errorf("Available() after ReleaseAll = %d, want 2", asids.Available())
	}
}

func TestNewASIDsRange(t *testing.T) {
	for _, tc := range []struct {
		start, size uint16
		ok          bool
	}{
		{1, 255, true},
		{0, 4, false},
		{1, 256, false},
		{200, 56, true},
	} {
		if _, err := NewASIDs(tc.start, tc.size); (err == nil) != tc.ok {
			t.Errorf("NewASIDs(%d, %d) = %v, want ok %t", tc.start, tc.size, err, tc.ok)
		}
	}
}

func TestInit(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	tbl := ts.allocate(t, 0x4000)
	ts.mapUser(t, tbl, userBase, 0x200, 0, arm.PermReadWrite, arm.PermNone)
	for i := 0; i < 2; i++ {
		if err := tbl.Init(); err != nil {
			t.Fatalf("Init: %v", err)
		}
	}
	if _, ok := tbl.Lookup(userBase); ok {
		t.Errorf("Init kept a guest mapping")
	}
	for _, tc := range []struct {
		gva    arm.GVA
		pfn    arm.PFN
		global bool
	}{
		{sharedGVA, sharedPFN, true},
		{arm.VectorsHigh, vectorsPFN, false},
	} {
		leaf, ok := tbl.Lookup(tc.gva)
		if !ok {
			t.Fatalf("Lookup(%v) found nothing", tc.gva)
		}
		want := descriptor.EncodeExtSmall(tc.pfn, 0b01, false, false, !tc.global, descriptor.DefaultCache)
		if leaf != want {
			t.Errorf("leaf at %v = %#08x, want %#08x", tc.gva, leaf, want)
		}
		if got := descriptor.L1Domain(tbl.L1(tc.gva)); got != arm.ReservedDomain {
			t.Errorf("domain at %v = %d, want %d", tc.gva, got, arm.ReservedDomain)
		}
	}
	want := map[arm.PFN]int{sharedPFN: 1, vectorsPFN: 1}
	if diff := cmp.Diff(want, ts.frames.outstanding()); diff != "" {
		t.Errorf("outstanding (-want +got):\n%s", diff)
	}
	if err := ts.Release(tbl); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := ts.frames.outstanding(); len(got) != 0 {
		t.Errorf("outstanding after release = %v", got)
	}
}

func TestInitIgnoresGuestDomains(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	ts.regs.DACR = 0
	tbl := ts.allocate(t, 0x4000)
	if err := tbl.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	leaf, _ := tbl.Lookup(sharedGVA)
	if d := descriptor.DecodeL2(leaf, arm.FormatExtended); d.AP != 0b01 {
		t.Errorf("shared page AP = %#b, want 0b01", d.AP)
	}
}

func TestSwitchVectors(t *testing.T) {
	ts := newTestSet(t, arm.FormatExtended, nil)
	t1 := ts.allocate(t, 0x4000)
	t2 := ts.allocate(t, 0x8000)
	for _, tbl := range []*Table{t1, t2} {
		if err := tbl.Init(); err != nil {
			t.Fatalf("Init: %v", err)
		}
	}
	if err := ts.Activate(t1); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := t1.SwitchVectors(false); err != nil {
		t.Fatalf("SwitchVectors(false): %v", err)
	}
	if ts.Special().HighVectors {
		t.Errorf("set still has high vectors")
	}
	if _, ok := t1.Lookup(arm.VectorsHigh); ok {
		t.Errorf("high vectors still mapped")
	}
	if _, ok := t1.Lookup(arm.VectorsLow); !ok {
		t.Errorf("low vectors not mapped")
	}
	// The high vector region keeps its sub-table.
	if got := descriptor.L1Type(t1.L1(arm.VectorsHigh)); got != 0b01 {
		t.Errorf("high vector region type = %#b, want coarse", got)
	}
	// No-op when unchanged.
	if err := t1.SwitchVectors(false); err != nil {
		t.Fatalf("second SwitchVectors(false): %v", err)
	}

	// t2 follows on activation.
	if _, ok := t2.Lookup(arm.VectorsLow); ok {
		t.Errorf("inactive table moved early")
	}
	if err := ts.Activate(t2); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, ok := t2.Lookup(arm.VectorsLow); !ok {
		t.Errorf("low vectors not mapped after activation")
	}
	if got := ts.frames.outstanding()[vectorsPFN]; got != 2 {
		t.Errorf("vector page refs = %d, want 2", got)
	}

	// Back to high: the whole low region goes.
	if err := t2.SwitchVectors(true); err != nil {
		t.Fatalf("SwitchVectors(true): %v", err)
	}
	if got := t2.L1(arm.VectorsLow); got != 0 {
		t.Errorf("low vector region = %#08x, want 0", got)
	}
	if _, ok := t2.Lookup(arm.VectorsHigh); !ok {
		t.Errorf("high vectors not mapped")
	}
	if err := ts.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if got := ts.frames.outstanding(); len(got) != 0 {
		t.Errorf("outstanding after ReleaseAll = %v", got)
	}
}
