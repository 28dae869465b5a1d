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

// Package config loads machine descriptions for the MMU emulation tools.
//
// A machine file is TOML:
//
//	format = "extended"
//	shared_gva = 0xbf000000
//	shared_pfn = 0xff000
//	vectors_pfn = 0xff001
//	high_vectors = true
//
//	[asids]
//	start = 1
//	size = 64
//
//	[[slot]]
//	base = 0x0
//	pages = 0x1000
//	host_pfn = 0x10000
//
//	[page_table]
//	l1 = 0x4000
//	pool = 0x8000
//	pool_size = 0x10000
//
//	[[mapping]]
//	kind = "section"
//	gva = 0xc0000000
//	gpa = 0x00000000
//	ap = 1
//
//	[[vcpu]]
//	sctlr = 0x00800001
//	dacr = 0x55555555
//
// Files ending in .yaml or .yml are read as YAML with the same keys.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/shadow"
)

// Machine describes a guest and the shadow MMU settings it runs with.
type Machine struct {
	// Format is the descriptor format of the shadow tables and of the
	// guest tables built from Mappings.
	Format string `toml:"format" yaml:"format"`

	// WindowFrames is the size of the shadow physical window. Zero selects
	// shadow.DefaultWindowFrames.
	WindowFrames uint32 `toml:"window_frames" yaml:"window_frames"`

	// MmapTables allocates shadow tables from anonymous mappings instead of
	// the Go heap.
	MmapTables bool `toml:"mmap_tables" yaml:"mmap_tables"`

	SharedGVA   uint32 `toml:"shared_gva" yaml:"shared_gva"`
	SharedPFN   uint64 `toml:"shared_pfn" yaml:"shared_pfn"`
	VectorsPFN  uint64 `toml:"vectors_pfn" yaml:"vectors_pfn"`
	HighVectors bool   `toml:"high_vectors" yaml:"high_vectors"`

	// KernelSplit is the address above which shadow leaves are global.
	KernelSplit uint32 `toml:"kernel_split" yaml:"kernel_split"`

	// ASIDs enables tagged shadow tables.
	ASIDs *ASIDRange `toml:"asids" yaml:"asids"`

	Slots     []Slot     `toml:"slot" yaml:"slot"`
	PageTable *PageTable `toml:"page_table" yaml:"page_table"`
	Mappings  []Mapping  `toml:"mapping" yaml:"mapping"`
	VCPUs     []VCPU     `toml:"vcpu" yaml:"vcpu"`
}

// ASIDRange is a range of address space identifiers.
type ASIDRange struct {
	Start uint16 `toml:"start" yaml:"start"`
	Size  uint16 `toml:"size" yaml:"size"`
}

// Slot is a range of guest memory.
type Slot struct {
	// Base is the first guest frame.
	Base uint32 `toml:"base" yaml:"base"`

	Pages   uint32 `toml:"pages" yaml:"pages"`
	HostPFN uint64 `toml:"host_pfn" yaml:"host_pfn"`

	// Image, if set, is loaded at the start of the slot.
	Image string `toml:"image" yaml:"image"`
}

// PageTable places the guest translation table built from Mappings.
type PageTable struct {
	// L1 is the guest physical address of the first level table.
	L1 uint32 `toml:"l1" yaml:"l1"`

	// Pool is where coarse tables are allocated.
	Pool     uint32 `toml:"pool" yaml:"pool"`
	PoolSize uint32 `toml:"pool_size" yaml:"pool_size"`
}

// Mapping kinds.
const (
	KindSection = "section"
	KindPage    = "page"
)

// Mapping is one entry of the guest translation table.
type Mapping struct {
	Kind   string `toml:"kind" yaml:"kind"`
	GVA    uint32 `toml:"gva" yaml:"gva"`
	GPA    uint32 `toml:"gpa" yaml:"gpa"`
	Domain uint8  `toml:"domain" yaml:"domain"`
	AP     uint8  `toml:"ap" yaml:"ap"`
	APX    bool   `toml:"apx" yaml:"apx"`
	XN     bool   `toml:"xn" yaml:"xn"`

	// Count repeats the mapping over consecutive sections or pages.
	Count uint32 `toml:"count" yaml:"count"`
}

// VCPU holds the initial registers of one emulated CPU. A zero TTBR0
// selects the table built from Mappings.
type VCPU struct {
	SCTLR uint32 `toml:"sctlr" yaml:"sctlr"`
	TTBR0 uint32 `toml:"ttbr0" yaml:"ttbr0"`
	TTBR1 uint32 `toml:"ttbr1" yaml:"ttbr1"`
	TTBCR uint32 `toml:"ttbcr" yaml:"ttbcr"`
	DACR  uint32 `toml:"dacr" yaml:"dacr"`
}

// Load reads the machine file at path.
func Load(path string) (*Machine, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		m, err := DecodeYAML(f)
		if err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		return m, nil
	}
	var m Machine
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	if err := check(&m, md); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return &m, nil
}

// DecodeYAML reads a YAML machine description from r. Unknown keys are
// rejected.
func DecodeYAML(r io.Reader) (*Machine, error) {
	var m Machine
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Decode reads a machine description from r.
func Decode(r io.Reader) (*Machine, error) {
	var m Machine
	md, err := toml.NewDecoder(r).Decode(&m)
	if err != nil {
		return nil, err
	}
	if err := check(&m, md); err != nil {
		return nil, err
	}
	return &m, nil
}

func check(m *Machine, md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return m.Validate()
}

// Validate checks the values of m and fills in defaults.
func (m *Machine) Validate() error {
	if m.Format == "" {
		m.Format = "extended"
	}
	if _, err := arm.ParseFormat(m.Format); err != nil {
		return err
	}
	if m.WindowFrames == 0 {
		m.WindowFrames = shadow.DefaultWindowFrames
	}
	if m.SharedPFN > uint64(arm.MaxPFN) || m.VectorsPFN > uint64(arm.MaxPFN) {
		return fmt.Errorf("hypervisor page frames must be at most %#x", arm.MaxPFN)
	}
	if len(m.Slots) == 0 {
		return fmt.Errorf("no memory slots")
	}
	for i, s := range m.Slots {
		if s.Pages == 0 {
			return fmt.Errorf("slot %d is empty", i)
		}
	}
	if len(m.Mappings) > 0 && m.PageTable == nil {
		return fmt.Errorf("mappings given without a page_table")
	}
	for i := range m.Mappings {
		mp := &m.Mappings[i]
		switch mp.Kind {
		case "":
			mp.Kind = KindSection
		case KindSection, KindPage:
		default:
			return fmt.Errorf("mapping %d: unknown kind %q", i, mp.Kind)
		}
		if mp.Count == 0 {
			mp.Count = 1
		}
		if mp.Domain >= arm.NumDomains || mp.AP > 3 {
			return fmt.Errorf("mapping %d: domain %d or ap %d out of range", i, mp.Domain, mp.AP)
		}
	}
	if len(m.VCPUs) == 0 {
		m.VCPUs = []VCPU{{}}
	}
	return nil
}

// DescriptorFormat returns the parsed descriptor format.
func (m *Machine) DescriptorFormat() arm.Format {
	f, _ := arm.ParseFormat(m.Format)
	return f
}

// SpecialPages returns the hypervisor page layout.
func (m *Machine) SpecialPages() shadow.SpecialPages {
	return shadow.SpecialPages{
		SharedGVA:   arm.GVA(m.SharedGVA),
		SharedPFN:   arm.PFN(m.SharedPFN),
		VectorsPFN:  arm.PFN(m.VectorsPFN),
		HighVectors: m.HighVectors,
	}
}
