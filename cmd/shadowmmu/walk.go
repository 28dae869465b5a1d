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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/config"
	"github.com/kvmarm/shadowmmu/pkg/mmu"
	"github.com/kvmarm/shadowmmu/pkg/vcpu"
)

// machineFlags are the flags shared by commands that walk guest tables.
type machineFlags struct {
	configPath string
	cpu        int
	mode       string
}

func (m *machineFlags) setFlags(f *flag.FlagSet) {
	f.StringVar(&m.configPath, "config", "machine.toml", "machine description file.")
	f.IntVar(&m.cpu, "vcpu", 0, "index of the CPU whose registers are used.")
	f.StringVar(&m.mode, "mode", "r", "access mode: r or w, followed by u for user accesses.")
}

// load brings up the machine and returns the selected CPU.
func (m *machineFlags) load() (*config.Env, *vcpu.VCPU, arm.AccessMode) {
	mode, err := config.ParseMode(m.mode)
	if err != nil {
		Fatalf("%v", err)
	}
	conf, err := config.Load(m.configPath)
	if err != nil {
		Fatalf("loading machine: %v", err)
	}
	env, err := conf.Build()
	if err != nil {
		Fatalf("building machine: %v", err)
	}
	if m.cpu < 0 || m.cpu >= len(env.VCPUs) {
		env.Close()
		Fatalf("no vcpu %d, machine has %d", m.cpu, len(env.VCPUs))
	}
	return env, env.VCPUs[m.cpu], mode
}

func parseAddrs(f *flag.FlagSet) []arm.GVA {
	var gvas []arm.GVA
	for _, a := range f.Args() {
		v, err := config.ParseUint32(a)
		if err != nil {
			Fatalf("%v", err)
		}
		gvas = append(gvas, arm.GVA(v))
	}
	return gvas
}

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	machineFlags
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "walk the guest translation tables"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [flags] <gva>... - print the guest frame, fault and attributes of each address
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	t.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	gvas := parseAddrs(f)
	env, c, mode := t.load()
	defer env.Close()

	status := subcommands.ExitSuccess
	for _, gva := range gvas {
		res, err := c.Translator().Translate(&c.Regs, gva, mode)
		if err != nil {
			fmt.Fprintf(os.Stdout, "%v: error: %v\n", gva, err)
			status = subcommands.ExitFailure
			continue
		}
		if res.Fault != mmu.FaultNone {
			fmt.Fprintf(os.Stdout, "%v: %v (fsr %#x)\n", gva, res.Fault, mmu.FSR(res.Fault, res.Info.Domain))
			continue
		}
		i := res.Info
		fmt.Fprintf(os.Stdout, "%v: gfn %#x domain %d ap %#02x apx %t xn %t cache %#02x\n", gva, res.GFN, i.Domain, i.AP, i.APX, i.XN, i.Cache)
	}
	return status
}

// Resolve implements subcommands.Command for the "resolve" command.
type Resolve struct {
	machineFlags
}

// Name implements subcommands.Command.Name.
func (*Resolve) Name() string {
	return "resolve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Resolve) Synopsis() string {
	return "resolve guest virtual addresses to host addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Resolve) Usage() string {
	return `resolve [flags] <gva>... - print the host virtual address of each address
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Resolve) SetFlags(f *flag.FlagSet) {
	r.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (r *Resolve) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	gvas := parseAddrs(f)
	env, c, mode := r.load()
	defer env.Close()

	for _, gva := range gvas {
		if hva := c.ResolveGVA(gva, mode); hva == arm.BadHVA {
			fmt.Fprintf(os.Stdout, "%v: bad address\n", gva)
		} else {
			fmt.Fprintf(os.Stdout, "%v: %#x\n", gva, hva)
		}
	}
	return subcommands.ExitSuccess
}
