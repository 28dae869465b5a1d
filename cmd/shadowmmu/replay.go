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
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
	"github.com/kvmarm/shadowmmu/pkg/config"
	"github.com/kvmarm/shadowmmu/pkg/log"
	"github.com/kvmarm/shadowmmu/pkg/mmu"
	"github.com/kvmarm/shadowmmu/pkg/prometheus"
	"github.com/kvmarm/shadowmmu/pkg/vcpu"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	configPath  string
	keepGoing   bool
	metricsPath string
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "replay a trace of guest aborts and register writes"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <trace> - replay a trace, one goroutine per CPU, and print shadow table statistics
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "machine.toml", "machine description file.")
	f.BoolVar(&r.keepGoing, "keep-going", false, "continue past device accesses.")
	f.StringVar(&r.metricsPath, "metrics", "", "write counters in the Prometheus text format to this file, - for stdout.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	tf, err := os.Open(f.Arg(0))
	if err != nil {
		Fatalf("opening trace: %v", err)
	}
	events, err := config.ParseTrace(tf)
	tf.Close()
	if err != nil {
		Fatalf("reading trace %q: %v", f.Arg(0), err)
	}
	conf, err := config.Load(r.configPath)
	if err != nil {
		Fatalf("loading machine: %v", err)
	}
	env, err := conf.Build()
	if err != nil {
		Fatalf("building machine: %v", err)
	}
	defer env.Close()

	perCPU := make([][]config.Event, len(env.VCPUs))
	for _, ev := range events {
		if ev.VCPU >= len(env.VCPUs) {
			Fatalf("line %d: no vcpu %d", ev.Line, ev.VCPU)
		}
		perCPU[ev.VCPU] = append(perCPU[ev.VCPU], ev)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, c := range env.VCPUs {
		evs := perCPU[i]
		g.Go(func() error {
			return r.run(ctx, c, evs)
		})
	}
	status := subcommands.ExitSuccess
	if err := g.Wait(); err != nil {
		log.Warningf("Replay failed: %v", err)
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		status = subcommands.ExitFailure
	}

	for _, c := range env.VCPUs {
		st, sh := c.Stats(), c.Shadow().Stats()
		fmt.Fprintf(os.Stdout, "vcpu %d: aborts %d mapped %d injected %d mmio %d tables %d sub-tables %d sub-pages %d\n",
			c.ID(), st.Aborts, st.Mapped, st.Injected, st.MMIO, sh.Tables, sh.SubTables, sh.SubPages)
	}
	fs := env.Frames.Stats()
	fmt.Fprintf(os.Stdout, "frames: pins %d dirty releases %d clean releases %d outstanding %d\n",
		fs.Pins, fs.DirtyReleases, fs.CleanReleases, env.Frames.Outstanding())
	if r.metricsPath != "" {
		if err := r.writeMetrics(env); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	return status
}

func (r *Replay) writeMetrics(env *config.Env) error {
	if r.metricsPath == "-" {
		_, err := prometheus.Write(os.Stdout, env.Snapshot())
		return err
	}
	f, err := os.Create(r.metricsPath)
	if err != nil {
		return err
	}
	if _, err := prometheus.Write(f, env.Snapshot()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// run replays evs on c.
func (r *Replay) run(ctx context.Context, c *vcpu.VCPU, evs []config.Event) error {
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := apply(c, ev); err != nil {
			if r.keepGoing && errors.Is(err, vcpu.ErrMMIO) {
				continue
			}
			return fmt.Errorf("line %d, vcpu %d: %w", ev.Line, ev.VCPU, err)
		}
	}
	return nil
}

func apply(c *vcpu.VCPU, ev config.Event) error {
	switch ev.Op {
	case config.OpAbort:
		code, err := c.HandleAbort(ev.Trap, ev.GVA, ev.Mode)
		if err != nil {
			return err
		}
		if code != mmu.FaultNone {
			log.Debugf("Line %d: %v at %v injected %v", ev.Line, ev.Mode, ev.GVA, code)
			c.Regs.ClearPending(pendingFor(ev))
		}
		return nil
	case config.OpTTBR0:
		return c.SetTTBR0(ev.Value)
	case config.OpDACR:
		return c.SetDACR(ev.Value)
	case config.OpSCTLR:
		return c.SetSCTLR(ev.Value)
	case config.OpVectors:
		return c.SwitchHostVectors(ev.Value != 0)
	default:
		return fmt.Errorf("unknown event %d", ev.Op)
	}
}

// pendingFor returns the exception an injected fault for ev raised. The
// guest is assumed to take it before the next event.
func pendingFor(ev config.Event) cp15.Exception {
	if ev.Trap == cp15.TrapPrefetchAbort {
		return cp15.ExceptionPrefetchAbort
	}
	return cp15.ExceptionDataAbort
}
