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

package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
)

// Op is a trace event kind.
type Op int

const (
	// OpAbort is a guest abort: "<cpu> abort data|prefetch <gva> [r|w][u] [size]".
	OpAbort Op = iota

	// OpTTBR0 is a table base write: "<cpu> ttbr0 <value>".
	OpTTBR0

	// OpDACR is a domain access control write: "<cpu> dacr <value>".
	OpDACR

	// OpSCTLR is a system control write: "<cpu> sctlr <value>".
	OpSCTLR

	// OpVectors moves the host vectors: "<cpu> vectors high|low".
	OpVectors
)

var opNames = map[string]Op{
	"abort":   OpAbort,
	"ttbr0":   OpTTBR0,
	"dacr":    OpDACR,
	"sctlr":   OpSCTLR,
	"vectors": OpVectors,
}

// Event is one line of a replay trace.
type Event struct {
	Line  int
	VCPU  int
	Op    Op
	Trap  cp15.Trap
	GVA   arm.GVA
	Mode  arm.AccessMode
	Value uint32
}

// ParseTrace reads a replay trace. Blank lines and lines starting with '#'
// are skipped.
func ParseTrace(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ev, err := parseEvent(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ev.Line = line
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func parseEvent(f []string) (Event, error) {
	var ev Event
	if len(f) < 3 {
		return ev, fmt.Errorf("want at least 3 fields, got %d", len(f))
	}
	id, err := strconv.Atoi(f[0])
	if err != nil || id < 0 {
		return ev, fmt.Errorf("bad cpu %q", f[0])
	}
	ev.VCPU = id
	op, ok := opNames[f[1]]
	if !ok {
		return ev, fmt.Errorf("unknown event %q", f[1])
	}
	ev.Op = op
	switch op {
	case OpAbort:
		if len(f) < 4 || len(f) > 6 {
			return ev, fmt.Errorf("abort wants 4 to 6 fields, got %d", len(f))
		}
		switch f[2] {
		case "data":
			ev.Trap = cp15.TrapDataAbort
		case "prefetch":
			ev.Trap = cp15.TrapPrefetchAbort
		default:
			return ev, fmt.Errorf("unknown abort kind %q", f[2])
		}
		v, err := ParseUint32(f[3])
		if err != nil {
			return ev, err
		}
		ev.GVA = arm.GVA(v)
		if len(f) > 4 {
			if ev.Mode, err = ParseMode(f[4]); err != nil {
				return ev, err
			}
		}
		if len(f) > 5 {
			n, err := strconv.ParseUint(f[5], 0, 8)
			if err != nil {
				return ev, fmt.Errorf("bad access size %q", f[5])
			}
			ev.Mode.Size = uint8(n)
		}
	case OpVectors:
		switch f[2] {
		case "high":
			ev.Value = 1
		case "low":
		default:
			return ev, fmt.Errorf("vectors wants high or low, got %q", f[2])
		}
	default:
		if ev.Value, err = ParseUint32(f[2]); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// ParseUint32 parses a 32-bit value in any base strconv accepts.
func ParseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad value %q: %w", s, err)
	}
	return uint32(v), nil
}

// ParseMode parses an access mode: "r" or "w" for privileged accesses,
// followed by "u" for user accesses.
func ParseMode(s string) (arm.AccessMode, error) {
	var m arm.AccessMode
	rest, user := strings.CutSuffix(s, "u")
	m.User = user
	switch rest {
	case "r":
	case "w":
		m.Write = true
	default:
		return m, fmt.Errorf("bad access mode %q", s)
	}
	return m, nil
}
