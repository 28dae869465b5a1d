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

package mmu

import (
	"github.com/kvmarm/shadowmmu/pkg/arm"
	"github.com/kvmarm/shadowmmu/pkg/arm/cp15"
)

// FSR packs a fault code and domain into a fault status register value.
func FSR(code FaultCode, domain uint8) uint32 {
	return uint32(code)&0xf | uint32(domain&0xf)<<4
}

// InjectFault makes the guest take an abort on its next entry. The trap
// recorded at the last exit selects between a prefetch abort, reported in
// IFSR, and a data abort, reported in DFSR and FAR.
func InjectFault(regs *cp15.Registers, addr arm.GVA, code FaultCode, domain uint8) {
	fsr := FSR(code, domain)
	if regs.Trap == cp15.TrapPrefetchAbort {
		regs.IFSR = fsr
		regs.SetPending(cp15.ExceptionPrefetchAbort)
		return
	}
	regs.FAR = uint32(addr)
	regs.DFSR = fsr
	regs.SetPending(cp15.ExceptionDataAbort)
}
