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

// GVAToHVA translates gva and returns the host address backing it, or
// arm.BadHVA if the walk fails, faults or ends outside every memory slot.
func (t *Translator) GVAToHVA(regs *cp15.Registers, gva arm.GVA, mode arm.AccessMode) arm.HVA {
	res, err := t.Translate(regs, gva, mode)
	if err != nil || res.Fault != FaultNone || !t.slots.IsVisible(res.GFN) {
		return arm.BadHVA
	}
	hva, ok := t.slots.GFNToHVA(res.GFN)
	if !ok {
		return arm.BadHVA
	}
	return hva + arm.HVA(gva.PageOffset())
}
