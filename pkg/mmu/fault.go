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

import "fmt"

// FaultCode is the fault status encoding reported to the guest. The values
// are the architectural FSR[3:0] encodings.
type FaultCode uint8

// Fault codes.
const (
	FaultNone               FaultCode = 0x0
	FaultAlignment          FaultCode = 0x1
	FaultTranslationSection FaultCode = 0x5
	FaultTranslationPage    FaultCode = 0x7
	FaultDomainSection      FaultCode = 0x9
	FaultDomainPage         FaultCode = 0xb
	FaultPermissionSection  FaultCode = 0xd
	FaultPermissionPage     FaultCode = 0xf
)

// String implements fmt.Stringer.String.
func (c FaultCode) String() string {
	switch c {
	case FaultNone:
		return "none"
	case FaultAlignment:
		return "alignment"
	case FaultTranslationSection:
		return "translation-section"
	case FaultTranslationPage:
		return "translation-page"
	case FaultDomainSection:
		return "domain-section"
	case FaultDomainPage:
		return "domain-page"
	case FaultPermissionSection:
		return "permission-section"
	case FaultPermissionPage:
		return "permission-page"
	default:
		return fmt.Sprintf("FaultCode(%#x)", uint8(c))
	}
}
