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

package arm

import "fmt"

// NumDomains is the number of protection domains.
const NumDomains = 16

// ReservedDomain is the domain the hypervisor keeps for its own pages in
// shadow tables.
const ReservedDomain = 15

// DomainClass is the 2-bit access class a DACR assigns to a domain.
type DomainClass uint8

const (
	// DomainNoAccess faults every access.
	DomainNoAccess DomainClass = 0

	// DomainClient checks accesses against the descriptor permissions.
	DomainClient DomainClass = 1

	// DomainReserved is architecturally reserved. It grants nothing.
	DomainReserved DomainClass = 2

	// DomainManager allows every access.
	DomainManager DomainClass = 3
)

// String implements fmt.Stringer.String.
func (c DomainClass) String() string {
	switch c {
	case DomainNoAccess:
		return "NoAccess"
	case DomainClient:
		return "Client"
	case DomainReserved:
		return "Reserved"
	case DomainManager:
		return "Manager"
	default:
		return fmt.Sprintf("DomainClass(%d)", uint8(c))
	}
}

// DomainClassOf returns the class dacr assigns to domain.
func DomainClassOf(dacr uint32, domain uint8) DomainClass {
	return DomainClass((dacr >> (2 * uint32(domain&0xf))) & 0x3)
}

// WithDomainClass returns dacr with domain set to class c.
func WithDomainClass(dacr uint32, domain uint8, c DomainClass) uint32 {
	shift := 2 * uint32(domain&0xf)
	return dacr&^(0x3<<shift) | uint32(c&0x3)<<shift
}
