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

// Perm is the access granted to one privilege level.
type Perm uint8

const (
	// PermNone grants nothing.
	PermNone Perm = iota

	// PermRead grants reads.
	PermRead

	// PermReadWrite grants reads and writes.
	PermReadWrite
)

// String implements fmt.Stringer.String.
func (p Perm) String() string {
	switch p {
	case PermNone:
		return "--"
	case PermRead:
		return "r-"
	case PermReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Perm(%d)", uint8(p))
	}
}

// allows reports whether p covers a read or write.
func (p Perm) allows(write bool) bool {
	if write {
		return p == PermReadWrite
	}
	return p != PermNone
}

// Capability is the decoded meaning of an access permission field.
type Capability struct {
	Priv Perm
	User Perm
}

// Allows reports whether an access of mode m is a subset of c.
func (c Capability) Allows(m AccessMode) bool {
	if m.User {
		return c.User.allows(m.Write)
	}
	return c.Priv.allows(m.Write)
}

// String implements fmt.Stringer.String.
func (c Capability) String() string {
	return fmt.Sprintf("priv=%s user=%s", c.Priv, c.User)
}

// DecodeAP decodes a 2-bit access permission field. apx is only meaningful
// in the extended format, where it turns privileged read/write into
// read-only.
func DecodeAP(ap uint8, apx bool, f Format) Capability {
	ap &= 0x3
	if f == FormatExtended && apx {
		switch ap {
		case 0b01:
			return Capability{Priv: PermRead}
		case 0b10, 0b11:
			return Capability{Priv: PermRead, User: PermRead}
		default:
			return Capability{}
		}
	}
	switch ap {
	case 0b01:
		return Capability{Priv: PermReadWrite}
	case 0b10:
		return Capability{Priv: PermReadWrite, User: PermRead}
	case 0b11:
		return Capability{Priv: PermReadWrite, User: PermReadWrite}
	default:
		return Capability{}
	}
}

// EncodeAP is the inverse of DecodeAP. It returns false if f cannot express
// the combination of privileged and user permissions.
func EncodeAP(priv, user Perm, f Format) (ap uint8, apx bool, ok bool) {
	if priv == PermNone && user != PermNone {
		return 0, false, false
	}
	if f == FormatExtended {
		if priv == PermRead && user == PermReadWrite {
			return 0, false, false
		}
	} else if priv == PermRead {
		return 0, false, false
	}
	switch {
	case priv == PermNone:
		return 0b00, false, true
	case priv == PermRead && user == PermNone:
		return 0b01, true, true
	case priv == PermRead:
		return 0b11, true, true
	case user == PermNone:
		return 0b01, false, true
	case user == PermRead:
		return 0b10, false, true
	default:
		return 0b11, false, true
	}
}

// ReplicateAP copies a 2-bit access permission field into all four
// sub-page positions of a legacy small page.
func ReplicateAP(ap uint8) uint8 {
	ap &= 0x3
	return ap | ap<<2 | ap<<4 | ap<<6
}

// SubpageAP returns the access permission field of sub-page i from a packed
// legacy field.
func SubpageAP(packed uint8, i uint32) uint8 {
	return (packed >> (2 * (i & 0x3))) & 0x3
}
