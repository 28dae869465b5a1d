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

// Package bits contains helpers for the 32-bit descriptor and register
// fields used throughout the MMU emulation.
package bits

// IsOn32 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn32(mask, bits uint32) bool {
	return mask&bits == bits
}

// IsAnyOn32 returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn32(mask, bits uint32) bool {
	return mask&bits != 0
}

// Mask32 returns a uint32 with all of the given bits set.
func Mask32(is ...int) uint32 {
	ret := uint32(0)
	for _, i := range is {
		ret |= MaskOf32(i)
	}
	return ret
}

// MaskOf32 is like Mask32, but sets only a single bit (more efficiently).
func MaskOf32(i int) uint32 {
	return uint32(1) << uint32(i)
}

// Ones32 returns a mask of the low n bits.
func Ones32(n int) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}
	return MaskOf32(n) - 1
}

// Field32 extracts the width-bit field starting at bit shift.
func Field32(v uint32, shift, width int) uint32 {
	return (v >> uint32(shift)) & Ones32(width)
}

// SetField32 returns v with the width-bit field at shift replaced by f.
//
// Bits of f above width are discarded.
func SetField32(v uint32, shift, width int, f uint32) uint32 {
	m := Ones32(width) << uint32(shift)
	return (v &^ m) | ((f << uint32(shift)) & m)
}

// Bit32 reports whether bit i of v is set.
func Bit32(v uint32, i int) bool {
	return v&MaskOf32(i) != 0
}

// AlignDown32 rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown32(v, align uint32) uint32 {
	return v &^ (align - 1)
}

// IsAligned32 reports whether v is a multiple of align, which must be a power
// of two.
func IsAligned32(v, align uint32) bool {
	return v&(align-1) == 0
}
