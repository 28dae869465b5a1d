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

// Package bitmap tracks used frames of a fixed size physical window.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed size set of bits.
type Bitmap struct {
	size  uint32
	count uint32
	words []uint64
}

// New returns a Bitmap of size bits, all clear.
func New(size uint32) Bitmap {
	return Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.count
}

func split(i uint32) (int, uint64) {
	return int(i / 64), uint64(1) << (i % 64)
}

// IsSet reports whether bit i is set. Bits past the end are clear.
func (b *Bitmap) IsSet(i uint32) bool {
	if i >= b.size {
		return false
	}
	w, m := split(i)
	return b.words[w]&m != 0
}

// FirstZero returns the first clear bit at or after start.
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d past bitmap size %d", start, b.size)
	}
	w := int(start / 64)
	word := b.words[w] | (uint64(1)<<(start%64) - 1)
	for {
		if word != ^uint64(0) {
			bit := uint32(w*64 + bits.TrailingZeros64(^word))
			if bit >= b.size {
				break
			}
			return bit, nil
		}
		w++
		if w == len(b.words) {
			break
		}
		word = b.words[w]
	}
	return 0, fmt.Errorf("no clear bit at or after %d", start)
}

// FirstZeroRun returns the first run of n clear bits at or after start
// whose first bit is a multiple of align. align must be a power of two.
func (b *Bitmap) FirstZeroRun(start, n, align uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("empty run requested")
	}
	up := func(v uint32) uint32 { return (v + align - 1) &^ (align - 1) }
	for cand := up(start); cand+n <= b.size && cand+n > cand; {
		bit, err := b.FirstZero(cand)
		if err != nil {
			break
		}
		if bit != cand {
			cand = up(bit)
			continue
		}
		run := uint32(1)
		for run < n && !b.IsSet(cand+run) {
			run++
		}
		if run == n {
			return cand, nil
		}
		cand = up(cand + run + 1)
	}
	return 0, fmt.Errorf("no aligned run of %d clear bits", n)
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	w, m := split(i)
	if b.words[w]&m == 0 {
		b.words[w] |= m
		b.count++
	}
}

// AddRange sets bits [begin, begin+n).
func (b *Bitmap) AddRange(begin, n uint32) {
	for i := begin; i < begin+n; i++ {
		b.Add(i)
	}
}

// Remove clears bit i. Bits past the end are ignored.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	w, m := split(i)
	if b.words[w]&m != 0 {
		b.words[w] &^= m
		b.count--
	}
}
