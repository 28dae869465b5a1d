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

// Package mmuerr contains the errors returned by the translator and the
// shadow page table manager, exported as *errors.Error pointers for fast
// comparison.
package mmuerr

import (
	goerrors "errors"

	"github.com/kvmarm/shadowmmu/pkg/errors"
)

// The following are returned either directly or wrapped with %w for
// context; use Equals or errors.Is to compare.
var (
	noError *errors.Error = nil

	// Resource exhaustion.
	ErrNoMemory = errors.New(errors.ClassResource, "out of memory")

	// Guest memory access.
	ErrGuestRead = errors.New(errors.ClassIO, "guest physical address not backed")
	ErrNotBacked = errors.New(errors.ClassIO, "guest frame not backed by a memory slot")

	// Invariant violations.
	ErrUnsupportedRange    = errors.New(errors.ClassInvariant, "physical address beyond 32 bits not supported")
	ErrSubpagePermissions  = errors.New(errors.ClassInvariant, "differing sub-page permissions not representable")
	ErrLargePage           = errors.New(errors.ClassInvariant, "large page descriptors not implemented")
	ErrReservedDescriptor  = errors.New(errors.ClassInvariant, "reserved descriptor type")
	ErrNotCoarse           = errors.New(errors.ClassInvariant, "shadow first-level entry is not a coarse table")
	ErrInvalidPermissions  = errors.New(errors.ClassInvariant, "access permissions not representable")
	ErrNoInvisibleFrame    = errors.New(errors.ClassInvariant, "no guest frame outside all memory slots")
	ErrBadShadowEntry      = errors.New(errors.ClassInvariant, "shadow entry does not reference a tracked sub-table")
	ErrForeignTable        = errors.New(errors.ClassInvariant, "shadow table belongs to a different owner")
	ErrUnsupportedSubTable = errors.New(errors.ClassInvariant, "shadow sub-table holds an unsupported leaf")
)

// Equals compares a mmuerr to a given error, looking through wrapping.
func Equals(e *errors.Error, err error) bool {
	if e == noError {
		return err == nil
	}
	if err == nil {
		return false
	}
	return goerrors.Is(err, e)
}

// ClassOf returns the class of the first *errors.Error in err's chain, and
// false if there is none.
func ClassOf(err error) (errors.Class, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) && e != nil {
		return e.Class(), true
	}
	return 0, false
}
