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

// Package errors holds the standardized error definition for the MMU
// emulation.
package errors

import "fmt"

// Class groups errors by how the caller is expected to react.
type Class uint8

const (
	// ClassResource is an allocation failure. Only the triggering
	// operation is aborted.
	ClassResource Class = iota + 1

	// ClassInvariant is a descriptor shape or call sequence the shadow
	// format cannot represent. It stops the current emulated CPU step.
	ClassInvariant

	// ClassIO is a failure to read guest memory during a walk.
	ClassIO
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassResource:
		return "resource"
	case ClassInvariant:
		return "invariant"
	case ClassIO:
		return "io"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// Error is an error with a class and a descriptive message.
type Error struct {
	class   Class
	message string
}

// New creates a new *Error.
func New(class Class, message string) *Error {
	return &Error{
		class:   class,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Class returns the error class.
func (e *Error) Class() Class { return e.class }
