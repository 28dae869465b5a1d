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

package mmuerr

import (
	"fmt"
	"testing"

	"github.com/kvmarm/shadowmmu/pkg/errors"
)

func TestEquals(t *testing.T) {
	wrapped := fmt.Errorf("walking 0x%08x: %w", 0x1000, ErrLargePage)
	for _, tc := range []struct {
		name string
		e    *errors.Error
		err  error
		want bool
	}{
		{"direct", ErrLargePage, ErrLargePage, true},
		{"wrapped", ErrLargePage, wrapped, true},
		{"different", ErrNoMemory, wrapped, false},
		{"nil sentinel nil error", nil, nil, true},
		{"nil sentinel error", nil, ErrNoMemory, false},
		{"sentinel nil error", ErrNoMemory, nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(tc.e, tc.err); got != tc.want {
				t.Errorf("Equals(%v, %v) = %t, want %t", tc.e, tc.err, got, tc.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want errors.Class
	}{
		{ErrNoMemory, errors.ClassResource},
		{fmt.Errorf("x: %w", ErrGuestRead), errors.ClassIO},
		{fmt.Errorf("y: %w", ErrUnsupportedRange), errors.ClassInvariant},
	} {
		got, ok := ClassOf(tc.err)
		if !ok || got != tc.want {
			t.Errorf("ClassOf(%v) = %v, %t; want %v, true", tc.err, got, ok, tc.want)
		}
	}
	if _, ok := ClassOf(fmt.Errorf("plain")); ok {
		t.Errorf("ClassOf(plain error) reported a class")
	}
}
