// Copyright 2025 The hyperenclave Authors.
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

package memmap

import (
	"testing"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
)

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags MemFlags
		want  string
	}{
		{0, "0"},
		{Read, "READ"},
		{Read | Write | DMA, "READ|WRITE|DMA"},
		{Read | Encrypted, "READ|ENCRYPTED"},
		{Read | 1<<20, "READ|0x100000"},
	} {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("MemFlags(%#x).String() = %q, want %q", uint64(tc.flags), got, tc.want)
		}
	}
}

func TestRangeOverlaps(t *testing.T) {
	r := RangeOf(0x2000, 0x2000) // [0x2000, 0x4000)
	for _, tc := range []struct {
		other Range
		want  bool
	}{
		{RangeOf(0x0, 0x2000), false},    // adjacent below
		{RangeOf(0x4000, 0x1000), false}, // adjacent above
		{RangeOf(0x1000, 0x2000), true},  // straddles start
		{RangeOf(0x3000, 0x2000), true},  // straddles end
		{RangeOf(0x2000, 0x2000), true},  // identical
		{RangeOf(0x2000, 0x1000), true},  // prefix
		{RangeOf(0x0, 0x10000), true},    // superset
	} {
		if got := r.Overlaps(tc.other); got != tc.want {
			t.Errorf("%v.Overlaps(%v) = %v, want %v", r, tc.other, got, tc.want)
		}
	}
}

func TestRegionTranslate(t *testing.T) {
	const (
		base   = hvarch.Addr(0x20000)
		target = hvarch.PhysAddr(0x5000000)
		size   = uint64(0x10000)
	)
	r := NewOffset(base, target, size, Read|Write)
	for _, tc := range []struct {
		addr hvarch.Addr
		want hvarch.PhysAddr
		ok   bool
	}{
		{base, target, true},
		{base + 0x500, target + 0x500, true},
		{base + hvarch.Addr(size) - 1, target + hvarch.Addr(size) - 1, true},
		{base + hvarch.Addr(size), 0, false},
		{base - 1, 0, false},
	} {
		got, ok := r.Translate(tc.addr)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Translate(%#x) = (%#x, %v), want (%#x, %v)", uint64(tc.addr), uint64(got), ok, uint64(tc.want), tc.ok)
		}
	}
}

func TestEmptyRegionTranslate(t *testing.T) {
	r := NewEmpty(0x1000, 0x1000, Read|Encrypted)
	if _, ok := r.Target(); ok {
		t.Error("empty region reports a target")
	}
	if _, ok := r.Translate(0x1500); ok {
		t.Error("empty region produced a translation")
	}
	if !r.Contains(0x1500) {
		t.Error("empty region does not claim its own range")
	}
}

func TestRegionPreconditions(t *testing.T) {
	for _, tc := range []struct {
		name string
		f    func()
	}{
		{"zero size", func() { NewEmpty(0x1000, 0, Read) }},
		{"unaligned start", func() { NewEmpty(0x1080, 0x1000, Read) }},
		{"unaligned size", func() { NewEmpty(0x1000, 0x180, Read) }},
		{"unaligned target", func() { NewOffset(0x1000, 0x2080, 0x1000, Read) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: construction did not panic", tc.name)
				}
			}()
			tc.f()
		})
	}
}

func TestEncryptedTargetAligned(t *testing.T) {
	// The C-bit is not part of the page-alignment check.
	r := NewOffset(0x1000, hvarch.EncryptedPhys(0x2000), 0x1000, Read|Encrypted)
	p, ok := r.Translate(0x1100)
	if !ok || p != hvarch.EncryptedPhys(0x2100) {
		t.Errorf("Translate(0x1100) = (%#x, %v), want (%#x, true)", uint64(p), ok, uint64(hvarch.EncryptedPhys(0x2100)))
	}
}
