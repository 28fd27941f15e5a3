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
	"fmt"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
)

// Region is an immutable memory-region descriptor: a base address in the
// owning address space, a size, a flag set, and either a physical target at
// a fixed offset or no backing at all (a reserved range that produces no
// valid translation).
//
// Ownership of a Region is transferred into exactly one RegionSet.
type Region struct {
	start  hvarch.Addr
	size   uint64
	flags  MemFlags
	target hvarch.PhysAddr
	mapped bool
}

func checkRegion(start hvarch.Addr, size uint64) {
	if size == 0 {
		panic("memmap: zero-size region")
	}
	if !start.IsPageAligned() || !hvarch.Addr(size).IsPageAligned() {
		panic(fmt.Sprintf("memmap: unaligned region [%#x, +%#x)", uint64(start), size))
	}
}

// NewOffset returns an offset-mapped region: every address a in
// [start, start+size) translates to a - start + target.
//
// Preconditions: size > 0; start, target and size are page-aligned.
// Violations are programming errors and panic.
func NewOffset(start hvarch.Addr, target hvarch.PhysAddr, size uint64, flags MemFlags) *Region {
	checkRegion(start, size)
	if !hvarch.DecryptedPhys(target).IsPageAligned() {
		panic(fmt.Sprintf("memmap: unaligned region target %#x", uint64(target)))
	}
	return &Region{start: start, size: size, flags: flags, target: target, mapped: true}
}

// NewEmpty returns an empty-mapped region: the address range is claimed but
// produces no valid translation.
//
// Preconditions: same as NewOffset, minus the target.
func NewEmpty(start hvarch.Addr, size uint64, flags MemFlags) *Region {
	checkRegion(start, size)
	return &Region{start: start, size: size, flags: flags}
}

// Start returns the region's base address.
func (r *Region) Start() hvarch.Addr {
	return r.start
}

// Size returns the region's size in bytes.
func (r *Region) Size() uint64 {
	return r.size
}

// Flags returns the region's flag set.
func (r *Region) Flags() MemFlags {
	return r.flags
}

// Range returns the region's address range.
func (r *Region) Range() Range {
	return RangeOf(r.start, r.size)
}

// Contains returns true if a falls within the region.
func (r *Region) Contains(a hvarch.Addr) bool {
	return r.Range().Contains(a)
}

// Target returns the physical base the region maps to. ok is false for
// empty-mapped regions.
func (r *Region) Target() (target hvarch.PhysAddr, ok bool) {
	return r.target, r.mapped
}

// Translate resolves a to its physical target. ok is false if the region is
// empty-mapped or does not claim a.
func (r *Region) Translate(a hvarch.Addr) (p hvarch.PhysAddr, ok bool) {
	if !r.mapped || !r.Contains(a) {
		return 0, false
	}
	return a - r.start + r.target, true
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	if !r.mapped {
		return fmt.Sprintf("%v empty %v", r.Range(), r.flags)
	}
	return fmt.Sprintf("%v -> %#x %v", r.Range(), uint64(r.target), r.flags)
}
