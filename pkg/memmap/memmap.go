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

// Package memmap defines memory regions, their permission flags, and the
// ordered, overlap-checked sets that bind regions to a translation-table
// backend.
package memmap

import (
	"fmt"
	"strings"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
)

// MemFlags describes the properties of a memory region. The low bits are
// part of the boot-loader ABI (they appear verbatim in memory-region
// descriptors) and must not be renumbered.
type MemFlags uint64

const (
	// Read permits read access.
	Read MemFlags = 1 << 0

	// Write permits write access.
	Write MemFlags = 1 << 1

	// Execute permits instruction fetch.
	Execute MemFlags = 1 << 2

	// DMA marks a region whose guest-physical mapping must also be
	// visible to device-initiated translation.
	DMA MemFlags = 1 << 3

	// IO marks a memory-mapped I/O region.
	IO MemFlags = 1 << 4

	// CommRegion marks the loader/hypervisor communication region.
	CommRegion MemFlags = 1 << 5

	// NoHugepages forces 4K mappings for the region.
	NoHugepages MemFlags = 1 << 8

	// User permits user-mode access.
	User MemFlags = 1 << 9

	// Encrypted routes the region through the platform's memory
	// encryption path.
	Encrypted MemFlags = 1 << 10
)

// AccessOnly returns the read/write/execute subset of f.
func (f MemFlags) AccessOnly() MemFlags {
	return f & (Read | Write | Execute)
}

var flagNames = []struct {
	flag MemFlags
	name string
}{
	{Read, "READ"},
	{Write, "WRITE"},
	{Execute, "EXECUTE"},
	{DMA, "DMA"},
	{IO, "IO"},
	{CommRegion, "COMM_REGION"},
	{NoHugepages, "NO_HUGEPAGES"},
	{User, "USER"},
	{Encrypted, "ENCRYPTED"},
}

// String implements fmt.Stringer.
func (f MemFlags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(parts, "|")
}

// Range is a half-open address interval [Start, End).
type Range struct {
	Start hvarch.Addr
	End   hvarch.Addr
}

// RangeOf returns the range covering size bytes from start.
func RangeOf(start hvarch.Addr, size uint64) Range {
	return Range{Start: start, End: start + hvarch.Addr(size)}
}

// WellFormed returns true if r.Start < r.End.
func (r Range) WellFormed() bool {
	return r.Start < r.End
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if a falls within the range.
func (r Range) Contains(a hvarch.Addr) bool {
	return r.Start <= a && a < r.End
}

// Overlaps returns true if r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// Backend is one concrete translation-table format. A RegionSet drives its
// backend to materialize every region it records; the two are kept in
// lock-step.
//
// Map installs table entries covering the region's range with the region's
// translation and flags. It must either fully succeed or leave no usable
// translation for the range (failure during boot construction is terminal,
// so partially written intermediate tables are never observed). Reserved
// (empty-mapped) regions install no translation; backends treat them as a
// successful no-op.
//
// Unmap tears down the table entries covering [start, start+size).
type Backend interface {
	Map(r *Region) error
	Unmap(start hvarch.Addr, size uint64) error
}

// OverlapError is returned by RegionSet.Insert when the new region's range
// intersects a recorded region. The set and its backend are unchanged.
type OverlapError struct {
	New      Range
	Existing Range
}

// Error implements error.Error.
func (e *OverlapError) Error() string {
	return fmt.Sprintf("memmap: region %v overlaps existing region %v", e.New, e.Existing)
}
