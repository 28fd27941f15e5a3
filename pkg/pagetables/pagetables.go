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

// Package pagetables implements the translation-table backends behind
// memmap.RegionSet: a 4-level table walker parameterized over an entry
// format (host stage-1, nested stage-2, IOMMU second-level) and an
// allocator supplying table-level storage.
package pagetables

import (
	"errors"
	"fmt"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

var (
	// ErrNoPages is returned when the allocator cannot supply another
	// table page.
	ErrNoPages = errors.New("pagetables: out of table pages")

	// ErrBadFlags is returned when a region's flags cannot be expressed
	// in the table format.
	ErrBadFlags = errors.New("pagetables: flags not representable")

	// ErrSplit is returned by Unmap when the requested range ends inside
	// a block mapping. Regions are unmapped on the boundaries they were
	// mapped with, so a well-behaved caller never sees this.
	ErrSplit = errors.New("pagetables: partial unmap of block mapping")
)

const (
	entriesPerTable = 512
	indexMask       = entriesPerTable - 1

	// Levels are numbered 1 (leaf, 4K) through 4 (root).
	rootLevel = 4
)

// PTE is one hardware-format table entry.
type PTE uint64

// PTEs is one page worth of table entries.
type PTEs [entriesPerTable]PTE

func levelShift(level int) uint {
	return hvarch.PageShift + 9*uint(level-1)
}

func levelSize(level int) uint64 {
	return 1 << levelShift(level)
}

func index(a hvarch.Addr, level int) int {
	return int(uint64(a)>>levelShift(level)) & indexMask
}

// PageTables is one translation table: a root page plus the intermediate
// levels allocated on demand. It implements memmap.Backend.
//
// PageTables is not synchronized; the root cell populates its tables during
// single-threaded boot.
type PageTables struct {
	alloc    Allocator
	format   Format
	root     *PTEs
	rootPhys hvarch.PhysAddr
}

// New returns empty page tables in the given format, with table storage
// drawn from alloc.
func New(alloc Allocator, format Format) (*PageTables, error) {
	root := alloc.NewPTEs()
	if root == nil {
		return nil, fmt.Errorf("allocating root table: %w", ErrNoPages)
	}
	return &PageTables{
		alloc:    alloc,
		format:   format,
		root:     root,
		rootPhys: alloc.PhysicalFor(root),
	}, nil
}

// RootPhysical returns the physical address of the root table, in the form
// the hardware translation-base register takes.
func (p *PageTables) RootPhysical() hvarch.PhysAddr {
	return p.rootPhys
}

// Format returns the table format.
func (p *PageTables) Format() Format {
	return p.format
}

// Map implements memmap.Backend.Map. Empty-mapped regions install no
// translation: the range stays invalid in the tables, which is exactly what
// a reserved carve-out needs.
func (p *PageTables) Map(r *memmap.Region) error {
	target, ok := r.Target()
	if !ok {
		return nil
	}
	return p.mapRange(r.Start(), r.Size(), target, r.Flags())
}

func (p *PageTables) mapRange(start hvarch.Addr, size uint64, phys hvarch.PhysAddr, flags memmap.MemFlags) error {
	end := start + hvarch.Addr(size)
	addr, target := start, phys
	for addr < end {
		level := leafLevel(addr, target, uint64(end-addr), flags)
		table, err := p.walkAlloc(addr, level)
		if err != nil {
			return err
		}
		e, err := p.format.encodeLeaf(target, flags, level)
		if err != nil {
			return err
		}
		table[index(addr, level)] = e
		step := hvarch.Addr(levelSize(level))
		addr += step
		target += step
	}
	return nil
}

// leafLevel picks the largest granule usable at addr: a 1G or 2M block when
// the virtual and physical addresses are equally aligned, the remaining
// span covers it, and the region does not forbid huge pages.
func leafLevel(addr hvarch.Addr, phys hvarch.PhysAddr, remaining uint64, flags memmap.MemFlags) int {
	if flags&memmap.NoHugepages != 0 {
		return 1
	}
	p := hvarch.DecryptedPhys(phys)
	for _, level := range []int{3, 2} {
		size := levelSize(level)
		if uint64(addr)&(size-1) == 0 && uint64(p)&(size-1) == 0 && remaining >= size {
			return level
		}
	}
	return 1
}

// walkAlloc descends to the table holding addr's entry at the given level,
// allocating intermediate tables as needed.
func (p *PageTables) walkAlloc(addr hvarch.Addr, level int) (*PTEs, error) {
	table := p.root
	for l := rootLevel; l > level; l-- {
		e := &table[index(addr, l)]
		switch {
		case !p.format.present(*e):
			next := p.alloc.NewPTEs()
			if next == nil {
				return nil, fmt.Errorf("allocating level-%d table for %#x: %w", l-1, uint64(addr), ErrNoPages)
			}
			*e = p.format.encodeTable(p.alloc.PhysicalFor(next))
			table = next
		case p.format.block(*e, l):
			// The region set rules out overlaps, so a block here
			// means inconsistent bookkeeping.
			panic(fmt.Sprintf("pagetables: level-%d block already maps %#x", l, uint64(addr)))
		default:
			table = p.alloc.LookupPTEs(p.format.address(*e))
		}
	}
	return table, nil
}

// Unmap implements memmap.Backend.Unmap: it clears every entry covering
// [start, start+size). Unmapped holes in the range are skipped.
// Intermediate tables are not reclaimed; teardown of a whole address space
// goes through the allocator.
//
// Preconditions: start and size are page-aligned.
func (p *PageTables) Unmap(start hvarch.Addr, size uint64) error {
	if !start.IsPageAligned() || !hvarch.Addr(size).IsPageAligned() {
		panic(fmt.Sprintf("pagetables: unaligned unmap [%#x, +%#x)", uint64(start), size))
	}
	end := start + hvarch.Addr(size)
	addr := start
	for addr < end {
		table := p.root
		level := rootLevel
		for {
			e := &table[index(addr, level)]
			if !p.format.present(*e) {
				addr = nextBoundary(addr, end, level)
				break
			}
			if level == 1 || p.format.block(*e, level) {
				span := levelSize(level)
				if uint64(addr)&(span-1) != 0 || uint64(end-addr) < span {
					return fmt.Errorf("%w: level-%d block at %#x", ErrSplit, level, uint64(addr))
				}
				*e = 0
				addr += hvarch.Addr(span)
				break
			}
			table = p.alloc.LookupPTEs(p.format.address(*e))
			level--
		}
	}
	return nil
}

// nextBoundary returns the start of the next entry span at the given
// level, or end if that comes earlier.
func nextBoundary(addr, end hvarch.Addr, level int) hvarch.Addr {
	size := hvarch.Addr(levelSize(level))
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// Translate walks the tables for addr and returns the mapped physical
// address and decoded flags. ok is false if no translation exists. Used by
// tests and offline tooling; the hot path queries the interval index, not
// the tables.
func (p *PageTables) Translate(addr hvarch.Addr) (phys hvarch.PhysAddr, flags memmap.MemFlags, ok bool) {
	table := p.root
	for level := rootLevel; level >= 1; level-- {
		e := table[index(addr, level)]
		if !p.format.present(e) {
			return 0, 0, false
		}
		if level == 1 || p.format.block(e, level) {
			span := levelSize(level)
			base := p.format.address(e)
			return base + hvarch.PhysAddr(uint64(addr)&(span-1)), p.format.decodeFlags(e, level), true
		}
		table = p.alloc.LookupPTEs(p.format.address(e))
	}
	return 0, 0, false
}
