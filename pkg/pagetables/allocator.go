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

package pagetables

import "github.com/ttzay/hyperenclave/pkg/hvarch"

// Allocator is the physical page source for table levels. It is external
// to this core: on hardware it fronts the hypervisor's page pool, in tests
// and tooling the implementations below stand in.
type Allocator interface {
	// NewPTEs returns a zeroed table page, or nil when the source is
	// exhausted. The walker reports exhaustion as ErrNoPages.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address of a table page returned
	// by NewPTEs.
	PhysicalFor(ptes *PTEs) hvarch.PhysAddr

	// LookupPTEs is the inverse of PhysicalFor.
	LookupPTEs(phys hvarch.PhysAddr) *PTEs

	// FreePTEs returns a table page to the source.
	FreePTEs(ptes *PTEs)
}

// runtimeAllocatorBase keeps synthetic table addresses clear of the
// low-memory ranges tests map.
const runtimeAllocatorBase hvarch.PhysAddr = 1 << 32

// RuntimeAllocator hands out Go-heap-backed table pages with synthetic
// physical addresses. It backs tests and offline tooling.
type RuntimeAllocator struct {
	limit  int
	used   int
	next   hvarch.PhysAddr
	tables map[hvarch.PhysAddr]*PTEs
	phys   map[*PTEs]hvarch.PhysAddr
	free   []*PTEs
}

// NewRuntimeAllocator returns an unbounded runtime allocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return NewBoundedAllocator(0)
}

// NewBoundedAllocator returns a runtime allocator that refuses to hand out
// more than limit pages (0 means unbounded), for exercising exhaustion
// paths.
func NewBoundedAllocator(limit int) *RuntimeAllocator {
	return &RuntimeAllocator{
		limit:  limit,
		next:   runtimeAllocatorBase,
		tables: make(map[hvarch.PhysAddr]*PTEs),
		phys:   make(map[*PTEs]hvarch.PhysAddr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() *PTEs {
	if n := len(a.free); n > 0 {
		ptes := a.free[n-1]
		a.free = a.free[:n-1]
		*ptes = PTEs{}
		return ptes
	}
	if a.limit > 0 && a.used >= a.limit {
		return nil
	}
	a.used++
	ptes := new(PTEs)
	a.tables[a.next] = ptes
	a.phys[ptes] = a.next
	a.next += hvarch.PageSize
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *RuntimeAllocator) PhysicalFor(ptes *PTEs) hvarch.PhysAddr {
	p, ok := a.phys[ptes]
	if !ok {
		panic("pagetables: PhysicalFor of foreign table")
	}
	return p
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *RuntimeAllocator) LookupPTEs(phys hvarch.PhysAddr) *PTEs {
	ptes, ok := a.tables[phys]
	if !ok {
		panic("pagetables: LookupPTEs of unknown address")
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	a.free = append(a.free, ptes)
}
