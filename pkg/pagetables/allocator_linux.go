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

//go:build linux

package pagetables

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
)

// ArenaAllocator carves table pages out of one fixed anonymous mapping.
// Hosted environments use it when table memory must be page-backed rather
// than scattered across the Go heap; its "physical" addresses are byte
// offsets into the arena.
type ArenaAllocator struct {
	arena []byte
	used  int
	free  []*PTEs
}

// NewArenaAllocator returns an allocator over a fresh arena of the given
// number of pages.
func NewArenaAllocator(pages int) (*ArenaAllocator, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("pagetables: invalid arena size %d pages", pages)
	}
	arena, err := unix.Mmap(-1, 0, pages*hvarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pagetables: mapping %d-page arena: %w", pages, err)
	}
	return &ArenaAllocator{arena: arena}, nil
}

// Close releases the arena. All table pages become invalid.
func (a *ArenaAllocator) Close() error {
	arena := a.arena
	a.arena = nil
	a.free = nil
	return unix.Munmap(arena)
}

// NewPTEs implements Allocator.NewPTEs.
func (a *ArenaAllocator) NewPTEs() *PTEs {
	if n := len(a.free); n > 0 {
		ptes := a.free[n-1]
		a.free = a.free[:n-1]
		*ptes = PTEs{}
		return ptes
	}
	if a.used+hvarch.PageSize > len(a.arena) {
		return nil
	}
	ptes := (*PTEs)(unsafe.Pointer(&a.arena[a.used]))
	a.used += hvarch.PageSize
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *ArenaAllocator) PhysicalFor(ptes *PTEs) hvarch.PhysAddr {
	off := uintptr(unsafe.Pointer(ptes)) - uintptr(unsafe.Pointer(&a.arena[0]))
	if off >= uintptr(len(a.arena)) {
		panic("pagetables: PhysicalFor of table outside arena")
	}
	return hvarch.PhysAddr(off)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *ArenaAllocator) LookupPTEs(phys hvarch.PhysAddr) *PTEs {
	if uint64(phys)+hvarch.PageSize > uint64(len(a.arena)) || !phys.IsPageAligned() {
		panic(fmt.Sprintf("pagetables: LookupPTEs of bad arena address %#x", uint64(phys)))
	}
	return (*PTEs)(unsafe.Pointer(&a.arena[phys]))
}

// FreePTEs implements Allocator.FreePTEs.
func (a *ArenaAllocator) FreePTEs(ptes *PTEs) {
	a.free = append(a.free, ptes)
}
