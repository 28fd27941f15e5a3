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
	"errors"
	"testing"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

func TestArenaAllocator(t *testing.T) {
	alloc, err := NewArenaAllocator(16)
	if err != nil {
		t.Fatalf("NewArenaAllocator failed: %v", err)
	}
	defer alloc.Close()

	pt, err := New(alloc, EPTFormat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r := memmap.NewOffset(0x400000, 0x5000000, 2*hvarch.PageSize, memmap.Read|memmap.Write)
	if err := pt.Map(r); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, 0x5000000, memmap.Read | memmap.Write},
		{0x401fff, 0x5001fff, memmap.Read | memmap.Write},
	})
}

func TestArenaAllocatorExhaustion(t *testing.T) {
	alloc, err := NewArenaAllocator(2)
	if err != nil {
		t.Fatalf("NewArenaAllocator failed: %v", err)
	}
	defer alloc.Close()

	pt, err := New(alloc, EPTFormat)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r := memmap.NewOffset(0x400000, 0x5000000, hvarch.PageSize, memmap.Read)
	if err := pt.Map(r); !errors.Is(err, ErrNoPages) {
		t.Fatalf("Map = %v, want ErrNoPages", err)
	}
}

func TestArenaRoundTrip(t *testing.T) {
	alloc, err := NewArenaAllocator(4)
	if err != nil {
		t.Fatalf("NewArenaAllocator failed: %v", err)
	}
	defer alloc.Close()

	ptes := alloc.NewPTEs()
	if ptes == nil {
		t.Fatal("NewPTEs returned nil")
	}
	phys := alloc.PhysicalFor(ptes)
	if got := alloc.LookupPTEs(phys); got != ptes {
		t.Errorf("LookupPTEs(PhysicalFor(p)) != p")
	}
}
