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

package interval

import (
	"testing"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

func TestContains(t *testing.T) {
	var tree Tree
	ranges := []memmap.Range{
		memmap.RangeOf(0x20000, 0x10000),
		memmap.RangeOf(0x1000, 0x1000),
		memmap.RangeOf(0x100000, 0x1000),
		memmap.RangeOf(0x40000, 0x4000),
	}
	for _, r := range ranges {
		tree.Insert(r)
	}
	if tree.Len() != len(ranges) {
		t.Fatalf("Len() = %d, want %d", tree.Len(), len(ranges))
	}
	for _, r := range ranges {
		for _, a := range []hvarch.Addr{r.Start, r.Start + 0x10, r.End - 1} {
			if !tree.Contains(a) {
				t.Errorf("Contains(%#x) = false, want true (range %v)", uint64(a), r)
			}
		}
		// End addresses are exclusive.
		if tree.Contains(r.End) {
			t.Errorf("Contains(%#x) = true for exclusive end of %v", uint64(r.End), r)
		}
	}
	for _, a := range []hvarch.Addr{0x0, 0xfff, 0x2000, 0x1ffff, 0x30000, 0x44000, 0x101000} {
		if tree.Contains(a) {
			t.Errorf("Contains(%#x) = true, want false", uint64(a))
		}
	}
}

func TestEmptyTree(t *testing.T) {
	var tree Tree
	if tree.Contains(0) || tree.Contains(0x1000) {
		t.Error("empty tree claims addresses")
	}
	if tree.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tree.Len())
	}
}

// TestAscendingInserts drives the worst case for an unbalanced tree and
// checks the tree stays logarithmic.
func TestAscendingInserts(t *testing.T) {
	var tree Tree
	const n = 1 << 12
	for i := 0; i < n; i++ {
		start := hvarch.Addr(i) * 2 * hvarch.PageSize
		tree.Insert(memmap.RangeOf(start, hvarch.PageSize))
	}
	// A valid AVL tree of 4096 nodes has height at most 1.44*log2(n+2).
	if h := height(tree.root); h > 18 {
		t.Fatalf("tree height %d after %d ascending inserts, want <= 18", h, n)
	}
	for i := 0; i < n; i++ {
		start := hvarch.Addr(i) * 2 * hvarch.PageSize
		if !tree.Contains(start + 0x800) {
			t.Fatalf("Contains(%#x) = false, want true", uint64(start+0x800))
		}
		if tree.Contains(start + hvarch.PageSize) {
			t.Fatalf("Contains(%#x) = true for gap", uint64(start+hvarch.PageSize))
		}
	}
}

func TestMalformedInsertPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("inserting an empty range did not panic")
		}
	}()
	var tree Tree
	tree.Insert(memmap.Range{Start: 0x2000, End: 0x2000})
}
