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
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
)

// ErrNotFound is returned by RegionSet.Remove when no region starts at the
// given address.
var ErrNotFound = errors.New("memmap: no region at address")

const regionSetDegree = 8

// RegionSet is an ordered set of non-overlapping regions over one address
// space, bound to one translation-table backend. Every region recorded in
// the set has been materialized in the backend, and vice versa.
//
// A RegionSet is not synchronized. The root cell builds its sets once
// during single-threaded boot and treats them as read-only afterwards;
// concurrent lookups on an immutable set are safe.
type RegionSet struct {
	backend Backend
	tree    *btree.BTreeG[*Region]
}

// NewRegionSet returns an empty set bound to backend.
func NewRegionSet(backend Backend) *RegionSet {
	return &RegionSet{
		backend: backend,
		tree: btree.NewG(regionSetDegree, func(a, b *Region) bool {
			return a.start < b.start
		}),
	}
}

// Insert records r and drives the backend to materialize its mapping.
//
// If r overlaps a recorded region, Insert returns an *OverlapError and
// neither the set nor the backend is changed. If the backend fails, the
// error is propagated and the region is not recorded.
func (s *RegionSet) Insert(r *Region) error {
	if c := s.conflict(r); c != nil {
		return &OverlapError{New: r.Range(), Existing: c.Range()}
	}
	if err := s.backend.Map(r); err != nil {
		return fmt.Errorf("memmap: mapping %v: %w", r.Range(), err)
	}
	s.tree.ReplaceOrInsert(r)
	return nil
}

// conflict returns a recorded region overlapping r, if any. Only the
// nearest neighbor on each side can overlap, since recorded regions are
// pairwise disjoint.
func (s *RegionSet) conflict(r *Region) *Region {
	var hit *Region
	probe := &Region{start: r.start}
	s.tree.DescendLessOrEqual(probe, func(it *Region) bool {
		if it.Range().Overlaps(r.Range()) {
			hit = it
		}
		return false
	})
	if hit != nil {
		return hit
	}
	s.tree.AscendGreaterOrEqual(probe, func(it *Region) bool {
		if it.Range().Overlaps(r.Range()) {
			hit = it
		}
		return false
	})
	return hit
}

// Remove is the structural inverse of Insert: it tears down the backend
// mapping of the region starting at start and drops it from the set. Root
// cell construction never removes regions; Remove exists for future
// non-root cell teardown.
func (s *RegionSet) Remove(start hvarch.Addr) (*Region, error) {
	r, ok := s.tree.Get(&Region{start: start})
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNotFound, uint64(start))
	}
	if err := s.backend.Unmap(r.start, r.size); err != nil {
		return nil, fmt.Errorf("memmap: unmapping %v: %w", r.Range(), err)
	}
	s.tree.Delete(r)
	return r, nil
}

// Find returns the region claiming a, or nil.
func (s *RegionSet) Find(a hvarch.Addr) *Region {
	var found *Region
	s.tree.DescendLessOrEqual(&Region{start: a}, func(it *Region) bool {
		if it.Contains(a) {
			found = it
		}
		return false
	})
	return found
}

// Len returns the number of recorded regions.
func (s *RegionSet) Len() int {
	return s.tree.Len()
}

// ForEach calls f on each region in ascending base-address order until f
// returns false.
func (s *RegionSet) ForEach(f func(*Region) bool) {
	s.tree.Ascend(f)
}
