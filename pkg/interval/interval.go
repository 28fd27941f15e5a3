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

// Package interval provides an augmented balanced search tree over
// half-open address ranges, answering point-containment queries in
// O(log n). It backs the hot-path check of whether a guest-physical
// address belongs to the normal world, where walking the translation
// tables would be too slow.
package interval

import (
	"fmt"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

// Tree is an AVL tree of ranges, each node augmented with the maximum end
// address in its subtree. The zero value is an empty tree.
//
// The tree is built once during root-cell construction and is read-only
// afterwards; Contains on an immutable tree is safe for concurrent use.
// There is no delete: dynamic cells would need one, and a rebalancing
// delete preserving the augmentation, before this can be generalized.
type Tree struct {
	root  *node
	count int
}

type node struct {
	r      memmap.Range
	max    hvarch.Addr
	height int
	left   *node
	right  *node
}

// Insert adds r to the tree. Ranges are ordered by start address; the
// caller (the region set layer) guarantees disjointness, the tree does not
// check it.
//
// Preconditions: r.WellFormed().
func (t *Tree) Insert(r memmap.Range) {
	if !r.WellFormed() {
		panic(fmt.Sprintf("interval: inserting malformed range %v", r))
	}
	t.root = insert(t.root, r)
	t.count++
}

// Contains returns true if a falls within some inserted range.
func (t *Tree) Contains(a hvarch.Addr) bool {
	n := t.root
	for n != nil {
		if n.r.Contains(a) {
			return true
		}
		// If the left subtree's maximum end exceeds a, any range
		// containing a must be on the left: a left miss implies all
		// left starts exceed a, and ours and the right subtree's
		// starts are no smaller.
		if n.left != nil && a < n.left.max {
			n = n.left
		} else {
			n = n.right
		}
	}
	return false
}

// Len returns the number of inserted ranges.
func (t *Tree) Len() int {
	return t.count
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

// update recomputes the node's height and augmented maximum from its
// children.
func (n *node) update() {
	n.height = 1 + max(height(n.left), height(n.right))
	n.max = n.r.End
	if n.left != nil && n.left.max > n.max {
		n.max = n.left.max
	}
	if n.right != nil && n.right.max > n.max {
		n.max = n.right.max
	}
}

func (n *node) balance() int {
	return height(n.left) - height(n.right)
}

func rotateRight(n *node) *node {
	l := n.left
	n.left = l.right
	l.right = n
	n.update()
	l.update()
	return l
}

func rotateLeft(n *node) *node {
	r := n.right
	n.right = r.left
	r.left = n
	n.update()
	r.update()
	return r
}

func insert(n *node, r memmap.Range) *node {
	if n == nil {
		return &node{r: r, max: r.End, height: 1}
	}
	if r.Start < n.r.Start || (r.Start == n.r.Start && r.End < n.r.End) {
		n.left = insert(n.left, r)
	} else {
		n.right = insert(n.right, r)
	}
	n.update()
	switch b := n.balance(); {
	case b > 1:
		if n.left.balance() < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case b < -1:
		if n.right.balance() > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}
