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

package cell

import (
	"errors"
	"sync/atomic"

	"github.com/ttzay/hyperenclave/pkg/bootinfo"
	"github.com/ttzay/hyperenclave/pkg/hvarch"
)

// ErrAlreadyInitialized is returned by Init after a successful Init.
var ErrAlreadyInitialized = errors.New("cell: root cell already initialized")

var root atomic.Pointer[Cell]

// Init constructs the root cell and publishes it. The startup sequence
// calls it exactly once, before any other core is online and before any
// subsystem that depends on memory isolation runs. Initialization is
// explicit and ordered; there is no lazy construction path.
func Init(h bootinfo.Header, cfg *bootinfo.SystemConfig, b Backends) error {
	if root.Load() != nil {
		return ErrAlreadyInitialized
	}
	c, err := NewRoot(h, cfg, b)
	if err != nil {
		return err
	}
	if !root.CompareAndSwap(nil, c) {
		return ErrAlreadyInitialized
	}
	return nil
}

// Root returns the root cell. It panics if called before Init: accessing
// the cell before initialization is a startup-ordering bug, and failing
// fast beats silently re-entering construction.
func Root() *Cell {
	c := root.Load()
	if c == nil {
		panic("cell: Root called before Init")
	}
	return c
}

// IsValidNormalWorldGPAddr queries the root cell's normal-world index.
func IsValidNormalWorldGPAddr(a hvarch.GuestPhysAddr) bool {
	return Root().IsValidNormalWorldGPAddr(a)
}
