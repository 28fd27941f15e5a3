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

// Package cell implements the isolation domain: one cell bundles the
// guest-physical, hypervisor-virtual and DMA region sets plus the
// normal-world index over loader-declared guest ranges. Exactly one cell,
// the root cell, exists in the current scope; it is built once at boot
// from the loader's configuration and read-only afterwards.
package cell

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ttzay/hyperenclave/pkg/bootinfo"
	"github.com/ttzay/hyperenclave/pkg/hvarch"
	"github.com/ttzay/hyperenclave/pkg/interval"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

var log = logrus.WithField("subsystem", "cell")

// ErrBadLayout is returned when the boot configuration's hypervisor
// footprint cannot hold the image the header describes.
var ErrBadLayout = errors.New("cell: hypervisor memory does not fit image layout")

// Backends supplies one translation-table backend per address space.
type Backends struct {
	// GuestPhys is the nested (stage-2) backend.
	GuestPhys memmap.Backend

	// HvVirt is the hypervisor's own stage-1 backend.
	HvVirt memmap.Backend

	// DMA is the IOMMU second-level backend.
	DMA memmap.Backend
}

// Cell is one isolation domain.
type Cell struct {
	guestPhys   *memmap.RegionSet
	hvVirt      *memmap.RegionSet
	dma         *memmap.RegionSet
	normalWorld interval.Tree
}

// GuestPhys returns the guest-physical region set.
func (c *Cell) GuestPhys() *memmap.RegionSet { return c.guestPhys }

// HvVirt returns the hypervisor-virtual region set.
func (c *Cell) HvVirt() *memmap.RegionSet { return c.hvVirt }

// DMA returns the device-visible region set.
func (c *Cell) DMA() *memmap.RegionSet { return c.dma }

// IsValidNormalWorldGPAddr returns true if a falls within a loader-declared
// guest-physical region. It is a fast pre-check before the hypervisor
// touches guest memory on a guest's behalf, not a substitute for the
// permission bits in the translation tables. It never fails and takes no
// locks; the index is immutable after construction.
func (c *Cell) IsValidNormalWorldGPAddr(a hvarch.GuestPhysAddr) bool {
	return c.normalWorld.Contains(a)
}

// NewRoot builds the root cell from the boot configuration.
//
// Construction is a deterministic single pass; any overlap or mapping
// error aborts it. There is no rollback: a failed construction aborts
// hypervisor bring-up before any guest exists, so partially materialized
// table state is never published and is reclaimed with its allocator.
func NewRoot(h bootinfo.Header, cfg *bootinfo.SystemConfig, b Backends) (*Cell, error) {
	c := &Cell{
		guestPhys: memmap.NewRegionSet(b.GuestPhys),
		hvVirt:    memmap.NewRegionSet(b.HvVirt),
		dma:       memmap.NewRegionSet(b.DMA),
	}

	hypPhys := hvarch.PhysAddr(cfg.HypervisorMemory.PhysStart)
	hypSize := cfg.HypervisorMemory.Size

	// Carve the hypervisor's own footprint out of guest-physical space:
	// claimed, unmapped, so no guest translation for it can ever be
	// installed.
	if err := c.guestPhys.Insert(memmap.NewEmpty(hypPhys, hypSize, memmap.Read|memmap.Encrypted)); err != nil {
		return nil, fmt.Errorf("cell: reserving hypervisor memory: %w", err)
	}
	log.WithFields(logrus.Fields{
		"range": memmap.RangeOf(hypPhys, hypSize),
	}).Debug("reserved hypervisor footprint")

	// Secure-memory ranges are carved out the same way, before any
	// loader-declared region can land on top of them.
	for i, r := range cfg.RmrrRanges() {
		if err := c.guestPhys.Insert(memmap.NewEmpty(hvarch.Addr(r.Base), r.Limit-r.Base, memmap.Read|memmap.Encrypted)); err != nil {
			return nil, fmt.Errorf("cell: reserving secure range %d: %w", i, err)
		}
		log.WithFields(logrus.Fields{
			"range": memmap.Range{Start: hvarch.Addr(r.Base), End: hvarch.Addr(r.Limit)},
		}).Debug("reserved secure-memory range")
	}

	if err := c.mapHypervisorImage(h, hypPhys, hypSize); err != nil {
		return nil, err
	}

	// Loader-declared regions become the guest's visible physical space.
	// They are normal world: ENCRYPTED is stripped whatever the loader
	// declared. DMA-capable regions get an identical device-side mapping
	// so CPU and device views of the range stay consistent.
	for i, mr := range cfg.MemRegions() {
		flags := mr.Flags &^ memmap.Encrypted
		r := memmap.NewOffset(hvarch.Addr(mr.VirtStart), hvarch.PhysAddr(mr.PhysStart), mr.Size, flags)
		if err := c.guestPhys.Insert(r); err != nil {
			return nil, fmt.Errorf("cell: mapping region %d: %w", i, err)
		}
		if flags&memmap.DMA != 0 {
			dr := memmap.NewOffset(hvarch.Addr(mr.VirtStart), hvarch.PhysAddr(mr.PhysStart), mr.Size, flags)
			if err := c.dma.Insert(dr); err != nil {
				return nil, fmt.Errorf("cell: mapping DMA region %d: %w", i, err)
			}
		}
		c.normalWorld.Insert(r.Range())
		log.WithFields(logrus.Fields{
			"range":  r.Range(),
			"target": fmt.Sprintf("%#x", mr.PhysStart),
			"flags":  flags,
		}).Debug("mapped guest region")
	}

	// IOMMU register windows, at their fixed virtual offset. Control
	// structures, not guest data: never encrypted.
	for i, u := range cfg.IommuUnits() {
		size, ok := hvarch.Addr(u.Size).RoundUp()
		if !ok {
			return nil, fmt.Errorf("cell: IOMMU unit %d: bad register window size %#x", i, u.Size)
		}
		r := memmap.NewOffset(hvarch.IommuBase+hvarch.Addr(u.Base), hvarch.PhysAddr(u.Base), uint64(size), memmap.Read|memmap.Write)
		if err := c.hvVirt.Insert(r); err != nil {
			return nil, fmt.Errorf("cell: mapping IOMMU unit %d: %w", i, err)
		}
		log.WithFields(logrus.Fields{
			"unit":  i,
			"range": r.Range(),
		}).Debug("mapped IOMMU registers")
	}

	log.WithFields(logrus.Fields{
		"guest_regions": c.guestPhys.Len(),
		"dma_regions":   c.dma.Len(),
		"hv_regions":    c.hvVirt.Len(),
	}).Info("root cell constructed")
	return c, nil
}

// mapHypervisorImage installs the hypervisor's own virtual mappings: core
// code and data at the fixed base, then the remaining hypervisor memory
// past the per-CPU areas.
func (c *Cell) mapHypervisorImage(h bootinfo.Header, hypPhys hvarch.PhysAddr, hypSize uint64) error {
	imageSize := h.ConfigOffset()
	if imageSize > hypSize {
		return fmt.Errorf("%w: image needs %#x bytes, footprint has %#x", ErrBadLayout, imageSize, hypSize)
	}
	core := memmap.NewOffset(hvarch.HvBase, hypPhys, h.CoreSize,
		memmap.Read|memmap.Write|memmap.Execute|memmap.Encrypted)
	if err := c.hvVirt.Insert(core); err != nil {
		return fmt.Errorf("cell: mapping hypervisor core: %w", err)
	}
	if rest := hypSize - imageSize; rest > 0 {
		off := hvarch.Addr(imageSize)
		r := memmap.NewOffset(hvarch.HvBase+off, hypPhys+off, rest,
			memmap.Read|memmap.Write|memmap.Encrypted)
		if err := c.hvVirt.Insert(r); err != nil {
			return fmt.Errorf("cell: mapping hypervisor heap: %w", err)
		}
	}
	return nil
}
