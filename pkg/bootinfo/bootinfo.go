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

// Package bootinfo implements the boot-loader ABI: the fixed-layout system
// configuration the loader places after the hypervisor image, and the
// header describing where to find it.
//
// The byte layout is a contract with the loader: little-endian, packed, no
// padding between fields, and the memory-region array immediately follows
// the fixed struct. The loader is foreign code; unlike it, this package
// validates everything it reads.
package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

// ErrMalformed is wrapped by all parse-time validation failures.
var ErrMalformed = errors.New("bootinfo: malformed boot configuration")

const (
	// MaxIommuUnits is the fixed capacity of the IOMMU descriptor array.
	MaxIommuUnits = 16

	// MaxRmrrRanges is the fixed capacity of the reserved-range array.
	MaxRmrrRanges = 4

	// maxMemRegions bounds the declared region count; the original
	// trusted the loader here.
	maxMemRegions = 1 << 12

	headerSize           = 24
	memoryRegionDescSize = 32
	iommuInfoSize        = 12
	rmrrRangeSize        = 16

	// FixedConfigSize is the size of SystemConfig before the trailing
	// region array.
	FixedConfigSize = memoryRegionDescSize +
		MaxIommuUnits*iommuInfoSize +
		MaxRmrrRanges*rmrrRangeSize + 4
)

// signature identifies a hypervisor image header.
var signature = [8]byte{'H', 'Y', 'P', 'E', 'R', 'E', 'N', 'C'}

// Header is the image header the loader fills in before handoff.
type Header struct {
	// CoreSize is the size of the hypervisor's core code and data.
	CoreSize uint64

	// MaxCPUs is the number of per-CPU areas following the core.
	MaxCPUs uint32
}

// ConfigOffset returns the offset of the system configuration within the
// hypervisor's memory: the loader places it directly after the core image
// and the per-CPU areas.
func (h Header) ConfigOffset() uint64 {
	return h.CoreSize + uint64(h.MaxCPUs)*hvarch.PerCPUSize
}

// ParseHeader decodes and validates an image header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("%w: header truncated at %d bytes", ErrMalformed, len(b))
	}
	if !bytes.Equal(b[0:8], signature[:]) {
		return Header{}, fmt.Errorf("%w: bad header signature %q", ErrMalformed, b[0:8])
	}
	h := Header{
		CoreSize: binary.LittleEndian.Uint64(b[8:16]),
		MaxCPUs:  binary.LittleEndian.Uint32(b[16:20]),
	}
	if h.CoreSize == 0 || !hvarch.Addr(h.CoreSize).IsPageAligned() {
		return Header{}, fmt.Errorf("%w: bad core size %#x", ErrMalformed, h.CoreSize)
	}
	if h.ConfigOffset() < h.CoreSize {
		return Header{}, fmt.Errorf("%w: image layout overflows (core %#x, %d cpus)", ErrMalformed, h.CoreSize, h.MaxCPUs)
	}
	return h, nil
}

// EncodeHeader is the inverse of ParseHeader.
func EncodeHeader(h Header) []byte {
	b := make([]byte, headerSize)
	copy(b[0:8], signature[:])
	binary.LittleEndian.PutUint64(b[8:16], h.CoreSize)
	binary.LittleEndian.PutUint32(b[16:20], h.MaxCPUs)
	return b
}

// MemoryRegionDesc is one loader-declared memory region. For guest regions
// VirtStart is the guest-physical base and PhysStart the host-physical
// target.
type MemoryRegionDesc struct {
	PhysStart uint64
	VirtStart uint64
	Size      uint64
	Flags     memmap.MemFlags
}

// IommuInfo describes one IOMMU unit's register window.
type IommuInfo struct {
	Base uint64
	Size uint32
}

// RmrrRange is one reserved (secure/enclave) physical range [Base, Limit).
type RmrrRange struct {
	Base  uint64
	Limit uint64
}

// SystemConfig is the parsed system configuration.
type SystemConfig struct {
	// HypervisorMemory is the hypervisor's own physical footprint.
	HypervisorMemory MemoryRegionDesc

	iommuUnits [MaxIommuUnits]IommuInfo
	rmrrRanges [MaxRmrrRanges]RmrrRange
	regions    []MemoryRegionDesc
}

// New assembles a configuration from its parts, applying the same
// validation as Parse. It is the loader-side constructor used by tooling
// and tests.
func New(hyp MemoryRegionDesc, iommu []IommuInfo, rmrr []RmrrRange, regions []MemoryRegionDesc) (*SystemConfig, error) {
	if len(iommu) > MaxIommuUnits {
		return nil, fmt.Errorf("%w: %d IOMMU units, max %d", ErrMalformed, len(iommu), MaxIommuUnits)
	}
	if len(rmrr) > MaxRmrrRanges {
		return nil, fmt.Errorf("%w: %d reserved ranges, max %d", ErrMalformed, len(rmrr), MaxRmrrRanges)
	}
	if len(regions) > maxMemRegions {
		return nil, fmt.Errorf("%w: %d memory regions, max %d", ErrMalformed, len(regions), maxMemRegions)
	}
	c := &SystemConfig{
		HypervisorMemory: hyp,
		regions:          append([]MemoryRegionDesc(nil), regions...),
	}
	copy(c.iommuUnits[:], iommu)
	copy(c.rmrrRanges[:], rmrr)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Size returns the encoded size: the fixed struct plus the trailing region
// array, as the loader computes it.
func (c *SystemConfig) Size() int {
	return FixedConfigSize + len(c.regions)*memoryRegionDescSize
}

// IommuUnits returns the declared IOMMU units: the prefix of the fixed
// array up to the first entry with Base == 0.
//
// The array carries no length field; the zero sentinel is the loader's
// convention and is preserved exactly for ABI compatibility.
func (c *SystemConfig) IommuUnits() []IommuInfo {
	n := 0
	for n < MaxIommuUnits && c.iommuUnits[n].Base != 0 {
		n++
	}
	return c.iommuUnits[:n]
}

// RmrrRanges returns the declared reserved ranges: the prefix of the fixed
// array up to the first entry with Limit == 0. Same sentinel convention as
// IommuUnits.
func (c *SystemConfig) RmrrRanges() []RmrrRange {
	n := 0
	for n < MaxRmrrRanges && c.rmrrRanges[n].Limit != 0 {
		n++
	}
	return c.rmrrRanges[:n]
}

// MemRegions returns the loader-declared memory regions.
func (c *SystemConfig) MemRegions() []MemoryRegionDesc {
	return c.regions
}

func decodeRegion(b []byte) MemoryRegionDesc {
	return MemoryRegionDesc{
		PhysStart: binary.LittleEndian.Uint64(b[0:8]),
		VirtStart: binary.LittleEndian.Uint64(b[8:16]),
		Size:      binary.LittleEndian.Uint64(b[16:24]),
		Flags:     memmap.MemFlags(binary.LittleEndian.Uint64(b[24:32])),
	}
}

func encodeRegion(b []byte, r MemoryRegionDesc) {
	binary.LittleEndian.PutUint64(b[0:8], r.PhysStart)
	binary.LittleEndian.PutUint64(b[8:16], r.VirtStart)
	binary.LittleEndian.PutUint64(b[16:24], r.Size)
	binary.LittleEndian.PutUint64(b[24:32], uint64(r.Flags))
}

// Parse decodes and validates a system configuration. b must start at the
// configuration; trailing bytes beyond the declared region array are
// ignored.
func Parse(b []byte) (*SystemConfig, error) {
	if len(b) < FixedConfigSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d for fixed struct", ErrMalformed, len(b), FixedConfigSize)
	}
	c := &SystemConfig{
		HypervisorMemory: decodeRegion(b[0:memoryRegionDescSize]),
	}
	off := memoryRegionDescSize
	for i := 0; i < MaxIommuUnits; i++ {
		c.iommuUnits[i] = IommuInfo{
			Base: binary.LittleEndian.Uint64(b[off : off+8]),
			Size: binary.LittleEndian.Uint32(b[off+8 : off+12]),
		}
		off += iommuInfoSize
	}
	for i := 0; i < MaxRmrrRanges; i++ {
		c.rmrrRanges[i] = RmrrRange{
			Base:  binary.LittleEndian.Uint64(b[off : off+8]),
			Limit: binary.LittleEndian.Uint64(b[off+8 : off+16]),
		}
		off += rmrrRangeSize
	}
	num := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if num > maxMemRegions {
		return nil, fmt.Errorf("%w: implausible region count %d", ErrMalformed, num)
	}
	need := off + int(num)*memoryRegionDescSize
	if len(b) < need {
		return nil, fmt.Errorf("%w: %d bytes, need %d for %d regions", ErrMalformed, len(b), need, num)
	}
	c.regions = make([]MemoryRegionDesc, num)
	for i := range c.regions {
		c.regions[i] = decodeRegion(b[off : off+memoryRegionDescSize])
		off += memoryRegionDescSize
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load locates and parses the configuration inside the hypervisor's memory
// image, at the offset the header prescribes.
func Load(mem []byte, h Header) (*SystemConfig, error) {
	off := h.ConfigOffset()
	if off < h.CoreSize {
		return nil, fmt.Errorf("%w: image layout overflows (core %#x, %d cpus)", ErrMalformed, h.CoreSize, h.MaxCPUs)
	}
	if off > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: config offset %#x beyond image of %#x bytes", ErrMalformed, off, len(mem))
	}
	return Parse(mem[off:])
}

// Encode is the exact inverse of Parse.
func (c *SystemConfig) Encode() []byte {
	b := make([]byte, c.Size())
	encodeRegion(b[0:memoryRegionDescSize], c.HypervisorMemory)
	off := memoryRegionDescSize
	for _, u := range c.iommuUnits {
		binary.LittleEndian.PutUint64(b[off:off+8], u.Base)
		binary.LittleEndian.PutUint32(b[off+8:off+12], u.Size)
		off += iommuInfoSize
	}
	for _, r := range c.rmrrRanges {
		binary.LittleEndian.PutUint64(b[off:off+8], r.Base)
		binary.LittleEndian.PutUint64(b[off+8:off+16], r.Limit)
		off += rmrrRangeSize
	}
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(len(c.regions)))
	off += 4
	for _, r := range c.regions {
		encodeRegion(b[off:off+memoryRegionDescSize], r)
		off += memoryRegionDescSize
	}
	return b
}

func pageAligned(v uint64) bool {
	return hvarch.Addr(v).IsPageAligned()
}

func (c *SystemConfig) validate() error {
	hyp := c.HypervisorMemory
	if hyp.Size == 0 || !pageAligned(hyp.Size) || !pageAligned(hyp.PhysStart) {
		return fmt.Errorf("%w: bad hypervisor memory [%#x, +%#x)", ErrMalformed, hyp.PhysStart, hyp.Size)
	}
	for i, r := range c.MemRegions() {
		if r.Size == 0 || !pageAligned(r.Size) || !pageAligned(r.PhysStart) || !pageAligned(r.VirtStart) {
			return fmt.Errorf("%w: bad memory region %d [%#x, +%#x)", ErrMalformed, i, r.VirtStart, r.Size)
		}
	}
	for i, r := range c.RmrrRanges() {
		if r.Limit <= r.Base || !pageAligned(r.Base) || !pageAligned(r.Limit) {
			return fmt.Errorf("%w: bad reserved range %d [%#x, %#x)", ErrMalformed, i, r.Base, r.Limit)
		}
	}
	for i, u := range c.IommuUnits() {
		if u.Size == 0 {
			return fmt.Errorf("%w: IOMMU unit %d has zero size", ErrMalformed, i)
		}
		if !pageAligned(u.Base) {
			return fmt.Errorf("%w: IOMMU unit %d base %#x not page-aligned", ErrMalformed, i, u.Base)
		}
	}
	return nil
}
