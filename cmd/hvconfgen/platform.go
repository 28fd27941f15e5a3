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

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ttzay/hyperenclave/pkg/bootinfo"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

// platformFile is the TOML schema for a platform description:
//
//	[hypervisor]
//	phys_start = "0x1000000"
//	size       = "0x1000000"
//
//	[[rmrr]]
//	base  = "0x9000"
//	limit = "0xa000"
//
//	[[iommu]]
//	base = "0xfed90000"
//	size = "0x1000"
//
//	[[region]]
//	phys_start = "0x100000000"
//	virt_start = "0x0"
//	size       = "0x80000000"
//	flags      = ["READ", "WRITE", "EXECUTE", "DMA"]
type platformFile struct {
	Hypervisor hypervisorDesc `toml:"hypervisor"`
	Iommu      []iommuDesc    `toml:"iommu"`
	Rmrr       []rmrrDesc     `toml:"rmrr"`
	Region     []regionDesc   `toml:"region"`
}

type hypervisorDesc struct {
	PhysStart string `toml:"phys_start"`
	Size      string `toml:"size"`
}

type iommuDesc struct {
	Base string `toml:"base"`
	Size string `toml:"size"`
}

type rmrrDesc struct {
	Base  string `toml:"base"`
	Limit string `toml:"limit"`
}

type regionDesc struct {
	PhysStart string   `toml:"phys_start"`
	VirtStart string   `toml:"virt_start"`
	Size      string   `toml:"size"`
	Flags     []string `toml:"flags"`
}

var flagsByName = map[string]memmap.MemFlags{
	"READ":         memmap.Read,
	"WRITE":        memmap.Write,
	"EXECUTE":      memmap.Execute,
	"DMA":          memmap.DMA,
	"IO":           memmap.IO,
	"COMM_REGION":  memmap.CommRegion,
	"NO_HUGEPAGES": memmap.NoHugepages,
	"USER":         memmap.User,
}

func parseAddr(field, s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%s: missing value", field)
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	return v, nil
}

func parseFlags(field string, names []string) (memmap.MemFlags, error) {
	var flags memmap.MemFlags
	for _, name := range names {
		f, ok := flagsByName[strings.ToUpper(name)]
		if !ok {
			return 0, fmt.Errorf("%s: unknown flag %q", field, name)
		}
		flags |= f
	}
	return flags, nil
}

// buildConfig converts a platform description into a validated
// configuration.
func buildConfig(pf *platformFile) (*bootinfo.SystemConfig, error) {
	hypPhys, err := parseAddr("hypervisor.phys_start", pf.Hypervisor.PhysStart)
	if err != nil {
		return nil, err
	}
	hypSize, err := parseAddr("hypervisor.size", pf.Hypervisor.Size)
	if err != nil {
		return nil, err
	}
	hyp := bootinfo.MemoryRegionDesc{
		PhysStart: hypPhys,
		Size:      hypSize,
		Flags:     memmap.Read | memmap.Write | memmap.Execute,
	}

	var iommu []bootinfo.IommuInfo
	for i, u := range pf.Iommu {
		base, err := parseAddr(fmt.Sprintf("iommu[%d].base", i), u.Base)
		if err != nil {
			return nil, err
		}
		size, err := parseAddr(fmt.Sprintf("iommu[%d].size", i), u.Size)
		if err != nil {
			return nil, err
		}
		if size > 1<<32-1 {
			return nil, fmt.Errorf("iommu[%d].size: %#x does not fit the 32-bit ABI field", i, size)
		}
		iommu = append(iommu, bootinfo.IommuInfo{Base: base, Size: uint32(size)})
	}

	var rmrr []bootinfo.RmrrRange
	for i, r := range pf.Rmrr {
		base, err := parseAddr(fmt.Sprintf("rmrr[%d].base", i), r.Base)
		if err != nil {
			return nil, err
		}
		limit, err := parseAddr(fmt.Sprintf("rmrr[%d].limit", i), r.Limit)
		if err != nil {
			return nil, err
		}
		rmrr = append(rmrr, bootinfo.RmrrRange{Base: base, Limit: limit})
	}

	var regions []bootinfo.MemoryRegionDesc
	for i, r := range pf.Region {
		phys, err := parseAddr(fmt.Sprintf("region[%d].phys_start", i), r.PhysStart)
		if err != nil {
			return nil, err
		}
		virt, err := parseAddr(fmt.Sprintf("region[%d].virt_start", i), r.VirtStart)
		if err != nil {
			return nil, err
		}
		size, err := parseAddr(fmt.Sprintf("region[%d].size", i), r.Size)
		if err != nil {
			return nil, err
		}
		flags, err := parseFlags(fmt.Sprintf("region[%d].flags", i), r.Flags)
		if err != nil {
			return nil, err
		}
		regions = append(regions, bootinfo.MemoryRegionDesc{
			PhysStart: phys,
			VirtStart: virt,
			Size:      size,
			Flags:     flags,
		})
	}

	return bootinfo.New(hyp, iommu, rmrr, regions)
}
