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
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"

	"github.com/ttzay/hyperenclave/pkg/bootinfo"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

const testPlatform = `
[hypervisor]
phys_start = "0x1000000"
size       = "0x1000000"

[[rmrr]]
base  = "0x9000"
limit = "0xa000"

[[iommu]]
base = "0xfed90000"
size = "0x1000"

[[region]]
phys_start = "0x100000000"
virt_start = "0x0"
size       = "0x80000000"
flags      = ["READ", "WRITE", "EXECUTE", "DMA"]
`

func TestBuildConfig(t *testing.T) {
	var pf platformFile
	if _, err := toml.Decode(testPlatform, &pf); err != nil {
		t.Fatalf("toml.Decode failed: %v", err)
	}
	cfg, err := buildConfig(&pf)
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}

	wantRegions := []bootinfo.MemoryRegionDesc{{
		PhysStart: 0x100000000,
		VirtStart: 0x0,
		Size:      0x80000000,
		Flags:     memmap.Read | memmap.Write | memmap.Execute | memmap.DMA,
	}}
	if diff := cmp.Diff(wantRegions, cfg.MemRegions()); diff != "" {
		t.Errorf("MemRegions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bootinfo.IommuInfo{{Base: 0xfed90000, Size: 0x1000}}, cfg.IommuUnits()); diff != "" {
		t.Errorf("IommuUnits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bootinfo.RmrrRange{{Base: 0x9000, Limit: 0xa000}}, cfg.RmrrRanges()); diff != "" {
		t.Errorf("RmrrRanges mismatch (-want +got):\n%s", diff)
	}

	// The blob round-trips through the consumer side.
	if _, err := bootinfo.Parse(cfg.Encode()); err != nil {
		t.Errorf("Parse of generated blob failed: %v", err)
	}
}

func TestBuildConfigRejectsUnknownFlag(t *testing.T) {
	var pf platformFile
	src := strings.Replace(testPlatform, `"DMA"`, `"TURBO"`, 1)
	if _, err := toml.Decode(src, &pf); err != nil {
		t.Fatalf("toml.Decode failed: %v", err)
	}
	if _, err := buildConfig(&pf); err == nil || !strings.Contains(err.Error(), "TURBO") {
		t.Errorf("buildConfig = %v, want unknown-flag error", err)
	}
}

func TestBuildConfigRejectsBadAddress(t *testing.T) {
	var pf platformFile
	src := strings.Replace(testPlatform, `"0x1000000"`, `"one megabyte"`, 1)
	if _, err := toml.Decode(src, &pf); err != nil {
		t.Fatalf("toml.Decode failed: %v", err)
	}
	if _, err := buildConfig(&pf); err == nil {
		t.Error("buildConfig accepted a malformed address")
	}
}
