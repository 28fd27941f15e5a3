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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/ttzay/hyperenclave/pkg/bootinfo"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct{}

// Name implements subcommands.Command.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.
func (*Dump) Synopsis() string {
	return "decodes and prints a boot configuration blob"
}

// Usage implements subcommands.Command.
func (*Dump) Usage() string {
	return `dump <config.bin>`
}

// SetFlags implements subcommands.Command.
func (*Dump) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	b, err := os.ReadFile(f.Arg(0))
	if err != nil {
		logrus.Errorf("reading %s: %v", f.Arg(0), err)
		return subcommands.ExitFailure
	}
	cfg, err := bootinfo.Parse(b)
	if err != nil {
		logrus.Errorf("parsing %s: %v", f.Arg(0), err)
		return subcommands.ExitFailure
	}

	hyp := cfg.HypervisorMemory
	fmt.Printf("hypervisor memory: [%#x, %#x) %v\n", hyp.PhysStart, hyp.PhysStart+hyp.Size, hyp.Flags)
	for i, u := range cfg.IommuUnits() {
		fmt.Printf("iommu unit %d: base %#x size %#x\n", i, u.Base, u.Size)
	}
	for i, r := range cfg.RmrrRanges() {
		fmt.Printf("reserved range %d: [%#x, %#x)\n", i, r.Base, r.Limit)
	}
	for i, r := range cfg.MemRegions() {
		fmt.Printf("region %d: guest [%#x, %#x) -> phys %#x %v\n",
			i, r.VirtStart, r.VirtStart+r.Size, r.PhysStart, r.Flags)
	}
	return subcommands.ExitSuccess
}
