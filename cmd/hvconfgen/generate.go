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
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// Generate implements subcommands.Command for the "generate" command.
type Generate struct {
	config string
	output string
}

// Name implements subcommands.Command.
func (*Generate) Name() string {
	return "generate"
}

// Synopsis implements subcommands.Command.
func (*Generate) Synopsis() string {
	return "encodes a TOML platform description into a boot configuration blob"
}

// Usage implements subcommands.Command.
func (*Generate) Usage() string {
	return `generate -config <platform.toml> -out <config.bin>`
}

// SetFlags implements subcommands.Command.
func (g *Generate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&g.config, "config", "", "TOML platform description.")
	f.StringVar(&g.output, "out", "", "output blob path.")
}

// Execute implements subcommands.Command.Execute.
func (g *Generate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if g.config == "" || g.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var pf platformFile
	if _, err := toml.DecodeFile(g.config, &pf); err != nil {
		logrus.Errorf("reading %s: %v", g.config, err)
		return subcommands.ExitFailure
	}
	cfg, err := buildConfig(&pf)
	if err != nil {
		logrus.Errorf("invalid platform description: %v", err)
		return subcommands.ExitFailure
	}
	if err := os.WriteFile(g.output, cfg.Encode(), 0644); err != nil {
		logrus.Errorf("writing %s: %v", g.output, err)
		return subcommands.ExitFailure
	}
	logrus.WithFields(logrus.Fields{
		"regions": len(cfg.MemRegions()),
		"iommu":   len(cfg.IommuUnits()),
		"rmrr":    len(cfg.RmrrRanges()),
		"bytes":   cfg.Size(),
	}).Info("wrote boot configuration")
	return subcommands.ExitSuccess
}
