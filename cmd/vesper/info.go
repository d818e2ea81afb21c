// Copyright 2025 The Vesper Authors.
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

	"vesper.dev/vesper/pkg/vm"
)

// infoCmd implements subcommands.Command for the "info" command.
type infoCmd struct{}

// Name implements subcommands.Command.Name.
func (*infoCmd) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*infoCmd) Synopsis() string {
	return "print the machine description and memory statistics"
}

// Usage implements subcommands.Command.Usage.
func (*infoCmd) Usage() string {
	return "info: print the machine description and memory statistics\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*infoCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*infoCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	sys, err := vm.NewSystem(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer sys.Shutdown(sys.Machine.CPU(0))

	fmt.Printf("CPUs:          %d\n", cfg.CPUs)
	fmt.Printf("User window:   %#x + %#x (wildcard base %#x)\n", cfg.UserBase, cfg.UserSize, cfg.AnyBase)
	fmt.Printf("Kernel window: %#x + %#x\n", cfg.KernelBase, cfg.KernelSize)
	fmt.Printf("Memory ranges:\n")
	for _, m := range cfg.Memory {
		fmt.Printf("  %#012x + %#010x  %s\n", m.Start, m.Size, m.Class)
	}
	fmt.Printf("Page frames:   %d total, %d free\n", sys.Phys.TotalPages(), sys.Phys.FreePages())
	return subcommands.ExitSuccess
}
