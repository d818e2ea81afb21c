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

	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/vm"
)

// exerciseCmd implements subcommands.Command for the "exercise" command:
// it runs a small end-to-end scenario (map, fault, clone, copy-on-write)
// and dumps the resulting address spaces.
type exerciseCmd struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*exerciseCmd) Name() string {
	return "exercise"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*exerciseCmd) Synopsis() string {
	return "run a mapping and copy-on-write scenario against a live system"
}

// Usage implements subcommands.Command.Usage.
func (*exerciseCmd) Usage() string {
	return "exercise [-dump]: run a mapping and copy-on-write scenario\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *exerciseCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.dump, "dump", true, "dump the address spaces when done")
}

// Execute implements subcommands.Command.Execute.
func (c *exerciseCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if err := c.run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *exerciseCmd) run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := vm.NewSystem(cfg)
	if err != nil {
		return err
	}
	cpu := sys.Machine.CPU(0)
	defer sys.Shutdown(cpu)

	parent, err := sys.NewAddressSpace("parent")
	if err != nil {
		return err
	}
	sys.Switch(cpu, parent)

	heap, err := parent.Map(cpu, vm.MapOptions{
		Size:    4 * memarch.PageSize,
		Access:  memarch.ReadWrite,
		Private: true,
		Name:    "heap",
	})
	if err != nil {
		return fmt.Errorf("mapping heap: %w", err)
	}
	if _, err := parent.Map(cpu, vm.MapOptions{
		Size:   8 * memarch.PageSize,
		Access: memarch.ReadWrite,
		Stack:  true,
		Name:   "stack",
	}); err != nil {
		return fmt.Errorf("mapping stack: %w", err)
	}

	if _, err := parent.CopyOut(cpu, heap, []byte("parent data")); err != nil {
		return fmt.Errorf("writing heap: %w", err)
	}

	child, err := parent.Clone(cpu, "child")
	if err != nil {
		return fmt.Errorf("cloning: %w", err)
	}
	if _, err := child.CopyOut(cpu, heap, []byte("child data!")); err != nil {
		return fmt.Errorf("writing child heap: %w", err)
	}

	buf := make([]byte, 11)
	if _, err := parent.CopyIn(cpu, heap, buf); err != nil {
		return fmt.Errorf("reading heap: %w", err)
	}
	fmt.Printf("parent heap after child write: %q\n", buf)
	fmt.Printf("free frames: %d of %d\n", sys.Phys.FreePages(), sys.Phys.TotalPages())

	if c.dump {
		fmt.Println("\nparent:")
		parent.Dump(os.Stdout)
		fmt.Println("\nchild:")
		child.Dump(os.Stdout)
	}

	if err := sys.DestroyAddressSpace(cpu, child); err != nil {
		return err
	}
	sys.Switch(cpu, nil)
	return sys.DestroyAddressSpace(cpu, parent)
}
