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

// Package config describes the simulated machine: CPU count, physical
// memory ranges with their free-list class, and the virtual address
// layout. Machine descriptions load from TOML.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"vesper.dev/vesper/pkg/memarch"
)

// MemoryRange is one physical memory range.
type MemoryRange struct {
	// Start is the physical base address. Page-aligned.
	Start uint64 `toml:"start"`

	// Size is the range length in bytes. Page-aligned, non-zero.
	Size uint64 `toml:"size"`

	// Class selects the free list: "normal", "below4g" or "dma".
	Class string `toml:"class"`
}

// Machine describes the simulated machine.
type Machine struct {
	// CPUs is the number of processors. At least 1.
	CPUs int `toml:"cpus"`

	// Memory lists the managed physical ranges.
	Memory []MemoryRange `toml:"memory"`

	// UserBase and UserSize delimit the user half of every address
	// space.
	UserBase uint64 `toml:"user_base"`
	UserSize uint64 `toml:"user_size"`

	// AnyBase is where wildcard ("map anywhere") searches start, keeping
	// low addresses free for fixed mappings.
	AnyBase uint64 `toml:"any_base"`

	// KernelBase and KernelSize delimit the kernel address space.
	KernelBase uint64 `toml:"kernel_base"`
	KernelSize uint64 `toml:"kernel_size"`
}

// Default returns the machine used by tests and by the CLI when no
// configuration file is given: 4 CPUs, 16MB of DMA-reachable memory,
// 48MB below 4GB and 64MB of unconstrained memory.
func Default() *Machine {
	return &Machine{
		CPUs: 4,
		Memory: []MemoryRange{
			{Start: 0x0000_0000, Size: 16 << 20, Class: "dma"},
			{Start: 0x0100_0000, Size: 48 << 20, Class: "below4g"},
			{Start: 0x1_0000_0000, Size: 64 << 20, Class: "normal"},
		},
		UserBase:   0,
		UserSize:   1 << 40,
		AnyBase:    1 << 30,
		KernelBase: 0xffff_8000_0000_0000,
		KernelSize: 1 << 39,
	}
}

// Load reads a machine description from a TOML file and validates it.
func Load(path string) (*Machine, error) {
	m := Default()
	if _, err := toml.DecodeFile(path, m); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the machine description for consistency.
func (m *Machine) Validate() error {
	if m.CPUs < 1 {
		return fmt.Errorf("config: need at least one CPU, got %d", m.CPUs)
	}
	if len(m.Memory) == 0 {
		return fmt.Errorf("config: no physical memory ranges")
	}
	for i, r := range m.Memory {
		if r.Start&memarch.PageMask != 0 || r.Size == 0 || r.Size&memarch.PageMask != 0 {
			return fmt.Errorf("config: memory range %d is misaligned", i)
		}
		switch r.Class {
		case "normal", "below4g", "dma":
		default:
			return fmt.Errorf("config: memory range %d has unknown class %q", i, r.Class)
		}
	}
	for _, f := range []struct {
		name string
		v    uint64
	}{
		{"user_base", m.UserBase},
		{"user_size", m.UserSize},
		{"any_base", m.AnyBase},
		{"kernel_base", m.KernelBase},
		{"kernel_size", m.KernelSize},
	} {
		if f.v&memarch.PageMask != 0 {
			return fmt.Errorf("config: %s is not page-aligned", f.name)
		}
	}
	if m.UserSize == 0 || m.KernelSize == 0 {
		return fmt.Errorf("config: empty address space window")
	}
	if m.AnyBase < m.UserBase || m.AnyBase >= m.UserBase+m.UserSize {
		return fmt.Errorf("config: any_base %#x outside user window", m.AnyBase)
	}
	return nil
}
