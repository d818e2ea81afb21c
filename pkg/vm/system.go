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

package vm

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vesper.dev/vesper/pkg/config"
	"vesper.dev/vesper/pkg/contract"
	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/physmem"
	"vesper.dev/vesper/pkg/smp"
)

// System ties the memory manager together: the physical allocator, the
// CPUs, the kernel address space and the assignment of user address
// spaces to CPUs.
type System struct {
	Phys    *physmem.Allocator
	Machine *smp.Machine

	// Kernel is the kernel address space, shared by every CPU.
	Kernel *AddressSpace

	userRange memarch.VirtRange
	anyBase   memarch.VirtAddr

	mu   sync.Mutex
	curr []*AddressSpace

	// faultLog rate-limits unhandled fault logging; a runaway user
	// thread can fault millions of times a second.
	faultLog *rate.Limiter
}

// NewSystem builds a system from a machine description.
func NewSystem(cfg *config.Machine) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	specs := make([]physmem.RangeSpec, 0, len(cfg.Memory))
	for _, m := range cfg.Memory {
		var class physmem.Class
		switch m.Class {
		case "normal":
			class = physmem.ClassNormal
		case "below4g":
			class = physmem.ClassBelow4G
		case "dma":
			class = physmem.ClassDMA
		default:
			return nil, fmt.Errorf("vm: unknown memory class %q", m.Class)
		}
		specs = append(specs, physmem.RangeSpec{
			Start: memarch.PhysAddr(m.Start),
			Size:  m.Size,
			Class: class,
		})
	}
	phys, err := physmem.New(specs)
	if err != nil {
		return nil, err
	}
	machine, err := smp.NewMachine(cfg.CPUs)
	if err != nil {
		phys.Destroy()
		return nil, err
	}

	s := &System{
		Phys:    phys,
		Machine: machine,
		userRange: memarch.VirtRange{
			Start: memarch.VirtAddr(cfg.UserBase),
			End:   memarch.VirtAddr(cfg.UserBase + cfg.UserSize),
		},
		anyBase:  memarch.VirtAddr(cfg.AnyBase),
		curr:     make([]*AddressSpace, cfg.CPUs),
		faultLog: rate.NewLimiter(rate.Every(time.Second), 8),
	}
	kernelRng := memarch.VirtRange{
		Start: memarch.VirtAddr(cfg.KernelBase),
		End:   memarch.VirtAddr(cfg.KernelBase + cfg.KernelSize),
	}
	s.Kernel, err = newAddressSpace(s, "kernel", kernelRng, kernelRng.Start, true, false)
	if err != nil {
		phys.Destroy()
		return nil, err
	}
	return s, nil
}

// NewAddressSpace creates an empty user address space.
func (s *System) NewAddressSpace(name string) (*AddressSpace, error) {
	return newAddressSpace(s, name, s.userRange, s.anyBase, false, true)
}

// Current returns the user address space loaded on cpu, or nil.
func (s *System) Current(cpu *smp.CPU) *AddressSpace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curr[cpu.ID()]
}

// Switch loads as onto cpu, replacing the previous user address space.
// nil switches to the kernel context only. Non-global TLB entries are
// discarded, as a hardware context switch would.
func (s *System) Switch(cpu *smp.CPU, as *AddressSpace) {
	s.mu.Lock()
	prev := s.curr[cpu.ID()]
	if prev == as {
		s.mu.Unlock()
		return
	}
	s.curr[cpu.ID()] = as
	s.mu.Unlock()

	if as != nil {
		as.users.Add(1)
		cpu.SetActive(as.ctx)
	} else {
		cpu.SetActive(nil)
	}
	cpu.TLB().InvalidateNonGlobal()
	if prev != nil {
		prev.users.Add(-1)
	}
}

// DestroyAddressSpace tears down a user address space: any CPU still
// running it is switched away first, every mapping is removed and the
// translation tables are freed. cpu is the CPU performing the destroy.
func (s *System) DestroyAddressSpace(cpu *smp.CPU, as *AddressSpace) error {
	if as == s.Kernel {
		return contract.Violationf("vm: destroying the kernel address space")
	}

	// Prod CPUs still using the address space onto the kernel context.
	// The call is synchronous: when it returns the target cannot create
	// new translations from this context.
	for _, c := range s.Machine.Running() {
		if s.Current(c) != as {
			continue
		}
		if c == cpu {
			s.Switch(c, nil)
			continue
		}
		target := c
		if err := s.Machine.Call(target, func(t *smp.CPU) {
			s.Switch(t, nil)
		}); err != nil {
			return contract.Violationf("vm: prodding cpu%d off address space %q: %v", target.ID(), as.name, err)
		}
	}
	if n := as.users.Load(); n != 0 {
		return contract.Violationf("vm: destroying address space %q with %d users", as.name, n)
	}

	as.mu.Lock()
	err := as.unmapInternal(cpu, as.rng, false)
	as.mu.Unlock()
	if err != nil {
		return err
	}
	return as.ctx.Destroy()
}

// Shutdown destroys the kernel address space and releases physical
// memory arenas. All user address spaces must be destroyed first.
func (s *System) Shutdown(cpu *smp.CPU) error {
	s.Kernel.mu.Lock()
	err := s.Kernel.unmapInternal(cpu, s.Kernel.rng, false)
	s.Kernel.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.Kernel.ctx.Destroy(); err != nil {
		return err
	}
	s.Phys.Destroy()
	return nil
}
