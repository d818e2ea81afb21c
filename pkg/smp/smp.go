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

// Package smp models the multiprocessor substrate the memory manager
// runs on: a set of CPUs, each with its own translation lookaside buffer
// and an "active address space" pointer, plus a synchronous
// inter-processor call primitive.
//
// There is no hidden current-CPU global; callers thread an explicit *CPU
// handle through the interfaces that need one.
package smp

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrCPUOffline is returned when an inter-processor call targets a CPU
// that is not running. Callers coordinating TLB invalidation must treat
// this as fatal: it indicates a CPU went offline while still marked as
// using an address space.
var ErrCPUOffline = errors.New("smp: target CPU is offline")

// CPU is one simulated processor.
type CPU struct {
	id      int
	machine *Machine
	tlb     TLB
	running atomic.Bool

	// active identifies the address-space context currently loaded on
	// this CPU. It is read lock-free by the shootdown coordinator from
	// other CPUs.
	active atomic.Pointer[activeBox]
}

type activeBox struct {
	id any
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// TLB returns the CPU's translation lookaside buffer.
func (c *CPU) TLB() *TLB {
	return &c.tlb
}

// SetActive records the context identity currently loaded on this CPU.
// nil means the CPU is running with only the kernel context.
func (c *CPU) SetActive(id any) {
	c.active.Store(&activeBox{id: id})
}

// Active returns the context identity currently loaded on this CPU, or
// nil.
func (c *CPU) Active() any {
	if box := c.active.Load(); box != nil {
		return box.id
	}
	return nil
}

// Running returns true if the CPU is online.
func (c *CPU) Running() bool {
	return c.running.Load()
}

// SetOffline removes the CPU from the running set. Intended for tests of
// the shootdown failure path; a real offlining sequence must quiesce the
// CPU's address space first.
func (c *CPU) SetOffline() {
	c.running.Store(false)
}

// Caller delivers a synchronous function call to a CPU. The call returns
// only once the target has executed fn.
type Caller interface {
	Call(target *CPU, fn func(*CPU)) error
}

// Machine is the set of CPUs in the system. It implements Caller with an
// immediate synchronous delivery: the function runs to completion before
// Call returns, which is the guarantee the shootdown protocol needs.
type Machine struct {
	cpus []*CPU

	// callHook, if non-nil, intercepts Call for fault injection.
	callHook func(target *CPU, fn func(*CPU)) error
}

// NewMachine creates a machine with n CPUs, all running.
func NewMachine(n int) (*Machine, error) {
	if n < 1 {
		return nil, fmt.Errorf("smp: machine needs at least one CPU, got %d", n)
	}
	m := &Machine{}
	for i := 0; i < n; i++ {
		c := &CPU{id: i, machine: m}
		c.tlb.init()
		c.running.Store(true)
		m.cpus = append(m.cpus, c)
	}
	return m, nil
}

// NumCPUs returns the number of CPUs, running or not.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns CPU number i.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// Running returns the currently running CPUs.
func (m *Machine) Running() []*CPU {
	var out []*CPU
	for _, c := range m.cpus {
		if c.Running() {
			out = append(out, c)
		}
	}
	return out
}

// NumRunning returns the number of running CPUs.
func (m *Machine) NumRunning() int {
	n := 0
	for _, c := range m.cpus {
		if c.Running() {
			n++
		}
	}
	return n
}

// Call implements Caller.Call.
func (m *Machine) Call(target *CPU, fn func(*CPU)) error {
	if m.callHook != nil {
		return m.callHook(target, fn)
	}
	if !target.Running() {
		return ErrCPUOffline
	}
	fn(target)
	return nil
}

// SetCallHook installs an interceptor for Call. Passing nil restores the
// default delivery.
func (m *Machine) SetCallHook(hook func(target *CPU, fn func(*CPU)) error) {
	m.callHook = hook
}
