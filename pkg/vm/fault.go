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
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/physmem"
	"vesper.dev/vesper/pkg/smp"
)

// faultOutcome is the result of attempting to resolve a fault against an
// address space.
type faultOutcome int

const (
	faultHandled faultOutcome = iota
	faultNoRegion
	faultAccess
	faultGuard
	faultOOM
	faultInternal
)

func (o faultOutcome) String() string {
	switch o {
	case faultHandled:
		return "handled"
	case faultNoRegion:
		return "no region"
	case faultAccess:
		return "access violation"
	case faultGuard:
		return "guard page hit"
	case faultOOM:
		return "out of memory"
	case faultInternal:
		return "internal error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// fault resolves a page fault at va: it finds the faulting region,
// checks the access against it, asks the backend for the frame and
// installs the translation.
//
// Repeated faults on the same page are harmless: if another CPU already
// installed the translation, installing it again is an update, and the
// backend hands back the same frame.
func (as *AddressSpace) fault(cpu *smp.CPU, va memarch.VirtAddr, at memarch.AccessType) faultOutcome {
	page := va.RoundDown()

	as.mu.Lock()
	defer as.mu.Unlock()

	r := as.find(page)
	if r == nil || r.state != RegionAllocated {
		return faultNoRegion
	}
	if !r.access.SupersetOf(at) {
		return faultAccess
	}
	if r.stack && page == r.start {
		return faultGuard
	}
	if r.backend == nil {
		return faultNoRegion
	}

	off := r.offset + uint64(page-r.start)
	pa, access, err := r.backend.Fault(off, at, r.access)
	if err != nil {
		if errors.Is(err, physmem.ErrNoMemory) {
			return faultOOM
		}
		logrus.WithError(err).WithField("addr", va).Error("vm: backend fault failed")
		return faultInternal
	}

	as.ctx.Lock()
	mapErr := as.ctx.Map(page, pa, access)
	unlockErr := as.ctx.Unlock(cpu)
	if mapErr != nil {
		if errors.Is(mapErr, physmem.ErrNoMemory) {
			return faultOOM
		}
		logrus.WithError(mapErr).WithField("addr", va).Error("vm: installing translation failed")
		return faultInternal
	}
	if unlockErr != nil {
		logrus.WithError(unlockErr).WithField("addr", va).Error("vm: fault flush failed")
		return faultInternal
	}
	return faultHandled
}

// Disposition tells the fault's originator what to do next.
type Disposition int

const (
	// Retry means the fault was resolved; re-execute the access.
	Retry Disposition = iota

	// Signal means the fault is a user error; deliver a fault signal to
	// the offending thread.
	Signal

	// Recover means a kernel access to user memory failed; resume at the
	// access routine's recovery point.
	Recover

	// Fatal means an unrecoverable kernel fault; the system must halt.
	Fatal
)

// String implements fmt.Stringer.String.
func (d Disposition) String() string {
	switch d {
	case Retry:
		return "retry"
	case Signal:
		return "signal"
	case Recover:
		return "recover"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// FaultInfo describes a page fault being delivered.
type FaultInfo struct {
	// Addr is the faulting address.
	Addr memarch.VirtAddr

	// Access is the attempted access.
	Access memarch.AccessType

	// User is true if the fault happened in user mode.
	User bool

	// Recoverable is true if the faulting kernel code has a registered
	// recovery point (user memory access helpers).
	Recoverable bool
}

// HandleFault is the system page fault entry point. It routes the fault
// to the kernel address space or the CPU's current user address space by
// address, tries to resolve it, and reports what the originator should
// do.
func (s *System) HandleFault(cpu *smp.CPU, info FaultInfo) Disposition {
	as := s.Current(cpu)
	if s.Kernel.rng.Contains(info.Addr) {
		if info.User {
			// User code touching the kernel window is never resolved.
			return s.unhandled(cpu, info, faultAccess)
		}
		as = s.Kernel
	}

	out := faultNoRegion
	if as != nil && as.rng.Contains(info.Addr) {
		out = as.fault(cpu, info.Addr, info.Access)
	}
	switch out {
	case faultHandled:
		return Retry
	case faultInternal:
		return Fatal
	case faultOOM:
		// No memory to resolve the fault. User threads are killed;
		// kernel accesses fail over to their recovery point if they have
		// one.
		return s.unhandled(cpu, info, out)
	default:
		return s.unhandled(cpu, info, out)
	}
}

func (s *System) unhandled(cpu *smp.CPU, info FaultInfo, out faultOutcome) Disposition {
	if s.faultLog.Allow() {
		logrus.WithFields(logrus.Fields{
			"cpu":    cpu.ID(),
			"addr":   info.Addr,
			"access": info.Access,
			"user":   info.User,
			"reason": out,
		}).Warn("vm: unhandled page fault")
	}
	if info.User {
		return Signal
	}
	if info.Recoverable {
		return Recover
	}
	return Fatal
}
