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

package mmu

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vesper.dev/vesper/pkg/contract"
	"vesper.dev/vesper/pkg/smp"
)

// usedBy returns true if cpu can hold translations from this context in
// its TLB. The kernel context is used by every CPU; for others the CPU's
// active pointer is read lock-free, the way the remote liveness check
// requires.
func (c *Context) usedBy(cpu *smp.CPU) bool {
	if c.kernel {
		return true
	}
	ctx, ok := cpu.Active().(*Context)
	return ok && ctx == c
}

// invalidateOn applies the pending log to one CPU's TLB. count is the
// log length at flush time; past capacity the whole TLB goes.
func (c *Context) invalidateOn(cpu *smp.CPU, count int) {
	if count > invalidateCapacity {
		cpu.TLB().InvalidateAll()
		return
	}
	for i := 0; i < count; i++ {
		cpu.TLB().InvalidatePage(c.pending[i])
	}
}

// flush completes the pending invalidations: locally, then on every
// other CPU using the context. Called with c.mu held, from Unlock.
//
// The remote calls are synchronous; when flush returns, no CPU in the
// system can translate a stale mapping for the edited addresses. An
// undeliverable call is a contract violation: memory isolation cannot be
// guaranteed if a shootdown cannot complete, so there is no retry and no
// degraded mode.
func (c *Context) flush(curr *smp.CPU) error {
	count := c.pendingCount
	if count == 0 {
		return nil
	}
	c.pendingCount = 0

	if curr != nil && c.usedBy(curr) {
		c.invalidateOn(curr, count)
	}

	if c.machine.NumRunning() < 2 {
		return nil
	}

	// The handler re-checks usage: the target may have switched address
	// space between the check below and servicing the call.
	handler := func(target *smp.CPU) {
		if c.usedBy(target) {
			c.invalidateOn(target, count)
		}
	}

	if c.kernel {
		// Every CPU uses the kernel context; broadcast unconditionally.
		var g errgroup.Group
		for _, cpu := range c.machine.Running() {
			if cpu == curr {
				continue
			}
			cpu := cpu
			g.Go(func() error {
				return c.machine.Call(cpu, handler)
			})
		}
		if err := g.Wait(); err != nil {
			return contract.Violationf("kernel TLB shootdown broadcast failed: %v", err)
		}
		return nil
	}

	for _, cpu := range c.machine.Running() {
		if cpu == curr || !c.usedBy(cpu) {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"cpu":   cpu.ID(),
			"pages": count,
		}).Debug("mmu: remote TLB shootdown")
		if err := c.machine.Call(cpu, handler); err != nil {
			return contract.Violationf("TLB shootdown to cpu%d failed: %v", cpu.ID(), err)
		}
	}
	return nil
}
