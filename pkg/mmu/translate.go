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
	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/smp"
)

// Translate resolves va for an access of type at the way the hardware
// would on cpu: the TLB is consulted first, and only a miss walks the
// translation tables. A successful walk caches the translation in cpu's
// TLB, which is what makes stale entries observable if a mapping change
// skips its shootdown.
//
// Returns the physical address of the byte at va, or ok == false if
// there is no translation or the access is not permitted.
//
// Preconditions: the context is not locked by the caller (Translate
// briefly takes the lock itself on a TLB miss).
func (c *Context) Translate(cpu *smp.CPU, va memarch.VirtAddr, at memarch.AccessType) (memarch.PhysAddr, bool) {
	if e, ok := cpu.TLB().Lookup(va); ok {
		if !e.Access.SupersetOf(at) {
			return 0, false
		}
		return e.Phys + memarch.PhysAddr(va.PageOffset()), true
	}

	c.mu.Lock()
	tbl, idx, err := c.walk(va.RoundDown(), false)
	if err != nil || tbl == nil {
		c.mu.Unlock()
		return 0, false
	}
	e := readEntry(tbl, idx)
	c.mu.Unlock()

	if e&ptePresent == 0 {
		return 0, false
	}
	pa, access := decodePTE(e)
	if !access.SupersetOf(at) {
		return 0, false
	}
	cpu.TLB().Insert(va, smp.TLBEntry{
		Phys:   pa,
		Access: access,
		Global: c.kernel,
	})
	return pa + memarch.PhysAddr(va.PageOffset()), true
}
