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

// Package mmu implements per-address-space MMU contexts: a four-level
// translation table tree stored in physical page frames, plus the batched
// TLB invalidation protocol that keeps every CPU's view consistent.
//
// All table edits happen between Lock and Unlock. Edits append the
// touched virtual addresses to a bounded pending-invalidation log; the
// log is flushed exactly once, at Unlock, first on the local CPU and then
// on every other CPU using the context (see shootdown.go). If more
// addresses are edited than the log can hold, the whole TLB is flushed
// instead of per-page entries.
//
// The lock is held only across short, non-sleeping table edits. Code must
// never sleep while holding it: shootdown calls must be serviced promptly
// by all CPUs, and a sleeping holder would deadlock cross-CPU
// invalidation.
package mmu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"vesper.dev/vesper/pkg/contract"
	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/physmem"
	"vesper.dev/vesper/pkg/smp"
)

// invalidateCapacity is the size of the pending-invalidation log. Edits
// past this count in one critical section degrade to a full TLB flush.
const invalidateCapacity = 32

// Translation table entry bits. The encoding is internal to the
// simulation; only this package reads or writes table frames.
const (
	ptePresent = 1 << 0
	pteWrite   = 1 << 1
	pteExec    = 1 << 2

	pteAddrMask = ^uint64(memarch.PageMask) & ((1 << 52) - 1)
)

func encodePTE(pa memarch.PhysAddr, at memarch.AccessType) uint64 {
	e := uint64(pa)&pteAddrMask | ptePresent
	if at.Write {
		e |= pteWrite
	}
	if at.Execute {
		e |= pteExec
	}
	return e
}

func decodePTE(e uint64) (memarch.PhysAddr, memarch.AccessType) {
	at := memarch.AccessType{
		Read:    true,
		Write:   e&pteWrite != 0,
		Execute: e&pteExec != 0,
	}
	return memarch.PhysAddr(e & pteAddrMask), at
}

// Context is one hardware translation table tree. A Context may be in
// use by several CPUs at once when threads of one process run in
// parallel.
type Context struct {
	phys    *physmem.Allocator
	machine *smp.Machine

	// kernel marks the global kernel context, which every CPU always
	// uses; its shootdowns broadcast to all running CPUs.
	kernel bool

	mu     sync.Mutex
	locked atomic.Bool

	// root is the physical address of the top-level table.
	root memarch.PhysAddr

	// Pending TLB invalidations, appended under mu. pendingCount may
	// exceed invalidateCapacity; the excess entries are not recorded and
	// the flush degrades to a full invalidation.
	pending      [invalidateCapacity]memarch.VirtAddr
	pendingCount int
}

// NewContext creates a context with an empty, zero-initialized top-level
// table.
func NewContext(phys *physmem.Allocator, machine *smp.Machine, kernel bool) (*Context, error) {
	pg, err := phys.Allocate(physmem.AllocOptions{Zero: true})
	if err != nil {
		return nil, fmt.Errorf("mmu: allocating top-level table: %w", err)
	}
	return &Context{
		phys:    phys,
		machine: machine,
		kernel:  kernel,
		root:    pg.Addr(),
	}, nil
}

// Kernel returns true if this is the global kernel context.
func (c *Context) Kernel() bool {
	return c.kernel
}

// Root returns the physical address of the top-level table.
func (c *Context) Root() memarch.PhysAddr {
	return c.root
}

// Lock acquires the context for a batch of table edits.
func (c *Context) Lock() {
	c.mu.Lock()
	c.locked.Store(true)
}

// Unlock releases the context. If any invalidations are pending they are
// flushed exactly once, locally and on every other CPU using the
// context. curr identifies the CPU performing the edits.
//
// A returned error is always a contract violation (undeliverable
// shootdown); the caller must treat it as fatal.
func (c *Context) Unlock(curr *smp.CPU) error {
	err := c.flush(curr)
	c.locked.Store(false)
	c.mu.Unlock()
	return err
}

func (c *Context) checkLocked(op string) error {
	if !c.locked.Load() {
		return contract.Violationf("mmu: %s without context lock", op)
	}
	return nil
}

func (c *Context) table(pa memarch.PhysAddr) ([]byte, error) {
	return c.phys.Slice(pa, memarch.PageSize)
}

func readEntry(tbl []byte, idx int) uint64 {
	return binary.LittleEndian.Uint64(tbl[idx*8:])
}

func writeEntry(tbl []byte, idx int, e uint64) {
	binary.LittleEndian.PutUint64(tbl[idx*8:], e)
}

func levelIndex(va memarch.VirtAddr, level int) int {
	shift := memarch.PageShift + 9*level
	return int((uint64(va) >> shift) & (memarch.TableEntries - 1))
}

// walk returns the leaf table containing va's entry, allocating
// intermediate tables on demand if alloc is set. Returns a nil table if
// the path does not exist and alloc is false.
func (c *Context) walk(va memarch.VirtAddr, alloc bool) ([]byte, int, error) {
	tbl, err := c.table(c.root)
	if err != nil {
		return nil, 0, err
	}
	for level := memarch.TableLevels - 1; level > 0; level-- {
		idx := levelIndex(va, level)
		e := readEntry(tbl, idx)
		if e&ptePresent == 0 {
			if !alloc {
				return nil, 0, nil
			}
			pg, err := c.phys.Allocate(physmem.AllocOptions{Zero: true})
			if err != nil {
				return nil, 0, err
			}
			e = encodePTE(pg.Addr(), memarch.ReadWrite)
			writeEntry(tbl, idx, e)
		}
		pa, _ := decodePTE(e)
		if tbl, err = c.table(pa); err != nil {
			return nil, 0, err
		}
	}
	return tbl, levelIndex(va, 0), nil
}

// Map installs or updates the translation for the page containing va.
// Intermediate tables are allocated on demand. The address is appended to
// the pending-invalidation log; the TLB flush happens at Unlock, not
// here.
//
// Preconditions: the context is locked. va and pa are page-aligned.
func (c *Context) Map(va memarch.VirtAddr, pa memarch.PhysAddr, at memarch.AccessType) error {
	if err := c.checkLocked("Map"); err != nil {
		return err
	}
	if !va.IsPageAligned() || !pa.IsPageAligned() {
		return contract.Violationf("mmu: Map of unaligned %s -> %s", va, pa)
	}
	tbl, idx, err := c.walk(va, true)
	if err != nil {
		return err
	}
	writeEntry(tbl, idx, encodePTE(pa, at))
	c.logInvalidate(va)
	return nil
}

// Unmap removes the translation for the page containing va and returns
// the physical address that was mapped, so the caller can release the
// frame. Returns ok == false if no translation existed.
//
// Preconditions: the context is locked. va is page-aligned.
func (c *Context) Unmap(va memarch.VirtAddr) (memarch.PhysAddr, bool, error) {
	if err := c.checkLocked("Unmap"); err != nil {
		return 0, false, err
	}
	if !va.IsPageAligned() {
		return 0, false, contract.Violationf("mmu: Unmap of unaligned %s", va)
	}
	tbl, idx, err := c.walk(va, false)
	if err != nil || tbl == nil {
		return 0, false, err
	}
	e := readEntry(tbl, idx)
	if e&ptePresent == 0 {
		return 0, false, nil
	}
	writeEntry(tbl, idx, 0)
	c.logInvalidate(va)
	pa, _ := decodePTE(e)
	return pa, true, nil
}

// Protect updates the access flags of every present translation in
// [start, start+size), leaving absent pages alone. Used to write-protect
// a range for copy-on-write.
//
// Preconditions: the context is locked. start and size are page-aligned.
func (c *Context) Protect(start memarch.VirtAddr, size uint64, at memarch.AccessType) error {
	if err := c.checkLocked("Protect"); err != nil {
		return err
	}
	if !start.IsPageAligned() || size%memarch.PageSize != 0 {
		return contract.Violationf("mmu: Protect of unaligned range %s+%#x", start, size)
	}
	for off := uint64(0); off < size; off += memarch.PageSize {
		va := start + memarch.VirtAddr(off)
		tbl, idx, err := c.walk(va, false)
		if err != nil {
			return err
		}
		if tbl == nil {
			// No leaf table here; skip to the next table boundary.
			span := uint64(memarch.TableEntries * memarch.PageSize)
			off = (off/span)*span + span - memarch.PageSize
			continue
		}
		e := readEntry(tbl, idx)
		if e&ptePresent == 0 {
			continue
		}
		pa, _ := decodePTE(e)
		writeEntry(tbl, idx, encodePTE(pa, at))
		c.logInvalidate(va)
	}
	return nil
}

// Query returns the translation for the page containing va, if any.
//
// Preconditions: the context is locked.
func (c *Context) Query(va memarch.VirtAddr) (memarch.PhysAddr, memarch.AccessType, bool, error) {
	if err := c.checkLocked("Query"); err != nil {
		return 0, memarch.NoAccess, false, err
	}
	tbl, idx, err := c.walk(va, false)
	if err != nil || tbl == nil {
		return 0, memarch.NoAccess, false, err
	}
	e := readEntry(tbl, idx)
	if e&ptePresent == 0 {
		return 0, memarch.NoAccess, false, nil
	}
	pa, at := decodePTE(e)
	return pa, at, true, nil
}

func (c *Context) logInvalidate(va memarch.VirtAddr) {
	if c.pendingCount < invalidateCapacity {
		c.pending[c.pendingCount] = va
	}
	// Count past capacity means "flush everything" at unlock time.
	c.pendingCount++
}

// Destroy frees every intermediate table and the top-level table. The
// owning address space must have unmapped all regions first; leaf data
// frames are not freed here.
func (c *Context) Destroy() error {
	return c.destroyLevel(c.root, memarch.TableLevels-1)
}

func (c *Context) destroyLevel(pa memarch.PhysAddr, level int) error {
	// Level-1 table entries are leaf translations; their frames belong to
	// the regions that mapped them, not to the table tree.
	if level > 1 {
		tbl, err := c.table(pa)
		if err != nil {
			return err
		}
		for idx := 0; idx < memarch.TableEntries; idx++ {
			e := readEntry(tbl, idx)
			if e&ptePresent == 0 {
				continue
			}
			child, _ := decodePTE(e)
			if err := c.destroyLevel(child, level-1); err != nil {
				return err
			}
		}
	}
	pg := c.phys.Lookup(pa)
	if pg == nil {
		return contract.Violationf("mmu: table frame %s is not managed", pa)
	}
	c.phys.FreePage(pg)
	return nil
}
