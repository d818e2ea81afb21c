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
	"sync/atomic"

	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/physmem"
)

// Anonymous is the backend for demand-zero memory. Pages are allocated
// on first touch and zero-filled.
//
// Copy-on-write works at the frame level: cloning a private region
// produces a new Anonymous whose slots point at the same frames with
// their reference counts raised. A frame with more than one reference is
// only ever mapped read-only; the first write fault copies it into a
// fresh frame owned solely by the faulting backend.
//
// Slot reference counts (rref) are separate from frame reference counts:
// they count the regions of this backend covering each slot, so that
// splitting a region or sharing the backend between address spaces does
// not free frames early.
type Anonymous struct {
	phys *physmem.Allocator

	refs atomic.Int32

	mu    sync.Mutex
	pages []*physmem.Page
	rref  []uint16
}

// NewAnonymous creates an anonymous backend holding size bytes of
// demand-zero memory. No frames are allocated until the first fault.
func NewAnonymous(phys *physmem.Allocator, size uint64) *Anonymous {
	n := size >> memarch.PageShift
	return &Anonymous{
		phys:  phys,
		pages: make([]*physmem.Page, n),
		rref:  make([]uint16, n),
	}
}

// Name implements Backend.Name.
func (a *Anonymous) Name() string {
	return "anon"
}

// Fault implements Backend.Fault.
func (a *Anonymous) Fault(off uint64, at, max memarch.AccessType) (memarch.PhysAddr, memarch.AccessType, error) {
	slot := off >> memarch.PageShift

	a.mu.Lock()
	defer a.mu.Unlock()

	pg := a.pages[slot]
	if pg == nil {
		pg, err := a.phys.Allocate(physmem.AllocOptions{Zero: true})
		if err != nil {
			return 0, memarch.NoAccess, err
		}
		pg.IncRef()
		a.pages[slot] = pg
		return pg.Addr(), max, nil
	}

	if pg.Refs() > 1 {
		if !at.Write {
			// Shared for copy-on-write; map read-only so the write fault
			// happens.
			ro := max
			ro.Write = false
			return pg.Addr(), ro, nil
		}
		np, err := a.phys.Allocate(physmem.AllocOptions{})
		if err != nil {
			return 0, memarch.NoAccess, err
		}
		if err := a.phys.CopyPage(np.Addr(), pg.Addr()); err != nil {
			a.phys.FreePage(np)
			return 0, memarch.NoAccess, err
		}
		np.IncRef()
		if pg.DecRef() == 0 {
			// The other owner released the frame while we were copying.
			a.phys.FreePage(pg)
		}
		a.pages[slot] = np
		return np.Addr(), max, nil
	}

	return pg.Addr(), max, nil
}

// AttachRange implements Backend.AttachRange.
func (a *Anonymous) AttachRange(off, size uint64) error {
	if off%memarch.PageSize != 0 || size%memarch.PageSize != 0 {
		return fmt.Errorf("anon: misaligned attach %#x+%#x", off, size)
	}
	first, count := off>>memarch.PageShift, size>>memarch.PageShift

	a.mu.Lock()
	defer a.mu.Unlock()
	if first+count > uint64(len(a.pages)) {
		return fmt.Errorf("anon: attach %#x+%#x beyond backend size %#x", off, size, uint64(len(a.pages))<<memarch.PageShift)
	}
	for i := first; i < first+count; i++ {
		a.rref[i]++
	}
	return nil
}

// DetachRange implements Backend.DetachRange.
func (a *Anonymous) DetachRange(off, size uint64) {
	first, count := off>>memarch.PageShift, size>>memarch.PageShift

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := first; i < first+count; i++ {
		if a.rref[i] == 0 {
			panic(fmt.Sprintf("anon: detach of uncovered slot %d", i))
		}
		a.rref[i]--
		if a.rref[i] == 0 {
			a.releaseSlot(i)
		}
	}
}

// releaseSlot drops the frame reference held by slot i, if any.
//
// Preconditions: a.mu is held.
func (a *Anonymous) releaseSlot(i uint64) {
	pg := a.pages[i]
	if pg == nil {
		return
	}
	a.pages[i] = nil
	if pg.DecRef() == 0 {
		a.phys.FreePage(pg)
	}
}

// IncRef implements Backend.IncRef.
func (a *Anonymous) IncRef() {
	a.refs.Add(1)
}

// DecRef implements Backend.DecRef.
func (a *Anonymous) DecRef() {
	v := a.refs.Add(-1)
	if v < 0 {
		panic("anon: negative backend refcount")
	}
	if v == 0 {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i := range a.pages {
			a.releaseSlot(uint64(i))
		}
	}
}

// clone snapshots [off, off+size) into a new backend for a private copy.
// Frames are shared, not copied; both backends see them as copy-on-write
// until one side writes. The new backend has the same size so region
// offsets stay valid, but only the cloned range holds frames.
func (a *Anonymous) clone(off, size uint64) *Anonymous {
	na := NewAnonymous(a.phys, uint64(len(a.pages))<<memarch.PageShift)
	first, count := off>>memarch.PageShift, size>>memarch.PageShift

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := first; i < first+count; i++ {
		if pg := a.pages[i]; pg != nil {
			pg.IncRef()
			na.pages[i] = pg
		}
	}
	return na
}
