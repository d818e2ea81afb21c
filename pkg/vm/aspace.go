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

// Package vm implements the virtual memory manager: address spaces made
// of regions, demand paging with anonymous copy-on-write memory, page
// fault handling and safe user memory access.
//
// An address space's window is tiled by regions; free space is regions
// in RegionFree state, indexed by power-of-two size classes for
// allocation. A single B-tree keyed by start address indexes all regions
// for containment lookups, with a one-entry cache in front of it for the
// fault path.
//
// Lock order: AddressSpace.mu, then the MMU context lock, then the
// physical allocator lock. Nothing sleeps under the context lock.
package vm

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"vesper.dev/vesper/pkg/contract"
	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/mmu"
	"vesper.dev/vesper/pkg/smp"
)

// freeListCount is the number of free region size classes. Class i holds
// free regions of [2^i, 2^(i+1)) pages; sizes at or above the last class
// all land in it.
const freeListCount = 52

func freeListIndex(size uint64) int {
	idx := bits.Len64(size>>memarch.PageShift) - 1
	if idx >= freeListCount {
		idx = freeListCount - 1
	}
	return idx
}

// AddressSpace is one virtual address space: a window of addresses, the
// regions tiling it, and the MMU context holding its translations.
type AddressSpace struct {
	sys    *System
	name   string
	kernel bool

	// users counts the CPUs this address space is loaded on. Guarded by
	// the system's CPU assignment, not by mu.
	users atomic.Int32

	mu sync.Mutex

	ctx *mmu.Context

	// rng is the address window; anyBase is where wildcard allocation
	// starts searching, keeping the low part of the window for fixed
	// mappings.
	rng     memarch.VirtRange
	anyBase memarch.VirtAddr

	// findCache is the most recently found region, revalidated by
	// containment before use. Cleared whenever a region is removed.
	findCache *Region

	// regions indexes every region by start address.
	regions *btree.BTreeG[*Region]

	// free holds free regions by size class; freeMap has bit i set when
	// free[i] is non-empty.
	free    [freeListCount]regionList
	freeMap uint64
}

func newAddressSpace(sys *System, name string, rng memarch.VirtRange, anyBase memarch.VirtAddr, kernel, reserveNull bool) (*AddressSpace, error) {
	ctx, err := mmu.NewContext(sys.Phys, sys.Machine, kernel)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		sys:     sys,
		name:    name,
		kernel:  kernel,
		ctx:     ctx,
		rng:     rng,
		anyBase: anyBase,
		regions: btree.NewG(8, func(a, b *Region) bool { return a.start < b.start }),
	}
	as.insert(&Region{start: rng.Start, size: rng.Length(), state: RegionFree})

	// The lowest page never becomes mappable through wildcard allocation,
	// so null dereferences reliably fault.
	if reserveNull && rng.Start == 0 {
		r := as.lookup(0)
		mid := as.carve(r, memarch.VirtRange{Start: 0, End: memarch.PageSize})
		as.remove(mid)
		mid.state = RegionReserved
		mid.name = "null guard"
		as.insert(mid)
	}
	return as, nil
}

// Name returns the address space's name.
func (as *AddressSpace) Name() string {
	return as.name
}

// Range returns the address window the space manages.
func (as *AddressSpace) Range() memarch.VirtRange {
	return as.rng
}

// Context returns the address space's MMU context.
func (as *AddressSpace) Context() *mmu.Context {
	return as.ctx
}

// Users returns the number of CPUs the address space is loaded on.
func (as *AddressSpace) Users() int {
	return int(as.users.Load())
}

// Region index maintenance. All of these require as.mu.

func (as *AddressSpace) insert(r *Region) {
	as.regions.ReplaceOrInsert(r)
	if r.state == RegionFree {
		idx := freeListIndex(r.size)
		as.free[idx].push(r)
		as.freeMap |= 1 << idx
	}
}

func (as *AddressSpace) remove(r *Region) {
	as.regions.Delete(r)
	if r.state == RegionFree {
		idx := freeListIndex(r.size)
		as.free[idx].remove(r)
		if as.free[idx].head == nil {
			as.freeMap &^= 1 << idx
		}
	}
	if as.findCache == r {
		as.findCache = nil
	}
}

// lookup returns the region containing addr, bypassing the find cache.
func (as *AddressSpace) lookup(addr memarch.VirtAddr) *Region {
	if !as.rng.Contains(addr) {
		return nil
	}
	var found *Region
	as.regions.DescendLessOrEqual(&Region{start: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.Range().Contains(addr) {
		return nil
	}
	return found
}

// find returns the region containing addr, using the find cache. This is
// the fault path lookup.
func (as *AddressSpace) find(addr memarch.VirtAddr) *Region {
	if c := as.findCache; c != nil && c.Range().Contains(addr) {
		return c
	}
	r := as.lookup(addr)
	if r != nil {
		as.findCache = r
	}
	return r
}

// split divides r at addr, returning the upper half. Both halves keep
// r's state; allocated halves share the backend with adjusted offsets.
//
// Preconditions: addr is page-aligned and strictly inside r.
func (as *AddressSpace) split(r *Region, addr memarch.VirtAddr) *Region {
	as.remove(r)
	n := &Region{
		start:   addr,
		size:    uint64(r.end() - addr),
		state:   r.state,
		access:  r.access,
		private: r.private,
		name:    r.name,
		backend: r.backend,
		offset:  r.offset + uint64(addr-r.start),
	}
	if n.backend != nil {
		n.backend.IncRef()
	}
	r.size = uint64(addr - r.start)
	as.insert(r)
	as.insert(n)
	return n
}

// carve clips r down to exactly rng, splitting off the excess before and
// after, and returns the region spanning rng.
//
// Preconditions: r contains rng.
func (as *AddressSpace) carve(r *Region, rng memarch.VirtRange) *Region {
	if r.start < rng.Start {
		r = as.split(r, rng.Start)
	}
	if r.end() > rng.End {
		as.split(r, rng.End)
	}
	return r
}

// makeFree converts r to free space and merges it with any free
// neighbours, returning the merged region.
func (as *AddressSpace) makeFree(r *Region) *Region {
	as.remove(r)
	*r = Region{start: r.start, size: r.size, state: RegionFree}

	for r.start > as.rng.Start {
		p := as.lookup(r.start - 1)
		if p == nil || p.state != RegionFree {
			break
		}
		as.remove(p)
		r.start = p.start
		r.size += p.size
	}
	for r.end() < as.rng.End {
		n := as.lookup(r.end())
		if n == nil || n.state != RegionFree {
			break
		}
		as.remove(n)
		r.size += n.size
	}
	as.insert(r)
	return r
}

// findFree picks a free region able to hold size bytes, preferring space
// at or above anyBase, and returns it with the base address to use
// within it.
func (as *AddressSpace) findFree(size uint64) (*Region, memarch.VirtAddr, bool) {
	var fbR *Region
	var fbBase memarch.VirtAddr
	for idx := freeListIndex(size); idx < freeListCount; idx++ {
		if as.freeMap&(1<<idx) == 0 {
			continue
		}
		for r := as.free[idx].head; r != nil; r = r.freeNext {
			if r.size < size {
				// Possible only in the first class searched.
				continue
			}
			if r.start < as.anyBase {
				if as.anyBase < r.end() && uint64(r.end()-as.anyBase) >= size {
					return r, as.anyBase, true
				}
				if fbR == nil {
					fbR, fbBase = r, r.start
				}
				continue
			}
			return r, r.start, true
		}
	}
	if fbR != nil {
		return fbR, fbBase, true
	}
	return nil, 0, false
}

// AddrSpec selects how the target address of a mapping is chosen.
type AddrSpec int

const (
	// AddrAny places the mapping anywhere with enough free space.
	AddrAny AddrSpec = iota

	// AddrExact places the mapping at exactly the given address,
	// replacing whatever is there.
	AddrExact

	// AddrHint tries the given address if it is free, and falls back to
	// AddrAny.
	AddrHint
)

// MapOptions describes a mapping request.
type MapOptions struct {
	// Spec selects address placement; Addr is its argument (unused for
	// AddrAny).
	Spec AddrSpec
	Addr memarch.VirtAddr

	// Size is the mapping length. Page-aligned, non-zero.
	Size uint64

	// Access is the maximum access the mapping permits.
	Access memarch.AccessType

	// Private requests copy-on-write semantics across Clone. Only
	// anonymous mappings (nil Backend) may be private.
	Private bool

	// Stack leaves the lowest page of the mapping as a guard page that
	// faults instead of mapping. Implies an anonymous backend.
	Stack bool

	// Name labels the region in dumps. Empty means the backend's name.
	Name string

	// Backend supplies pages for the mapping; nil allocates a fresh
	// anonymous backend. Offset is where the mapping starts within it.
	Backend Backend
	Offset  uint64
}

// Map establishes a mapping and returns its base address. Pages are not
// populated; the first access to each page faults it in.
//
// cpu is the CPU performing the operation; AddrExact may tear down
// existing mappings, which requires a TLB shootdown.
func (as *AddressSpace) Map(cpu *smp.CPU, opts MapOptions) (memarch.VirtAddr, error) {
	if opts.Size == 0 || opts.Size%memarch.PageSize != 0 || !opts.Access.Any() {
		return 0, ErrBadRange
	}
	if (opts.Stack || opts.Private) && opts.Backend != nil {
		return 0, ErrBadRange
	}
	if opts.Backend != nil && opts.Offset%memarch.PageSize != 0 {
		return 0, ErrBadRange
	}

	var want memarch.VirtRange
	switch opts.Spec {
	case AddrAny:
	case AddrExact, AddrHint:
		if !opts.Addr.IsPageAligned() {
			return 0, ErrBadRange
		}
		want = memarch.VirtRange{Start: opts.Addr, End: opts.Addr + memarch.VirtAddr(opts.Size)}
		if !want.WellFormed() || !as.rng.Contains(want.Start) || want.End > as.rng.End {
			return 0, ErrBadRange
		}
	default:
		return 0, ErrBadRange
	}

	backend := opts.Backend
	offset := opts.Offset
	if backend == nil {
		backend = NewAnonymous(as.sys.Phys, opts.Size)
		offset = 0
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	// Bind the backend before placing the region: AddrExact tears down
	// whatever occupies the target range, and a binding that turns out to
	// be invalid must not leave that teardown behind.
	if err := backend.AttachRange(offset, opts.Size); err != nil {
		return 0, err
	}
	backend.IncRef()

	target, base, err := as.place(cpu, opts, want)
	if err != nil {
		backend.DetachRange(offset, opts.Size)
		backend.DecRef()
		return 0, err
	}

	rng := memarch.VirtRange{Start: base, End: base + memarch.VirtAddr(opts.Size)}
	r := as.carve(target, rng)
	as.remove(r)
	r.state = RegionAllocated
	r.access = opts.Access
	r.private = opts.Private
	r.stack = opts.Stack
	r.backend = backend
	r.offset = offset
	r.name = opts.Name
	if r.name == "" {
		r.name = backend.Name()
	}
	as.insert(r)
	return base, nil
}

// place chooses the base address for a mapping of opts.Size bytes and
// returns the free region to carve it from. AddrExact tears down
// whatever occupies want first; AddrHint uses want if it is free and
// falls back to a wildcard search otherwise.
//
// Preconditions: as.mu is held. want is validated for AddrExact and
// AddrHint.
func (as *AddressSpace) place(cpu *smp.CPU, opts MapOptions, want memarch.VirtRange) (*Region, memarch.VirtAddr, error) {
	switch opts.Spec {
	case AddrExact:
		if err := as.unmapInternal(cpu, want, false); err != nil {
			return nil, 0, err
		}
		target := as.lookup(want.Start)
		if target == nil || target.state != RegionFree || target.end() < want.End {
			return nil, 0, contract.Violationf("vm: replaced range %s is not free", want)
		}
		return target, want.Start, nil
	case AddrHint:
		if r := as.lookup(want.Start); r != nil && r.state == RegionFree && r.end() >= want.End {
			return r, want.Start, nil
		}
	}
	target, base, ok := as.findFree(opts.Size)
	if !ok {
		return nil, 0, ErrNoSpace
	}
	return target, base, nil
}

// Reserve marks [addr, addr+size) as reserved: the range is withheld
// from wildcard allocation and cannot be faulted, but AddrExact can
// still claim it. The range must be entirely free.
func (as *AddressSpace) Reserve(addr memarch.VirtAddr, size uint64, name string) error {
	if !addr.IsPageAligned() || size == 0 || size%memarch.PageSize != 0 {
		return ErrBadRange
	}
	rng := memarch.VirtRange{Start: addr, End: addr + memarch.VirtAddr(size)}
	if !rng.WellFormed() || !as.rng.Contains(rng.Start) || rng.End > as.rng.End {
		return ErrBadRange
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	r := as.lookup(rng.Start)
	if r == nil || r.state != RegionFree || r.end() < rng.End {
		return ErrNoSpace
	}
	mid := as.carve(r, rng)
	as.remove(mid)
	mid.state = RegionReserved
	mid.name = name
	as.insert(mid)
	return nil
}

// Unmap removes all mappings in [addr, addr+size) and returns the
// address space to free. The entire range must be mapped or reserved;
// unmapping free addresses is a caller bug and fails with ErrBadRange
// before anything is torn down.
func (as *AddressSpace) Unmap(cpu *smp.CPU, addr memarch.VirtAddr, size uint64) error {
	if !addr.IsPageAligned() || size == 0 || size%memarch.PageSize != 0 {
		return ErrBadRange
	}
	rng := memarch.VirtRange{Start: addr, End: addr + memarch.VirtAddr(size)}
	if !rng.WellFormed() || !as.rng.Contains(rng.Start) || rng.End > as.rng.End {
		return ErrBadRange
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	return as.unmapInternal(cpu, rng, true)
}

type detachOp struct {
	backend Backend
	off     uint64
	size    uint64
}

// unmapInternal frees every region overlapping rng. With requireUsed,
// the whole range must be non-free or nothing is changed.
//
// Translations are removed under one context lock, so the shootdown at
// unlock covers the whole range; frames are released only after the
// flush completes, when no CPU can still translate into them.
//
// Preconditions: as.mu is held. rng is page-aligned and within the
// window.
func (as *AddressSpace) unmapInternal(cpu *smp.CPU, rng memarch.VirtRange, requireUsed bool) error {
	if requireUsed {
		for addr := rng.Start; addr < rng.End; {
			r := as.lookup(addr)
			if r == nil || r.state == RegionFree {
				return ErrBadRange
			}
			addr = r.end()
		}
	}

	var detaches []detachOp
	var firstErr error

	as.ctx.Lock()
	for addr := rng.Start; addr < rng.End; {
		r := as.lookup(addr)
		if r.state == RegionFree {
			// Only reachable when free space in the range is tolerated;
			// leave it alone so neighbouring frees keep coalescing.
			addr = r.end()
			continue
		}
		if r.start < addr {
			r = as.split(r, addr)
		}
		if r.end() > rng.End {
			as.split(r, rng.End)
		}
		next := r.end()
		if r.state == RegionAllocated && r.backend != nil {
			for pg := r.start; pg < r.end(); pg += memarch.PageSize {
				if _, _, err := as.ctx.Unmap(pg); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			detaches = append(detaches, detachOp{r.backend, r.offset, r.size})
		}
		if r.state != RegionFree {
			as.makeFree(r)
		}
		addr = next
	}
	if err := as.ctx.Unlock(cpu); err != nil && firstErr == nil {
		firstErr = err
	}

	for _, d := range detaches {
		d.backend.DetachRange(d.off, d.size)
		d.backend.DecRef()
	}
	return firstErr
}

// Protect changes the maximum access of [addr, addr+size), which must
// lie entirely within allocated regions. Existing translations are
// narrowed immediately; widened access takes effect on the next fault,
// so copy-on-write pages never gain write permission here.
func (as *AddressSpace) Protect(cpu *smp.CPU, addr memarch.VirtAddr, size uint64, access memarch.AccessType) error {
	if !addr.IsPageAligned() || size == 0 || size%memarch.PageSize != 0 || !access.Any() {
		return ErrBadRange
	}
	rng := memarch.VirtRange{Start: addr, End: addr + memarch.VirtAddr(size)}
	if !rng.WellFormed() || !as.rng.Contains(rng.Start) || rng.End > as.rng.End {
		return ErrBadRange
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for a := rng.Start; a < rng.End; {
		r := as.lookup(a)
		if r == nil || r.state != RegionAllocated {
			return ErrBadRange
		}
		a = r.end()
	}

	var firstErr error
	as.ctx.Lock()
	for a := rng.Start; a < rng.End; {
		r := as.lookup(a)
		if r.start < a {
			r = as.split(r, a)
		}
		if r.end() > rng.End {
			as.split(r, rng.End)
		}
		next := r.end()
		as.remove(r)
		r.access = access
		as.insert(r)
		for pg := r.start; pg < r.end(); pg += memarch.PageSize {
			pa, at, ok, err := as.ctx.Query(pg)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !ok {
				continue
			}
			if err := as.ctx.Map(pg, pa, at.Intersect(access)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		a = next
	}
	if err := as.ctx.Unlock(cpu); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Query describes the region containing addr.
func (as *AddressSpace) Query(addr memarch.VirtAddr) (RegionInfo, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.lookup(addr)
	if r == nil {
		return RegionInfo{}, ErrBadRange
	}
	return RegionInfo{
		Range:   r.Range(),
		State:   r.state,
		Access:  r.access,
		Private: r.private,
		Stack:   r.stack,
		Name:    r.name,
	}, nil
}

// Clone creates a copy of the address space for a new process. Shared
// regions reference the same backend; private regions snapshot their
// contents copy-on-write, which write-protects the source's translations
// and shoots them down before Clone returns. Reservations are copied.
//
// On failure the new address space is destroyed and the source is left
// usable; at worst it takes spurious copy-on-write faults.
func (as *AddressSpace) Clone(cpu *smp.CPU, name string) (*AddressSpace, error) {
	if as.kernel {
		return nil, contract.Violationf("vm: cloning the kernel address space")
	}

	nas, err := newAddressSpace(as.sys, name, as.rng, as.anyBase, false, false)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	nas.mu.Lock()
	defer nas.mu.Unlock()

	var snapshot []*Region
	as.regions.Ascend(func(r *Region) bool {
		if r.state != RegionFree {
			snapshot = append(snapshot, r)
		}
		return true
	})

	var protect []*Region
	for _, r := range snapshot {
		nr := nas.carve(nas.lookup(r.start), r.Range())
		nas.remove(nr)
		nr.state = r.state
		nr.access = r.access
		nr.private = r.private
		nr.stack = r.stack
		nr.name = r.name

		if r.state == RegionAllocated {
			backend := r.backend
			if r.private {
				backend = r.backend.(*Anonymous).clone(r.offset, r.size)
				protect = append(protect, r)
			}
			if err := backend.AttachRange(r.offset, r.size); err != nil {
				nas.insert(nr)
				as.destroyClone(cpu, nas)
				return nil, err
			}
			backend.IncRef()
			nr.backend = backend
			nr.offset = r.offset
		}
		nas.insert(nr)
	}

	// Write-protect the source side of every private region so both
	// sides fault before writing shared frames.
	as.ctx.Lock()
	for _, r := range protect {
		for pg := r.start; pg < r.end(); pg += memarch.PageSize {
			pa, at, ok, err := as.ctx.Query(pg)
			if err != nil || !ok || !at.Write {
				continue
			}
			at.Write = false
			as.ctx.Map(pg, pa, at)
		}
	}
	if err := as.ctx.Unlock(cpu); err != nil {
		as.destroyClone(cpu, nas)
		return nil, err
	}
	return nas, nil
}

// destroyClone tears down a partially built clone.
//
// Preconditions: nas.mu is held; nas has no users and no translations.
func (as *AddressSpace) destroyClone(cpu *smp.CPU, nas *AddressSpace) {
	nas.unmapInternal(cpu, nas.rng, false)
	nas.ctx.Destroy()
}
