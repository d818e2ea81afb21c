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

// Package physmem implements the physical page frame allocator.
//
// Physical memory is described as a set of ranges, each assigned to one
// free list. The lists are segregated by the address constraints they can
// satisfy (legacy DMA reachable, below the 4GB boundary, unconstrained),
// which makes constrained allocations a matter of popping a page from an
// appropriate list. Allocation searches the least constrained applicable
// list first so that precious low memory is preserved for the callers
// that actually require it.
//
// Each range is backed by an anonymous host mapping, so page frames hold
// real bytes: zero-fill, frame copies and shared-mapping visibility are
// all observable through Slice.
package physmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"vesper.dev/vesper/pkg/memarch"
)

// ErrNoMemory is returned when no applicable free list can satisfy an
// allocation.
var ErrNoMemory = errors.New("out of physical memory")

// Class identifies the free list a physical range belongs to.
type Class int

const (
	// ClassNormal holds memory with no addressing constraint.
	ClassNormal Class = iota

	// ClassBelow4G holds memory below the 4GB boundary, for devices
	// limited to 32-bit DMA addresses.
	ClassBelow4G

	// ClassDMA holds memory reachable by legacy DMA (below 16MB).
	ClassDMA

	numClasses
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassBelow4G:
		return "below4g"
	case ClassDMA:
		return "dma"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Constraint restricts where an allocation may be placed.
type Constraint int

const (
	// ConstraintNone allows any physical address.
	ConstraintNone Constraint = iota

	// ConstraintBelow4G requires the allocation to end below 4GB.
	ConstraintBelow4G

	// ConstraintDMA requires the allocation to be legacy DMA reachable.
	ConstraintDMA
)

// classSearchOrder gives, per constraint, the free lists that can satisfy
// it, least constrained first.
var classSearchOrder = map[Constraint][]Class{
	ConstraintNone:    {ClassNormal, ClassBelow4G, ClassDMA},
	ConstraintBelow4G: {ClassBelow4G, ClassDMA},
	ConstraintDMA:     {ClassDMA},
}

type pageState uint8

const (
	pageFree pageState = iota
	pageAllocated
)

// Page describes one physical page frame.
type Page struct {
	addr memarch.PhysAddr
	rng  *Range
	idx  int

	state pageState

	// refs counts the owners of the frame (anonymous backends sharing it
	// for copy-on-write). It is manipulated by the owning layer; the
	// allocator only requires it to be zero when the page is freed.
	refs atomic.Int32

	// Free list linkage.
	prev, next *Page
}

// Addr returns the physical address of the frame.
func (p *Page) Addr() memarch.PhysAddr {
	return p.addr
}

// IncRef increments the frame reference count.
func (p *Page) IncRef() {
	p.refs.Add(1)
}

// DecRef decrements the frame reference count and returns the new value.
func (p *Page) DecRef() int32 {
	v := p.refs.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("physmem: negative refcount on frame %s", p.addr))
	}
	return v
}

// Refs returns the current frame reference count.
func (p *Page) Refs() int32 {
	return int32(p.refs.Load())
}

// RangeSpec describes one physical memory range to manage.
type RangeSpec struct {
	Start memarch.PhysAddr
	Size  uint64
	Class Class
}

// Range is a managed physical memory range.
type Range struct {
	start memarch.PhysAddr
	end   memarch.PhysAddr
	class Class
	pages []Page
	data  []byte
}

// pageList is an intrusive list of free pages.
type pageList struct {
	head  *Page
	count uint64
}

func (l *pageList) push(p *Page) {
	p.prev = nil
	p.next = l.head
	if l.head != nil {
		l.head.prev = p
	}
	l.head = p
	l.count++
}

func (l *pageList) remove(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	p.prev, p.next = nil, nil
	l.count--
}

func (l *pageList) pop() *Page {
	p := l.head
	if p != nil {
		l.remove(p)
	}
	return p
}

// AllocOptions controls allocation behaviour.
type AllocOptions struct {
	// Constraint restricts the physical placement of the allocation.
	Constraint Constraint

	// Zero requests that the frame contents are zeroed before the
	// allocation returns.
	Zero bool

	// Wait allows the allocation to sleep waiting for memory pressure to
	// resolve before giving up. Must not be set by callers that cannot
	// sleep.
	Wait bool
}

// Allocator tracks free and used page frames across all managed ranges.
//
// The free lists are protected by a single lock, independent of any
// address-space lock; it is the innermost lock in the system and nothing
// may be acquired under it.
type Allocator struct {
	mu     sync.Mutex
	ranges []*Range
	free   [numClasses]pageList

	totalPages uint64
	freePages  atomic.Uint64
}

// New creates an allocator managing the given physical ranges. Range
// starts and sizes must be page-aligned and non-overlapping.
func New(specs []RangeSpec) (*Allocator, error) {
	if len(specs) == 0 {
		return nil, errors.New("physmem: no memory ranges")
	}

	a := &Allocator{}
	for _, spec := range specs {
		if !spec.Start.IsPageAligned() || spec.Size == 0 || spec.Size%memarch.PageSize != 0 {
			return nil, fmt.Errorf("physmem: misaligned range %s+%#x", spec.Start, spec.Size)
		}
		if spec.Class < 0 || spec.Class >= numClasses {
			return nil, fmt.Errorf("physmem: bad class %d", spec.Class)
		}
		for _, existing := range a.ranges {
			if spec.Start < existing.end && existing.start < spec.Start+memarch.PhysAddr(spec.Size) {
				return nil, fmt.Errorf("physmem: range %s+%#x overlaps existing range", spec.Start, spec.Size)
			}
		}

		data, err := unix.Mmap(-1, 0, int(spec.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, fmt.Errorf("physmem: mapping backing arena: %w", err)
		}

		rng := &Range{
			start: spec.Start,
			end:   spec.Start + memarch.PhysAddr(spec.Size),
			class: spec.Class,
			pages: make([]Page, spec.Size/memarch.PageSize),
			data:  data,
		}
		for i := range rng.pages {
			p := &rng.pages[i]
			p.addr = rng.start + memarch.PhysAddr(i)*memarch.PageSize
			p.rng = rng
			p.idx = i
			p.state = pageFree
			a.free[rng.class].push(p)
		}
		a.ranges = append(a.ranges, rng)
		a.totalPages += uint64(len(rng.pages))

		logrus.WithFields(logrus.Fields{
			"start": spec.Start,
			"size":  fmt.Sprintf("%#x", spec.Size),
			"class": spec.Class,
		}).Debug("physmem: added range")
	}
	a.freePages.Store(a.totalPages)
	return a, nil
}

// Destroy releases the backing arenas. No pages may be in use.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rng := range a.ranges {
		unix.Munmap(rng.data)
		rng.data = nil
	}
	a.ranges = nil
}

// TotalPages returns the number of managed page frames.
func (a *Allocator) TotalPages() uint64 {
	return a.totalPages
}

// FreePages returns the number of free page frames. The value is read
// without the allocator lock and may be stale.
func (a *Allocator) FreePages() uint64 {
	return a.freePages.Load()
}

func (a *Allocator) tryAllocate(c Constraint) *Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, class := range classSearchOrder[c] {
		if p := a.free[class].pop(); p != nil {
			p.state = pageAllocated
			a.freePages.Add(^uint64(0))
			return p
		}
	}
	return nil
}

// Allocate allocates a single page frame.
func (a *Allocator) Allocate(opts AllocOptions) (*Page, error) {
	p := a.tryAllocate(opts.Constraint)
	if p == nil && opts.Wait {
		// Poll for pressure to resolve rather than failing outright.
		// There is no reclaim daemon to kick, so this only succeeds if
		// another thread frees memory in the meantime.
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxElapsedTime = 100 * time.Millisecond
		backoff.Retry(func() error {
			if p = a.tryAllocate(opts.Constraint); p == nil {
				return ErrNoMemory
			}
			return nil
		}, b)
	}
	if p == nil {
		logrus.WithField("constraint", int(opts.Constraint)).Debug("physmem: allocation failed")
		return nil, ErrNoMemory
	}
	if opts.Zero {
		clear(p.rng.slice(p.idx))
	}
	return p, nil
}

// AllocateContiguous allocates a run of count contiguous page frames whose
// base is aligned to align bytes (0 for page alignment). This scans the
// page database and is not optimised; it is intended for infrequent
// callers such as device setup.
func (a *Allocator) AllocateContiguous(count int, align uint64, opts AllocOptions) (memarch.PhysAddr, error) {
	if count <= 0 {
		return 0, fmt.Errorf("physmem: bad contiguous count %d", count)
	}
	if align == 0 {
		align = memarch.PageSize
	}
	if align%memarch.PageSize != 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("physmem: bad alignment %#x", align)
	}

	a.mu.Lock()
	for _, rng := range a.ranges {
		if !classAllowed(rng.class, opts.Constraint) {
			continue
		}
		run := 0
		start := 0
		for i := range rng.pages {
			if run == 0 {
				if uint64(rng.pages[i].addr)&(align-1) != 0 {
					continue
				}
				start = i
			}
			if rng.pages[i].state != pageFree {
				run = 0
				continue
			}
			if run++; run == count {
				for j := start; j <= i; j++ {
					p := &rng.pages[j]
					a.free[rng.class].remove(p)
					p.state = pageAllocated
				}
				a.freePages.Add(^uint64(count) + 1)
				a.mu.Unlock()
				if opts.Zero {
					for j := start; j <= i; j++ {
						clear(rng.slice(j))
					}
				}
				return rng.pages[start].addr, nil
			}
		}
	}
	a.mu.Unlock()
	return 0, ErrNoMemory
}

func classAllowed(c Class, constraint Constraint) bool {
	for _, allowed := range classSearchOrder[constraint] {
		if c == allowed {
			return true
		}
	}
	return false
}

// FreePage returns a frame to its free list.
//
// Preconditions: the frame reference count is zero.
func (a *Allocator) FreePage(p *Page) {
	if p.Refs() != 0 {
		panic(fmt.Sprintf("physmem: freeing frame %s with refcount %d", p.addr, p.Refs()))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.state == pageFree {
		panic(fmt.Sprintf("physmem: double free of frame %s", p.addr))
	}
	p.state = pageFree
	a.free[p.rng.class].push(p)
	a.freePages.Add(1)
}

// FreeContiguous returns a run of frames allocated by AllocateContiguous.
func (a *Allocator) FreeContiguous(addr memarch.PhysAddr, count int) {
	for i := 0; i < count; i++ {
		p := a.Lookup(addr + memarch.PhysAddr(i)*memarch.PageSize)
		if p == nil {
			panic(fmt.Sprintf("physmem: freeing unmanaged frame %s", addr))
		}
		a.FreePage(p)
	}
}

// Lookup returns the Page for a physical address, or nil if the address
// is not managed.
func (a *Allocator) Lookup(addr memarch.PhysAddr) *Page {
	if !addr.IsPageAligned() {
		return nil
	}
	for _, rng := range a.ranges {
		if addr >= rng.start && addr < rng.end {
			return &rng.pages[(addr-rng.start)>>memarch.PageShift]
		}
	}
	return nil
}

func (r *Range) slice(idx int) []byte {
	return r.data[idx*memarch.PageSize : (idx+1)*memarch.PageSize]
}

// Slice returns the backing bytes for [addr, addr+length). The span must
// lie within a single managed range.
func (a *Allocator) Slice(addr memarch.PhysAddr, length int) ([]byte, error) {
	for _, rng := range a.ranges {
		if addr >= rng.start && addr < rng.end {
			off := uint64(addr - rng.start)
			if off+uint64(length) > uint64(rng.end-rng.start) {
				return nil, fmt.Errorf("physmem: span %s+%#x crosses range end", addr, length)
			}
			return rng.data[off : off+uint64(length)], nil
		}
	}
	return nil, fmt.Errorf("physmem: unmanaged physical address %s", addr)
}

// CopyPage copies the contents of the src frame to the dst frame.
func (a *Allocator) CopyPage(dst, src memarch.PhysAddr) error {
	db, err := a.Slice(dst, memarch.PageSize)
	if err != nil {
		return err
	}
	sb, err := a.Slice(src, memarch.PageSize)
	if err != nil {
		return err
	}
	copy(db, sb)
	return nil
}
