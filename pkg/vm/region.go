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

	"vesper.dev/vesper/pkg/memarch"
)

// RegionState is the state of a virtual memory region.
type RegionState uint8

const (
	// RegionFree is unused address space, available for allocation.
	RegionFree RegionState = iota

	// RegionReserved is address space withheld from wildcard allocation.
	// Reserved regions have no backend and cannot be faulted.
	RegionReserved

	// RegionAllocated is a usable mapping with a backend.
	RegionAllocated
)

// String implements fmt.Stringer.String.
func (s RegionState) String() string {
	switch s {
	case RegionFree:
		return "free"
	case RegionReserved:
		return "reserved"
	case RegionAllocated:
		return "allocated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Region is a contiguous span of an address space. The regions of an
// address space tile its entire window: every address belongs to exactly
// one region at all times, and free space is represented by regions in
// RegionFree state rather than by gaps.
//
// Regions are owned by their AddressSpace and protected by its lock.
type Region struct {
	start memarch.VirtAddr
	size  uint64

	state  RegionState
	access memarch.AccessType

	// private marks a copy-on-write mapping: clones of the address space
	// snapshot its contents rather than sharing future writes.
	private bool

	// stack marks a stack mapping whose lowest page is an unmappable
	// guard page.
	stack bool

	name string

	// backend provides the pages for an allocated region; offset is
	// where this region's first page lives within it. Free and reserved
	// regions have no backend.
	backend Backend
	offset  uint64

	// Free list linkage, used only while state == RegionFree.
	freePrev, freeNext *Region
}

func (r *Region) end() memarch.VirtAddr {
	return r.start + memarch.VirtAddr(r.size)
}

// Range returns the address range the region spans.
func (r *Region) Range() memarch.VirtRange {
	return memarch.VirtRange{Start: r.start, End: r.end()}
}

// regionList is an intrusive list of free regions, one per size class.
type regionList struct {
	head *Region
}

func (l *regionList) push(r *Region) {
	r.freePrev = nil
	r.freeNext = l.head
	if l.head != nil {
		l.head.freePrev = r
	}
	l.head = r
}

func (l *regionList) remove(r *Region) {
	if r.freePrev != nil {
		r.freePrev.freeNext = r.freeNext
	} else {
		l.head = r.freeNext
	}
	if r.freeNext != nil {
		r.freeNext.freePrev = r.freePrev
	}
	r.freePrev, r.freeNext = nil, nil
}

// RegionInfo is the queryable description of a region.
type RegionInfo struct {
	Range   memarch.VirtRange
	State   RegionState
	Access  memarch.AccessType
	Private bool
	Stack   bool
	Name    string
}
