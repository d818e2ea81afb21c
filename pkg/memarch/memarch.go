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

// Package memarch defines the address types and page geometry shared by
// the physical page allocator, the MMU context layer, and the virtual
// memory manager.
package memarch

import "fmt"

const (
	// PageShift is the width in bits of the page offset.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the page offset bits of an address.
	PageMask = PageSize - 1

	// TableEntries is the number of entries in one translation table level.
	TableEntries = 512

	// TableLevels is the depth of the translation table tree.
	TableLevels = 4
)

// VirtAddr is a virtual address.
type VirtAddr uint64

// PhysAddr is a physical address.
type PhysAddr uint64

// RoundDown returns the address rounded down to a page boundary.
func (v VirtAddr) RoundDown() VirtAddr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to a page boundary, and false
// if rounding would overflow.
func (v VirtAddr) RoundUp() (VirtAddr, bool) {
	up := (v + PageMask) &^ PageMask
	return up, up >= v
}

// IsPageAligned returns true if v is page-aligned.
func (v VirtAddr) IsPageAligned() bool {
	return v&PageMask == 0
}

// PageOffset returns the offset of v within its page.
func (v VirtAddr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to a page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PageMask
}

// IsPageAligned returns true if p is page-aligned.
func (p PhysAddr) IsPageAligned() bool {
	return p&PageMask == 0
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// VirtRange is a range of virtual addresses [Start, End).
type VirtRange struct {
	Start VirtAddr
	End   VirtAddr
}

// RangeFor returns the page-sized range containing a.
func RangeFor(a VirtAddr) VirtRange {
	base := a.RoundDown()
	return VirtRange{base, base + PageSize}
}

// WellFormed returns true if r.Start <= r.End.
func (r VirtRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r VirtRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if a is in the range.
func (r VirtRange) Contains(a VirtAddr) bool {
	return a >= r.Start && a < r.End
}

// Overlaps returns true if r and other share any address.
func (r VirtRange) Overlaps(other VirtRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// String implements fmt.Stringer.String.
func (r VirtRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
