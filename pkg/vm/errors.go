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

	"vesper.dev/vesper/pkg/memarch"
)

var (
	// ErrNoSpace is returned when no free virtual address range can hold
	// a requested mapping.
	ErrNoSpace = errors.New("no free address space")

	// ErrBadRange is returned for malformed or misdirected address
	// ranges: unaligned arguments, ranges outside the address space
	// window, or unmapping addresses that were never mapped.
	ErrBadRange = errors.New("invalid address range")
)

// SegmentationFault is returned by the user memory access helpers when a
// fault on the accessed range cannot be resolved.
type SegmentationFault struct {
	// Addr is the first faulting address.
	Addr memarch.VirtAddr

	// Access is the access that faulted.
	Access memarch.AccessType
}

// Error implements error.Error.
func (f *SegmentationFault) Error() string {
	return fmt.Sprintf("segmentation fault at %s (%s)", f.Addr, f.Access)
}
