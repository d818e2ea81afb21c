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

import "vesper.dev/vesper/pkg/memarch"

// Backend supplies the page frames behind allocated regions. A backend
// may be shared by several regions, possibly across address spaces;
// implementations must be safe for concurrent use.
//
// Two reference levels exist. The backend itself is reference counted by
// the regions attached to it (IncRef/DecRef). Independently, AttachRange
// and DetachRange track which byte ranges are covered by a region, so
// that a frame is released only when the last region covering its offset
// detaches.
type Backend interface {
	// Name identifies the backend kind in region dumps.
	Name() string

	// Fault provides the frame for the page at off, allocating it on
	// first touch. at is the faulting access and max the access limit of
	// the faulting region; the returned access is what the caller must
	// install in the translation, and may be narrower than max when the
	// frame must not yet be written (copy-on-write).
	Fault(off uint64, at, max memarch.AccessType) (memarch.PhysAddr, memarch.AccessType, error)

	// AttachRange records that a region now covers [off, off+size).
	AttachRange(off, size uint64) error

	// DetachRange records that a region no longer covers [off,
	// off+size), releasing frames no region covers anymore.
	//
	// Preconditions: no translation to the range's frames remains in any
	// translation table or TLB.
	DetachRange(off, size uint64)

	// IncRef adds a region reference to the backend.
	IncRef()

	// DecRef drops a region reference; the last one destroys the
	// backend.
	DecRef()
}
