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
	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/smp"
)

// Memory access helpers. These are the kernel's recovery-point accesses:
// each page is translated like the hardware would, faults are resolved
// through the fault handler, and an unresolvable fault aborts the copy
// with a SegmentationFault instead of taking the system down.

// maxIOFaultRetries bounds fault-then-retranslate loops per page so a
// handler bug cannot hang the copy.
const maxIOFaultRetries = 8

func (as *AddressSpace) ioSlice(cpu *smp.CPU, va memarch.VirtAddr, n int, at memarch.AccessType) ([]byte, error) {
	for try := 0; try < maxIOFaultRetries; try++ {
		if pa, ok := as.ctx.Translate(cpu, va, at); ok {
			return as.sys.Phys.Slice(pa, n)
		}
		if out := as.fault(cpu, va, at); out != faultHandled {
			break
		}
	}
	return nil, &SegmentationFault{Addr: va, Access: at}
}

// CopyOut writes src to [va, va+len(src)) in the address space, faulting
// pages in as needed. Returns the number of bytes written; on error it
// may be short.
func (as *AddressSpace) CopyOut(cpu *smp.CPU, va memarch.VirtAddr, src []byte) (int, error) {
	done := 0
	for done < len(src) {
		cur := va + memarch.VirtAddr(done)
		n := min(int(memarch.PageSize-cur.PageOffset()), len(src)-done)
		b, err := as.ioSlice(cpu, cur, n, memarch.Write)
		if err != nil {
			return done, err
		}
		copy(b, src[done:done+n])
		done += n
	}
	return done, nil
}

// CopyIn reads [va, va+len(dst)) from the address space into dst.
// Returns the number of bytes read; on error it may be short.
func (as *AddressSpace) CopyIn(cpu *smp.CPU, va memarch.VirtAddr, dst []byte) (int, error) {
	done := 0
	for done < len(dst) {
		cur := va + memarch.VirtAddr(done)
		n := min(int(memarch.PageSize-cur.PageOffset()), len(dst)-done)
		b, err := as.ioSlice(cpu, cur, n, memarch.Read)
		if err != nil {
			return done, err
		}
		copy(dst[done:done+n], b)
		done += n
	}
	return done, nil
}

// ZeroOut zeroes [va, va+size) in the address space.
func (as *AddressSpace) ZeroOut(cpu *smp.CPU, va memarch.VirtAddr, size uint64) (uint64, error) {
	var done uint64
	for done < size {
		cur := va + memarch.VirtAddr(done)
		n := min(memarch.PageSize-cur.PageOffset(), size-done)
		b, err := as.ioSlice(cpu, cur, int(n), memarch.Write)
		if err != nil {
			return done, err
		}
		clear(b)
		done += n
	}
	return done, nil
}
