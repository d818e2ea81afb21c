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
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vesper.dev/vesper/pkg/config"
	"vesper.dev/vesper/pkg/memarch"
	"vesper.dev/vesper/pkg/smp"
)

func testConfig() *config.Machine {
	return &config.Machine{
		CPUs: 2,
		Memory: []config.MemoryRange{
			{Start: 0, Size: 16 * memarch.PageSize, Class: "dma"},
			{Start: 0x1_0000_0000, Size: 128 * memarch.PageSize, Class: "normal"},
		},
		UserBase:   0,
		UserSize:   1 << 32,
		AnyBase:    1 << 30,
		KernelBase: 0xffff_8000_0000_0000,
		KernelSize: 1 << 30,
	}
}

func newTestSystem(t *testing.T, cfg *config.Machine) (*System, *smp.CPU) {
	t.Helper()
	sys, err := NewSystem(cfg)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	t.Cleanup(sys.Phys.Destroy)
	return sys, sys.Machine.CPU(0)
}

func newTestAddressSpace(t *testing.T) (*System, *AddressSpace, *smp.CPU) {
	t.Helper()
	sys, cpu := newTestSystem(t, testConfig())
	as, err := sys.NewAddressSpace("test")
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return sys, as, cpu
}

func TestMapAnyStartsAtWildcardBase(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	addr, err := as.Map(cpu, MapOptions{Size: 4 * memarch.PageSize, Access: memarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr != 1<<30 {
		t.Errorf("first wildcard mapping at %s, want %#x", addr, 1<<30)
	}
	info, err := as.Query(addr)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if info.State != RegionAllocated || info.Range.Length() != 4*memarch.PageSize {
		t.Errorf("Query = %+v, want allocated region of 4 pages", info)
	}
}

func TestMapAnyDoesNotOverlap(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	var ranges []memarch.VirtRange
	for i := 0; i < 16; i++ {
		size := uint64(1+i%4) * memarch.PageSize
		addr, err := as.Map(cpu, MapOptions{Size: size, Access: memarch.ReadWrite})
		if err != nil {
			t.Fatalf("Map %d: %v", i, err)
		}
		rng := memarch.VirtRange{Start: addr, End: addr + memarch.VirtAddr(size)}
		for _, prev := range ranges {
			if rng.Overlaps(prev) {
				t.Errorf("mapping %s overlaps earlier mapping %s", rng, prev)
			}
		}
		ranges = append(ranges, rng)
	}
}

func TestNullPageIsReserved(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	info, err := as.Query(0)
	if err != nil {
		t.Fatalf("Query(0): %v", err)
	}
	if info.State != RegionReserved {
		t.Errorf("page zero state = %s, want reserved", info.State)
	}
	// Wildcard allocation never lands on it.
	addr, err := as.Map(cpu, MapOptions{Size: memarch.PageSize, Access: memarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr == 0 {
		t.Errorf("wildcard mapping landed on the reserved null page")
	}
	// Faulting it fails.
	if out := as.fault(cpu, 0, memarch.Read); out != faultNoRegion {
		t.Errorf("fault on reserved page = %v, want %v", out, faultNoRegion)
	}
}

func TestMapExactReplacesExisting(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	const base = memarch.VirtAddr(0x10_0000)

	if _, err := as.Map(cpu, MapOptions{
		Spec: AddrExact, Addr: base, Size: 4 * memarch.PageSize,
		Access: memarch.ReadWrite, Name: "old",
	}); err != nil {
		t.Fatalf("Map old: %v", err)
	}
	if _, err := as.CopyOut(cpu, base, []byte("old contents")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	// Replace the middle two pages.
	if _, err := as.Map(cpu, MapOptions{
		Spec: AddrExact, Addr: base + memarch.PageSize, Size: 2 * memarch.PageSize,
		Access: memarch.ReadWrite, Name: "new",
	}); err != nil {
		t.Fatalf("Map new: %v", err)
	}

	for _, test := range []struct {
		addr     memarch.VirtAddr
		wantName string
	}{
		{base, "old"},
		{base + memarch.PageSize, "new"},
		{base + 2*memarch.PageSize, "new"},
		{base + 3*memarch.PageSize, "old"},
	} {
		info, err := as.Query(test.addr)
		if err != nil {
			t.Fatalf("Query(%s): %v", test.addr, err)
		}
		if info.Name != test.wantName {
			t.Errorf("Query(%s).Name = %q, want %q", test.addr, info.Name, test.wantName)
		}
	}

	// The replacement is demand-zero, not the old contents.
	buf := make([]byte, 4)
	if _, err := as.CopyIn(cpu, base+memarch.PageSize, buf); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Errorf("replacement page byte %d = %#x, want 0", i, b)
		}
	}
}

func TestMapExactBadBackendLeavesMappingIntact(t *testing.T) {
	sys, as, cpu := newTestAddressSpace(t)
	const base = memarch.VirtAddr(0x10_0000)

	if _, err := as.Map(cpu, MapOptions{
		Spec: AddrExact, Addr: base, Size: 2 * memarch.PageSize,
		Access: memarch.ReadWrite, Name: "victim",
	}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := as.CopyOut(cpu, base, []byte("survives")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	// The replacement names an offset past the end of its backend, so it
	// can never be bound. The mapping it would have replaced must not be
	// torn down by the failed call.
	small := NewAnonymous(sys.Phys, memarch.PageSize)
	if _, err := as.Map(cpu, MapOptions{
		Spec: AddrExact, Addr: base, Size: memarch.PageSize,
		Access:  memarch.ReadWrite,
		Backend: small, Offset: 4 * memarch.PageSize,
	}); err == nil {
		t.Fatalf("Map with an out-of-range backend offset succeeded")
	}

	info, err := as.Query(base)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if info.State != RegionAllocated || info.Name != "victim" {
		t.Errorf("Query = %+v, want the original allocated region", info)
	}
	buf := make([]byte, 8)
	if _, err := as.CopyIn(cpu, base, buf); err != nil || string(buf) != "survives" {
		t.Errorf("contents after failed replace = %q, err = %v; want %q", buf, err, "survives")
	}
}

func TestMapHintFallsBack(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	const hint = memarch.VirtAddr(0x20_0000)

	got, err := as.Map(cpu, MapOptions{
		Spec: AddrHint, Addr: hint, Size: memarch.PageSize, Access: memarch.Read,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got != hint {
		t.Errorf("hint mapping at %s, want the free hint %s", got, hint)
	}

	// The hint is taken now; the next request must go elsewhere instead
	// of failing or replacing.
	got, err = as.Map(cpu, MapOptions{
		Spec: AddrHint, Addr: hint, Size: memarch.PageSize, Access: memarch.Read,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got == hint {
		t.Errorf("hint mapping replaced an existing mapping")
	}
	if info, _ := as.Query(hint); info.State != RegionAllocated {
		t.Errorf("original mapping disturbed by hint fallback")
	}
}

func TestReserveBlocksWildcard(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	const base = memarch.VirtAddr(1 << 30)

	if err := as.Reserve(base, 16*memarch.PageSize, "firmware hole"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	addr, err := as.Map(cpu, MapOptions{Size: memarch.PageSize, Access: memarch.Read})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	reserved := memarch.VirtRange{Start: base, End: base + 16*memarch.PageSize}
	if reserved.Contains(addr) {
		t.Errorf("wildcard mapping at %s landed in reserved range %s", addr, reserved)
	}
	// Reserving used space fails.
	if err := as.Reserve(base, memarch.PageSize, "again"); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Reserve of reserved space: err = %v, want ErrNoSpace", err)
	}
	// Exact mapping can still claim it.
	if _, err := as.Map(cpu, MapOptions{
		Spec: AddrExact, Addr: base, Size: memarch.PageSize, Access: memarch.Read,
	}); err != nil {
		t.Errorf("Map exact over reservation: %v", err)
	}
}

func TestUnmapFreeRangeFails(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	addr, err := as.Map(cpu, MapOptions{Size: 2 * memarch.PageSize, Access: memarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Range extends one page past the mapping into free space; nothing
	// may be torn down.
	if err := as.Unmap(cpu, addr, 3*memarch.PageSize); !errors.Is(err, ErrBadRange) {
		t.Fatalf("Unmap over free space: err = %v, want ErrBadRange", err)
	}
	if info, _ := as.Query(addr); info.State != RegionAllocated {
		t.Errorf("mapping torn down by failed Unmap")
	}
	if err := as.Unmap(cpu, addr+0x10000000, memarch.PageSize); !errors.Is(err, ErrBadRange) {
		t.Errorf("Unmap of free range: err = %v, want ErrBadRange", err)
	}
}

func TestUnmapMiddleSplitsRegion(t *testing.T) {
	sys, as, cpu := newTestAddressSpace(t)
	addr, err := as.Map(cpu, MapOptions{Size: 4 * memarch.PageSize, Access: memarch.ReadWrite, Name: "data"})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := as.CopyOut(cpu, addr+memarch.VirtAddr(i)*memarch.PageSize, []byte{byte(i + 1)}); err != nil {
			t.Fatalf("CopyOut %d: %v", i, err)
		}
	}
	free := sys.Phys.FreePages()

	if err := as.Unmap(cpu, addr+memarch.PageSize, 2*memarch.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	// The two unmapped frames came back.
	if got := sys.Phys.FreePages(); got != free+2 {
		t.Errorf("FreePages() = %d, want %d", got, free+2)
	}
	// The ends survive with their contents.
	buf := make([]byte, 1)
	if _, err := as.CopyIn(cpu, addr, buf); err != nil || buf[0] != 1 {
		t.Errorf("first page: buf = %v, err = %v", buf, err)
	}
	if _, err := as.CopyIn(cpu, addr+3*memarch.PageSize, buf); err != nil || buf[0] != 4 {
		t.Errorf("last page: buf = %v, err = %v", buf, err)
	}
	// The middle is gone.
	var sf *SegmentationFault
	if _, err := as.CopyIn(cpu, addr+memarch.PageSize, buf); !errors.As(err, &sf) {
		t.Errorf("read of unmapped page: err = %v, want SegmentationFault", err)
	}
	if info, _ := as.Query(addr + memarch.PageSize); info.State != RegionFree {
		t.Errorf("unmapped range state = %s, want free", info.State)
	}
}

func TestUnmapCoalescesFreeSpace(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	const base = memarch.VirtAddr(0x40_0000)
	// Three adjacent exact mappings.
	for i := 0; i < 3; i++ {
		if _, err := as.Map(cpu, MapOptions{
			Spec: AddrExact, Addr: base + memarch.VirtAddr(i)*memarch.PageSize,
			Size: memarch.PageSize, Access: memarch.Read,
		}); err != nil {
			t.Fatalf("Map %d: %v", i, err)
		}
	}
	// Unmap them out of order; the free space must coalesce into the
	// single surrounding free region.
	for _, i := range []int{1, 0, 2} {
		if err := as.Unmap(cpu, base+memarch.VirtAddr(i)*memarch.PageSize, memarch.PageSize); err != nil {
			t.Fatalf("Unmap %d: %v", i, err)
		}
	}
	info, err := as.Query(base)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if info.State != RegionFree {
		t.Fatalf("state = %s, want free", info.State)
	}
	if info.Range.Length() <= 3*memarch.PageSize {
		t.Errorf("free range %s did not merge with its neighbours", info.Range)
	}
}

func TestProtect(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	addr, err := as.Map(cpu, MapOptions{Size: 2 * memarch.PageSize, Access: memarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := as.CopyOut(cpu, addr, []byte("x")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	if err := as.Protect(cpu, addr, 2*memarch.PageSize, memarch.Read); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	var sf *SegmentationFault
	if _, err := as.CopyOut(cpu, addr, []byte("y")); !errors.As(err, &sf) {
		t.Errorf("write after read-only Protect: err = %v, want SegmentationFault", err)
	}
	buf := make([]byte, 1)
	if _, err := as.CopyIn(cpu, addr, buf); err != nil || buf[0] != 'x' {
		t.Errorf("read after Protect: buf = %q, err = %v", buf, err)
	}

	// Widening takes effect on the next fault.
	if err := as.Protect(cpu, addr, 2*memarch.PageSize, memarch.ReadWrite); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if _, err := as.CopyOut(cpu, addr, []byte("y")); err != nil {
		t.Errorf("write after widening Protect: %v", err)
	}
	// Protecting free space is a usage error.
	if err := as.Protect(cpu, addr+0x1000000, memarch.PageSize, memarch.Read); !errors.Is(err, ErrBadRange) {
		t.Errorf("Protect of free range: err = %v, want ErrBadRange", err)
	}
}

func TestGuardPage(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	addr, err := as.Map(cpu, MapOptions{
		Size: 4 * memarch.PageSize, Access: memarch.ReadWrite, Stack: true, Name: "stack",
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	// The body of the stack works normally.
	if _, err := as.CopyOut(cpu, addr+memarch.PageSize, []byte("frame")); err != nil {
		t.Fatalf("CopyOut to stack body: %v", err)
	}
	// The lowest page never maps.
	if out := as.fault(cpu, addr, memarch.Write); out != faultGuard {
		t.Errorf("fault on guard page = %v, want %v", out, faultGuard)
	}
	var sf *SegmentationFault
	if _, err := as.CopyOut(cpu, addr, []byte("overflow")); !errors.As(err, &sf) {
		t.Errorf("write to guard page: err = %v, want SegmentationFault", err)
	}
}

func TestMapArgumentValidation(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	for _, test := range []struct {
		name string
		opts MapOptions
	}{
		{name: "zero size", opts: MapOptions{Access: memarch.Read}},
		{name: "unaligned size", opts: MapOptions{Size: 123, Access: memarch.Read}},
		{name: "no access", opts: MapOptions{Size: memarch.PageSize}},
		{name: "unaligned exact addr", opts: MapOptions{Spec: AddrExact, Addr: 0x123, Size: memarch.PageSize, Access: memarch.Read}},
		{name: "exact outside window", opts: MapOptions{Spec: AddrExact, Addr: 1 << 40, Size: memarch.PageSize, Access: memarch.Read}},
		{name: "private with backend", opts: MapOptions{Size: memarch.PageSize, Access: memarch.Read, Private: true, Backend: NewAnonymous(as.sys.Phys, memarch.PageSize)}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := as.Map(cpu, test.opts); !errors.Is(err, ErrBadRange) {
				t.Errorf("Map: err = %v, want ErrBadRange", err)
			}
		})
	}
}

func TestMapNoSpace(t *testing.T) {
	cfg := testConfig()
	cfg.UserSize = 16 * memarch.PageSize
	cfg.AnyBase = 0
	sys, cpu := newTestSystem(t, cfg)
	as, err := sys.NewAddressSpace("tiny")
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	// One page is the null guard; 15 remain.
	if _, err := as.Map(cpu, MapOptions{Size: 15 * memarch.PageSize, Access: memarch.Read}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := as.Map(cpu, MapOptions{Size: memarch.PageSize, Access: memarch.Read}); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Map of full space: err = %v, want ErrNoSpace", err)
	}
}

func TestSharedBackendBetweenSpaces(t *testing.T) {
	sys, as, cpu := newTestAddressSpace(t)
	other, err := sys.NewAddressSpace("other")
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	shared := NewAnonymous(sys.Phys, 4*memarch.PageSize)
	a1, err := as.Map(cpu, MapOptions{Size: 4 * memarch.PageSize, Access: memarch.ReadWrite, Backend: shared, Name: "shm"})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	a2, err := other.Map(cpu, MapOptions{Size: 4 * memarch.PageSize, Access: memarch.ReadWrite, Backend: shared, Name: "shm"})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if _, err := as.CopyOut(cpu, a1, []byte("hello")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := other.CopyIn(cpu, a2, buf); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("shared mapping read %q, want %q", buf, "hello")
	}
}

func TestDumpListsRegions(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	if _, err := as.Map(cpu, MapOptions{Size: memarch.PageSize, Access: memarch.ReadWrite, Name: "heap"}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	var sb strings.Builder
	if err := as.Dump(&sb); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"heap", "free", "reserved", "rw-"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	sys, cpu := newTestSystem(t, testConfig())
	baseline := sys.Phys.FreePages()

	as, err := sys.NewAddressSpace("doomed")
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	addr, err := as.Map(cpu, MapOptions{Size: 8 * memarch.PageSize, Access: memarch.ReadWrite})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := as.ZeroOut(cpu, addr, 8*memarch.PageSize); err != nil {
		t.Fatalf("ZeroOut: %v", err)
	}
	if sys.Phys.FreePages() == baseline {
		t.Fatalf("no frames consumed by faulting")
	}

	sys.Switch(cpu, as)
	if err := sys.DestroyAddressSpace(cpu, as); err != nil {
		t.Fatalf("DestroyAddressSpace: %v", err)
	}
	if got := sys.Phys.FreePages(); got != baseline {
		t.Errorf("FreePages() = %d after destroy, want %d", got, baseline)
	}
	if got := sys.Current(cpu); got != nil {
		t.Errorf("CPU still assigned to the destroyed address space")
	}
}

func TestDestroyProdsRemoteCPU(t *testing.T) {
	sys, cpu := newTestSystem(t, testConfig())
	other := sys.Machine.CPU(1)

	as, err := sys.NewAddressSpace("remote")
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	sys.Switch(other, as)
	if got := as.Users(); got != 1 {
		t.Fatalf("Users() = %d, want 1", got)
	}

	if err := sys.DestroyAddressSpace(cpu, as); err != nil {
		t.Fatalf("DestroyAddressSpace: %v", err)
	}
	if got := sys.Current(other); got != nil {
		t.Errorf("remote CPU still assigned to the destroyed address space")
	}
	if got := as.Users(); got != 0 {
		t.Errorf("Users() = %d after destroy, want 0", got)
	}
}

// snapshotLayout walks the region map from one end of the window to the
// other and returns every region in address order, failing the test if
// the regions overlap or leave a gap.
func snapshotLayout(t *testing.T, as *AddressSpace) []RegionInfo {
	t.Helper()
	var out []RegionInfo
	for addr := as.Range().Start; addr < as.Range().End; {
		info, err := as.Query(addr)
		if err != nil {
			t.Fatalf("Query(%s): %v", addr, err)
		}
		if info.Range.Start != addr || info.Range.End <= addr {
			t.Fatalf("region %s does not tile the window at %s", info.Range, addr)
		}
		out = append(out, info)
		addr = info.Range.End
	}
	return out
}

func TestRandomOperationsPreserveLayout(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	rnd := rand.New(rand.NewSource(1))

	// Shadow model of every live mapping and reservation, keyed by base.
	// Page zero is the null guard installed at creation.
	type entry struct {
		size  uint64
		state RegionState
	}
	model := map[memarch.VirtAddr]entry{
		0: {size: memarch.PageSize, state: RegionReserved},
	}

	// Fixed placements stay in a low window well clear of the null guard
	// and of wildcard placements, which start at the any-base.
	randAddr := func() memarch.VirtAddr {
		return memarch.VirtAddr(0x10_0000 + uint64(rnd.Intn(256))*memarch.PageSize)
	}
	randSize := func() uint64 {
		return uint64(1+rnd.Intn(8)) * memarch.PageSize
	}

	// clip mirrors exact placement in the model: overlapped entries lose
	// the overlapped part and keep the pieces outside it.
	clip := func(start, end memarch.VirtAddr) {
		for base, e := range model {
			eEnd := base + memarch.VirtAddr(e.size)
			if end <= base || eEnd <= start {
				continue
			}
			delete(model, base)
			if base < start {
				model[base] = entry{size: uint64(start - base), state: e.state}
			}
			if eEnd > end {
				model[end] = entry{size: uint64(eEnd - end), state: e.state}
			}
		}
	}

	check := func(step int) {
		t.Helper()
		var live []RegionInfo
		for _, info := range snapshotLayout(t, as) {
			if info.State != RegionFree {
				live = append(live, info)
			}
		}
		if len(live) != len(model) {
			t.Fatalf("step %d: %d live regions, model has %d", step, len(live), len(model))
		}
		for _, info := range live {
			e, ok := model[info.Range.Start]
			if !ok || e.size != info.Range.Length() || e.state != info.State {
				t.Fatalf("step %d: region %s %s not in model", step, info.Range, info.State)
			}
		}
	}

	for step := 0; step < 200; step++ {
		switch op := rnd.Intn(10); {
		case op < 4: // wildcard map
			size := randSize()
			base, err := as.Map(cpu, MapOptions{Size: size, Access: memarch.ReadWrite})
			if err != nil {
				t.Fatalf("step %d: Map any: %v", step, err)
			}
			model[base] = entry{size: size, state: RegionAllocated}
		case op < 6: // exact map, replacing whatever is there
			addr, size := randAddr(), randSize()
			base, err := as.Map(cpu, MapOptions{
				Spec: AddrExact, Addr: addr, Size: size, Access: memarch.ReadWrite,
			})
			if err != nil {
				t.Fatalf("step %d: Map exact %s: %v", step, addr, err)
			}
			clip(base, base+memarch.VirtAddr(size))
			model[base] = entry{size: size, state: RegionAllocated}
		case op < 7: // reserve, which only claims free space
			addr, size := randAddr(), randSize()
			err := as.Reserve(addr, size, "hole")
			if errors.Is(err, ErrNoSpace) {
				break
			}
			if err != nil {
				t.Fatalf("step %d: Reserve(%s): %v", step, addr, err)
			}
			model[addr] = entry{size: size, state: RegionReserved}
		default: // unmap one live region, never the null guard
			keys := make([]memarch.VirtAddr, 0, len(model))
			for base := range model {
				if base != 0 {
					keys = append(keys, base)
				}
			}
			if len(keys) == 0 {
				break
			}
			slices.Sort(keys)
			base := keys[rnd.Intn(len(keys))]
			if err := as.Unmap(cpu, base, model[base].size); err != nil {
				t.Fatalf("step %d: Unmap(%s, %#x): %v", step, base, model[base].size, err)
			}
			delete(model, base)
		}
		check(step)
	}
}

func TestReserveUnmapRestoresFreeSpace(t *testing.T) {
	_, as, cpu := newTestAddressSpace(t)
	before := snapshotLayout(t, as)

	// Reserve a hole, claim its middle with an exact mapping, then unmap
	// the lot; the layout must come back exactly.
	const base = memarch.VirtAddr(0x50_0000)
	if err := as.Reserve(base, 4*memarch.PageSize, "hole"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := as.Map(cpu, MapOptions{
		Spec: AddrExact, Addr: base + memarch.PageSize, Size: 2 * memarch.PageSize,
		Access: memarch.ReadWrite,
	}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Unmap(cpu, base, 4*memarch.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	after := snapshotLayout(t, as)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("layout not restored (-before +after):\n%s", diff)
	}
}
