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

package smp

import (
	"sync"

	"vesper.dev/vesper/pkg/memarch"
)

// TLBEntry is one cached translation.
type TLBEntry struct {
	Phys   memarch.PhysAddr
	Access memarch.AccessType

	// Global marks a kernel translation that survives a context switch.
	Global bool
}

// TLB is a per-CPU cache of virtual-to-physical translations. Entries
// become stale the moment the underlying tables change; the shootdown
// protocol exists to remove them before the change is observable.
type TLB struct {
	mu      sync.Mutex
	entries map[memarch.VirtAddr]TLBEntry
}

func (t *TLB) init() {
	t.entries = make(map[memarch.VirtAddr]TLBEntry)
}

// Lookup returns the cached translation for the page containing va.
func (t *TLB) Lookup(va memarch.VirtAddr) (TLBEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va.RoundDown()]
	return e, ok
}

// Insert caches a translation for the page containing va.
func (t *TLB) Insert(va memarch.VirtAddr, e TLBEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[va.RoundDown()] = e
}

// InvalidatePage removes the cached translation for the page containing
// va, if any.
func (t *TLB) InvalidatePage(va memarch.VirtAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, va.RoundDown())
}

// InvalidateAll removes every cached translation, including global ones.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// InvalidateNonGlobal removes all non-global translations. This is what a
// context switch does to the hardware TLB.
func (t *TLB) InvalidateNonGlobal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for va, e := range t.entries {
		if !e.Global {
			delete(t.entries, va)
		}
	}
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
