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
	"io"
	"text/tabwriter"
)

// Dump writes a human-readable table of the address space's regions,
// including free ones, in address order.
func (as *AddressSpace) Dump(w io.Writer) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "BASE\tEND\tSTATE\tACCESS\tFLAGS\tNAME\n")
	as.regions.Ascend(func(r *Region) bool {
		flags := ""
		if r.private {
			flags += "p"
		}
		if r.stack {
			flags += "s"
		}
		if flags == "" {
			flags = "-"
		}
		name := r.name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%#016x\t%#016x\t%s\t%s\t%s\t%s\n",
			uint64(r.start), uint64(r.end()), r.state, r.access, flags, name)
		return true
	})
	return tw.Flush()
}
