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

// Package contract defines the error kind used for kernel contract
// violations: conditions after which the memory manager cannot safely
// continue (usage errors by callers, cross-CPU protocol failures).
//
// Library code reports violations as ordinary error values so that it
// stays testable, but the top-level caller is required to treat any
// Violation as fatal and halt rather than continue.
package contract

import (
	"errors"
	"fmt"
)

// Violation is an unrecoverable contract violation.
type Violation struct {
	msg string
}

// Violationf creates a Violation with a formatted message.
func Violationf(format string, args ...any) *Violation {
	return &Violation{msg: fmt.Sprintf(format, args...)}
}

// Error implements error.Error.
func (v *Violation) Error() string {
	return "contract violation: " + v.msg
}

// IsViolation returns true if err is or wraps a Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}
