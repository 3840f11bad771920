// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch // import "github.com/xrttools/xbcapture/dispatch"

import (
	"github.com/ebitengine/purego"
)

// Caller invokes a bound slot address with raw machine-word arguments. The
// shim layer depends on this interface so tests can substitute a fake that
// never dereferences a real function pointer.
type Caller interface {
	// Call invokes addr following the platform C calling convention and
	// returns the first return register.
	Call(addr uintptr, args ...uintptr) (uintptr, error)
}

// SyscallCaller is the production Caller. Method calls on the runtime's C++
// objects pass the object handle as the implicit first argument, which is
// exactly the underlying ABI's convention.
type SyscallCaller struct{}

// Call invokes the original implementation at addr.
func (SyscallCaller) Call(addr uintptr, args ...uintptr) (uintptr, error) {
	if addr == 0 {
		return 0, ErrNotResolved
	}
	r1, _, _ := purego.SyscallN(addr, args...)
	return r1, nil
}
