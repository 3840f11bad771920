// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch // import "github.com/xrttools/xbcapture/dispatch"

import (
	"fmt"

	"github.com/coreos/pkg/dlopen"
)

// LibraryResolver resolves raw symbol names against a dynamically loaded
// image of the original runtime library. The library is loaded read-only and
// independently of the shim's own image, so the addresses it yields are the
// real, un-shadowed implementations.
type LibraryResolver struct {
	handle *dlopen.LibHandle
}

// OpenLibrary loads the first of the given library names that the dynamic
// loader can find. Failure here is fatal to the capture subsystem: nothing
// can be intercepted without the original library handle.
func OpenLibrary(names []string) (*LibraryResolver, error) {
	h, err := dlopen.GetHandle(names)
	if err != nil {
		return nil, fmt.Errorf("loading original library %v: %w", names, err)
	}
	return &LibraryResolver{handle: h}, nil
}

// ResolveSymbol looks up a raw symbol name in the loaded library.
func (r *LibraryResolver) ResolveSymbol(raw string) (uintptr, error) {
	ptr, err := r.handle.GetSymbolPointer(raw)
	if err != nil {
		return 0, err
	}
	if ptr == nil {
		return 0, fmt.Errorf("symbol %q resolved to a null address", raw)
	}
	return uintptr(ptr), nil
}

// Close releases the library handle. The bound slot addresses stay valid for
// the life of the process because the traced application itself keeps the
// library mapped.
func (r *LibraryResolver) Close() error {
	return r.handle.Close()
}
