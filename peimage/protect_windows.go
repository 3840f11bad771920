// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package peimage // import "github.com/xrttools/xbcapture/peimage"

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// PageProtector toggles VirtualProtect around patch sites of a live mapped
// image. Offsets are relative to the image base address.
type PageProtector struct {
	// Base is the image's load address.
	Base uintptr
}

// MakeWritable implements Protector for a live image.
func (p PageProtector) MakeWritable(off, n int) (func() error, error) {
	addr := p.Base + uintptr(off)
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(n),
		windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return nil, err
	}
	return func() error {
		var scratch uint32
		return windows.VirtualProtect(addr, uintptr(n), old, &scratch)
	}, nil
}

// MappedImage wraps a live loaded module at base covering size bytes as an
// Image, so the patcher can walk a real process's import directory the same
// way it walks a synthetic one.
func MappedImage(base uintptr, size int) (*Image, error) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	return Open(data)
}
