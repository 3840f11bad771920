// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package xrt

import (
	"fmt"
	"runtime"

	"github.com/xrttools/xbcapture/tracelog"
)

// Elf wraps an already-constructed runtime ELF object. The object itself is
// not part of the intercepted surface; only its handle flows through the
// extension-kernel constructor.
type Elf struct {
	h uintptr
}

// ElfFromHandle adopts a runtime ELF object handle.
func ElfFromHandle(h uintptr) *Elf { return &Elf{h: h} }

// Handle returns the opaque runtime handle.
func (e *Elf) Handle() uintptr { return e.h }

// NewExtBO allocates a buffer object through the extension API, which picks
// placement itself instead of taking flags and a group.
func (rt *Runtime) NewExtBO(d *Device, size uint64) (*BO, error) {
	slot := &rt.table.Ext.BOCtor
	h, err := rt.call(slot, d.Handle(), uintptr(size))
	if err != nil {
		return nil, fmt.Errorf("ext bo of %d bytes: %w", size, err)
	}
	b := &BO{rt: rt, h: h}
	if rt.enter(h, slot.Name(),
		tracelog.Scalar(fmt.Sprintf("0x%x", d.Handle())),
		tracelog.Scalar(size)) {
		rt.exit(h, slot.Name())
	}
	return b, nil
}

// NewExtKernel constructs a kernel from an ELF module through the extension
// API.
func (rt *Runtime) NewExtKernel(ctx *HWContext, elf *Elf, name string) (*Kernel, error) {
	slot := &rt.table.Ext.KernelCtor
	cname := cstr(name)
	h, err := rt.call(slot, ctx.Handle(), elf.Handle(), bytesPtr(cname))
	runtime.KeepAlive(cname)
	if err != nil {
		return nil, fmt.Errorf("ext kernel %q: %w", name, err)
	}
	k := &Kernel{rt: rt, h: h}
	if rt.enter(h, slot.Name(),
		tracelog.Scalar(fmt.Sprintf("0x%x", ctx.Handle())),
		tracelog.Scalar(fmt.Sprintf("0x%x", elf.Handle())),
		tracelog.Scalar(name)) {
		rt.exit(h, slot.Name())
	}
	return k, nil
}
