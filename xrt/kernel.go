// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package xrt

import (
	"fmt"
	"runtime"

	"github.com/xrttools/xbcapture/tracelog"
)

// Kernel is the shim counterpart of a compute-kernel object.
type Kernel struct {
	rt *Runtime
	h  uintptr
}

// NewKernel constructs a kernel by name inside a hardware context.
func (rt *Runtime) NewKernel(ctx *HWContext, name string) (*Kernel, error) {
	slot := &rt.table.Kernel.Ctor
	cname := cstr(name)
	h, err := rt.call(slot, ctx.Handle(), bytesPtr(cname))
	runtime.KeepAlive(cname)
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", name, err)
	}
	k := &Kernel{rt: rt, h: h}
	if rt.enter(h, slot.Name(),
		tracelog.Scalar(fmt.Sprintf("0x%x", ctx.Handle())),
		tracelog.Scalar(name)) {
		rt.exit(h, slot.Name())
	}
	return k, nil
}

// Handle returns the opaque runtime handle.
func (k *Kernel) Handle() uintptr { return k.h }

// GroupID returns the memory-bank group index of a kernel argument, used
// when allocating buffer objects for that argument.
func (k *Kernel) GroupID(arg int) (int, error) {
	slot := &k.rt.table.Kernel.GroupID
	if !k.rt.enter(k.h, slot.Name(), tracelog.Scalar(arg)) {
		return 0, ErrNilHandle
	}
	r, err := k.rt.call(slot, k.h, uintptr(arg))
	if err != nil {
		return 0, fmt.Errorf("group_id(%d): %w", arg, err)
	}
	grp := int(int32(r))
	k.rt.exitRet(k.h, slot.Name(), tracelog.Scalar(grp))
	return grp, nil
}

// Run is the shim counterpart of a kernel execution object.
type Run struct {
	rt *Runtime
	h  uintptr
}

// NewRun constructs an execution object for a kernel.
func (rt *Runtime) NewRun(k *Kernel) (*Run, error) {
	slot := &rt.table.Run.Ctor
	h, err := rt.call(slot, k.Handle())
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	r := &Run{rt: rt, h: h}
	if rt.enter(h, slot.Name(), tracelog.Scalar(fmt.Sprintf("0x%x", k.Handle()))) {
		rt.exit(h, slot.Name())
	}
	return r, nil
}

// Handle returns the opaque runtime handle.
func (r *Run) Handle() uintptr { return r.h }

// SetArg binds a kernel argument from raw bytes. The bytes travel with the
// entry record so a replay can rebuild the exact argument state.
func (r *Run) SetArg(index int, data []byte) error {
	slot := &r.rt.table.Run.SetArg
	if !r.rt.enter(r.h, slot.Name(), tracelog.Scalar(index), tracelog.Blob(data),
		tracelog.Scalar(uint64(len(data)))) {
		return ErrNilHandle
	}
	_, err := r.rt.call(slot, r.h, uintptr(index), bytesPtr(data), uintptr(len(data)))
	runtime.KeepAlive(data)
	if err != nil {
		return fmt.Errorf("set_arg(%d): %w", index, err)
	}
	r.rt.exit(r.h, slot.Name())
	return nil
}

// Start launches the execution asynchronously.
func (r *Run) Start() error {
	slot := &r.rt.table.Run.Start
	if !r.rt.enter(r.h, slot.Name()) {
		return ErrNilHandle
	}
	_, err := r.rt.call(slot, r.h)
	if err != nil {
		return fmt.Errorf("run start: %w", err)
	}
	r.rt.exit(r.h, slot.Name())
	return nil
}

// Wait blocks until the execution completes and returns the final command
// state reported by the runtime.
func (r *Run) Wait() (int, error) {
	slot := &r.rt.table.Run.Wait
	if !r.rt.enter(r.h, slot.Name()) {
		return 0, ErrNilHandle
	}
	res, err := r.rt.call(slot, r.h)
	if err != nil {
		return 0, fmt.Errorf("run wait: %w", err)
	}
	state := int(int32(res))
	r.rt.exitRet(r.h, slot.Name(), tracelog.Scalar(state))
	return state, nil
}
