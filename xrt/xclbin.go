// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package xrt

import (
	"fmt"
	"runtime"

	"github.com/google/uuid"

	"github.com/xrttools/xbcapture/tracelog"
)

// Xclbin is the shim counterpart of a bitstream container object.
type Xclbin struct {
	rt *Runtime
	h  uintptr
}

// NewXclbin constructs a container from a file path.
func (rt *Runtime) NewXclbin(path string) (*Xclbin, error) {
	slot := &rt.table.Xclbin.CtorFile
	cpath := cstr(path)
	h, err := rt.call(slot, bytesPtr(cpath))
	runtime.KeepAlive(cpath)
	if err != nil {
		return nil, fmt.Errorf("xclbin from %q: %w", path, err)
	}
	x := &Xclbin{rt: rt, h: h}
	if rt.enter(h, slot.Name(), tracelog.Scalar(path)) {
		rt.exit(h, slot.Name())
	}
	return x, nil
}

// NewXclbinFromData constructs a container from in-memory bytes. The bytes
// are captured with the entry record so a replay can reconstruct the
// container without the source file.
func (rt *Runtime) NewXclbinFromData(data []byte) (*Xclbin, error) {
	slot := &rt.table.Xclbin.CtorRaw
	h, err := rt.call(slot, bytesPtr(data), uintptr(len(data)))
	runtime.KeepAlive(data)
	if err != nil {
		return nil, fmt.Errorf("xclbin from raw data: %w", err)
	}
	x := &Xclbin{rt: rt, h: h}
	if rt.enter(h, slot.Name(), tracelog.Blob(data)) {
		rt.exit(h, slot.Name())
	}
	return x, nil
}

// NewXclbinFromAxlf constructs a container from a pointer to an already
// parsed top-level container record.
func (rt *Runtime) NewXclbinFromAxlf(axlf uintptr) (*Xclbin, error) {
	slot := &rt.table.Xclbin.CtorAxlf
	h, err := rt.call(slot, axlf)
	if err != nil {
		return nil, fmt.Errorf("xclbin from axlf: %w", err)
	}
	x := &Xclbin{rt: rt, h: h}
	if rt.enter(h, slot.Name(), tracelog.Scalar(fmt.Sprintf("0x%x", axlf))) {
		rt.exit(h, slot.Name())
	}
	return x, nil
}

// Handle returns the opaque runtime handle.
func (x *Xclbin) Handle() uintptr { return x.h }

// UUID returns the container's UUID.
func (x *Xclbin) UUID() (uuid.UUID, error) {
	slot := &x.rt.table.Xclbin.GetUUID
	if !x.rt.enter(x.h, slot.Name()) {
		return uuid.Nil, ErrNilHandle
	}
	r, err := x.rt.call(slot, x.h)
	if err != nil {
		return uuid.Nil, fmt.Errorf("xclbin get_uuid: %w", err)
	}
	id := uuidAt(r)
	x.rt.exitRet(x.h, slot.Name(), tracelog.Scalar(id.String()))
	return id, nil
}
