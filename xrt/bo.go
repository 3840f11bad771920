// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package xrt

import (
	"fmt"
	"runtime"

	"github.com/xrttools/xbcapture/tracelog"
)

// BO is the shim counterpart of a buffer object.
type BO struct {
	rt *Runtime
	h  uintptr
}

// NewBO allocates a buffer object on a device memory bank group.
func (rt *Runtime) NewBO(d *Device, size uint64, flags BOFlags, grp uint32) (*BO, error) {
	slot := &rt.table.BO.Ctor
	h, err := rt.call(slot, d.Handle(), uintptr(size), uintptr(flags), uintptr(grp))
	if err != nil {
		return nil, fmt.Errorf("bo of %d bytes: %w", size, err)
	}
	b := &BO{rt: rt, h: h}
	if rt.enter(h, slot.Name(),
		tracelog.Scalar(fmt.Sprintf("0x%x", d.Handle())),
		tracelog.Scalar(size),
		tracelog.Scalar(uint32(flags)),
		tracelog.Scalar(grp)) {
		rt.exit(h, slot.Name())
	}
	return b, nil
}

// Handle returns the opaque runtime handle.
func (b *BO) Handle() uintptr { return b.h }

// Map returns the host-visible address the runtime mapped the buffer at.
func (b *BO) Map() (uintptr, error) {
	slot := &b.rt.table.BO.Map
	if !b.rt.enter(b.h, slot.Name()) {
		return 0, ErrNilHandle
	}
	addr, err := b.rt.call(slot, b.h)
	if err != nil {
		return 0, fmt.Errorf("bo map: %w", err)
	}
	b.rt.exitRet(b.h, slot.Name(), tracelog.Scalar(fmt.Sprintf("0x%x", addr)))
	return addr, nil
}

// Sync moves size bytes at offset between host and device memory.
func (b *BO) Sync(dir SyncDirection, size, offset uint64) error {
	slot := &b.rt.table.BO.Sync
	if !b.rt.enter(b.h, slot.Name(),
		tracelog.Scalar(int(dir)), tracelog.Scalar(size), tracelog.Scalar(offset)) {
		return ErrNilHandle
	}
	_, err := b.rt.call(slot, b.h, uintptr(dir), uintptr(size), uintptr(offset))
	if err != nil {
		return fmt.Errorf("bo sync: %w", err)
	}
	b.rt.exit(b.h, slot.Name())
	return nil
}

// Write copies data into the buffer at offset. The payload travels with the
// entry record.
func (b *BO) Write(data []byte, offset uint64) error {
	slot := &b.rt.table.BO.Write
	if !b.rt.enter(b.h, slot.Name(),
		tracelog.Blob(data), tracelog.Scalar(uint64(len(data))), tracelog.Scalar(offset)) {
		return ErrNilHandle
	}
	_, err := b.rt.call(slot, b.h, bytesPtr(data), uintptr(len(data)), uintptr(offset))
	runtime.KeepAlive(data)
	if err != nil {
		return fmt.Errorf("bo write: %w", err)
	}
	b.rt.exit(b.h, slot.Name())
	return nil
}

// Read copies size bytes from the buffer at offset. The payload travels
// with the exit record, once the bytes exist.
func (b *BO) Read(size, offset uint64) ([]byte, error) {
	slot := &b.rt.table.BO.Read
	if !b.rt.enter(b.h, slot.Name(),
		tracelog.Scalar(size), tracelog.Scalar(offset)) {
		return nil, ErrNilHandle
	}
	data := make([]byte, size)
	_, err := b.rt.call(slot, b.h, bytesPtr(data), uintptr(size), uintptr(offset))
	runtime.KeepAlive(data)
	if err != nil {
		return nil, fmt.Errorf("bo read: %w", err)
	}
	b.rt.exit(b.h, slot.Name(),
		tracelog.NamedValue{Name: "data", Value: tracelog.Blob(data)})
	return data, nil
}

// Size returns the buffer's byte size.
func (b *BO) Size() (uint64, error) {
	slot := &b.rt.table.BO.Size
	if !b.rt.enter(b.h, slot.Name()) {
		return 0, ErrNilHandle
	}
	r, err := b.rt.call(slot, b.h)
	if err != nil {
		return 0, fmt.Errorf("bo size: %w", err)
	}
	size := uint64(r)
	b.rt.exitRet(b.h, slot.Name(), tracelog.Scalar(size))
	return size, nil
}

// Address returns the buffer's device-side physical address.
func (b *BO) Address() (uint64, error) {
	slot := &b.rt.table.BO.Address
	if !b.rt.enter(b.h, slot.Name()) {
		return 0, ErrNilHandle
	}
	r, err := b.rt.call(slot, b.h)
	if err != nil {
		return 0, fmt.Errorf("bo address: %w", err)
	}
	addr := uint64(r)
	b.rt.exitRet(b.h, slot.Name(), tracelog.Scalar(fmt.Sprintf("0x%x", addr)))
	return addr, nil
}
