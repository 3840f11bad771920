// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package xrt

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/tracelog"
)

// Device is the shim counterpart of a runtime device object. The handle is
// opaque; only the real implementation dereferences it.
type Device struct {
	rt *Runtime
	h  uintptr
}

// OpenDevice constructs a device from its enumeration index. Constructors
// trace after the real construction, once a handle exists to record.
func (rt *Runtime) OpenDevice(index uint32) (*Device, error) {
	slot := &rt.table.Device.Ctor
	h, err := rt.call(slot, uintptr(index))
	if err != nil {
		return nil, fmt.Errorf("opening device %d: %w", index, err)
	}
	d := &Device{rt: rt, h: h}
	if rt.enter(h, slot.Name(), tracelog.Scalar(index)) {
		rt.exit(h, slot.Name())
	}
	return d, nil
}

// OpenDeviceByBDF constructs a device from its bus:device.function address.
func (rt *Runtime) OpenDeviceByBDF(bdf string) (*Device, error) {
	slot := &rt.table.Device.CtorFromBDF
	cbdf := cstr(bdf)
	h, err := rt.call(slot, bytesPtr(cbdf))
	runtime.KeepAlive(cbdf)
	if err != nil {
		return nil, fmt.Errorf("opening device %q: %w", bdf, err)
	}
	d := &Device{rt: rt, h: h}
	if rt.enter(h, slot.Name(), tracelog.Scalar(bdf)) {
		rt.exit(h, slot.Name())
	}
	return d, nil
}

// Handle returns the opaque runtime handle.
func (d *Device) Handle() uintptr { return d.h }

// LoadXclbin loads a bitstream container from a file and returns its UUID.
// The container bytes and their digest are captured at exit, after the real
// load decided the file was acceptable.
func (d *Device) LoadXclbin(path string) (uuid.UUID, error) {
	slot := &d.rt.table.Device.LoadXclbinFile
	if !d.rt.enter(d.h, slot.Name(), tracelog.Scalar(path)) {
		return uuid.Nil, ErrNilHandle
	}
	cpath := cstr(path)
	r, err := d.rt.call(slot, d.h, bytesPtr(cpath))
	runtime.KeepAlive(cpath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load_xclbin %q: %w", path, err)
	}
	id := uuidAt(r)

	outs := []tracelog.NamedValue{}
	if data, rerr := os.ReadFile(path); rerr != nil {
		// The real load already consumed the file; losing the capture
		// copy degrades the trace, not the application.
		log.Warnf("capturing xclbin %q: %v", path, rerr)
	} else {
		sum := sha256.Sum256(data)
		outs = append(outs,
			tracelog.NamedValue{Name: "xclbin", Value: tracelog.Blob(data)},
			tracelog.NamedValue{Name: "sha256", Value: tracelog.Scalar(hex.EncodeToString(sum[:]))},
		)
	}
	d.rt.exitRet(d.h, slot.Name(), tracelog.Scalar(id.String()), outs...)
	return id, nil
}

// LoadXclbinObj loads an already-constructed bitstream container object.
func (d *Device) LoadXclbinObj(x *Xclbin) (uuid.UUID, error) {
	slot := &d.rt.table.Device.LoadXclbinObj
	if !d.rt.enter(d.h, slot.Name(), tracelog.Scalar(fmt.Sprintf("0x%x", x.Handle()))) {
		return uuid.Nil, ErrNilHandle
	}
	r, err := d.rt.call(slot, d.h, x.Handle())
	if err != nil {
		return uuid.Nil, fmt.Errorf("load_xclbin: %w", err)
	}
	id := uuidAt(r)
	d.rt.exitRet(d.h, slot.Name(), tracelog.Scalar(id.String()))
	return id, nil
}

// RegisterXclbin registers a container with the device without programming
// it, for later hardware-context construction.
func (d *Device) RegisterXclbin(x *Xclbin) (uuid.UUID, error) {
	slot := &d.rt.table.Device.RegisterXclbin
	if !d.rt.enter(d.h, slot.Name(), tracelog.Scalar(fmt.Sprintf("0x%x", x.Handle()))) {
		return uuid.Nil, ErrNilHandle
	}
	r, err := d.rt.call(slot, d.h, x.Handle())
	if err != nil {
		return uuid.Nil, fmt.Errorf("register_xclbin: %w", err)
	}
	id := uuidAt(r)
	d.rt.exitRet(d.h, slot.Name(), tracelog.Scalar(id.String()))
	return id, nil
}

// XclbinUUID returns the UUID of the container currently loaded on the
// device.
func (d *Device) XclbinUUID() (uuid.UUID, error) {
	slot := &d.rt.table.Device.GetXclbinUUID
	if !d.rt.enter(d.h, slot.Name()) {
		return uuid.Nil, ErrNilHandle
	}
	r, err := d.rt.call(slot, d.h)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get_xclbin_uuid: %w", err)
	}
	id := uuidAt(r)
	d.rt.exitRet(d.h, slot.Name(), tracelog.Scalar(id.String()))
	return id, nil
}
