// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package xrt

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/xrttools/xbcapture/tracelog"
)

// QOSConfig carries the quality-of-service parameters of a hardware
// context, keyed by parameter name.
type QOSConfig map[string]uint32

// encode renders the configuration in a stable order, both for the trace
// record and for the flat form handed across the call boundary.
func (c QOSConfig) encode() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, c[k]))
	}
	return strings.Join(parts, ";")
}

// HWContext is the shim counterpart of a hardware-context object.
type HWContext struct {
	rt *Runtime
	h  uintptr
}

// NewHWContext constructs a context for a registered container with
// explicit quality-of-service parameters.
func (rt *Runtime) NewHWContext(d *Device, xclbinID uuid.UUID, cfg QOSConfig) (*HWContext, error) {
	slot := &rt.table.HWContext.CtorFromCfg
	id := xclbinID // uuid passed by pointer to its 16 bytes
	ccfg := cstr(cfg.encode())
	h, err := rt.call(slot, d.Handle(), bytesPtr(id[:]), bytesPtr(ccfg))
	runtime.KeepAlive(ccfg)
	runtime.KeepAlive(id)
	if err != nil {
		return nil, fmt.Errorf("hw_context for %s: %w", xclbinID, err)
	}
	ctx := &HWContext{rt: rt, h: h}
	if rt.enter(h, slot.Name(),
		tracelog.Scalar(fmt.Sprintf("0x%x", d.Handle())),
		tracelog.Scalar(xclbinID.String()),
		tracelog.Scalar(cfg.encode())) {
		rt.exit(h, slot.Name())
	}
	return ctx, nil
}

// NewHWContextWithMode constructs a context with an access mode instead of
// explicit parameters.
func (rt *Runtime) NewHWContextWithMode(d *Device, xclbinID uuid.UUID, mode AccessMode) (*HWContext, error) {
	slot := &rt.table.HWContext.CtorFromMode
	id := xclbinID
	h, err := rt.call(slot, d.Handle(), bytesPtr(id[:]), uintptr(mode))
	runtime.KeepAlive(id)
	if err != nil {
		return nil, fmt.Errorf("hw_context for %s: %w", xclbinID, err)
	}
	ctx := &HWContext{rt: rt, h: h}
	if rt.enter(h, slot.Name(),
		tracelog.Scalar(fmt.Sprintf("0x%x", d.Handle())),
		tracelog.Scalar(xclbinID.String()),
		tracelog.Scalar(int(mode))) {
		rt.exit(h, slot.Name())
	}
	return ctx, nil
}

// Handle returns the opaque runtime handle.
func (ctx *HWContext) Handle() uintptr { return ctx.h }

// UpdateQOS adjusts the context's quality-of-service parameters.
func (ctx *HWContext) UpdateQOS(cfg QOSConfig) error {
	slot := &ctx.rt.table.HWContext.UpdateQOS
	if !ctx.rt.enter(ctx.h, slot.Name(), tracelog.Scalar(cfg.encode())) {
		return ErrNilHandle
	}
	ccfg := cstr(cfg.encode())
	_, err := ctx.rt.call(slot, ctx.h, bytesPtr(ccfg))
	runtime.KeepAlive(ccfg)
	if err != nil {
		return fmt.Errorf("update_qos: %w", err)
	}
	ctx.rt.exit(ctx.h, slot.Name())
	return nil
}
