// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package xrt is the instrumented shim layer: one shim per intercepted
// runtime API member. Every shim validates the object's opaque handle,
// emits an entry trace record, forwards the call through the dispatch table
// to the real implementation, emits an exit record and returns the real
// result unchanged. Tracing failures never alter the underlying call's
// outcome.
package xrt // import "github.com/xrttools/xbcapture/xrt"

import (
	"errors"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/dispatch"
	"github.com/xrttools/xbcapture/tracelog"

	"github.com/google/uuid"
)

// ErrNilHandle marks a call through an object whose underlying handle is
// dead. The call is skipped defensively, never propagated as a crash into
// application code.
var ErrNilHandle = errors.New("object handle is null")

// AccessMode selects how a hardware context shares the device.
type AccessMode int

// Hardware-context access modes.
const (
	AccessModeExclusive AccessMode = iota
	AccessModeShared
)

// SyncDirection selects the DMA direction of a buffer-object sync.
type SyncDirection int

// Buffer sync directions.
const (
	SyncToDevice SyncDirection = iota
	SyncFromDevice
)

// BOFlags carries buffer-object allocation flags.
type BOFlags uint32

// Buffer-object allocation flags.
const (
	BOFlagsNone      BOFlags = 0
	BOFlagsCacheable BOFlags = 1
	BOFlagsHostOnly  BOFlags = 1 << 1
)

// Runtime binds the shim layer to the process's dispatch table, trace
// logger and slot caller. One runtime exists per capture session.
type Runtime struct {
	table  *dispatch.Table
	log    *tracelog.Logger
	caller dispatch.Caller
}

// NewRuntime wires the shim layer to its collaborators.
func NewRuntime(table *dispatch.Table, logger *tracelog.Logger,
	caller dispatch.Caller) *Runtime {
	return &Runtime{table: table, log: logger, caller: caller}
}

// Table exposes the dispatch table, mainly for the replay engine.
func (rt *Runtime) Table() *dispatch.Table { return rt.table }

// call forwards through a dispatch slot. An unresolved slot is an internal
// diagnostic, not an application-visible crash.
func (rt *Runtime) call(slot *dispatch.Slot, args ...uintptr) (uintptr, error) {
	if !slot.Resolved() {
		log.Errorf("dispatch slot for %s is NULL, call skipped", slot.Name())
		return 0, dispatch.ErrNotResolved
	}
	return rt.caller.Call(slot.Addr(), args...)
}

// enter emits the entry record for a call on handle h, unless the handle is
// dead, in which case the caller must skip the call entirely.
func (rt *Runtime) enter(h uintptr, sig string, args ...tracelog.Value) bool {
	if h == 0 {
		log.Errorf("handle is NULL entering %s, call skipped", sig)
		return false
	}
	rt.log.LogEntry(h, sig, args...)
	return true
}

// exit emits the exit record of a void call.
func (rt *Runtime) exit(h uintptr, sig string, outs ...tracelog.NamedValue) {
	if h == 0 {
		return
	}
	rt.log.LogExit(h, sig, nil, outs...)
}

// exitRet emits the exit record of a value-returning call.
func (rt *Runtime) exitRet(h uintptr, sig string, ret tracelog.Value,
	outs ...tracelog.NamedValue) {
	if h == 0 {
		return
	}
	rt.log.LogExit(h, sig, &ret, outs...)
}

// cstr returns a NUL-terminated copy of s for passing across the C
// boundary. Callers keep the returned slice alive across the call.
func cstr(s string) []byte {
	return append([]byte(s), 0)
}

func bytesPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// uuidAt copies a 16-byte UUID the runtime returned by pointer. A zero
// pointer yields the nil UUID; the degraded result is still returned to the
// caller untouched, matching the real call's outcome.
func uuidAt(p uintptr) uuid.UUID {
	if p == 0 {
		return uuid.Nil
	}
	var u uuid.UUID
	copy(u[:], unsafe.Slice((*byte)(unsafe.Pointer(p)), len(u)))
	return u
}
