// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay drives the runtime through the exact call sequence of a
// parsed capture. Each canonical signature maps to a handler that decodes
// the recorded arguments, resolves recorded object handles to the live
// objects created earlier in the replay, and issues the call again.
package replay // import "github.com/xrttools/xbcapture/replay"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/tracelog"
	"github.com/xrttools/xbcapture/traceparse"
	"github.com/xrttools/xbcapture/xrt"
)

// ErrUnknownHandle is wrapped when a record refers to a captured handle no
// earlier record constructed.
var ErrUnknownHandle = errors.New("captured handle has no live object")

type handler func(e *Engine, idx int, rec *traceparse.Record) error

// Engine replays one capture. Captured handles are correlated to the live
// objects this replay constructs, per object kind.
type Engine struct {
	rt  *xrt.Runtime
	cap *traceparse.Capture

	devices map[uintptr]*xrt.Device
	xclbins map[uintptr]*xrt.Xclbin
	ctxs    map[uintptr]*xrt.HWContext
	kernels map[uintptr]*xrt.Kernel
	runs    map[uintptr]*xrt.Run
	bos     map[uintptr]*xrt.BO

	// Strict makes an unreplayable record fail the run instead of being
	// skipped with a warning.
	Strict bool
}

// New builds an engine over a live runtime and a parsed capture.
func New(rt *xrt.Runtime, capture *traceparse.Capture) *Engine {
	return &Engine{
		rt:      rt,
		cap:     capture,
		devices: make(map[uintptr]*xrt.Device),
		xclbins: make(map[uintptr]*xrt.Xclbin),
		ctxs:    make(map[uintptr]*xrt.HWContext),
		kernels: make(map[uintptr]*xrt.Kernel),
		runs:    make(map[uintptr]*xrt.Run),
		bos:     make(map[uintptr]*xrt.BO),
	}
}

// Run replays every entry record in capture order. Exit records carry
// returns and captured outputs; handlers look them up on demand.
func (e *Engine) Run() error {
	for i := range e.cap.Trace.Records {
		rec := &e.cap.Trace.Records[i]
		if rec.Kind != tracelog.KindEntry {
			continue
		}
		h, ok := handlers[rec.Signature]
		if !ok {
			if e.Strict {
				return fmt.Errorf("record %d: no replay handler for %q", i, rec.Signature)
			}
			log.Warnf("no replay handler for %q, skipped", rec.Signature)
			continue
		}
		if err := h(e, i, rec); err != nil {
			if e.Strict {
				return fmt.Errorf("record %d (%s): %w", i, rec.Signature, err)
			}
			log.Warnf("replaying %s: %v, skipped", rec.Signature, err)
		}
	}
	return nil
}

// findExit locates the exit record pairing the entry at idx: the next exit
// on the same handle with the same signature.
func (e *Engine) findExit(idx int, entry *traceparse.Record) *traceparse.Record {
	for i := idx + 1; i < len(e.cap.Trace.Records); i++ {
		rec := &e.cap.Trace.Records[i]
		if rec.Kind == tracelog.KindExit &&
			rec.Handle == entry.Handle && rec.Signature == entry.Signature {
			return rec
		}
	}
	return nil
}

// arg fetches the i'th recorded argument.
func arg(rec *traceparse.Record, i int) (*traceparse.Field, error) {
	if i >= len(rec.Args) {
		return nil, fmt.Errorf("record has %d arguments, need %d", len(rec.Args), i+1)
	}
	return &rec.Args[i], nil
}

func argUint(rec *traceparse.Record, i int) (uint64, error) {
	f, err := arg(rec, i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(f.Text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %d %q: %w", i, f.Text, err)
	}
	return v, nil
}

func argInt(rec *traceparse.Record, i int) (int, error) {
	f, err := arg(rec, i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(f.Text)
	if err != nil {
		return 0, fmt.Errorf("argument %d %q: %w", i, f.Text, err)
	}
	return v, nil
}

// argHandle decodes a recorded "0x..." object handle.
func argHandle(rec *traceparse.Record, i int) (uintptr, error) {
	f, err := arg(rec, i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(f.Text, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %d %q: %w", i, f.Text, err)
	}
	return uintptr(v), nil
}

// argPayload resolves a recorded payload-reference argument to its bytes.
func (e *Engine) argPayload(rec *traceparse.Record, i int) ([]byte, error) {
	f, err := arg(rec, i)
	if err != nil {
		return nil, err
	}
	if f.Mem == nil {
		return nil, fmt.Errorf("argument %d %q is not a payload reference", i, f.Text)
	}
	return e.cap.Payload(f.Mem)
}

// parseQOS decodes the "key=value;key=value" form hardware-context records
// carry.
func parseQOS(text string) (xrt.QOSConfig, error) {
	cfg := xrt.QOSConfig{}
	if text == "" {
		return cfg, nil
	}
	for _, part := range strings.Split(text, ";") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("qos parameter %q", part)
		}
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("qos parameter %q: %w", part, err)
		}
		cfg[key] = uint32(v)
	}
	return cfg, nil
}

func (e *Engine) device(h uintptr) (*xrt.Device, error) {
	d, ok := e.devices[h]
	if !ok {
		return nil, fmt.Errorf("%w: device 0x%x", ErrUnknownHandle, h)
	}
	return d, nil
}

func (e *Engine) xclbin(h uintptr) (*xrt.Xclbin, error) {
	x, ok := e.xclbins[h]
	if !ok {
		return nil, fmt.Errorf("%w: xclbin 0x%x", ErrUnknownHandle, h)
	}
	return x, nil
}

func (e *Engine) hwContext(h uintptr) (*xrt.HWContext, error) {
	ctx, ok := e.ctxs[h]
	if !ok {
		return nil, fmt.Errorf("%w: hw_context 0x%x", ErrUnknownHandle, h)
	}
	return ctx, nil
}

func (e *Engine) kernel(h uintptr) (*xrt.Kernel, error) {
	k, ok := e.kernels[h]
	if !ok {
		return nil, fmt.Errorf("%w: kernel 0x%x", ErrUnknownHandle, h)
	}
	return k, nil
}

func (e *Engine) run(h uintptr) (*xrt.Run, error) {
	r, ok := e.runs[h]
	if !ok {
		return nil, fmt.Errorf("%w: run 0x%x", ErrUnknownHandle, h)
	}
	return r, nil
}

func (e *Engine) bo(h uintptr) (*xrt.BO, error) {
	b, ok := e.bos[h]
	if !ok {
		return nil, fmt.Errorf("%w: bo 0x%x", ErrUnknownHandle, h)
	}
	return b, nil
}
