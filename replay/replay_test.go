// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrttools/xbcapture/dispatch"
	"github.com/xrttools/xbcapture/tracelog"
	"github.com/xrttools/xbcapture/traceparse"
	"github.com/xrttools/xbcapture/util"
	"github.com/xrttools/xbcapture/xrt"
)

const (
	sigDeviceCtor = "xrt::device::device(unsigned int)"
	sigHWCtxMode  = "xrt::hw_context::hw_context(xrt::device const&, xrt::uuid const&, " +
		"xrt::hw_context::access_mode)"
	sigKernelCtor = "xrt::kernel::kernel(xrt::hw_context const&, std::string const&)"
	sigRunCtor    = "xrt::run::run(xrt::kernel const&)"
	sigSetArg     = "xrt::run::set_arg(int, void const*, unsigned long)"
	sigRunStart   = "xrt::run::start()"
	sigRunWait    = "xrt::run::wait()"
	sigBOCtor     = "xrt::bo::bo(xrt::device const&, unsigned long, xrt::bo::flags, unsigned int)"
	sigBOWrite    = "xrt::bo::write(void const*, unsigned long, unsigned long)"
)

type recordedCall struct {
	addr uintptr
	args []uintptr
}

type fakeCaller struct {
	returns map[uintptr]uintptr
	calls   []recordedCall
}

func (f *fakeCaller) Call(addr uintptr, args ...uintptr) (uintptr, error) {
	f.calls = append(f.calls, recordedCall{addr: addr, args: args})
	return f.returns[addr], nil
}

const (
	addrDeviceCtor = 0x100 + iota
	addrHWCtxMode
	addrKernelCtor
	addrRunCtor
	addrSetArg
	addrRunStart
	addrRunWait
	addrBOCtor
	addrBOWrite
)

func boundRuntime(t *testing.T, caller *fakeCaller) *xrt.Runtime {
	t.Helper()
	table := dispatch.NewTable()
	for sig, addr := range map[string]uintptr{
		sigDeviceCtor: addrDeviceCtor,
		sigHWCtxMode:  addrHWCtxMode,
		sigKernelCtor: addrKernelCtor,
		sigRunCtor:    addrRunCtor,
		sigSetArg:     addrSetArg,
		sigRunStart:   addrRunStart,
		sigRunWait:    addrRunWait,
		sigBOCtor:     addrBOCtor,
		sigBOWrite:    addrBOWrite,
	} {
		require.NoError(t, table.BindForPatch(sig, addr))
	}
	return xrt.NewRuntime(table, tracelog.Nop(), caller)
}

// writeSession produces a capture the way the shim layer would for a small
// kernel-dispatch session: captured handles are the 0x1n values, distinct
// from anything the replay-side fake caller hands out.
func writeSession(t *testing.T) *traceparse.Capture {
	t.Helper()
	dir := t.TempDir()
	l := tracelog.New(tracelog.Config{Dir: dir, AppName: "replay_test",
		Start: util.Timespec{Sec: 5}})

	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	pair := func(h uintptr, sig string, args ...tracelog.Value) {
		l.LogEntry(h, sig, args...)
		l.LogExit(h, sig, nil)
	}

	pair(0x10, sigDeviceCtor, tracelog.Scalar(2))
	pair(0x11, sigHWCtxMode,
		tracelog.Scalar("0x10"), tracelog.Scalar(id.String()), tracelog.Scalar(1))
	pair(0x12, sigKernelCtor, tracelog.Scalar("0x11"), tracelog.Scalar("vadd"))
	pair(0x13, sigRunCtor, tracelog.Scalar("0x12"))
	pair(0x13, sigSetArg,
		tracelog.Scalar(0), tracelog.Blob([]byte{1, 2, 3, 4}), tracelog.Scalar(4))
	pair(0x13, sigRunStart)
	l.LogEntry(0x13, sigRunWait)
	ret := tracelog.Scalar(4)
	l.LogExit(0x13, sigRunWait, &ret)
	pair(0x14, sigBOCtor,
		tracelog.Scalar("0x10"), tracelog.Scalar(1024), tracelog.Scalar(0), tracelog.Scalar(0))
	pair(0x14, sigBOWrite,
		tracelog.Blob([]byte{5, 6, 7, 8}), tracelog.Scalar(4), tracelog.Scalar(0))
	require.NoError(t, l.Close())

	c, err := traceparse.Load(dir)
	require.NoError(t, err)
	return c
}

func TestReplaySession(t *testing.T) {
	caller := &fakeCaller{returns: map[uintptr]uintptr{
		addrDeviceCtor: 0x1000,
		addrHWCtxMode:  0x3000,
		addrKernelCtor: 0x4000,
		addrRunCtor:    0x5000,
		addrRunWait:    4,
		addrBOCtor:     0x2000,
	}}
	rt := boundRuntime(t, caller)
	e := New(rt, writeSession(t))
	e.Strict = true

	require.NoError(t, e.Run())

	// Handle correlation: captured handles resolve to the live objects the
	// replay constructed.
	require.Contains(t, e.devices, uintptr(0x10))
	assert.Equal(t, uintptr(0x1000), e.devices[0x10].Handle())
	require.Contains(t, e.ctxs, uintptr(0x11))
	require.Contains(t, e.kernels, uintptr(0x12))
	require.Contains(t, e.runs, uintptr(0x13))
	require.Contains(t, e.bos, uintptr(0x14))

	// Call order matches capture order.
	var addrs []uintptr
	for _, c := range caller.calls {
		addrs = append(addrs, c.addr)
	}
	assert.Equal(t, []uintptr{
		addrDeviceCtor, addrHWCtxMode, addrKernelCtor, addrRunCtor,
		addrSetArg, addrRunStart, addrRunWait, addrBOCtor, addrBOWrite,
	}, addrs)

	// The device ctor re-used the captured index, and method calls carry
	// the live handles.
	assert.Equal(t, []uintptr{2}, caller.calls[0].args)
	assert.Equal(t, uintptr(0x1000), caller.calls[1].args[0])
	assert.Equal(t, uintptr(0x5000), caller.calls[4].args[0])
	assert.Equal(t, uintptr(0x2000), caller.calls[8].args[0])
}

func TestReplayStrictFailsOnUnknownSignature(t *testing.T) {
	dir := t.TempDir()
	l := tracelog.New(tracelog.Config{Dir: dir, AppName: "x",
		Start: util.Timespec{Sec: 5}})
	l.LogEntry(0x10, "xrt::device::unknown_api()")
	require.NoError(t, l.Close())
	c, err := traceparse.Load(dir)
	require.NoError(t, err)

	e := New(boundRuntime(t, &fakeCaller{returns: map[uintptr]uintptr{}}), c)
	assert.NoError(t, e.Run(), "lenient mode skips unknown signatures")

	e = New(boundRuntime(t, &fakeCaller{returns: map[uintptr]uintptr{}}), c)
	e.Strict = true
	assert.Error(t, e.Run())
}

func TestReplayStrictFailsOnUnknownHandle(t *testing.T) {
	dir := t.TempDir()
	l := tracelog.New(tracelog.Config{Dir: dir, AppName: "x",
		Start: util.Timespec{Sec: 5}})
	// A write on a buffer object no record ever constructed.
	l.LogEntry(0x99, sigBOWrite,
		tracelog.Blob([]byte{1}), tracelog.Scalar(1), tracelog.Scalar(0))
	require.NoError(t, l.Close())
	c, err := traceparse.Load(dir)
	require.NoError(t, err)

	e := New(boundRuntime(t, &fakeCaller{returns: map[uintptr]uintptr{}}), c)
	e.Strict = true
	err = e.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestParseQOS(t *testing.T) {
	cfg, err := parseQOS("gops=12;latency=3")
	require.NoError(t, err)
	assert.Equal(t, xrt.QOSConfig{"gops": 12, "latency": 3}, cfg)

	cfg, err = parseQOS("")
	require.NoError(t, err)
	assert.Empty(t, cfg)

	_, err = parseQOS("broken")
	assert.Error(t, err)
}
