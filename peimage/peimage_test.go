// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package peimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrttools/xbcapture/dispatch"
)

// Fixed layout of the synthetic image. RVAs equal offsets, as in a mapped
// image whose sections are laid out at their virtual addresses.
const (
	testImageSize = 0x1000
	ntOff         = 0x80
	optOff        = ntOff + 4 + fileHeaderSize
	importDirOff  = optOff + dataDirOffset64 + importDirIndex*8
	descTableRVA  = 0x200
	nameAreaRVA   = 0x300
	lookupRVA     = 0x400
	iatRVA        = 0x500
	hintRVA       = 0x600
)

// peBuilder assembles a synthetic PE32+ image with one or more import
// descriptors.
type peBuilder struct {
	data    []byte
	descs   int
	nameOff int
	lookOff int
	iatOff  int
	hintOff int
}

func newPEBuilder() *peBuilder {
	b := &peBuilder{
		data:    make([]byte, testImageSize),
		nameOff: nameAreaRVA,
		lookOff: lookupRVA,
		iatOff:  iatRVA,
		hintOff: hintRVA,
	}
	binary.LittleEndian.PutUint16(b.data[0:], dosMagic)
	binary.LittleEndian.PutUint32(b.data[peLfanewOffset:], ntOff)
	binary.LittleEndian.PutUint32(b.data[ntOff:], ntMagic)
	binary.LittleEndian.PutUint16(b.data[optOff:], optMagicPE32Plus)
	binary.LittleEndian.PutUint32(b.data[importDirOff:], descTableRVA)
	binary.LittleEndian.PutUint32(b.data[importDirOff+4:], 1)
	return b
}

type testImport struct {
	name    string // empty for ordinal imports
	ordinal uint16
	bound   uint64
}

// addLibrary appends one import descriptor with its thunk lists.
func (b *peBuilder) addLibrary(lib string, imports []testImport) {
	nameRVA := b.nameOff
	copy(b.data[b.nameOff:], lib)
	b.nameOff += len(lib) + 1

	descOff := descTableRVA + b.descs*importDescriptorSize
	binary.LittleEndian.PutUint32(b.data[descOff:], uint32(b.lookOff))
	binary.LittleEndian.PutUint32(b.data[descOff+12:], uint32(nameRVA))
	binary.LittleEndian.PutUint32(b.data[descOff+16:], uint32(b.iatOff))
	b.descs++

	for _, imp := range imports {
		var lookup uint64
		if imp.name == "" {
			lookup = ordinalFlag64 | uint64(imp.ordinal)
		} else {
			lookup = uint64(b.hintOff)
			copy(b.data[b.hintOff+2:], imp.name)
			b.hintOff += 2 + len(imp.name) + 1
		}
		binary.LittleEndian.PutUint64(b.data[b.lookOff:], lookup)
		binary.LittleEndian.PutUint64(b.data[b.iatOff:], imp.bound)
		b.lookOff += thunkSize
		b.iatOff += thunkSize
	}
	// Zero terminators are already in place in the fresh buffer.
	b.lookOff += thunkSize
	b.iatOff += thunkSize
}

type fakeExports struct {
	addrs map[string]uintptr
}

func (f *fakeExports) ResolveExport(raw string) (uintptr, error) {
	addr, ok := f.addrs[raw]
	if !ok {
		return 0, errors.New("export not found")
	}
	return addr, nil
}

func TestOpenValidates(t *testing.T) {
	tests := map[string]struct {
		mutate  func([]byte)
		wantErr error
	}{
		"valid":         {mutate: func([]byte) {}},
		"too small":     {mutate: nil, wantErr: ErrNotPE},
		"bad dos magic": {mutate: func(d []byte) { d[0] = 0 }, wantErr: ErrNotPE},
		"bad nt magic":  {mutate: func(d []byte) { d[ntOff] = 0 }, wantErr: ErrNotPE},
		"not pe32+": {
			mutate:  func(d []byte) { binary.LittleEndian.PutUint16(d[optOff:], 0x10b) },
			wantErr: ErrNotPE,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			data := newPEBuilder().data
			if tc.mutate == nil {
				data = data[:8]
			} else {
				tc.mutate(data)
			}
			_, err := Open(data)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestImportDescriptorsAndThunks(t *testing.T) {
	b := newPEBuilder()
	b.addLibrary("xrt_coreutil.dll", []testImport{
		{name: "xrt::bo::map()", bound: 0x7ff0_0000_1000},
		{ordinal: 42, bound: 0x7ff0_0000_2000},
	})
	b.addLibrary("kernel32.dll", []testImport{
		{name: "ExitProcess", bound: 0x7ff0_0000_3000},
	})

	img, err := Open(b.data)
	require.NoError(t, err)

	descs, err := img.ImportDescriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "xrt_coreutil.dll", descs[0].Library)
	assert.Equal(t, "kernel32.dll", descs[1].Library)

	thunks, err := img.Thunks(descs[0])
	require.NoError(t, err)
	require.Len(t, thunks, 2)
	assert.Equal(t, "xrt::bo::map()", thunks[0].Name)
	assert.Equal(t, uint64(0x7ff0_0000_1000), thunks[0].Bound)
	assert.Empty(t, thunks[1].Name, "ordinal import carries no name")
}

func TestImportDescriptorsNoImportDir(t *testing.T) {
	b := newPEBuilder()
	binary.LittleEndian.PutUint32(b.data[importDirOff+4:], 0)

	img, err := Open(b.data)
	require.NoError(t, err)
	descs, err := img.ImportDescriptors()
	require.NoError(t, err)
	assert.Empty(t, descs)
}

func TestPatcherRewritesOnlyInterceptedThunks(t *testing.T) {
	b := newPEBuilder()
	b.addLibrary("XRT_COREUTIL.DLL", []testImport{ // case-insensitive match
		{name: "xrt::bo::map()", bound: 0x1111},
		{name: "xrt::run::start()", bound: 0x2222},
		{name: "xrt::not_intercepted()", bound: 0x3333},
		{ordinal: 7, bound: 0x4444},
	})
	b.addLibrary("kernel32.dll", []testImport{
		{name: "ExitProcess", bound: 0x5555},
	})
	before := bytes.Clone(b.data)

	img, err := Open(b.data)
	require.NoError(t, err)
	table := dispatch.NewTable()
	exports := &fakeExports{addrs: map[string]uintptr{
		"xrt::bo::map()":    0xaaaa,
		"xrt::run::start()": 0xbbbb,
	}}
	patcher := NewPatcher(img, table, exports, NopProtector{})

	n, err := patcher.Apply()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, patcher.Applied(), 2)

	// The shim addresses the thunks held before the patch are now the
	// dispatch table's path to those entry points.
	assert.Equal(t, uintptr(0x1111), table.BO.Map.Addr())
	assert.Equal(t, uintptr(0x2222), table.Run.Start.Addr())

	// The two intercepted thunks now hold the original addresses.
	assert.Equal(t, uint64(0xaaaa), binary.LittleEndian.Uint64(img.Bytes()[iatRVA:]))
	assert.Equal(t, uint64(0xbbbb), binary.LittleEndian.Uint64(img.Bytes()[iatRVA+thunkSize:]))

	// Every byte outside the two patched cells is untouched.
	after := bytes.Clone(img.Bytes())
	for _, op := range patcher.Applied() {
		copy(after[op.Site:op.Site+thunkSize], before[op.Site:op.Site+thunkSize])
	}
	assert.Equal(t, before, after)

	// Revert restores the image bit for bit.
	require.NoError(t, patcher.Revert())
	assert.Equal(t, before, img.Bytes())
	assert.Empty(t, patcher.Applied())
}

func TestPatcherSkipsUnresolvableExport(t *testing.T) {
	b := newPEBuilder()
	b.addLibrary("xrt_coreutil.dll", []testImport{
		{name: "xrt::bo::map()", bound: 0x1111},
		{name: "xrt::run::start()", bound: 0x2222},
	})

	img, err := Open(b.data)
	require.NoError(t, err)
	table := dispatch.NewTable()
	exports := &fakeExports{addrs: map[string]uintptr{
		"xrt::run::start()": 0xbbbb,
	}}
	patcher := NewPatcher(img, table, exports, NopProtector{})

	n, err := patcher.Apply()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	// The unresolvable thunk keeps its bound address and its slot stays
	// unbound.
	assert.Equal(t, uint64(0x1111), binary.LittleEndian.Uint64(img.Bytes()[iatRVA:]))
	assert.False(t, table.BO.Map.Resolved())
}

func TestPatcherNoMatchingLibrary(t *testing.T) {
	b := newPEBuilder()
	b.addLibrary("kernel32.dll", []testImport{
		{name: "ExitProcess", bound: 0x5555},
	})

	img, err := Open(b.data)
	require.NoError(t, err)
	patcher := NewPatcher(img, dispatch.NewTable(), &fakeExports{}, NopProtector{})
	n, err := patcher.Apply()
	require.NoError(t, err)
	assert.Zero(t, n)
}
