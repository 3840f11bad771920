// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrttools/xbcapture/dispatch"
	"github.com/xrttools/xbcapture/peimage"
	"github.com/xrttools/xbcapture/tracelog"
)

// writeShimELF writes a minimal ELF64 image exporting the given mangled
// function symbols, standing in for the preloaded shim library.
func writeShimELF(t *testing.T, path string, mangled ...string) {
	t.Helper()
	const (
		ehdrSize = 64
		shdrSize = 64
		symSize  = 24
	)
	strtab := []byte{0}
	symbols := make([]byte, symSize) // null symbol
	for _, name := range mangled {
		nameOff := uint32(len(strtab))
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
		sym := make([]byte, symSize)
		binary.LittleEndian.PutUint32(sym[0:], nameOff)
		sym[4] = 1<<4 | 2 // STB_GLOBAL, STT_FUNC
		binary.LittleEndian.PutUint16(sym[6:], 1)
		symbols = append(symbols, sym...)
	}

	symOff := uint64(ehdrSize)
	strOff := symOff + uint64(len(symbols))
	shOff := strOff + uint64(len(strtab))

	ehdr := make([]byte, ehdrSize)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2, 1})
	binary.LittleEndian.PutUint64(ehdr[0x28:], shOff)
	binary.LittleEndian.PutUint16(ehdr[0x3a:], shdrSize)
	binary.LittleEndian.PutUint16(ehdr[0x3c:], 3)

	shdr := func(shType, link uint32, off, size, entsize uint64) []byte {
		s := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(s[4:], shType)
		binary.LittleEndian.PutUint64(s[24:], off)
		binary.LittleEndian.PutUint64(s[32:], size)
		binary.LittleEndian.PutUint32(s[40:], link)
		binary.LittleEndian.PutUint64(s[56:], entsize)
		return s
	}

	var img []byte
	img = append(img, ehdr...)
	img = append(img, symbols...)
	img = append(img, strtab...)
	img = append(img, make([]byte, shdrSize)...)
	img = append(img, shdr(11 /* SHT_DYNSYM */, 2, symOff, uint64(len(symbols)), symSize)...)
	img = append(img, shdr(3 /* SHT_STRTAB */, 0, strOff, uint64(len(strtab)), 0)...)
	require.NoError(t, os.WriteFile(path, img, 0o644))
}

func TestFindShimEntrySkipsForeignPreloads(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.so")
	require.NoError(t, os.WriteFile(other, []byte("not an elf"), 0o644))
	shim := filepath.Join(dir, "libshim.so")
	writeShimELF(t, shim, "_ZN3xrt3run5startEv")

	tests := map[string]string{
		"space separated":  other + " " + shim,
		"colon separated":  other + ":" + shim,
		"shim first":       shim + " " + other,
		"shim only":        shim,
		"missing entry":    filepath.Join(dir, "absent.so") + ":" + shim,
		"trailing padding": other + "  " + shim + " ",
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			path, symtab, err := findShimEntry(env, dispatch.NewTable())
			require.NoError(t, err)
			assert.Equal(t, shim, path)
			_, ok := symtab.Lookup("xrt::run::start()")
			assert.True(t, ok)
		})
	}
}

func TestFindShimEntryNoSurfaceExporter(t *testing.T) {
	dir := t.TempDir()
	// A real ELF whose exports have nothing to do with the intercepted
	// surface must not be mistaken for the shim.
	foreign := filepath.Join(dir, "libforeign.so")
	writeShimELF(t, foreign, "malloc", "free")

	_, _, err := findShimEntry(foreign, dispatch.NewTable())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intercepted surface")
}

func TestPreloadStrategyRequiresPreloadEnv(t *testing.T) {
	t.Setenv(EnvPreload, "")
	err := (&PreloadStrategy{}).Install(dispatch.NewTable())
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvPreload)
}

func TestPreloadStrategyRejectsNonELFShim(t *testing.T) {
	shim := filepath.Join(t.TempDir(), "libshim.so")
	require.NoError(t, os.WriteFile(shim, []byte("not an elf"), 0o644))

	err := (&PreloadStrategy{ShimPath: shim}).Install(dispatch.NewTable())
	assert.Error(t, err)
}

func TestPreloadStrategyMissingShimFile(t *testing.T) {
	err := (&PreloadStrategy{
		ShimPath: filepath.Join(t.TempDir(), "absent.so"),
	}).Install(dispatch.NewTable())
	assert.Error(t, err)
}

// emptyPE builds the smallest valid PE32+ image with a zero-size import
// directory.
func emptyPE() []byte {
	const ntOff = 0x40
	data := make([]byte, 0x200)
	binary.LittleEndian.PutUint16(data[0:], 0x5a4d)
	binary.LittleEndian.PutUint32(data[0x3c:], ntOff)
	binary.LittleEndian.PutUint32(data[ntOff:], 0x00004550)
	binary.LittleEndian.PutUint16(data[ntOff+4+20:], 0x20b)
	return data
}

type noExports struct{}

func (noExports) ResolveExport(string) (uintptr, error) {
	return 0, errors.New("no exports")
}

func TestPatchStrategyNothingToPatch(t *testing.T) {
	img, err := peimage.Open(emptyPE())
	require.NoError(t, err)

	err = (&PatchStrategy{
		Image:   img,
		Exports: noExports{},
		Prot:    peimage.NopProtector{},
	}).Install(dispatch.NewTable())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no import thunk")
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	// The shim's unload destructor finalizes the session; an application
	// that already finalized explicitly must not see a second END record
	// or a close error.
	s := &Session{
		Table:  dispatch.NewTable(),
		Log:    tracelog.New(tracelog.Config{Dir: t.TempDir(), AppName: "app"}),
		Caller: dispatch.SyscallCaller{},
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestBootstrapFailureDegradesToNop(t *testing.T) {
	t.Setenv(EnvPreload, "")
	// Bootstrap opens the trace directory relative to the working
	// directory.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	s, err := Bootstrap(&PreloadStrategy{})
	require.Error(t, err)
	require.NotNil(t, s)
	// The degraded session still accepts records without side effects.
	s.Log.LogEntry(1, "xrt::run::start()")
	assert.NoError(t, s.Close())
	assert.False(t, s.Table.Run.Start.Resolved())
}
