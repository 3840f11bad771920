// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package elfsym

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// elfBuilder assembles a minimal ELF64 image with a dynamic symbol table,
// just enough structure for Scan.
type elfBuilder struct {
	strtab  []byte
	symbols []byte
	nsyms   int
}

func newELFBuilder() *elfBuilder {
	b := &elfBuilder{strtab: []byte{0}}
	// Symbol 0 is the null symbol.
	b.symbols = append(b.symbols, make([]byte, symSize)...)
	b.nsyms = 1
	return b
}

// addSymbol appends a dynamic symbol. info is (binding<<4)|type, shndx zero
// means undefined.
func (b *elfBuilder) addSymbol(name string, info, other byte, shndx uint16) {
	nameOff := uint32(len(b.strtab))
	b.strtab = append(b.strtab, name...)
	b.strtab = append(b.strtab, 0)

	sym := make([]byte, symSize)
	binary.LittleEndian.PutUint32(sym[0:], nameOff)
	sym[4] = info
	sym[5] = other
	binary.LittleEndian.PutUint16(sym[6:], shndx)
	b.symbols = append(b.symbols, sym...)
	b.nsyms++
}

func (b *elfBuilder) addFunc(name string) {
	b.addSymbol(name, stbGlobal<<4|sttFunc, stvDefault, 1)
}

// build lays the image out as header, symbols, strings, section headers.
func (b *elfBuilder) build() []byte {
	symOff := uint64(ehdrSize)
	strOff := symOff + uint64(len(b.symbols))
	shOff := strOff + uint64(len(b.strtab))

	ehdr := make([]byte, ehdrSize)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', elfClass64, elfData2LSB})
	binary.LittleEndian.PutUint64(ehdr[shoffOffset:], shOff)
	binary.LittleEndian.PutUint16(ehdr[shentsizeOff:], shdrSize)
	binary.LittleEndian.PutUint16(ehdr[shnumOffset:], 3)

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
	img = append(img, b.symbols...)
	img = append(img, b.strtab...)
	img = append(img, make([]byte, shdrSize)...) // null section
	img = append(img, shdr(shtDynsym, 2, symOff, uint64(len(b.symbols)), symSize)...)
	img = append(img, shdr(3 /* SHT_STRTAB */, 0, strOff, uint64(len(b.strtab)), 0)...)
	return img
}

func scan(t *testing.T, img []byte) *Table {
	t.Helper()
	table, err := Scan(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	return table
}

func TestScanMapsCanonicalToRaw(t *testing.T) {
	b := newELFBuilder()
	b.addFunc("_ZN3xrt6deviceC1Ej")
	b.addFunc("_ZN3xrt3run5startEv")
	b.addFunc("_ZNK3xrt2bo4sizeEv")

	table := scan(t, b.build())
	require.Equal(t, 3, table.Len())

	tests := map[string]string{
		"xrt::device::device(unsigned int)": "_ZN3xrt6deviceC1Ej",
		"xrt::run::start()":                 "_ZN3xrt3run5startEv",
		"xrt::bo::size()":                   "_ZNK3xrt2bo4sizeEv",
	}
	for canonical, raw := range tests {
		got, ok := table.Lookup(canonical)
		require.True(t, ok, "missing %q", canonical)
		assert.Equal(t, raw, got)
	}
}

func TestScanNormalizesStdString(t *testing.T) {
	b := newELFBuilder()
	b.addFunc("_ZN3xrt6device11load_xclbinERKNSt7__cxx1112basic_stringIcSt11char_traitsIcESaIcEEE")

	table := scan(t, b.build())
	raw, ok := table.Lookup("xrt::device::load_xclbin(std::string const&)")
	require.True(t, ok)
	assert.Contains(t, raw, "load_xclbin")
}

func TestScanFiltersNonCandidates(t *testing.T) {
	b := newELFBuilder()
	b.addFunc("_ZN3xrt3run5startEv")
	// Data symbol, local function, undefined function and hidden function
	// must all be skipped.
	b.addSymbol("_ZN3xrt4dataE", stbGlobal<<4|1 /* STT_OBJECT */, stvDefault, 1)
	b.addSymbol("_ZN3xrt5localEv", 0<<4|sttFunc, stvDefault, 1)
	b.addSymbol("_ZN3xrt5undefEv", stbGlobal<<4|sttFunc, stvDefault, shnUndef)
	b.addSymbol("_ZN3xrt6hiddenEv", stbGlobal<<4|sttFunc, 2 /* STV_HIDDEN */, 1)

	table := scan(t, b.build())
	assert.Equal(t, 1, table.Len())
}

func TestScanRejectsNonELF(t *testing.T) {
	img := make([]byte, 256)
	_, err := Scan(bytes.NewReader(img), int64(len(img)))
	assert.ErrorIs(t, err, ErrNotELF)
}

func TestScanRejectsTruncatedHeader(t *testing.T) {
	img := []byte{0x7f, 'E', 'L', 'F'}
	_, err := Scan(bytes.NewReader(img), int64(len(img)))
	assert.Error(t, err)
}

func TestScanRejectsMissingDynsym(t *testing.T) {
	b := newELFBuilder()
	img := b.build()
	// Rewrite the dynsym section type so no dynamic symbol section exists.
	shOff := binary.LittleEndian.Uint64(img[shoffOffset:])
	binary.LittleEndian.PutUint32(img[shOff+shdrSize+4:], 1 /* SHT_PROGBITS */)
	_, err := Scan(bytes.NewReader(img), int64(len(img)))
	assert.ErrorIs(t, err, ErrNoDynsym)
}

func TestScanRejectsSectionHeadersPastEOF(t *testing.T) {
	b := newELFBuilder()
	b.addFunc("_ZN3xrt3run5startEv")
	img := b.build()
	binary.LittleEndian.PutUint64(img[shoffOffset:], uint64(len(img)))
	_, err := Scan(bytes.NewReader(img), int64(len(img)))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/libxrt_coreutil.so")
	assert.Error(t, err)
}
