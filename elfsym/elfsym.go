// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfsym builds the mapping from demangled, canonicalized function
// signatures to the raw dynamic-symbol names exported by a shared library.
// The mapping joins the statically known set of intercepted APIs to the
// addresses resolvable in the original runtime library.
package elfsym // import "github.com/xrttools/xbcapture/elfsym"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// MaxSymbolNameLen bounds the number of bytes read for one symbol name.
// A longer name is truncated at this length, not rejected.
const MaxSymbolNameLen = 1024

var (
	// ErrNotELF is returned when the file magic does not match \x7fELF.
	ErrNotELF = errors.New("not an ELF file")
	// ErrNoDynsym is returned when the image has no dynamic symbol section.
	ErrNoDynsym = errors.New("dynamic symbol section not found")
)

// ELF constants used below. Only the 64-bit little-endian layout is
// supported; the runtime libraries we introspect are all ELFCLASS64.
const (
	elfClass64     = 2
	elfData2LSB    = 1
	shtDynsym      = 11
	sttFunc        = 2
	stbGlobal      = 1
	stvDefault     = 0
	shnUndef       = 0
	ehdrSize       = 64
	shdrSize       = 64
	symSize        = 24
	shoffOffset    = 0x28
	shentsizeOff   = 0x3a
	shnumOffset    = 0x3c
	maxSectionHdrs = 65535
)

// Table maps canonical (demangled, normalized) signatures to raw dynamic
// symbol names. Built once per library, immutable afterwards.
type Table struct {
	symbols map[string]string
}

// NewTable builds a Table from an existing canonical-to-raw mapping. Used by
// the PE-side patcher and by tests; the ELF path builds tables via Scan.
func NewTable(symbols map[string]string) *Table {
	t := &Table{symbols: make(map[string]string, len(symbols))}
	for c, r := range symbols {
		t.symbols[c] = r
	}
	return t
}

// Lookup returns the raw symbol name for a canonical signature.
func (t *Table) Lookup(canonical string) (string, bool) {
	raw, ok := t.symbols[canonical]
	return raw, ok
}

// Len returns the number of recorded signatures.
func (t *Table) Len() int {
	return len(t.symbols)
}

// All iterates over (canonical, raw) pairs.
func (t *Table) All(yield func(canonical, raw string) bool) {
	for c, r := range t.symbols {
		if !yield(c, r) {
			return
		}
	}
}

// sectionHeader is the subset of Elf64_Shdr the scan needs.
type sectionHeader struct {
	shType  uint32
	link    uint32
	offset  uint64
	size    uint64
	entsize uint64
}

// Load opens the shared library at path and scans its exported dynamic
// symbols into a Table.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return Scan(f, fi.Size())
}

// Scan reads the dynamic symbol table of the ELF image in r, which is size
// bytes long, demangles every global default-visibility defined function
// symbol and records the canonical-signature to raw-name pair. Every file
// offset is validated against size before it is dereferenced.
func Scan(r io.ReaderAt, size int64) (*Table, error) {
	ehdr := make([]byte, ehdrSize)
	if err := readAt(r, ehdr, 0, size); err != nil {
		return nil, fmt.Errorf("reading ELF header: %w", err)
	}
	if ehdr[0] != 0x7f || ehdr[1] != 'E' || ehdr[2] != 'L' || ehdr[3] != 'F' {
		return nil, ErrNotELF
	}
	if ehdr[4] != elfClass64 || ehdr[5] != elfData2LSB {
		return nil, fmt.Errorf("%w: unsupported class or byte order", ErrNotELF)
	}

	shoff := binary.LittleEndian.Uint64(ehdr[shoffOffset:])
	shentsize := binary.LittleEndian.Uint16(ehdr[shentsizeOff:])
	shnum := binary.LittleEndian.Uint16(ehdr[shnumOffset:])
	if shentsize != shdrSize {
		return nil, fmt.Errorf("unexpected section header entry size %d", shentsize)
	}
	if shnum == 0 || int(shnum) > maxSectionHdrs {
		return nil, errors.New("section header table missing or oversized")
	}

	sections := make([]sectionHeader, shnum)
	shdr := make([]byte, shdrSize)
	for i := range sections {
		off := int64(shoff) + int64(i)*shdrSize
		if err := readAt(r, shdr, off, size); err != nil {
			return nil, fmt.Errorf("reading section header %d: %w", i, err)
		}
		sections[i] = sectionHeader{
			shType:  binary.LittleEndian.Uint32(shdr[4:]),
			link:    binary.LittleEndian.Uint32(shdr[40:]),
			offset:  binary.LittleEndian.Uint64(shdr[24:]),
			size:    binary.LittleEndian.Uint64(shdr[32:]),
			entsize: binary.LittleEndian.Uint64(shdr[56:]),
		}
	}

	var dynsym *sectionHeader
	for i := range sections {
		if sections[i].shType == shtDynsym {
			dynsym = &sections[i]
			break
		}
	}
	if dynsym == nil {
		return nil, ErrNoDynsym
	}
	if dynsym.link >= uint32(len(sections)) {
		return nil, fmt.Errorf("dynsym string table link %d out of range", dynsym.link)
	}
	strtab := sections[dynsym.link]

	entsize := dynsym.entsize
	if entsize == 0 {
		entsize = symSize
	}
	numSymbols := dynsym.size / entsize

	table := &Table{symbols: make(map[string]string)}
	sym := make([]byte, symSize)
	name := make([]byte, MaxSymbolNameLen)
	for i := uint64(0); i < numSymbols; i++ {
		off := int64(dynsym.offset) + int64(i*entsize)
		if err := readAt(r, sym, off, size); err != nil {
			return nil, fmt.Errorf("reading symbol %d: %w", i, err)
		}
		info := sym[4]
		other := sym[5]
		shndx := binary.LittleEndian.Uint16(sym[6:])
		if info&0xf != sttFunc || info>>4 != stbGlobal ||
			other&0x3 != stvDefault || shndx == shnUndef {
			continue
		}

		nameOff := int64(strtab.offset) + int64(binary.LittleEndian.Uint32(sym[0:]))
		raw, err := readCString(r, name, nameOff, int64(strtab.offset)+int64(strtab.size))
		if err != nil {
			return nil, fmt.Errorf("reading symbol %d name: %w", i, err)
		}
		if raw == "" {
			continue
		}
		table.symbols[Demangle(raw)] = raw
	}

	log.Debugf("scanned %d intercepted-candidate symbols", table.Len())
	return table, nil
}

// readAt fills buf from offset off, failing when the read would run past the
// recorded file size.
func readAt(r io.ReaderAt, buf []byte, off, size int64) error {
	if off < 0 || off+int64(len(buf)) > size {
		return fmt.Errorf("read of %d bytes at offset %d exceeds file size %d",
			len(buf), off, size)
	}
	_, err := r.ReadAt(buf, off)
	return err
}

// readCString reads a NUL-terminated name starting at off, bounded by both
// MaxSymbolNameLen and the string table's recorded end.
func readCString(r io.ReaderAt, buf []byte, off, tabEnd int64) (string, error) {
	if off < 0 || off >= tabEnd {
		return "", fmt.Errorf("string offset %d outside string table", off)
	}
	n := int64(len(buf))
	if off+n > tabEnd {
		n = tabEnd - off
	}
	read, err := r.ReadAt(buf[:n], off)
	if err != nil && err != io.EOF {
		return "", err
	}
	for i := 0; i < read; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), nil
		}
	}
	// No terminator within bounds: keep the truncated prefix.
	return string(buf[:read]), nil
}
