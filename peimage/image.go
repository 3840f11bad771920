// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package peimage walks a loaded PE image's import directory and rebinds the
// thunks that reference the original runtime library. It operates on a plain
// byte slice holding the mapped image, so synthetic in-memory images are
// first-class test subjects and no raw struct overlay is ever needed: every
// offset is validated against the image length before it is dereferenced.
package peimage // import "github.com/xrttools/xbcapture/peimage"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xrttools/xbcapture/util"
)

// PE constants. Only the 64-bit (PE32+) layout is supported; the runtime's
// PE platform family is exclusively 64-bit.
const (
	dosMagic             = 0x5a4d // "MZ"
	ntMagic              = 0x00004550
	peLfanewOffset       = 0x3c
	optMagicPE32Plus     = 0x20b
	fileHeaderSize       = 20
	optHeader64Size      = 240
	dataDirOffset64      = 112 // offset of DataDirectory within the optional header
	importDirIndex       = 1
	importDescriptorSize = 20
	thunkSize            = 8
	ordinalFlag64        = uint64(1) << 63
)

var (
	// ErrNotPE is returned when the DOS or NT signature does not match.
	ErrNotPE = errors.New("not a PE image")
	// ErrNoImports marks an image whose import directory has zero size.
	// Patching such an image is a no-op, not a failure.
	ErrNoImports = errors.New("no import directory")
)

// Image is a loaded (or synthetic) PE image. All offsets are RVAs relative
// to the start of data, matching a mapped image where section RVAs equal
// file offsets.
type Image struct {
	data []byte
}

// Open validates the DOS and NT headers of the mapped image in data.
func Open(data []byte) (*Image, error) {
	img := &Image{data: data}
	if len(data) < peLfanewOffset+4 {
		return nil, fmt.Errorf("%w: image too small", ErrNotPE)
	}
	if binary.LittleEndian.Uint16(data[0:2]) != dosMagic {
		return nil, fmt.Errorf("%w: bad DOS signature", ErrNotPE)
	}
	ntOff, err := img.u32(peLfanewOffset)
	if err != nil {
		return nil, err
	}
	sig, err := img.u32(int(ntOff))
	if err != nil {
		return nil, fmt.Errorf("%w: NT header out of bounds", ErrNotPE)
	}
	if sig != ntMagic {
		return nil, fmt.Errorf("%w: bad NT signature", ErrNotPE)
	}
	optOff := int(ntOff) + 4 + fileHeaderSize
	magic, err := img.u16(optOff)
	if err != nil {
		return nil, fmt.Errorf("%w: optional header out of bounds", ErrNotPE)
	}
	if magic != optMagicPE32Plus {
		return nil, fmt.Errorf("%w: not a PE32+ image", ErrNotPE)
	}
	return img, nil
}

// Len returns the image size in bytes.
func (img *Image) Len() int { return len(img.data) }

// Bytes exposes the underlying image. The patcher mutates thunks in place
// through this slice.
func (img *Image) Bytes() []byte { return img.data }

func (img *Image) check(off, n int) error {
	if off < 0 || n < 0 || off+n > len(img.data) {
		return fmt.Errorf("offset %d+%d exceeds image size %d", off, n, len(img.data))
	}
	return nil
}

func (img *Image) u16(off int) (uint16, error) {
	if err := img.check(off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(img.data[off:]), nil
}

func (img *Image) u32(off int) (uint32, error) {
	if err := img.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(img.data[off:]), nil
}

func (img *Image) u64(off int) (uint64, error) {
	if err := img.check(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(img.data[off:]), nil
}

func (img *Image) putU64(off int, v uint64) error {
	if err := img.check(off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(img.data[off:], v)
	return nil
}

// cstring reads a NUL-terminated string at off, bounded by the image end.
func (img *Image) cstring(off int) (string, error) {
	if err := img.check(off, 1); err != nil {
		return "", err
	}
	return util.GoString(img.data[off:]), nil
}

// importDirectory locates the import data directory entry. A zero Size is
// reported as ErrNoImports.
func (img *Image) importDirectory() (rva, size uint32, err error) {
	ntOff, err := img.u32(peLfanewOffset)
	if err != nil {
		return 0, 0, err
	}
	dirOff := int(ntOff) + 4 + fileHeaderSize + dataDirOffset64 + importDirIndex*8
	rva, err = img.u32(dirOff)
	if err != nil {
		return 0, 0, err
	}
	size, err = img.u32(dirOff + 4)
	if err != nil {
		return 0, 0, err
	}
	if size == 0 {
		return 0, 0, ErrNoImports
	}
	return rva, size, nil
}

// ImportDescriptor is one IMAGE_IMPORT_DESCRIPTOR: the thunk lists of a
// single imported library.
type ImportDescriptor struct {
	// Library is the imported library's name as recorded in the image.
	Library string
	// OriginalFirstThunk is the RVA of the import lookup table (names).
	OriginalFirstThunk uint32
	// FirstThunk is the RVA of the import address table (bound addresses).
	FirstThunk uint32
}

// ImportDescriptors walks the import directory. An image without an import
// directory yields an empty list and no error.
func (img *Image) ImportDescriptors() ([]ImportDescriptor, error) {
	rva, _, err := img.importDirectory()
	if errors.Is(err, ErrNoImports) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []ImportDescriptor
	for off := int(rva); ; off += importDescriptorSize {
		if err := img.check(off, importDescriptorSize); err != nil {
			return nil, fmt.Errorf("import descriptor table: %w", err)
		}
		nameRVA := binary.LittleEndian.Uint32(img.data[off+12:])
		if nameRVA == 0 {
			break
		}
		name, err := img.cstring(int(nameRVA))
		if err != nil {
			return nil, fmt.Errorf("import descriptor name: %w", err)
		}
		out = append(out, ImportDescriptor{
			Library:            name,
			OriginalFirstThunk: binary.LittleEndian.Uint32(img.data[off:]),
			FirstThunk:         binary.LittleEndian.Uint32(img.data[off+16:]),
		})
	}
	return out, nil
}

// Thunk is one import entry of a descriptor: the imported function's name
// (empty for ordinal imports) and where its bound address lives.
type Thunk struct {
	// Name is the imported symbol's raw name from the hint/name table.
	Name string
	// AddrOffset is the offset of the bound-address cell within the image.
	AddrOffset int
	// Bound is the address currently stored in that cell.
	Bound uint64
}

// Thunks walks one descriptor's lookup/address table pair. A lookup entry of
// zero terminates the list.
func (img *Image) Thunks(desc ImportDescriptor) ([]Thunk, error) {
	var out []Thunk
	for i := 0; ; i++ {
		lookupOff := int(desc.OriginalFirstThunk) + i*thunkSize
		lookup, err := img.u64(lookupOff)
		if err != nil {
			return nil, fmt.Errorf("import lookup table: %w", err)
		}
		if lookup == 0 {
			break
		}

		addrOff := int(desc.FirstThunk) + i*thunkSize
		bound, err := img.u64(addrOff)
		if err != nil {
			return nil, fmt.Errorf("import address table: %w", err)
		}

		var name string
		if lookup&ordinalFlag64 == 0 {
			// Hint/name entry: 2-byte hint then the NUL-terminated name.
			name, err = img.cstring(int(uint32(lookup)) + 2)
			if err != nil {
				return nil, fmt.Errorf("import name entry: %w", err)
			}
		}
		out = append(out, Thunk{Name: name, AddrOffset: addrOff, Bound: bound})
	}
	return out, nil
}
