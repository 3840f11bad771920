// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package peimage // import "github.com/xrttools/xbcapture/peimage"

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/dispatch"
	"github.com/xrttools/xbcapture/elfsym"
)

// Protector toggles memory protection around a patch site. The production
// implementation flips the containing page writable and back; synthetic
// in-memory images need no protection changes and use NopProtector.
type Protector interface {
	// MakeWritable makes the region at [off, off+n) writable and returns a
	// function restoring the prior protection.
	MakeWritable(off, n int) (restore func() error, err error)
}

// NopProtector is a Protector for images that are already writable.
type NopProtector struct{}

// MakeWritable implements Protector.
func (NopProtector) MakeWritable(_, _ int) (func() error, error) {
	return func() error { return nil }, nil
}

// ExportResolver resolves an imported function's raw name to the true
// original implementation's address, bypassing any shim that shadowed it at
// link time.
type ExportResolver interface {
	ResolveExport(raw string) (uintptr, error)
}

// PatchOp records one applied thunk rewrite so it can be reverted
// independently.
type PatchOp struct {
	// Site is the image offset of the rewritten bound-address cell.
	Site int
	// Old is the address the cell held before the patch (the shim's, by
	// load order).
	Old uint64
	// New is the true original implementation's address written in.
	New uint64
}

// Patcher rewrites the import thunks of one image that reference the
// original runtime library. After a successful Apply, calls through those
// import slots reach the shim's colliding export while the dispatch table
// retains a callable path to the real implementation.
type Patcher struct {
	img     *Image
	table   *dispatch.Table
	exports ExportResolver
	prot    Protector

	// Undecorate turns an imported raw name into a canonical signature.
	// The default applies the PE normalization rules to the raw name, which
	// suffices for C-linkage exports and pre-undecorated test fixtures; the
	// platform launcher installs the symbol-machinery-backed variant.
	Undecorate func(raw string) string

	// Library overrides the import descriptor name to match. Defaults to
	// the original runtime DLL.
	Library string

	applied []PatchOp
}

// NewPatcher builds a patcher over a validated image.
func NewPatcher(img *Image, table *dispatch.Table, exports ExportResolver,
	prot Protector) *Patcher {
	return &Patcher{
		img:        img,
		table:      table,
		exports:    exports,
		prot:       prot,
		Undecorate: elfsym.CanonicalizePE,
		Library:    dispatch.OriginalLibraryPE,
	}
}

// Applied returns the ops performed so far, in application order.
func (p *Patcher) Applied() []PatchOp { return p.applied }

// Apply walks every import descriptor matching the original library
// (case-insensitive) and patches each thunk whose canonical signature is
// part of the intercepted surface: the currently bound address (the shim's,
// by load order) is saved into the dispatch slot, then the thunk is
// rewritten to the true original address. This must run while the target
// process is still suspended, before any thread can observe a partially
// patched thunk.
func (p *Patcher) Apply() (int, error) {
	descs, err := p.img.ImportDescriptors()
	if err != nil {
		return 0, err
	}
	patched := 0
	for _, desc := range descs {
		if !strings.EqualFold(desc.Library, p.Library) {
			continue
		}
		n, err := p.patchDescriptor(desc)
		patched += n
		if err != nil {
			return patched, err
		}
	}
	return patched, nil
}

func (p *Patcher) patchDescriptor(desc ImportDescriptor) (int, error) {
	thunks, err := p.img.Thunks(desc)
	if err != nil {
		return 0, err
	}
	patched := 0
	for _, th := range thunks {
		if th.Name == "" {
			// Ordinal import, nothing to match a signature against.
			continue
		}
		canonical := p.Undecorate(th.Name)
		if _, ok := p.table.SlotFor(canonical); !ok {
			log.Debugf("import %q (%s) not in intercepted surface", canonical, th.Name)
			continue
		}

		orig, err := p.exports.ResolveExport(th.Name)
		if err != nil {
			log.Warnf("original export for %q not found: %v, thunk left bound", th.Name, err)
			continue
		}

		if err := p.table.BindForPatch(canonical, uintptr(th.Bound)); err != nil {
			return patched, err
		}

		// Protection failure aborts only this thunk's patch.
		restore, err := p.prot.MakeWritable(th.AddrOffset, thunkSize)
		if err != nil {
			log.Warnf("cannot make thunk at %#x writable: %v, skipped", th.AddrOffset, err)
			continue
		}
		if err := p.img.putU64(th.AddrOffset, uint64(orig)); err != nil {
			_ = restore()
			return patched, err
		}
		if err := restore(); err != nil {
			log.Warnf("restoring protection at %#x: %v", th.AddrOffset, err)
		}

		p.applied = append(p.applied, PatchOp{
			Site: th.AddrOffset,
			Old:  th.Bound,
			New:  uint64(orig),
		})
		patched++
		log.Debugf("patched %q: %#x -> %#x", canonical, th.Bound, orig)
	}
	return patched, nil
}

// Revert undoes the applied ops in reverse order. Ops that fail to revert
// are reported collectively; reverting continues past individual failures.
func (p *Patcher) Revert() error {
	var errs []error
	for i := len(p.applied) - 1; i >= 0; i-- {
		op := p.applied[i]
		restore, err := p.prot.MakeWritable(op.Site, thunkSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("site %#x: %w", op.Site, err))
			continue
		}
		if err := p.img.putU64(op.Site, op.Old); err != nil {
			errs = append(errs, err)
		}
		if err := restore(); err != nil {
			errs = append(errs, err)
		}
	}
	p.applied = nil
	return errors.Join(errs...)
}
