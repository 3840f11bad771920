// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/xrttools/xbcapture/capture"

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/dispatch"
	"github.com/xrttools/xbcapture/elfsym"
	"github.com/xrttools/xbcapture/peimage"
	"github.com/xrttools/xbcapture/util"
)

// EnvPreload is the dynamic-loader preload variable the launcher sets so the
// shim library's symbols resolve ahead of the original runtime library's.
const EnvPreload = "LD_PRELOAD"

// Strategy intercepts calls to the original runtime library and redirects
// them to instrumented shims. Exactly one variant is active in a process.
type Strategy interface {
	// Install populates the dispatch table with callable addresses of the
	// real implementations. It runs once, before application threads exist.
	Install(table *dispatch.Table) error
}

// PreloadStrategy relies on the dynamic loader's symbol-resolution order:
// the launcher preloads the shim library so its exports shadow the original
// ones, and the resolution pass recovers the real addresses by scanning the
// shim's exported symbol table and resolving each raw name in an
// independently loaded image of the original library.
type PreloadStrategy struct {
	// ShimPath is the preloaded shim library. When empty, the shim is
	// located on the preload environment variable's list by its exports.
	ShimPath string
	// LibraryNames are candidate names for the original library.
	LibraryNames []string
}

// Install implements Strategy.
func (p *PreloadStrategy) Install(table *dispatch.Table) error {
	path := p.ShimPath
	var symtab *elfsym.Table
	var err error
	if path != "" {
		symtab, err = elfsym.Load(path)
		if err != nil {
			return fmt.Errorf("scanning symbols of %s: %w", path, err)
		}
	} else {
		env := util.Getenv(EnvPreload)
		if env == "" {
			return errors.New(EnvPreload + " is not set, nothing is intercepted")
		}
		path, symtab, err = findShimEntry(env, table)
		if err != nil {
			return err
		}
	}
	names := p.LibraryNames
	if len(names) == 0 {
		names = []string{dispatch.OriginalLibraryELF}
	}
	log.Debugf("shim %s exports %d symbols", path, symtab.Len())
	resolver, err := dispatch.OpenLibrary(names)
	if err != nil {
		return err
	}
	// The handle stays open for the life of the process; the bound slot
	// addresses point into the mapped library.
	if err := table.Resolve(symtab, resolver); err != nil {
		return fmt.Errorf("resolution pass: %w", err)
	}
	return nil
}

// findShimEntry selects the shim library from the preload list. The dynamic
// loader accepts colon- or space-separated entries and the launcher keeps
// preloads other tools requested, so the shim may sit anywhere on the list;
// it is the entry exporting the intercepted API surface.
func findShimEntry(env string, table *dispatch.Table) (string, *elfsym.Table, error) {
	entries := strings.FieldsFunc(env, func(r rune) bool {
		return r == ':' || r == ' '
	})
	for _, entry := range entries {
		symtab, err := elfsym.Load(entry)
		if err != nil {
			log.Debugf("preload entry %s is not the shim: %v", entry, err)
			continue
		}
		if exportsSurface(symtab, table) {
			return entry, symtab, nil
		}
	}
	return "", nil, fmt.Errorf("no entry of %s=%q exports the intercepted surface",
		EnvPreload, env)
}

// exportsSurface reports whether at least one scanned signature belongs to
// the intercepted surface.
func exportsSurface(symtab *elfsym.Table, table *dispatch.Table) bool {
	found := false
	symtab.All(func(canonical, _ string) bool {
		if _, ok := table.SlotFor(canonical); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// PatchStrategy rewrites the import thunks of a loaded image so that the
// bound (shim) addresses are saved into the dispatch table and replaced by
// the true originals. It must run while the target is suspended.
type PatchStrategy struct {
	Image   *peimage.Image
	Exports peimage.ExportResolver
	Prot    peimage.Protector
}

// Install implements Strategy.
func (p *PatchStrategy) Install(table *dispatch.Table) error {
	patcher := peimage.NewPatcher(p.Image, table, p.Exports, p.Prot)
	n, err := patcher.Apply()
	if err != nil {
		return fmt.Errorf("import-table patch: %w", err)
	}
	if n == 0 {
		return errors.New("no import thunk matched the intercepted surface")
	}
	log.Debugf("import-table patch bound %d slots", n)
	return nil
}
