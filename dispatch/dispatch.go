// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch holds the process-wide table of function-pointer slots
// through which instrumented shims reach the real, un-intercepted runtime
// implementations. Slots are written exactly once during the resolution pass
// and are read-only afterwards, so the steady-state call path takes no lock.
package dispatch // import "github.com/xrttools/xbcapture/dispatch"

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/elfsym"
)

// OriginalLibraryELF is the runtime library shims call through to on ELF
// platforms; OriginalLibraryPE is its PE platform counterpart.
const (
	OriginalLibraryELF = "libxrt_coreutil.so"
	OriginalLibraryPE  = "xrt_coreutil.dll"
)

// ErrNotResolved is returned when the table is used before a successful
// resolution pass.
var ErrNotResolved = errors.New("dispatch table not resolved")

// Slot is a named raw function-pointer cell. It is zero until the resolution
// pass binds it; an unbound slot stays zero for the life of the process and
// the owning shim reports it instead of calling through.
type Slot struct {
	name string
	addr uintptr
}

// Name returns the canonical signature this slot dispatches.
func (s *Slot) Name() string { return s.name }

// Addr returns the bound address of the original implementation, or zero.
func (s *Slot) Addr() uintptr { return s.addr }

// Resolved reports whether the resolution pass bound this slot.
func (s *Slot) Resolved() bool { return s.addr != 0 }

// DeviceSlots groups the device-class entry points.
type DeviceSlots struct {
	Ctor           Slot
	CtorFromBDF    Slot
	LoadXclbinFile Slot
	LoadXclbinObj  Slot
	RegisterXclbin Slot
	GetXclbinUUID  Slot
}

// XclbinSlots groups the xclbin-class entry points.
type XclbinSlots struct {
	CtorFile Slot
	CtorRaw  Slot
	CtorAxlf Slot
	GetUUID  Slot
}

// HWContextSlots groups the hardware-context entry points.
type HWContextSlots struct {
	CtorFromCfg  Slot
	CtorFromMode Slot
	UpdateQOS    Slot
}

// KernelSlots groups the kernel-class entry points.
type KernelSlots struct {
	Ctor    Slot
	GroupID Slot
}

// RunSlots groups the run-class entry points.
type RunSlots struct {
	Ctor   Slot
	Start  Slot
	Wait   Slot
	SetArg Slot
}

// BOSlots groups the buffer-object entry points.
type BOSlots struct {
	Ctor    Slot
	Map     Slot
	Sync    Slot
	Write   Slot
	Read    Slot
	Size    Slot
	Address Slot
}

// ExtSlots groups the extension-API entry points.
type ExtSlots struct {
	BOCtor     Slot
	KernelCtor Slot
}

// Table is the dispatch table. One instance exists per process, owned by the
// capture session and handed by reference to the shim layer.
type Table struct {
	Device    DeviceSlots
	Xclbin    XclbinSlots
	HWContext HWContextSlots
	Kernel    KernelSlots
	Run       RunSlots
	BO        BOSlots
	Ext       ExtSlots

	resolveOnce sync.Once
	resolveErr  error
}

// NewTable returns an unresolved table with every slot carrying its
// canonical signature.
func NewTable() *Table {
	t := &Table{}
	for sig, slot := range t.slots() {
		slot.name = sig
	}
	return t
}

// slots associates every canonical signature of the intercepted API surface
// with its dispatch slot. This static set is what the resolution pass
// intersects with a scanned symbol table.
func (t *Table) slots() map[string]*Slot {
	return map[string]*Slot{
		"xrt::device::device(unsigned int)":             &t.Device.Ctor,
		"xrt::device::device(std::string const&)":       &t.Device.CtorFromBDF,
		"xrt::device::load_xclbin(std::string const&)":  &t.Device.LoadXclbinFile,
		"xrt::device::load_xclbin(xrt::xclbin const&)":  &t.Device.LoadXclbinObj,
		"xrt::device::register_xclbin(xrt::xclbin const&)": &t.Device.RegisterXclbin,
		"xrt::device::get_xclbin_uuid()":                &t.Device.GetXclbinUUID,

		"xrt::xclbin::xclbin(std::string const&)":       &t.Xclbin.CtorFile,
		"xrt::xclbin::xclbin(std::vector<char> const&)": &t.Xclbin.CtorRaw,
		"xrt::xclbin::xclbin(axlf const*)":              &t.Xclbin.CtorAxlf,
		"xrt::xclbin::get_uuid()":                       &t.Xclbin.GetUUID,

		"xrt::hw_context::hw_context(xrt::device const&, xrt::uuid const&, " +
			"xrt::hw_context::cfg_param_type const&)": &t.HWContext.CtorFromCfg,
		"xrt::hw_context::hw_context(xrt::device const&, xrt::uuid const&, " +
			"xrt::hw_context::access_mode)": &t.HWContext.CtorFromMode,
		"xrt::hw_context::update_qos(xrt::hw_context::cfg_param_type const&)": &t.HWContext.UpdateQOS,

		"xrt::kernel::kernel(xrt::hw_context const&, std::string const&)": &t.Kernel.Ctor,
		"xrt::kernel::group_id(int)":                                      &t.Kernel.GroupID,

		"xrt::run::run(xrt::kernel const&)":                   &t.Run.Ctor,
		"xrt::run::start()":                                   &t.Run.Start,
		"xrt::run::wait()":                                    &t.Run.Wait,
		"xrt::run::set_arg(int, void const*, unsigned long)":  &t.Run.SetArg,

		"xrt::bo::bo(xrt::device const&, unsigned long, xrt::bo::flags, unsigned int)": &t.BO.Ctor,
		"xrt::bo::map()":                                      &t.BO.Map,
		"xrt::bo::sync(xclBOSyncDirection, unsigned long, unsigned long)": &t.BO.Sync,
		"xrt::bo::write(void const*, unsigned long, unsigned long)":       &t.BO.Write,
		"xrt::bo::read(void*, unsigned long, unsigned long)":              &t.BO.Read,
		"xrt::bo::size()":                                     &t.BO.Size,
		"xrt::bo::address()":                                  &t.BO.Address,

		"xrt::ext::bo::bo(xrt::device const&, unsigned long)": &t.Ext.BOCtor,
		"xrt::ext::kernel::kernel(xrt::hw_context const&, xrt::elf const&, " +
			"std::string const&)": &t.Ext.KernelCtor,
	}
}

// SlotFor returns the slot for a canonical signature, if it is part of the
// intercepted surface.
func (t *Table) SlotFor(canonical string) (*Slot, bool) {
	slot, ok := t.slots()[canonical]
	return slot, ok
}

// SymbolResolver resolves a raw symbol name to a live address in the
// original library image.
type SymbolResolver interface {
	ResolveSymbol(raw string) (uintptr, error)
}

// Resolve runs the one-time resolution pass: it intersects the scanned
// symbol table with the intercepted surface and binds every matching slot to
// the address the resolver reports. A signature missing from the symbol
// table or failing to resolve is logged once and skipped; that one API stays
// un-intercepted. Repeated calls return the first pass's result.
func (t *Table) Resolve(symtab *elfsym.Table, res SymbolResolver) error {
	t.resolveOnce.Do(func() {
		t.resolveErr = t.resolve(symtab, res)
	})
	return t.resolveErr
}

func (t *Table) resolve(symtab *elfsym.Table, res SymbolResolver) error {
	if symtab == nil || symtab.Len() == 0 {
		return errors.New("empty symbol table, cannot intercept anything")
	}
	bound := 0
	for sig, slot := range t.slots() {
		raw, ok := symtab.Lookup(sig)
		if !ok {
			log.Warnf("signature %q not exported by original library, not intercepted", sig)
			continue
		}
		addr, err := res.ResolveSymbol(raw)
		if err != nil {
			log.Warnf("resolving %q (%s): %v, not intercepted", sig, raw, err)
			continue
		}
		t.bind(slot, addr)
		bound++
	}
	if bound == 0 {
		return errors.New("no interceptable signature resolved")
	}
	log.Debugf("dispatch table resolved, %d of %d slots bound", bound, len(t.slots()))
	return nil
}

// bind writes a slot exactly once. Called only from the resolution pass,
// which runs before application threads can observe the table.
func (t *Table) bind(slot *Slot, addr uintptr) {
	if slot.addr != 0 {
		return
	}
	slot.addr = addr
}

// BindForPatch records the currently bound import address for a slot during
// an import-table patch pass. The patcher hands over the address it found in
// the thunk before rewriting it.
func (t *Table) BindForPatch(canonical string, addr uintptr) error {
	slot, ok := t.SlotFor(canonical)
	if !ok {
		return fmt.Errorf("signature %q is not part of the intercepted surface", canonical)
	}
	t.bind(slot, addr)
	return nil
}
