// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/traceparse"
	"github.com/xrttools/xbcapture/xrt"
)

// handlers maps every replayable canonical signature to its handler. A
// signature missing here is skipped (or fails the run in strict mode);
// two are deliberately absent because their arguments are raw pointers
// that cannot be reconstructed from a trace: the axlf-pointer container
// constructor and the extension kernel constructor taking an ELF object.
var handlers = map[string]handler{
	"xrt::device::device(unsigned int)":                (*Engine).replayDeviceCtor,
	"xrt::device::device(std::string const&)":          (*Engine).replayDeviceCtorBDF,
	"xrt::device::load_xclbin(std::string const&)":     (*Engine).replayLoadXclbinFile,
	"xrt::device::load_xclbin(xrt::xclbin const&)":     (*Engine).replayLoadXclbinObj,
	"xrt::device::register_xclbin(xrt::xclbin const&)": (*Engine).replayRegisterXclbin,
	"xrt::device::get_xclbin_uuid()":                   (*Engine).replayGetXclbinUUID,

	"xrt::xclbin::xclbin(std::string const&)":       (*Engine).replayXclbinCtorFile,
	"xrt::xclbin::xclbin(std::vector<char> const&)": (*Engine).replayXclbinCtorRaw,
	"xrt::xclbin::get_uuid()":                       (*Engine).replayXclbinGetUUID,

	"xrt::hw_context::hw_context(xrt::device const&, xrt::uuid const&, " +
		"xrt::hw_context::cfg_param_type const&)": (*Engine).replayHWContextCtorCfg,
	"xrt::hw_context::hw_context(xrt::device const&, xrt::uuid const&, " +
		"xrt::hw_context::access_mode)": (*Engine).replayHWContextCtorMode,
	"xrt::hw_context::update_qos(xrt::hw_context::cfg_param_type const&)": (*Engine).replayUpdateQOS,

	"xrt::kernel::kernel(xrt::hw_context const&, std::string const&)": (*Engine).replayKernelCtor,
	"xrt::kernel::group_id(int)":                                      (*Engine).replayGroupID,

	"xrt::run::run(xrt::kernel const&)":                  (*Engine).replayRunCtor,
	"xrt::run::start()":                                  (*Engine).replayRunStart,
	"xrt::run::wait()":                                   (*Engine).replayRunWait,
	"xrt::run::set_arg(int, void const*, unsigned long)": (*Engine).replaySetArg,

	"xrt::bo::bo(xrt::device const&, unsigned long, xrt::bo::flags, unsigned int)": (*Engine).replayBOCtor,
	"xrt::bo::map()": (*Engine).replayBOMap,
	"xrt::bo::sync(xclBOSyncDirection, unsigned long, unsigned long)": (*Engine).replayBOSync,
	"xrt::bo::write(void const*, unsigned long, unsigned long)":       (*Engine).replayBOWrite,
	"xrt::bo::read(void*, unsigned long, unsigned long)":              (*Engine).replayBORead,
	"xrt::bo::size()":    (*Engine).replayBOSize,
	"xrt::bo::address()": (*Engine).replayBOAddress,

	"xrt::ext::bo::bo(xrt::device const&, unsigned long)": (*Engine).replayExtBOCtor,
}

func (e *Engine) replayDeviceCtor(idx int, rec *traceparse.Record) error {
	index, err := argUint(rec, 0)
	if err != nil {
		return err
	}
	d, err := e.rt.OpenDevice(uint32(index))
	if err != nil {
		return err
	}
	e.devices[rec.Handle] = d
	return nil
}

func (e *Engine) replayDeviceCtorBDF(idx int, rec *traceparse.Record) error {
	bdf, err := arg(rec, 0)
	if err != nil {
		return err
	}
	d, err := e.rt.OpenDeviceByBDF(bdf.Text)
	if err != nil {
		return err
	}
	e.devices[rec.Handle] = d
	return nil
}

// replayLoadXclbinFile prefers the container bytes captured at exit over
// the original path, which may no longer exist on the replay host.
func (e *Engine) replayLoadXclbinFile(idx int, rec *traceparse.Record) error {
	d, err := e.device(rec.Handle)
	if err != nil {
		return err
	}
	pathArg, err := arg(rec, 0)
	if err != nil {
		return err
	}
	path := pathArg.Text

	if exit := e.findExit(idx, rec); exit != nil {
		for i := range exit.Outs {
			out := &exit.Outs[i]
			if out.Name != "xclbin" || out.Mem == nil {
				continue
			}
			data, perr := e.cap.Payload(out.Mem)
			if perr != nil {
				return perr
			}
			tmp, terr := e.materialize(data, filepath.Base(path))
			if terr != nil {
				return terr
			}
			path = tmp
			break
		}
	}

	id, err := d.LoadXclbin(path)
	if err != nil {
		return err
	}
	e.checkUUID(idx, rec, id)
	return nil
}

func (e *Engine) replayLoadXclbinObj(idx int, rec *traceparse.Record) error {
	d, err := e.device(rec.Handle)
	if err != nil {
		return err
	}
	xh, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	x, err := e.xclbin(xh)
	if err != nil {
		return err
	}
	id, err := d.LoadXclbinObj(x)
	if err != nil {
		return err
	}
	e.checkUUID(idx, rec, id)
	return nil
}

func (e *Engine) replayRegisterXclbin(idx int, rec *traceparse.Record) error {
	d, err := e.device(rec.Handle)
	if err != nil {
		return err
	}
	xh, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	x, err := e.xclbin(xh)
	if err != nil {
		return err
	}
	id, err := d.RegisterXclbin(x)
	if err != nil {
		return err
	}
	e.checkUUID(idx, rec, id)
	return nil
}

func (e *Engine) replayGetXclbinUUID(idx int, rec *traceparse.Record) error {
	d, err := e.device(rec.Handle)
	if err != nil {
		return err
	}
	id, err := d.XclbinUUID()
	if err != nil {
		return err
	}
	e.checkUUID(idx, rec, id)
	return nil
}

func (e *Engine) replayXclbinCtorFile(idx int, rec *traceparse.Record) error {
	pathArg, err := arg(rec, 0)
	if err != nil {
		return err
	}
	x, err := e.rt.NewXclbin(pathArg.Text)
	if err != nil {
		return err
	}
	e.xclbins[rec.Handle] = x
	return nil
}

func (e *Engine) replayXclbinCtorRaw(idx int, rec *traceparse.Record) error {
	data, err := e.argPayload(rec, 0)
	if err != nil {
		return err
	}
	x, err := e.rt.NewXclbinFromData(data)
	if err != nil {
		return err
	}
	e.xclbins[rec.Handle] = x
	return nil
}

func (e *Engine) replayXclbinGetUUID(idx int, rec *traceparse.Record) error {
	x, err := e.xclbin(rec.Handle)
	if err != nil {
		return err
	}
	id, err := x.UUID()
	if err != nil {
		return err
	}
	e.checkUUID(idx, rec, id)
	return nil
}

func (e *Engine) replayHWContextCtorCfg(idx int, rec *traceparse.Record) error {
	dh, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	d, err := e.device(dh)
	if err != nil {
		return err
	}
	idArg, err := arg(rec, 1)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(idArg.Text)
	if err != nil {
		return fmt.Errorf("xclbin uuid %q: %w", idArg.Text, err)
	}
	cfgArg, err := arg(rec, 2)
	if err != nil {
		return err
	}
	cfg, err := parseQOS(cfgArg.Text)
	if err != nil {
		return err
	}
	ctx, err := e.rt.NewHWContext(d, id, cfg)
	if err != nil {
		return err
	}
	e.ctxs[rec.Handle] = ctx
	return nil
}

func (e *Engine) replayHWContextCtorMode(idx int, rec *traceparse.Record) error {
	dh, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	d, err := e.device(dh)
	if err != nil {
		return err
	}
	idArg, err := arg(rec, 1)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(idArg.Text)
	if err != nil {
		return fmt.Errorf("xclbin uuid %q: %w", idArg.Text, err)
	}
	mode, err := argInt(rec, 2)
	if err != nil {
		return err
	}
	ctx, err := e.rt.NewHWContextWithMode(d, id, xrt.AccessMode(mode))
	if err != nil {
		return err
	}
	e.ctxs[rec.Handle] = ctx
	return nil
}

func (e *Engine) replayUpdateQOS(idx int, rec *traceparse.Record) error {
	ctx, err := e.hwContext(rec.Handle)
	if err != nil {
		return err
	}
	cfgArg, err := arg(rec, 0)
	if err != nil {
		return err
	}
	cfg, err := parseQOS(cfgArg.Text)
	if err != nil {
		return err
	}
	return ctx.UpdateQOS(cfg)
}

func (e *Engine) replayKernelCtor(idx int, rec *traceparse.Record) error {
	ch, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	ctx, err := e.hwContext(ch)
	if err != nil {
		return err
	}
	nameArg, err := arg(rec, 1)
	if err != nil {
		return err
	}
	k, err := e.rt.NewKernel(ctx, nameArg.Text)
	if err != nil {
		return err
	}
	e.kernels[rec.Handle] = k
	return nil
}

func (e *Engine) replayGroupID(idx int, rec *traceparse.Record) error {
	k, err := e.kernel(rec.Handle)
	if err != nil {
		return err
	}
	argIdx, err := argInt(rec, 0)
	if err != nil {
		return err
	}
	_, err = k.GroupID(argIdx)
	return err
}

func (e *Engine) replayRunCtor(idx int, rec *traceparse.Record) error {
	kh, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	k, err := e.kernel(kh)
	if err != nil {
		return err
	}
	r, err := e.rt.NewRun(k)
	if err != nil {
		return err
	}
	e.runs[rec.Handle] = r
	return nil
}

func (e *Engine) replayRunStart(idx int, rec *traceparse.Record) error {
	r, err := e.run(rec.Handle)
	if err != nil {
		return err
	}
	return r.Start()
}

func (e *Engine) replayRunWait(idx int, rec *traceparse.Record) error {
	r, err := e.run(rec.Handle)
	if err != nil {
		return err
	}
	_, err = r.Wait()
	return err
}

func (e *Engine) replaySetArg(idx int, rec *traceparse.Record) error {
	r, err := e.run(rec.Handle)
	if err != nil {
		return err
	}
	argIdx, err := argInt(rec, 0)
	if err != nil {
		return err
	}
	data, err := e.argPayload(rec, 1)
	if err != nil {
		return err
	}
	return r.SetArg(argIdx, data)
}

func (e *Engine) replayBOCtor(idx int, rec *traceparse.Record) error {
	dh, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	d, err := e.device(dh)
	if err != nil {
		return err
	}
	size, err := argUint(rec, 1)
	if err != nil {
		return err
	}
	flags, err := argUint(rec, 2)
	if err != nil {
		return err
	}
	grp, err := argUint(rec, 3)
	if err != nil {
		return err
	}
	b, err := e.rt.NewBO(d, size, xrt.BOFlags(flags), uint32(grp))
	if err != nil {
		return err
	}
	e.bos[rec.Handle] = b
	return nil
}

func (e *Engine) replayBOMap(idx int, rec *traceparse.Record) error {
	b, err := e.bo(rec.Handle)
	if err != nil {
		return err
	}
	_, err = b.Map()
	return err
}

func (e *Engine) replayBOSync(idx int, rec *traceparse.Record) error {
	b, err := e.bo(rec.Handle)
	if err != nil {
		return err
	}
	dir, err := argInt(rec, 0)
	if err != nil {
		return err
	}
	size, err := argUint(rec, 1)
	if err != nil {
		return err
	}
	off, err := argUint(rec, 2)
	if err != nil {
		return err
	}
	return b.Sync(xrt.SyncDirection(dir), size, off)
}

func (e *Engine) replayBOWrite(idx int, rec *traceparse.Record) error {
	b, err := e.bo(rec.Handle)
	if err != nil {
		return err
	}
	data, err := e.argPayload(rec, 0)
	if err != nil {
		return err
	}
	off, err := argUint(rec, 2)
	if err != nil {
		return err
	}
	return b.Write(data, off)
}

// replayBORead re-issues the read and cross-checks the bytes against the
// captured payload so a replay detects diverging device state.
func (e *Engine) replayBORead(idx int, rec *traceparse.Record) error {
	b, err := e.bo(rec.Handle)
	if err != nil {
		return err
	}
	size, err := argUint(rec, 0)
	if err != nil {
		return err
	}
	off, err := argUint(rec, 1)
	if err != nil {
		return err
	}
	data, err := b.Read(size, off)
	if err != nil {
		return err
	}
	exit := e.findExit(idx, rec)
	if exit == nil {
		return nil
	}
	for i := range exit.Outs {
		out := &exit.Outs[i]
		if out.Name != "data" || out.Mem == nil {
			continue
		}
		captured, perr := e.cap.Payload(out.Mem)
		if perr != nil {
			return perr
		}
		if !bytes.Equal(captured, data) {
			log.Warnf("bo read at offset %d diverges from capture", off)
		}
		break
	}
	return nil
}

func (e *Engine) replayBOSize(idx int, rec *traceparse.Record) error {
	b, err := e.bo(rec.Handle)
	if err != nil {
		return err
	}
	_, err = b.Size()
	return err
}

func (e *Engine) replayBOAddress(idx int, rec *traceparse.Record) error {
	b, err := e.bo(rec.Handle)
	if err != nil {
		return err
	}
	_, err = b.Address()
	return err
}

func (e *Engine) replayExtBOCtor(idx int, rec *traceparse.Record) error {
	dh, err := argHandle(rec, 0)
	if err != nil {
		return err
	}
	d, err := e.device(dh)
	if err != nil {
		return err
	}
	size, err := argUint(rec, 1)
	if err != nil {
		return err
	}
	b, err := e.rt.NewExtBO(d, size)
	if err != nil {
		return err
	}
	e.bos[rec.Handle] = b
	return nil
}

// checkUUID compares a replayed UUID return against the recorded one.
// A mismatch is diagnostic, not fatal: replay hardware may legitimately
// report different identifiers.
func (e *Engine) checkUUID(idx int, rec *traceparse.Record, got uuid.UUID) {
	exit := e.findExit(idx, rec)
	if exit == nil || exit.Ret == nil {
		return
	}
	if exit.Ret.Text != got.String() {
		log.Warnf("%s returned %s, capture recorded %s",
			rec.Signature, got, exit.Ret.Text)
	}
}

// materialize writes captured container bytes to a scratch file the
// runtime can load.
func (e *Engine) materialize(data []byte, base string) (string, error) {
	tmp, err := os.CreateTemp("", "replay-*-"+base)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}
