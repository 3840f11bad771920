// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package traceparse reads captured traces back: the pipe-delimited text
// stream and the framed binary payload stream. It is the shared front end
// of the replay engine and the dump tool.
package traceparse // import "github.com/xrttools/xbcapture/traceparse"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xrttools/xbcapture/tracelog"
	"github.com/xrttools/xbcapture/util"
)

// ErrMalformed is wrapped by every parse failure that stems from the trace
// text itself rather than from I/O.
var ErrMalformed = errors.New("malformed trace record")

// Header carries the capture-wide fields of the |HEADER| line.
type Header struct {
	PName      string
	PID        int
	XRTVersion string
	OS         string
	Time       string
}

// MemRef points into the binary payload stream.
type MemRef struct {
	Offset int64
	File   string
}

// Field is one argument, return value or named output of a record. Either
// Text holds the scalar form or Mem points at a payload frame.
type Field struct {
	Name string
	Text string
	Mem  *MemRef
}

// Record is one |ENTRY| or |EXIT| line.
type Record struct {
	Kind      tracelog.Kind
	Elapsed   util.Timespec
	PID       int
	TID       int
	Handle    uintptr
	Signature string
	Args      []Field // entry only
	Ret       *Field  // exit only, nil for void calls
	Outs      []Field // exit only
}

// Trace is a fully parsed capture.
type Trace struct {
	Header  Header
	Start   string
	End     string
	Records []Record
}

// ParseLine classifies and parses one trace line. Marker lines update the
// trace in place; entry and exit lines return a record.
func (t *Trace) ParseLine(line string) (*Record, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	fields, err := splitFields(line)
	if err != nil {
		return nil, err
	}
	switch fields[0] {
	case "HEADER":
		t.Header, err = parseHeader(fields[1:])
		return nil, err
	case "START":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: START with %d fields", ErrMalformed, len(fields))
		}
		t.Start = fields[1]
		return nil, nil
	case "END":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: END with %d fields", ErrMalformed, len(fields))
		}
		t.End = fields[1]
		return nil, nil
	case "ENTRY":
		return parseEntry(fields[1:])
	case "EXIT":
		return parseExit(fields[1:])
	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", ErrMalformed, fields[0])
	}
}

// splitFields strips the framing pipes and splits the payload fields.
func splitFields(line string) ([]string, error) {
	if !strings.HasPrefix(line, "|") || !strings.HasSuffix(line, "|") {
		return nil, fmt.Errorf("%w: missing frame pipes in %q", ErrMalformed, line)
	}
	fields := strings.Split(line[1:len(line)-1], "|")
	if len(fields) == 0 || fields[0] == "" {
		return nil, fmt.Errorf("%w: empty record", ErrMalformed)
	}
	return fields, nil
}

func parseHeader(fields []string) (Header, error) {
	var h Header
	for _, f := range fields {
		key, val, ok := strings.Cut(f, ":")
		if !ok {
			return h, fmt.Errorf("%w: header field %q", ErrMalformed, f)
		}
		switch key {
		case "pname":
			name, err := strconv.Unquote(val)
			if err != nil {
				return h, fmt.Errorf("%w: header pname %q", ErrMalformed, val)
			}
			h.PName = name
		case "pid":
			pid, err := strconv.Atoi(val)
			if err != nil {
				return h, fmt.Errorf("%w: header pid %q", ErrMalformed, val)
			}
			h.PID = pid
		case "xrt_ver":
			h.XRTVersion = val
		case "os":
			h.OS = val
		case "time":
			h.Time = val
		default:
			// Unknown header fields from newer writers are skipped.
		}
	}
	return h, nil
}

// parseCommon reads the elapsed/pid/tid/handle prefix shared by entry and
// exit records.
func parseCommon(fields []string, want int) (Record, error) {
	var r Record
	if len(fields) != want {
		return r, fmt.Errorf("%w: %d fields, want %d", ErrMalformed, len(fields), want)
	}
	elapsed, err := util.ParseTimespec(fields[0])
	if err != nil {
		return r, fmt.Errorf("%w: elapsed %q: %v", ErrMalformed, fields[0], err)
	}
	r.Elapsed = elapsed
	if r.PID, err = strconv.Atoi(fields[1]); err != nil {
		return r, fmt.Errorf("%w: pid %q", ErrMalformed, fields[1])
	}
	if r.TID, err = strconv.Atoi(fields[2]); err != nil {
		return r, fmt.Errorf("%w: tid %q", ErrMalformed, fields[2])
	}
	handle, err := strconv.ParseUint(strings.TrimPrefix(fields[3], "0x"), 16, 64)
	if err != nil {
		return r, fmt.Errorf("%w: handle %q", ErrMalformed, fields[3])
	}
	r.Handle = uintptr(handle)
	return r, nil
}

func parseEntry(fields []string) (*Record, error) {
	r, err := parseCommon(fields, 5)
	if err != nil {
		return nil, err
	}
	r.Kind = tracelog.KindEntry
	r.Signature, r.Args, err = splitCall(fields[4])
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func parseExit(fields []string) (*Record, error) {
	r, err := parseCommon(fields, 6)
	if err != nil {
		return nil, err
	}
	r.Kind = tracelog.KindExit

	sigPart := fields[4]
	// The signature always ends with its parameter list's close paren, so
	// anything after ")=" is the rendered return value.
	if idx := strings.LastIndex(sigPart, ")="); idx >= 0 {
		ret := parseField("", sigPart[idx+2:])
		r.Ret = &ret
		sigPart = sigPart[:idx+1]
	}
	r.Signature = sigPart

	if fields[5] != "" {
		for _, out := range strings.Split(fields[5], ", ") {
			name, val, ok := strings.Cut(out, "=")
			if !ok {
				return nil, fmt.Errorf("%w: output field %q", ErrMalformed, out)
			}
			r.Outs = append(r.Outs, parseField(name, val))
		}
	}
	return &r, nil
}

// splitCall separates "sig(params)(arg, arg)" into the canonical signature
// and its rendered arguments. The signature's parameter list is the first
// balanced paren group.
func splitCall(text string) (string, []Field, error) {
	open := strings.IndexByte(text, '(')
	if open < 0 {
		return "", nil, fmt.Errorf("%w: call %q has no parameter list", ErrMalformed, text)
	}
	depth := 0
	end := -1
	for i := open; i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return "", nil, fmt.Errorf("%w: unbalanced parens in %q", ErrMalformed, text)
	}
	sig := text[:end+1]
	rest := text[end+1:]
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return "", nil, fmt.Errorf("%w: call %q has no argument list", ErrMalformed, text)
	}
	inner := rest[1 : len(rest)-1]
	if inner == "" {
		return sig, nil, nil
	}
	var args []Field
	for _, a := range strings.Split(inner, ", ") {
		args = append(args, parseField("", a))
	}
	return sig, args, nil
}

// parseField recognizes payload references of the form
// "mem@0x<offset>[filename:<file>]"; everything else stays textual.
func parseField(name, val string) Field {
	f := Field{Name: name, Text: val}
	rest, ok := strings.CutPrefix(val, "mem@0x")
	if !ok {
		return f
	}
	hexOff, rest, ok := strings.Cut(rest, "[filename:")
	if !ok || !strings.HasSuffix(rest, "]") {
		return f
	}
	off, err := strconv.ParseInt(hexOff, 16, 64)
	if err != nil {
		return f
	}
	f.Mem = &MemRef{Offset: off, File: strings.TrimSuffix(rest, "]")}
	return f
}
