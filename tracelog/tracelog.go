// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracelog writes the capture trace: a line-oriented pipe-delimited
// text stream plus a companion binary file holding raw memory payloads.
// One logger exists per traced process, constructed from environment the
// launcher set before the process started, so every composed component
// agrees on the elapsed-time baseline.
package tracelog // import "github.com/xrttools/xbcapture/tracelog"

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/util"
)

const (
	// TraceFileName is the text trace stream inside the trace directory.
	TraceFileName = "trace.txt"
	// BinFileName holds the framed binary payloads referenced by the text trace.
	BinFileName = "memdump.bin"

	// EnvAppName carries the traced application's name.
	EnvAppName = "TRACE_APP_NAME"
	// EnvStartTime carries the process start time as "<seconds>.<nanoseconds>".
	EnvStartTime = "START_TIME"
	// EnvDebug enables the verbose diagnostic stream when set to "TRUE".
	EnvDebug = "INST_DEBUG"

	dirTimeFormat = "2006-01-02_15-04-05"
)

// RuntimeVersion is stamped into the trace header. Overridden at link time.
var RuntimeVersion = "unknown"

// Kind discriminates entry and exit records.
type Kind int

// Trace record kinds.
const (
	KindEntry Kind = iota
	KindExit
)

func (k Kind) String() string {
	if k == KindEntry {
		return "ENTRY"
	}
	return "EXIT"
}

// Value is one rendered argument or return value: either scalar text or a
// raw memory span stored in the binary payload file and referenced from the
// text trace by byte offset.
type Value struct {
	text string
	blob []byte
}

// Scalar renders v to text.
func Scalar(v any) Value {
	return Value{text: fmt.Sprint(v)}
}

// Blob marks data for the binary payload path.
func Blob(data []byte) Value {
	return Value{blob: data}
}

// NamedValue is a name=value pair traced at call exit.
type NamedValue struct {
	Name  string
	Value Value
}

// Config carries explicit logger construction inputs. The traced process
// uses NewFromEnv; tests construct directly.
type Config struct {
	// Dir is the directory holding both trace files; created if absent.
	Dir string
	// AppName is the traced application's name, quoted into the header.
	AppName string
	// Start is the elapsed-time baseline shared across the launched process.
	Start util.Timespec
	// Debug raises the diagnostic stream to debug verbosity.
	Debug bool
}

// Logger owns the two output streams. All writes happen under a single
// stream lock so records from concurrent threads interleave only at record
// granularity. A logger that failed to open its streams degrades to a no-op
// sink; the traced application is never taken down by trace I/O.
type Logger struct {
	mu       sync.Mutex
	fp       *os.File
	fpBin    *os.File
	binOff   int64
	start    util.Timespec
	pid      int
	disabled bool
}

// Nop returns a disabled logger that swallows all records.
func Nop() *Logger {
	return &Logger{disabled: true}
}

// NewFromEnv constructs the process logger from the environment the
// launcher prepared. Missing or malformed configuration degrades: a missing
// start time falls back to "now" (elapsed times then baseline at logger
// construction), and stream-open failures return a no-op sink after
// reporting to the diagnostic stream.
func NewFromEnv() *Logger {
	cfg := Config{
		AppName: util.Getenv(EnvAppName),
		Debug:   util.Getenv(EnvDebug) == "TRUE",
	}
	if v, ok := util.LookupEnv(EnvStartTime); !ok {
		log.Errorf("%s not set, using current time", EnvStartTime)
		cfg.Start = util.Now()
	} else if ts, err := util.ParseTimespec(v); err == nil {
		cfg.Start = ts
	} else {
		log.Errorf("malformed %s: %v, using current time", EnvStartTime, err)
		cfg.Start = util.Now()
	}
	cfg.Dir = time.Unix(cfg.Start.Sec, cfg.Start.Nsec).Format(dirTimeFormat)
	return New(cfg)
}

// New opens the trace streams and writes the header and start marker.
func New(cfg Config) *Logger {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	l := &Logger{
		start: cfg.Start,
		pid:   os.Getpid(),
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		log.Errorf("creating trace directory %s: %v, tracing disabled", cfg.Dir, err)
		l.disabled = true
		return l
	}
	var err error
	l.fp, err = os.Create(filepath.Join(cfg.Dir, TraceFileName))
	if err != nil {
		log.Errorf("opening %s: %v, tracing disabled", TraceFileName, err)
		l.disabled = true
		return l
	}
	l.fpBin, err = os.Create(filepath.Join(cfg.Dir, BinFileName))
	if err != nil {
		log.Errorf("opening %s: %v, tracing disabled", BinFileName, err)
		_ = l.fp.Close()
		l.fp = nil
		l.disabled = true
		return l
	}

	stamp := l.stamp(cfg.Start)
	fmt.Fprintf(l.fp, "|HEADER|pname:%q|pid:%d|xrt_ver:%s|os:%s|time:%s|\n",
		cfg.AppName, l.pid, RuntimeVersion, util.OSPrettyName(), stamp)
	fmt.Fprintf(l.fp, "|START|%s|\n", stamp)
	return l
}

// stamp renders ts as "<formatted-local-time>.<9-digit-nanoseconds>".
func (l *Logger) stamp(ts util.Timespec) string {
	return fmt.Sprintf("%s.%09d",
		time.Unix(ts.Sec, 0).Format(dirTimeFormat), ts.Nsec)
}

// Close writes the trailing end marker and closes both streams.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return nil
	}
	fmt.Fprintf(l.fp, "|END|%s|\n", l.stamp(util.Now()))
	errBin := l.fpBin.Close()
	errTxt := l.fp.Close()
	l.disabled = true
	if errTxt != nil {
		return errTxt
	}
	return errBin
}

// LogEntry appends one entry record:
// |ENTRY|<elapsed>|<pid>|<tid>|<handle>|<signature>(<args>)|
func (l *Logger) LogEntry(handle uintptr, sig string, args ...Value) {
	if l.disabled {
		return
	}
	tid := util.Tid()
	elapsed := util.Now().Sub(l.start)

	l.mu.Lock()
	defer l.mu.Unlock()
	rendered := make([]string, len(args))
	for i := range args {
		rendered[i] = l.render(args[i])
	}
	fmt.Fprintf(l.fp, "|ENTRY|%s|%d|%d|0x%x|%s(%s)|\n",
		elapsed, l.pid, tid, handle, sig, strings.Join(rendered, ", "))
}

// LogExit appends one exit record:
// |EXIT|<elapsed>|<pid>|<tid>|<handle>|<signature>=<ret>|<name=value, ...>|
// A nil ret omits the "=<ret>" part for void calls.
func (l *Logger) LogExit(handle uintptr, sig string, ret *Value, outs ...NamedValue) {
	if l.disabled {
		return
	}
	tid := util.Tid()
	elapsed := util.Now().Sub(l.start)

	l.mu.Lock()
	defer l.mu.Unlock()
	sigPart := sig
	if ret != nil {
		sigPart += "=" + l.render(*ret)
	}
	rendered := make([]string, len(outs))
	for i := range outs {
		rendered[i] = outs[i].Name + "=" + l.render(outs[i].Value)
	}
	fmt.Fprintf(l.fp, "|EXIT|%s|%d|%d|0x%x|%s|%s|\n",
		elapsed, l.pid, tid, handle, sigPart, strings.Join(rendered, ", "))
}

// render produces a value's textual form. Blob values are written to the
// binary stream as a framed record and rendered as a reference to the
// frame's start offset. Called with the stream lock held so the text line
// and its payload frames stay atomic with respect to other threads.
func (l *Logger) render(v Value) string {
	if v.blob == nil {
		return v.text
	}
	ref := fmt.Sprintf("mem@0x%x[filename:%s]", l.binOff, BinFileName)
	if err := l.writeFrame(v.blob); err != nil {
		log.Errorf("writing payload frame: %v", err)
		return "mem@lost"
	}
	return ref
}

// writeFrame appends one payload frame: 3-byte tag, little-endian uint32
// length, raw bytes. binOff must always equal the bytes actually in the
// file, or every later reference points mid-frame: a failed write cuts the
// torn frame back off the stream, and if even that fails, accounts for the
// bytes that landed.
func (l *Logger) writeFrame(data []byte) error {
	hdr := []byte{'m', 'e', 'm',
		byte(len(data)), byte(len(data) >> 8), byte(len(data) >> 16), byte(len(data) >> 24)}
	n, err := l.fpBin.Write(hdr)
	if err == nil {
		var m int
		m, err = l.fpBin.Write(data)
		n += m
	}
	if err != nil {
		if l.fpBin.Truncate(l.binOff) == nil {
			_, _ = l.fpBin.Seek(l.binOff, io.SeekStart)
		} else {
			l.binOff += int64(n)
		}
		return err
	}
	l.binOff += int64(n)
	return nil
}
