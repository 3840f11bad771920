// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package util // import "github.com/xrttools/xbcapture/util"

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
)

// envMu serializes all environment access in the process. getenv/setenv are
// not thread-safe in the underlying libc facility, and the capture bootstrap
// reads the environment while the traced application may mutate it.
var envMu sync.Mutex

// Getenv is a locked variant of os.Getenv.
func Getenv(key string) string {
	envMu.Lock()
	defer envMu.Unlock()
	return os.Getenv(key)
}

// LookupEnv is a locked variant of os.LookupEnv.
func LookupEnv(key string) (string, bool) {
	envMu.Lock()
	defer envMu.Unlock()
	return os.LookupEnv(key)
}

// Setenv is a locked variant of os.Setenv.
func Setenv(key, value string) error {
	envMu.Lock()
	defer envMu.Unlock()
	return os.Setenv(key, value)
}

// GoString converts a NUL-terminated C string to a Go string.
func GoString(cstr []byte) string {
	index := bytes.IndexByte(cstr, byte(0))
	if index < 0 {
		index = len(cstr)
	}
	return strings.Clone(string(cstr[:index]))
}

// FindAndReplaceAll applies the ordered replacement pairs to str, replacing
// every occurrence of each pattern. Order matters: earlier pairs may produce
// text that later pairs rewrite further.
func FindAndReplaceAll(str string, replacements [][2]string) string {
	for _, pair := range replacements {
		str = strings.ReplaceAll(str, pair[0], pair[1])
	}
	return str
}

// OSPrettyName returns the PRETTY_NAME entry of /etc/os-release, or a
// fallback when the file cannot be read.
func OSPrettyName() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "Linux-unknown-dist"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if val, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(val, `"`)
		}
	}
	return "Linux-unknown-dist"
}

// Timespec is a wall-clock instant split into whole seconds and nanoseconds.
// The nanosecond field is always in [0, 1e9).
type Timespec struct {
	Sec  int64
	Nsec int64
}

// ParseTimespec parses the "<seconds>.<nanoseconds>" encoding used for the
// START_TIME environment variable.
func ParseTimespec(s string) (Timespec, error) {
	var ts Timespec
	if _, err := fmt.Sscanf(s, "%d.%d", &ts.Sec, &ts.Nsec); err != nil {
		return Timespec{}, fmt.Errorf("malformed timespec %q: %w", s, err)
	}
	if ts.Nsec < 0 || ts.Nsec >= 1e9 {
		return Timespec{}, fmt.Errorf("timespec %q: nanoseconds out of range", s)
	}
	return ts, nil
}

// String renders the timespec as "<seconds>.<9-digit-nanoseconds>".
func (ts Timespec) String() string {
	return fmt.Sprintf("%d.%09d", ts.Sec, ts.Nsec)
}

// Sub returns the elapsed time between ts and the earlier instant then, with
// explicit borrow handling so the result is never negative when the
// nanosecond component of ts is smaller than then's.
func (ts Timespec) Sub(then Timespec) Timespec {
	var out Timespec
	if ts.Nsec < then.Nsec {
		out.Sec = ts.Sec - then.Sec - 1
		out.Nsec = 1e9 + ts.Nsec - then.Nsec
	} else {
		out.Sec = ts.Sec - then.Sec
		out.Nsec = ts.Nsec - then.Nsec
	}
	return out
}
