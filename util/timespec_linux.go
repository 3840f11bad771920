// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package util // import "github.com/xrttools/xbcapture/util"

import (
	"time"

	"golang.org/x/sys/unix"
)

// Now reads CLOCK_REALTIME as a Timespec.
func Now() Timespec {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		// clock_gettime on a valid clock id does not fail in practice;
		// fall back to the runtime clock to keep the trace monotonic-ish.
		t := time.Now()
		return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
	}
	return Timespec{Sec: ts.Sec, Nsec: ts.Nsec}
}

// Tid returns the caller's OS thread id.
func Tid() int {
	return unix.Gettid()
}
