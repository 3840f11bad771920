// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package util // import "github.com/xrttools/xbcapture/util"

import (
	"time"

	"golang.org/x/sys/windows"
)

// Now reads the wall clock as a Timespec.
func Now() Timespec {
	t := time.Now()
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Tid returns the caller's OS thread id.
func Tid() int {
	return int(windows.GetCurrentThreadId())
}
