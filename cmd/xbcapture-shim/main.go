// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// xbcapture-shim is the preload library the launcher injects. Built with
// -buildmode=c-shared, its initializer runs when the dynamic loader maps
// the library, before the traced application's main, which is the window
// in which the dispatch table must be resolved. A companion C destructor
// (unload_linux.c) finalizes the trace when the library is unloaded.
package main

import "C"

import (
	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/capture"
	"github.com/xrttools/xbcapture/xrt"
)

// session and rt stay alive for the whole traced process; the trace is
// finalized by the unload destructor.
var (
	session *capture.Session
	rt      *xrt.Runtime
)

func init() {
	var err error
	session, err = capture.Bootstrap(&capture.PreloadStrategy{})
	if err != nil {
		// Bootstrap already swapped in a no-op logger; the application
		// runs untraced rather than not at all.
		log.Errorf("running without capture: %v", err)
	}
	rt = xrt.NewRuntime(session.Table, session.Log, session.Caller)
}

// Runtime exposes the process's shim-layer binding to exported shims.
func Runtime() *xrt.Runtime { return rt }

// Finalize writes the trace's closing record and closes both streams. The
// dynamic loader calls it through the library's destructor when the traced
// process exits; no Go code runs at process exit on its own in a c-shared
// build.
//
//export Finalize
func Finalize() {
	if session != nil {
		if err := session.Close(); err != nil {
			log.Errorf("finalizing trace: %v", err)
		}
	}
}

func main() {}
