// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture owns the process-wide capture state: the trace logger,
// the dispatch table and the interception strategy that populated it. The
// session is constructed explicitly by the process entry point and handed
// by reference to the shim layer, so there is exactly one instance per
// process without hidden global initialization order.
package capture // import "github.com/xrttools/xbcapture/capture"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/dispatch"
	"github.com/xrttools/xbcapture/tracelog"
)

// Session is the capture subsystem's root object.
type Session struct {
	Table  *dispatch.Table
	Log    *tracelog.Logger
	Caller dispatch.Caller
}

// Bootstrap builds the session from the environment the launcher prepared
// and installs the given strategy. A failed install means nothing can be
// intercepted and pass-through is impossible; the returned error carries a
// session with a no-op logger so the caller can fail fast with a clear
// diagnostic instead of crashing mid-call.
func Bootstrap(strategy Strategy) (*Session, error) {
	s := &Session{
		Table:  dispatch.NewTable(),
		Log:    tracelog.NewFromEnv(),
		Caller: dispatch.SyscallCaller{},
	}
	if err := strategy.Install(s.Table); err != nil {
		log.Errorf("capture disabled: %v", err)
		_ = s.Log.Close()
		s.Log = tracelog.Nop()
		return s, fmt.Errorf("installing interception: %w", err)
	}
	return s, nil
}

// Close finishes the trace and releases session resources.
func (s *Session) Close() error {
	return s.Log.Close()
}
