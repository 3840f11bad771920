// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const libSearchPathEnv = "LD_LIBRARY_PATH"

// spawn replaces the launcher process with the target, inheriting the
// capture environment prepared by the caller.
func spawn(path string, argv []string) error {
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("run: exec %s: %w", path, err)
	}
	return nil
}
