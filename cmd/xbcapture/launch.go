// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/capture"
	"github.com/xrttools/xbcapture/tracelog"
	"github.com/xrttools/xbcapture/util"
)

const defaultShimLib = "libxbcapture_shim.so"

func runCommand() *ffcli.Command {
	fs := flag.NewFlagSet("xbcapture run", flag.ExitOnError)
	shim := fs.String("shim", defaultShimLib, "shim library name or path")
	debug := fs.Bool("debug", false, "verbose diagnostics in the traced process")

	return &ffcli.Command{
		Name:       "run",
		ShortUsage: "xbcapture run [flags] <program> [args...]",
		ShortHelp:  "launch a program with API capture enabled",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("run: no target program given")
			}
			return launch(args[0], args[1:], *shim, *debug)
		},
	}
}

// launch prepares the capture environment and hands the process over to
// the target. The start time set here is the elapsed-time baseline every
// record of the resulting trace is relative to.
func launch(target string, args []string, shim string, debug bool) error {
	targetPath, err := exec.LookPath(target)
	if err != nil {
		return fmt.Errorf("run: target %q: %w", target, err)
	}
	shimPath, err := findShim(shim)
	if err != nil {
		return err
	}

	start := util.Now()
	if err := util.Setenv(tracelog.EnvAppName, filepath.Base(targetPath)); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if err := util.Setenv(tracelog.EnvStartTime, start.String()); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if debug {
		if err := util.Setenv(tracelog.EnvDebug, "TRUE"); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}
	if err := preloadShim(shimPath); err != nil {
		return err
	}

	traceDir := time.Unix(start.Sec, start.Nsec).Format("2006-01-02_15-04-05")
	log.Infof("tracing %s, trace written to %s/%s",
		targetPath, traceDir, tracelog.TraceFileName)

	return spawn(targetPath, append([]string{targetPath}, args...))
}

// findShim resolves the shim library: an explicit path wins, otherwise the
// library search path and the launcher's own directory are searched.
func findShim(shim string) (string, error) {
	if strings.ContainsRune(shim, os.PathSeparator) {
		if _, err := os.Stat(shim); err != nil {
			return "", fmt.Errorf("run: shim library %q: %w", shim, err)
		}
		return shim, nil
	}

	var dirs []string
	if lp := util.Getenv(libSearchPathEnv); lp != "" {
		dirs = append(dirs, filepath.SplitList(lp)...)
	}
	if self, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(self))
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, shim)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("run: shim library %q not found on %s", shim, libSearchPathEnv)
}

// preloadShim arranges for the dynamic loader to map the shim ahead of the
// original runtime library, preserving any preloads already requested.
func preloadShim(shimPath string) error {
	val := shimPath
	if prev := util.Getenv(capture.EnvPreload); prev != "" {
		val = prev + " " + shimPath
	}
	if err := util.Setenv(capture.EnvPreload, val); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
