// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// Package bench drives synthetic workloads through the instrumented shim
// layer, both to measure runtime throughput and to generate dense traces
// for exercising the capture pipeline.
package bench // import "github.com/xrttools/xbcapture/bench"

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xrttools/xbcapture/xrt"
)

// Result summarizes one runner's execution.
type Result struct {
	Name       string
	Iterations int
	Bytes      int64
	Elapsed    time.Duration
}

// Throughput returns bytes per second, zero for non-data runners.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 || r.Bytes == 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

func (r Result) String() string {
	if r.Bytes > 0 {
		return fmt.Sprintf("%s: %d iterations, %.2f MB/s",
			r.Name, r.Iterations, r.Throughput()/1e6)
	}
	return fmt.Sprintf("%s: %d iterations in %s", r.Name, r.Iterations, r.Elapsed)
}

// Runner is one synthetic workload.
type Runner interface {
	Name() string
	Run(ctx context.Context, rt *xrt.Runtime) (Result, error)
}

// BandwidthConfig parameterizes the buffer-bandwidth workload.
type BandwidthConfig struct {
	DeviceIndex uint32
	BufferSize  uint64
	Iterations  int
	Workers     int
}

// Bandwidth moves a buffer to the device and back in a loop, per worker,
// and reports aggregate bytes over wall time.
type Bandwidth struct {
	Cfg BandwidthConfig
}

func (b *Bandwidth) Name() string { return "bandwidth" }

func (b *Bandwidth) Run(ctx context.Context, rt *xrt.Runtime) (Result, error) {
	cfg := b.Cfg
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1 << 20
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = 64
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}

	dev, err := rt.OpenDevice(cfg.DeviceIndex)
	if err != nil {
		return Result{}, fmt.Errorf("bandwidth: %w", err)
	}

	pattern := make([]byte, cfg.BufferSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			bo, err := rt.NewBO(dev, cfg.BufferSize, xrt.BOFlagsNone, 0)
			if err != nil {
				return err
			}
			for i := 0; i < cfg.Iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := bo.Write(pattern, 0); err != nil {
					return err
				}
				if err := bo.Sync(xrt.SyncToDevice, cfg.BufferSize, 0); err != nil {
					return err
				}
				if err := bo.Sync(xrt.SyncFromDevice, cfg.BufferSize, 0); err != nil {
					return err
				}
				if _, err := bo.Read(cfg.BufferSize, 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("bandwidth: %w", err)
	}

	iters := cfg.Iterations * cfg.Workers
	return Result{
		Name:       b.Name(),
		Iterations: iters,
		// One iteration moves the buffer down and back up.
		Bytes:   int64(iters) * int64(cfg.BufferSize) * 2,
		Elapsed: time.Since(start),
	}, nil
}

// CommandChainConfig parameterizes the kernel-dispatch workload.
type CommandChainConfig struct {
	DeviceIndex uint32
	XclbinPath  string
	KernelName  string
	Iterations  int
}

// CommandChain loads a container, constructs a kernel and dispatches run
// start/wait pairs back to back, measuring command latency under load.
type CommandChain struct {
	Cfg CommandChainConfig
}

func (c *CommandChain) Name() string { return "command-chain" }

func (c *CommandChain) Run(ctx context.Context, rt *xrt.Runtime) (Result, error) {
	cfg := c.Cfg
	if cfg.Iterations == 0 {
		cfg.Iterations = 256
	}

	dev, err := rt.OpenDevice(cfg.DeviceIndex)
	if err != nil {
		return Result{}, fmt.Errorf("command-chain: %w", err)
	}
	id, err := dev.LoadXclbin(cfg.XclbinPath)
	if err != nil {
		return Result{}, fmt.Errorf("command-chain: %w", err)
	}
	hwctx, err := rt.NewHWContextWithMode(dev, id, xrt.AccessModeShared)
	if err != nil {
		return Result{}, fmt.Errorf("command-chain: %w", err)
	}
	kernel, err := rt.NewKernel(hwctx, cfg.KernelName)
	if err != nil {
		return Result{}, fmt.Errorf("command-chain: %w", err)
	}

	start := time.Now()
	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		run, err := rt.NewRun(kernel)
		if err != nil {
			return Result{}, fmt.Errorf("command-chain iteration %d: %w", i, err)
		}
		if err := run.Start(); err != nil {
			return Result{}, fmt.Errorf("command-chain iteration %d: %w", i, err)
		}
		if _, err := run.Wait(); err != nil {
			return Result{}, fmt.Errorf("command-chain iteration %d: %w", i, err)
		}
	}
	return Result{
		Name:       c.Name(),
		Iterations: cfg.Iterations,
		Elapsed:    time.Since(start),
	}, nil
}

// RunAll executes runners in order and logs each result.
func RunAll(ctx context.Context, rt *xrt.Runtime, runners ...Runner) ([]Result, error) {
	results := make([]Result, 0, len(runners))
	for _, r := range runners {
		res, err := r.Run(ctx, rt)
		if err != nil {
			return results, fmt.Errorf("runner %s: %w", r.Name(), err)
		}
		log.Infof("%s", res)
		results = append(results, res)
	}
	return results, nil
}
