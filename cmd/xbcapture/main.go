// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

// xbcapture is the capture toolchain's front end: it launches applications
// under interception, replays captured traces, runs synthetic workloads and
// dumps traces in readable form.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/xrttools/xbcapture/bench"
	"github.com/xrttools/xbcapture/dispatch"
	"github.com/xrttools/xbcapture/elfsym"
	"github.com/xrttools/xbcapture/replay"
	"github.com/xrttools/xbcapture/tracelog"
	"github.com/xrttools/xbcapture/traceparse"
	"github.com/xrttools/xbcapture/xrt"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	root := &ffcli.Command{
		ShortUsage: "xbcapture <subcommand> [flags]",
		FlagSet:    flag.NewFlagSet("xbcapture", flag.ExitOnError),
		Subcommands: []*ffcli.Command{
			runCommand(),
			replayCommand(),
			benchCommand(),
			dumpCommand(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("%v", err)
	}
}

// openRuntime binds the shim layer against a runtime library image for the
// standalone tools, which have no preloaded shim: the library's own
// exported symbols both name and resolve the intercepted surface.
func openRuntime(libPath string, logger *tracelog.Logger) (*xrt.Runtime, error) {
	symtab, err := elfsym.Load(libPath)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", libPath, err)
	}
	resolver, err := dispatch.OpenLibrary([]string{libPath, dispatch.OriginalLibraryELF})
	if err != nil {
		return nil, err
	}
	table := dispatch.NewTable()
	if err := table.Resolve(symtab, resolver); err != nil {
		return nil, fmt.Errorf("resolution pass: %w", err)
	}
	return xrt.NewRuntime(table, logger, dispatch.SyscallCaller{}), nil
}

func replayCommand() *ffcli.Command {
	fs := flag.NewFlagSet("xbcapture replay", flag.ExitOnError)
	dir := fs.String("dir", "", "trace directory to replay")
	lib := fs.String("lib", dispatch.OriginalLibraryELF, "runtime library to replay against")
	strict := fs.Bool("strict", false, "fail on the first unreplayable record")
	debug := fs.Bool("debug", false, "verbose diagnostics")

	return &ffcli.Command{
		Name:       "replay",
		ShortUsage: "xbcapture replay -dir <trace-dir> [flags]",
		ShortHelp:  "replay a captured trace against a live runtime",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if *dir == "" {
				return errors.New("replay: -dir is required")
			}
			if *debug {
				log.SetLevel(log.DebugLevel)
			}
			capture, err := traceparse.Load(*dir)
			if err != nil {
				return fmt.Errorf("loading capture: %w", err)
			}
			rt, err := openRuntime(*lib, tracelog.Nop())
			if err != nil {
				return err
			}
			engine := replay.New(rt, capture)
			engine.Strict = *strict
			if err := engine.Run(); err != nil {
				return err
			}
			log.Infof("replayed %d records from %s", len(capture.Trace.Records), *dir)
			return nil
		},
	}
}

func benchCommand() *ffcli.Command {
	fs := flag.NewFlagSet("xbcapture bench", flag.ExitOnError)
	lib := fs.String("lib", dispatch.OriginalLibraryELF, "runtime library to drive")
	device := fs.Uint("device", 0, "device enumeration index")
	size := fs.Uint64("size", 1<<20, "buffer size in bytes")
	iters := fs.Int("iterations", 64, "iterations per worker")
	workers := fs.Int("workers", 1, "concurrent workers")
	xclbin := fs.String("xclbin", "", "bitstream container for the command-chain runner")
	kernel := fs.String("kernel", "", "kernel name for the command-chain runner")

	return &ffcli.Command{
		Name:       "bench",
		ShortUsage: "xbcapture bench [flags]",
		ShortHelp:  "run synthetic workloads against a live runtime",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			rt, err := openRuntime(*lib, tracelog.Nop())
			if err != nil {
				return err
			}
			runners := []bench.Runner{
				&bench.Bandwidth{Cfg: bench.BandwidthConfig{
					DeviceIndex: uint32(*device),
					BufferSize:  *size,
					Iterations:  *iters,
					Workers:     *workers,
				}},
			}
			if *xclbin != "" && *kernel != "" {
				runners = append(runners, &bench.CommandChain{Cfg: bench.CommandChainConfig{
					DeviceIndex: uint32(*device),
					XclbinPath:  *xclbin,
					KernelName:  *kernel,
					Iterations:  *iters,
				}})
			}
			results, err := bench.RunAll(ctx, rt, runners...)
			if err != nil {
				return err
			}
			for _, res := range results {
				fmt.Println(res)
			}
			return nil
		},
	}
}

func dumpCommand() *ffcli.Command {
	fs := flag.NewFlagSet("xbcapture dump", flag.ExitOnError)
	dir := fs.String("dir", "", "trace directory to dump")
	payloads := fs.Bool("payloads", false, "list binary payload frames")

	return &ffcli.Command{
		Name:       "dump",
		ShortUsage: "xbcapture dump -dir <trace-dir> [flags]",
		ShortHelp:  "print a captured trace in readable form",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if *dir == "" {
				return errors.New("dump: -dir is required")
			}
			capture, err := traceparse.Load(*dir)
			if err != nil {
				return err
			}
			h := capture.Trace.Header
			fmt.Printf("process %q pid %d, runtime %s, %s, started %s\n",
				h.PName, h.PID, h.XRTVersion, h.OS, h.Time)
			for i := range capture.Trace.Records {
				printRecord(capture, &capture.Trace.Records[i])
			}
			if *payloads {
				return printPayloads(*dir)
			}
			return nil
		},
	}
}

func printRecord(capture *traceparse.Capture, rec *traceparse.Record) {
	fmt.Printf("%-5s %s pid=%d tid=%d handle=0x%x %s",
		rec.Kind, rec.Elapsed, rec.PID, rec.TID, rec.Handle, rec.Signature)
	for i := range rec.Args {
		fmt.Printf(" arg%d=%s", i, fieldText(capture, &rec.Args[i]))
	}
	if rec.Ret != nil {
		fmt.Printf(" ret=%s", fieldText(capture, rec.Ret))
	}
	for i := range rec.Outs {
		fmt.Printf(" %s=%s", rec.Outs[i].Name, fieldText(capture, &rec.Outs[i]))
	}
	fmt.Println()
}

func fieldText(capture *traceparse.Capture, f *traceparse.Field) string {
	if f.Mem == nil {
		return f.Text
	}
	data, err := capture.Payload(f.Mem)
	if err != nil {
		return fmt.Sprintf("%s (payload missing)", f.Text)
	}
	return fmt.Sprintf("<%d bytes at 0x%x>", len(data), f.Mem.Offset)
}

func printPayloads(dir string) error {
	frames, err := traceparse.ReadFramesFile(dir + "/" + tracelog.BinFileName)
	if err != nil {
		return err
	}
	for _, fr := range frames {
		fmt.Printf("frame at 0x%x: %d bytes, xxh3 %016x\n",
			fr.Offset, len(fr.Data), fr.Digest)
	}
	return nil
}
