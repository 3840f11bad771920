// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package traceparse

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/xxh3"

	"github.com/xrttools/xbcapture/tracelog"
)

// Frame is one decoded payload frame of the binary stream. Offset is the
// frame's start, the value text records refer to. Digest is a content hash
// for cross-checking payloads between capture and replay.
type Frame struct {
	Offset int64
	Data   []byte
	Digest uint64
}

// Parse consumes a whole text stream.
func Parse(r io.Reader) (*Trace, error) {
	t := &Trace{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		rec, err := t.ParseLine(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		if rec != nil {
			t.Records = append(t.Records, *rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	return t, nil
}

// openMaybeGzip opens path, transparently decompressing archived traces.
func openMaybeGzip(path string) (io.ReadCloser, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return fp, nil
	}
	zr, err := gzip.NewReader(fp)
	if err != nil {
		_ = fp.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, fp}, nil
}

// ParseFile parses one trace text file, plain or gzip-compressed.
func ParseFile(path string) (*Trace, error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return Parse(r)
}

// ReadFrames decodes the whole binary payload stream.
func ReadFrames(r io.Reader) ([]Frame, error) {
	br := bufio.NewReader(r)
	var frames []Frame
	off := int64(0)
	hdr := make([]byte, 7)
	for {
		if _, err := io.ReadFull(br, hdr); err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return nil, fmt.Errorf("frame header at 0x%x: %w", off, err)
		}
		if hdr[0] != 'm' || hdr[1] != 'e' || hdr[2] != 'm' {
			return nil, fmt.Errorf("bad frame tag %q at 0x%x", hdr[:3], off)
		}
		size := binary.LittleEndian.Uint32(hdr[3:])
		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, fmt.Errorf("frame body at 0x%x: %w", off, err)
		}
		frames = append(frames, Frame{
			Offset: off,
			Data:   data,
			Digest: xxh3.Hash(data),
		})
		off += int64(len(hdr)) + int64(size)
	}
}

// ReadFramesFile decodes a payload file, plain or gzip-compressed.
func ReadFramesFile(path string) ([]Frame, error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadFrames(r)
}

// Capture bundles a parsed trace with its payload frames, indexed by the
// offsets the text records refer to.
type Capture struct {
	Trace  *Trace
	frames map[int64]*Frame
}

// Load reads a full capture from a trace directory.
func Load(dir string) (*Capture, error) {
	trace, err := ParseFile(tracePath(dir, tracelog.TraceFileName))
	if err != nil {
		return nil, err
	}
	c := &Capture{Trace: trace, frames: make(map[int64]*Frame)}

	binPath := tracePath(dir, tracelog.BinFileName)
	if _, err := os.Stat(binPath); err != nil {
		if gz := binPath + ".gz"; fileExists(gz) {
			binPath = gz
		} else {
			// A capture without payloads is still replayable for
			// control flow.
			return c, nil
		}
	}
	frames, err := ReadFramesFile(binPath)
	if err != nil {
		return nil, err
	}
	for i := range frames {
		c.frames[frames[i].Offset] = &frames[i]
	}
	return c, nil
}

// Payload resolves a payload reference to its frame bytes.
func (c *Capture) Payload(ref *MemRef) ([]byte, error) {
	if ref == nil {
		return nil, fmt.Errorf("nil payload reference")
	}
	frame, ok := c.frames[ref.Offset]
	if !ok {
		return nil, fmt.Errorf("no payload frame at 0x%x", ref.Offset)
	}
	return frame.Data, nil
}

func tracePath(dir, name string) string {
	p := filepath.Join(dir, name)
	if !fileExists(p) && fileExists(p+".gz") {
		return p + ".gz"
	}
	return p
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
