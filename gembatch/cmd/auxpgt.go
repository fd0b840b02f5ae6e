// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/auxpgt"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/bits"
)

// surfaceStride is the pitch of main surfaces created by the auxpgt command.
const surfaceStride = 4096

// surfaceSpec is a surface requested on the command line.
type surfaceSpec struct {
	size   uint64
	format auxpgt.Format
	tiling auxpgt.TileMode
}

var formatNames = map[string]auxpgt.Format{
	"argb8": auxpgt.FormatARGB8,
	"nv12":  auxpgt.FormatNV12,
	"p010":  auxpgt.FormatP010,
	"p012":  auxpgt.FormatP012,
	"p016":  auxpgt.FormatP016,
}

// surfaceFlags can be used with surface flags that appear multiple times.
type surfaceFlags []surfaceSpec

// String implements flag.Value.
func (s *surfaceFlags) String() string {
	return fmt.Sprintf("%v", *s)
}

// Get implements flag.Getter.
func (s *surfaceFlags) Get() any {
	return s
}

// Set implements flag.Value. The format is SIZE[:FORMAT[:linear|y]].
func (s *surfaceFlags) Set(v string) error {
	parts := strings.Split(v, ":")
	if len(parts) > 3 {
		return fmt.Errorf("invalid surface %q, want SIZE[:FORMAT[:TILING]]", v)
	}
	size, err := parseSize(parts[0])
	if err != nil {
		return err
	}
	if size%auxpgt.MainBlockSize != 0 {
		return fmt.Errorf("surface size %#x is not a multiple of %#x", size, auxpgt.MainBlockSize)
	}
	spec := surfaceSpec{size: size, tiling: auxpgt.TileModeY}
	if len(parts) > 1 {
		f, ok := formatNames[parts[1]]
		if !ok {
			return fmt.Errorf("unknown format %q", parts[1])
		}
		spec.format = f
	}
	if len(parts) > 2 {
		switch parts[2] {
		case "linear":
			spec.tiling = auxpgt.TileModeLinear
		case "y":
			spec.tiling = auxpgt.TileModeY
		default:
			return fmt.Errorf("unknown tiling %q", parts[2])
		}
	}
	*s = append(*s, spec)
	return nil
}

// layout returns the buffer size and planes of a surface. Main surfaces come
// first, each block aligned, followed by their CCS.
func (spec surfaceSpec) layout() (uint64, []auxpgt.Plane) {
	sizes := []uint64{spec.size}
	if spec.format.IsYUV() {
		sizes = append(sizes, bits.AlignUp(spec.size/2, auxpgt.MainBlockSize))
	}
	planes := make([]auxpgt.Plane, len(sizes))
	var off uint64
	for i, size := range sizes {
		planes[i] = auxpgt.Plane{
			Offset:    off,
			Size:      size,
			Stride:    surfaceStride,
			CCSStride: surfaceStride / 512 * 64,
		}
		off += size
	}
	for i := range planes {
		planes[i].CCSOffset = off
		off += planes[i].Size / auxpgt.MainBlockSize * auxpgt.CCSBlockSize
	}
	return off, planes
}

// Auxpgt implements subcommands.Command for the "auxpgt" command.
type Auxpgt struct {
	surfaces surfaceFlags
	render   bool
	timeout  time.Duration

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Auxpgt) Name() string {
	return "auxpgt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Auxpgt) Synopsis() string {
	return "build an AUX page table for compressed surfaces and print it"
}

// Usage implements subcommands.Command.Usage.
func (*Auxpgt) Usage() string {
	return `auxpgt --surface=SIZE[:FORMAT[:TILING]]... - build a Gen12 AUX page table mapping the given surfaces, submit a batch loading it, then decode every entry.

FORMAT is one of argb8 (default), nv12, p010, p012 or p016. TILING is y (default) or linear.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Auxpgt) SetFlags(f *flag.FlagSet) {
	f.Var(&a.surfaces, "surface", "surface to map; can be repeated.")
	f.BoolVar(&a.render, "render", true, "load the render engine register; false loads the video enhancement one.")
	f.DurationVar(&a.timeout, "timeout", 10*time.Second, "how long to wait for the submission.")
}

// Execute implements subcommands.Command.Execute.
func (a *Auxpgt) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || len(a.surfaces) == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := a.out
	if out == nil {
		out = os.Stdout
	}
	conf := confFrom(args)

	dev, err := openDevice(conf)
	if err != nil {
		return Errorf("opening device: %v", err)
	}
	defer dev.Close()
	if dev.opts.Gen < 12 {
		return Errorf("AUX page tables need gen 12, device is gen %d", dev.opts.Gen)
	}
	if dev.opts.EnforceRelocs {
		return Errorf("AUX page tables need known surface addresses, drop --enforce-relocs")
	}
	if err := a.run(ctx, dev, uint32(conf.BatchSize), out); err != nil {
		return Errorf("auxpgt: %v", err)
	}
	return subcommands.ExitSuccess
}

func (a *Auxpgt) run(ctx context.Context, dev *device, size uint32, out io.Writer) error {
	surfaces := make([]auxpgt.Surface, 0, len(a.surfaces))
	defer func() {
		for _, s := range surfaces {
			dev.drv.CloseBuffer(s.Handle)
		}
	}()
	for _, spec := range a.surfaces {
		bufSize, planes := spec.layout()
		h, err := dev.drv.CreateBuffer(bufSize)
		if err != nil {
			return fmt.Errorf("creating surface of %#x bytes: %w", bufSize, err)
		}
		surfaces = append(surfaces, auxpgt.Surface{
			Handle: h,
			Size:   bufSize,
			Tiling: spec.tiling,
			Format: spec.format,
			Planes: planes,
		})
	}

	b, err := batch.New(dev.drv, size, dev.opts)
	if err != nil {
		return err
	}
	defer b.Destroy()

	sorted := auxpgt.Prepare(b, surfaces)
	table, err := auxpgt.Build(b, dev.drv, sorted)
	if err != nil {
		return err
	}

	// Commands at the start of the batch, the table pointer in its upper half.
	b.SetOffset(b.Size() / 2)
	state := auxpgt.CreateState(b, table)
	b.SetOffset(0)
	auxpgt.EmitState(b, state, a.render)
	end := b.EmitBBEnd()
	if err := b.Exec(end, i915.I915_EXEC_RENDER, false); err != nil {
		return err
	}
	if err := waitFence(ctx, b.PendingFence(), a.timeout); err != nil {
		return err
	}
	if err := b.Sync(); err != nil {
		return err
	}

	mem, err := dev.drv.ReadBuffer(table.Handle(), 0, table.Size())
	if err != nil {
		return fmt.Errorf("reading AUX table: %w", err)
	}
	fmt.Fprintf(out, "table %d at %#x, %#x bytes\n", table.Handle(), table.Address(), table.Size())
	for _, s := range sorted {
		base, _ := b.ObjectAddress(s.Handle)
		for i, p := range s.Planes {
			fmt.Fprintf(out, "surface %d plane %d at %#x:\n", s.Handle, i, base+p.Offset)
			for addr := base + p.Offset; addr < base+p.Offset+p.Size; addr += auxpgt.MainBlockSize {
				e, ok := table.Lookup(mem, addr)
				if !ok {
					return fmt.Errorf("surface %d block %#x is not mapped", s.Handle, addr)
				}
				fmt.Fprintf(out, "  %#x -> %v\n", addr, e)
			}
		}
	}
	return table.Release(b, dev.drv)
}
