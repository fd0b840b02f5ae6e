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

	"github.com/google/subcommands"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "print the device generation and GPU address space"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info - print the chipset id, generation, GTT size and 48-bit address support of the device.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := i.out
	if out == nil {
		out = os.Stdout
	}

	dev, err := openDevice(confFrom(args))
	if err != nil {
		return Errorf("opening device: %v", err)
	}
	defer dev.Close()

	gtt := dev.opts.GTTSize
	if !dev.opts.FullPPGTT {
		gtt /= 2
	}
	if dev.fake {
		fmt.Fprintf(out, "device:      emulated\n")
	} else {
		fmt.Fprintf(out, "chipset:     %#04x\n", dev.chipset)
	}
	fmt.Fprintf(out, "generation:  %d\n", dev.opts.Gen)
	fmt.Fprintf(out, "full ppgtt:  %t\n", dev.opts.FullPPGTT)
	fmt.Fprintf(out, "gtt size:    %#x\n", gtt)
	fmt.Fprintf(out, "48-bit:      %t\n", (gtt-1)>>32 != 0)
	return subcommands.ExitSuccess
}
