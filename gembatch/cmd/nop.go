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
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

// Nop implements subcommands.Command for the "nop" command.
type Nop struct {
	count   int
	batches int
	timeout time.Duration
	every   time.Duration

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Nop) Name() string {
	return "nop"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Nop) Synopsis() string {
	return "submit empty batches and time them"
}

// Usage implements subcommands.Command.Usage.
func (*Nop) Usage() string {
	return `nop [flags] - submit --count batches holding only MI_BATCH_BUFFER_END on each of --batches independent batch buffers, waiting for every one.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (n *Nop) SetFlags(f *flag.FlagSet) {
	f.IntVar(&n.count, "count", 16, "submissions per batch buffer.")
	f.IntVar(&n.batches, "batches", 1, "batch buffers submitting in parallel.")
	f.DurationVar(&n.timeout, "timeout", 10*time.Second, "how long to wait for each submission.")
	f.DurationVar(&n.every, "log-every", time.Second, "minimum interval between progress messages of a batch buffer.")
}

// Execute implements subcommands.Command.Execute.
func (n *Nop) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || n.count <= 0 || n.batches <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := n.out
	if out == nil {
		out = os.Stdout
	}
	conf := confFrom(args)

	dev, err := openDevice(conf)
	if err != nil {
		return Errorf("opening device: %v", err)
	}
	defer dev.Close()

	var done atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n.batches; i++ {
		i := i
		g.Go(func() error {
			return n.run(gctx, dev, uint32(conf.BatchSize), i, &done)
		})
	}
	if err := g.Wait(); err != nil {
		return Errorf("nop: %v", err)
	}
	elapsed := time.Since(start)

	total := done.Load()
	fmt.Fprintf(out, "%d submissions on %d batch buffers in %v (%v per submission)\n",
		total, n.batches, elapsed, elapsed/time.Duration(total))
	return subcommands.ExitSuccess
}

// run submits n.count empty batches from a new batch buffer.
func (n *Nop) run(ctx context.Context, dev *device, size uint32, id int, done *atomic.Int64) error {
	b, err := batch.New(dev.drv, size, dev.opts)
	if err != nil {
		return fmt.Errorf("batch %d: %w", id, err)
	}
	defer b.Destroy()

	progress := log.BasicRateLimitedLogger(n.every)
	for i := 0; i < n.count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := b.EmitBBEnd()
		if err := b.Exec(end, i915.I915_EXEC_DEFAULT, false); err != nil {
			return fmt.Errorf("batch %d submission %d: %w", id, i, err)
		}
		if err := waitFence(ctx, b.PendingFence(), n.timeout); err != nil {
			return fmt.Errorf("batch %d submission %d: %w", id, i, err)
		}
		if err := b.Sync(); err != nil {
			return fmt.Errorf("batch %d submission %d: %w", id, i, err)
		}
		if err := b.Reset(false); err != nil {
			return fmt.Errorf("batch %d: %w", id, err)
		}
		done.Add(1)
		progress.Infof("batch %d: %d of %d submissions done", id, i+1, n.count)
	}
	return nil
}
