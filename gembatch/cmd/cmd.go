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

// Package cmd holds implementations of the gembatch commands.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"

	"github.com/ideak/intel-gpu-tools-sub002/gembatch/config"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/drm"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/drm/fakedrm"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

// Fatalf logs to stderr and the debug log, then exits with failure.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "gembatch: "+format+"\n", args...)
	os.Exit(128)
}

// Errorf logs to stderr and the debug log, and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "gembatch: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// driver is a batch.Driver whose buffers can be read back.
type driver interface {
	batch.Driver
	ReadBuffer(handle uint32, offset, size uint64) ([]byte, error)
}

// device is an opened driver with the batch options matching it.
type device struct {
	drv      driver
	opts     batch.Options
	chipset  uint16
	fake     bool
	closeDrv func()
	unlock   func() error
}

// Close releases the driver and the lock file.
func (d *device) Close() {
	d.closeDrv()
	if d.unlock != nil {
		if err := d.unlock(); err != nil {
			log.Warningf("Unlocking lock file: %v", err)
		}
	}
}

// lockFile takes an exclusive lock on path, creating it if needed.
func lockFile(path string) (func() error, error) {
	l := flock.NewFlock(path)
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %v", path, err)
	}
	return l.Unlock, nil
}

// openDevice opens the device selected by conf.
func openDevice(conf *config.Config) (*device, error) {
	var unlock func() error
	if conf.LockFile != "" {
		var err error
		if unlock, err = lockFile(conf.LockFile); err != nil {
			return nil, err
		}
		log.Debugf("Holding lock file %q", conf.LockFile)
	}
	d, err := openDriver(conf)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return nil, err
	}
	d.unlock = unlock
	return d, nil
}

func openDriver(conf *config.Config) (*device, error) {
	var d device
	if conf.Fake {
		f := fakedrm.New(conf.FakeGen)
		d = device{drv: f, opts: f.Options(), fake: true, closeDrv: f.Close}
	} else {
		dev, err := drm.Open(conf.Device)
		if err != nil {
			return nil, err
		}
		id, err := dev.ChipsetID()
		if err != nil {
			dev.Close()
			return nil, err
		}
		gen, err := conf.GenFor(id)
		if err != nil {
			dev.Close()
			return nil, err
		}
		opts, err := dev.BatchOptions(batch.Options{Gen: gen, Context: uint32(conf.Context)})
		if err != nil {
			dev.Close()
			return nil, err
		}
		d = device{drv: dev, opts: opts, chipset: id, closeDrv: func() { dev.Close() }}
	}
	d.opts.Seed = uint32(conf.Seed)
	d.opts.EnforceRelocs = conf.EnforceRelocs
	d.opts.Debug = conf.DumpBatches
	return &d, nil
}

// confFrom extracts the Config passed to Execute.
func confFrom(args []any) *config.Config {
	return args[0].(*config.Config)
}

// parseSize parses a byte count with an optional K or M suffix.
func parseSize(s string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v == 0 {
		return 0, errors.New("size must be positive")
	}
	return v * mult, nil
}
