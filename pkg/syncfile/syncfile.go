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

// Package syncfile provides completion handles backed by Linux sync_file
// descriptors, as returned by the i915 submission ioctl with an output fence.
//
// A sync_file becomes readable (POLLIN) once every fence it contains has
// signaled. It may be merged with another sync_file into a new descriptor
// that signals when both inputs have.
package syncfile

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/fd"
)

// ErrTimeout is returned by Wait when the timeout expires first. It matches
// the errno the libsync helpers report.
var ErrTimeout error = unix.ETIME

// Fence is an owned sync_file descriptor.
type Fence struct {
	file *fd.FD
}

// New takes ownership of a sync_file fd.
func New(syncFD int) *Fence {
	return &Fence{file: fd.New(syncFD)}
}

// FD returns the descriptor. Fence retains ownership.
func (f *Fence) FD() int {
	return f.file.FD()
}

// Ready polls the fence once without blocking.
func (f *Fence) Ready() (bool, error) {
	return fd.Readable(f.FD())
}

// Wait blocks until the fence signals or timeout expires. A negative timeout
// waits forever. It returns ErrTimeout on expiry.
func (f *Fence) Wait(timeout time.Duration) error {
	ok, err := fd.WaitReadable(f.FD(), timeout)
	if err != nil {
		return fmt.Errorf("waiting on sync_file %d: %w", f.FD(), err)
	}
	if !ok {
		return ErrTimeout
	}
	return nil
}

// Close releases the descriptor.
func (f *Fence) Close() error {
	return f.file.Close()
}

// Status states, as reported by SYNC_IOC_FILE_INFO.
const (
	StatusActive   = 0
	StatusSignaled = 1
)

// Status returns the sync_file status: StatusActive, StatusSignaled or a
// negative errno if one of the fences completed with an error.
func (f *Fence) Status() (int32, error) {
	info, err := fileInfo(f.FD())
	if err != nil {
		return 0, fmt.Errorf("SYNC_IOC_FILE_INFO on %d: %w", f.FD(), err)
	}
	return info.Status, nil
}

// Merge returns a new fence that signals once both a and b have signaled. a
// and b are left open and owned by the caller.
func Merge(a, b *Fence) (*Fence, error) {
	merged, err := merge(a.FD(), b.FD(), "gembatch")
	if err != nil {
		return nil, fmt.Errorf("SYNC_IOC_MERGE(%d, %d): %w", a.FD(), b.FD(), err)
	}
	return New(merged), nil
}

// IsTimeout reports whether err is a wait timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
