// Copyright 2018 The gVisor Authors.
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

// Package fd provides types for working with file descriptors.
package fd

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ReadWriter implements io.ReadWriter for fd. It does not take ownership of
// fd.
type ReadWriter struct {
	// fd is accessed atomically so FD.Close/Release can swap it.
	fd atomic.Int64
}

var _ io.ReadWriter = (*ReadWriter)(nil)

// NewReadWriter creates a ReadWriter for fd.
func NewReadWriter(fd int) *ReadWriter {
	r := &ReadWriter{}
	r.fd.Store(int64(fd))
	return r
}

func fixCount(n int, err error) (int, error) {
	if n < 0 {
		n = 0
	}
	return n, err
}

// Read implements io.Reader.
func (r *ReadWriter) Read(b []byte) (int, error) {
	for {
		c, err := fixCount(unix.Read(int(r.fd.Load()), b))
		if err == unix.EINTR {
			continue
		}
		if c == 0 && len(b) > 0 && err == nil {
			return 0, io.EOF
		}
		return c, err
	}
}

// Write implements io.Writer.
func (r *ReadWriter) Write(b []byte) (int, error) {
	var err error
	var n, remaining int
	for remaining = len(b); remaining > 0; {
		woff := len(b) - remaining
		n, err = unix.Write(int(r.fd.Load()), b[woff:])

		if n > 0 {
			remaining -= n
			continue
		}
		if err == nil {
			// There is no way to guarantee that a subsequent write will
			// make forward progress so just panic.
			panic(fmt.Sprintf("write(2) returned %d with no error", n))
		}
		if err != unix.EINTR {
			break
		}
	}

	return len(b) - remaining, err
}

// FD owns a host file descriptor.
//
// It is similar to os.File, but FD provides a Release() method which
// relinquishes ownership, and it supports both blocking and non-blocking
// descriptors. Like os.File, FD adds a finalizer to close the backing FD.
type FD struct {
	ReadWriter
}

// New creates a new FD.
//
// New takes ownership of fd.
func New(fd int) *FD {
	f := &FD{}
	if fd < 0 {
		f.fd.Store(-1)
		return f
	}
	f.fd.Store(int64(fd))
	runtime.SetFinalizer(f, (*FD).Close)
	return f
}

// NewFromFile creates a new FD from an os.File.
//
// NewFromFile does not transfer ownership of the file descriptor; it is
// duplicated, so both the os.File and FD will eventually need to be closed.
func NewFromFile(file *os.File) (*FD, error) {
	fd, err := unix.FcntlInt(file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	// Technically, the runtime may call the finalizer on file as soon as
	// Fd() returns.
	runtime.KeepAlive(file)
	if err != nil {
		return New(-1), err
	}
	return New(fd), nil
}

// Open is equivalent to open(2). The descriptor is always close-on-exec.
func Open(path string, openmode int, perm uint32) (*FD, error) {
	f, err := unix.Open(path, openmode|unix.O_LARGEFILE|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// Dup returns a new FD referring to the same open file.
func (f *FD) Dup() (*FD, error) {
	fd, err := unix.FcntlInt(uintptr(f.FD()), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return New(fd), nil
}

// Close closes the file descriptor contained in the FD.
//
// Close is safe to call multiple times, but will return an error after the
// first call.
//
// Concurrently calling Close and any other method is undefined.
func (f *FD) Close() error {
	runtime.SetFinalizer(f, nil)
	return unix.Close(int(f.fd.Swap(-1)))
}

// Release relinquishes ownership of the contained file descriptor.
//
// Concurrently calling Release and any other method is undefined.
func (f *FD) Release() int {
	runtime.SetFinalizer(f, nil)
	return int(f.fd.Swap(-1))
}

// FD returns the file descriptor owned by FD. FD retains ownership.
func (f *FD) FD() int {
	return int(f.fd.Load())
}

// Valid returns true if f still owns a descriptor.
func (f *FD) Valid() bool {
	return f.fd.Load() >= 0
}
