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

package fakedrm

import (
	"time"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/eventfd"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/syncfile"
)

// Fence is a completion handle over one or more eventfds. It signals once all
// of them have been written.
type Fence struct {
	evs []eventfd.Eventfd
}

func newFence(sources ...eventfd.Eventfd) (*Fence, error) {
	f := &Fence{}
	for _, ev := range sources {
		d, err := ev.Dup()
		if err != nil {
			f.Close()
			return nil, err
		}
		f.evs = append(f.evs, d)
	}
	return f, nil
}

func merge(a, b *Fence) (*Fence, error) {
	sources := append(append([]eventfd.Eventfd(nil), a.evs...), b.evs...)
	return newFence(sources...)
}

// Ready implements batch.Fence.Ready.
func (f *Fence) Ready() (bool, error) {
	for _, ev := range f.evs {
		ok, err := ev.Signaled()
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Wait implements batch.Fence.Wait. It returns syncfile.ErrTimeout on expiry,
// like a real fence.
func (f *Fence) Wait(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, ev := range f.evs {
		left := timeout
		if timeout > 0 {
			if left = time.Until(deadline); left <= 0 {
				left = 0
			}
		}
		ok, err := ev.WaitSignaled(left)
		if err != nil {
			return err
		}
		if !ok {
			return syncfile.ErrTimeout
		}
	}
	return nil
}

// Close implements batch.Fence.Close.
func (f *Fence) Close() error {
	var firstErr error
	for _, ev := range f.evs {
		if err := ev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.evs = nil
	return firstErr
}
