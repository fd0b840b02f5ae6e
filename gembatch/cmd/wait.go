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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
)

var errNotSignaled = errors.New("fence not signaled")

// waitFence polls f until it signals, ctx is done or timeout expires.
func waitFence(ctx context.Context, f batch.Fence, timeout time.Duration) error {
	if f == nil {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = timeout

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if ok, err := f.Ready(); err != nil {
			return backoff.Permanent(err)
		} else if ok {
			return nil
		}
		return errNotSignaled
	}
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errNotSignaled) {
			return fmt.Errorf("%w after %v", err, timeout)
		}
		return err
	}
	return nil
}
