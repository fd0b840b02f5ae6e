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

package fd

import (
	"time"

	"golang.org/x/sys/unix"
)

// Forever is the timeout used to wait without a bound.
const Forever = time.Duration(-1)

// WaitReadable waits for fd to become readable (POLLIN) for at most timeout.
// A zero timeout polls without blocking and a negative one blocks until the
// descriptor becomes readable. It returns false if the timeout expired.
//
// POLLERR and POLLNVAL are reported as EIO and EBADF respectively.
func WaitReadable(fd int, timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		msec := -1
		switch {
		case timeout == 0:
			msec = 0
		case timeout > 0:
			left := time.Until(deadline)
			if left < 0 {
				left = 0
			}
			// Round up so that short timeouts don't become busy polls.
			msec = int((left + time.Millisecond - 1) / time.Millisecond)
		}

		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			if timeout > 0 && time.Now().Before(deadline) {
				continue
			}
			return false, nil
		}
		switch re := pfd[0].Revents; {
		case re&unix.POLLNVAL != 0:
			return false, unix.EBADF
		case re&unix.POLLIN != 0:
			return true, nil
		case re&unix.POLLERR != 0:
			return false, unix.EIO
		}
		return false, nil
	}
}

// Readable polls fd once without blocking.
func Readable(fd int) (bool, error) {
	return WaitReadable(fd, 0)
}
