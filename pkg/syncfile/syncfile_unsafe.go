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

package syncfile

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/linux"
)

func ioctl(fd int, cmd uint32, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.RawSyscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func merge(fd1, fd2 int, name string) (int, error) {
	data := linux.SyncMergeData{FD2: int32(fd2)}
	copy(data.Name[:len(data.Name)-1], name)
	if err := ioctl(fd1, linux.SYNC_IOC_MERGE, unsafe.Pointer(&data)); err != nil {
		return -1, err
	}
	return int(data.Fence), nil
}

func fileInfo(fd int) (linux.SyncFileInfo, error) {
	var info linux.SyncFileInfo
	err := ioctl(fd, linux.SYNC_IOC_FILE_INFO, unsafe.Pointer(&info))
	return info, err
}
