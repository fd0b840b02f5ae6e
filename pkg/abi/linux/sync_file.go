// Copyright 2025 The gVisor Authors.
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

package linux

// sync_file ioctls, from include/uapi/linux/sync_file.h.

// SyncIOCMagic is the ioctl type for sync_file requests.
const SyncIOCMagic = uint32('>')

// SyncMergeData is struct sync_merge_data, the parameter of SYNC_IOC_MERGE.
type SyncMergeData struct {
	Name  [32]byte
	FD2   int32
	Fence int32
	Flags uint32
	Pad   uint32
}

// SizeofSyncMergeData is the size of SyncMergeData in bytes.
const SizeofSyncMergeData = 48

// SyncFileInfo is struct sync_file_info, the parameter of
// SYNC_IOC_FILE_INFO.
type SyncFileInfo struct {
	Name          [32]byte
	Status        int32
	Flags         uint32
	NumFences     uint32
	Pad           uint32
	SyncFenceInfo uint64
}

// SizeofSyncFileInfo is the size of SyncFileInfo in bytes.
const SizeofSyncFileInfo = 56

// sync_file ioctl requests.
var (
	SYNC_IOC_MERGE     = IOWR(SyncIOCMagic, 3, SizeofSyncMergeData)
	SYNC_IOC_FILE_INFO = IOWR(SyncIOCMagic, 4, SizeofSyncFileInfo)
)
