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

// Package linux contains the constants and types needed to interface with the
// Linux kernel from the GEM batch engine.
package linux

// ioctl(2) request number encoding, from include/uapi/asm-generic/ioctl.h.
const (
	_IOC_NRBITS   = 8
	_IOC_TYPEBITS = 8
	_IOC_SIZEBITS = 14
	_IOC_DIRBITS  = 2

	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS

	_IOC_NONE  = 0
	_IOC_WRITE = 1
	_IOC_READ  = 2
)

// IOC outputs the result of _IOC macro in include/uapi/asm-generic/ioctl.h.
func IOC(dir, typ, nr, size uint32) uint32 {
	return uint32(dir)<<_IOC_DIRSHIFT | typ<<_IOC_TYPESHIFT | nr<<_IOC_NRSHIFT | size<<_IOC_SIZESHIFT
}

// IO outputs the result of _IO macro in include/uapi/asm-generic/ioctl.h.
func IO(typ, nr uint32) uint32 {
	return IOC(_IOC_NONE, typ, nr, 0)
}

// IOR outputs the result of _IOR macro in include/uapi/asm-generic/ioctl.h.
func IOR(typ, nr, size uint32) uint32 {
	return IOC(_IOC_READ, typ, nr, size)
}

// IOW outputs the result of _IOW macro in include/uapi/asm-generic/ioctl.h.
func IOW(typ, nr, size uint32) uint32 {
	return IOC(_IOC_WRITE, typ, nr, size)
}

// IOWR outputs the result of _IOWR macro in include/uapi/asm-generic/ioctl.h.
func IOWR(typ, nr, size uint32) uint32 {
	return IOC(_IOC_READ|_IOC_WRITE, typ, nr, size)
}

// IOC_DIR outputs the result of _IOC_DIR macro in
// include/uapi/asm-generic/ioctl.h.
func IOC_DIR(nr uint32) uint32 {
	return (nr >> _IOC_DIRSHIFT) & ((1 << _IOC_DIRBITS) - 1)
}

// IOC_TYPE outputs the result of _IOC_TYPE macro in
// include/uapi/asm-generic/ioctl.h.
func IOC_TYPE(nr uint32) uint32 {
	return (nr >> _IOC_TYPESHIFT) & ((1 << _IOC_TYPEBITS) - 1)
}

// IOC_NR outputs the result of _IOC_NR macro in
// include/uapi/asm-generic/ioctl.h.
func IOC_NR(nr uint32) uint32 {
	return (nr >> _IOC_NRSHIFT) & ((1 << _IOC_NRBITS) - 1)
}

// IOC_SIZE outputs the result of _IOC_SIZE macro in
// include/uapi/asm-generic/ioctl.h.
func IOC_SIZE(nr uint32) uint32 {
	return (nr >> _IOC_SIZESHIFT) & ((1 << _IOC_SIZEBITS) - 1)
}

// Direction bits as returned by IOC_DIR.
const (
	IOCNone  = _IOC_NONE
	IOCWrite = _IOC_WRITE
	IOCRead  = _IOC_READ
)
