package ioctl

import (
	"fmt"
	"syscall"
)

// Request codes follow the generic encoding of include/uapi/asm-generic/ioctl.h:
//
//	bits    meaning
//	31-30   direction: 00 none (_IO), 01 write (_IOW),
//	        10 read (_IOR), 11 read/write (_IOWR)
//	29-16   size of the argument struct
//	15-8    ascii character identifying the driver
//	7-0     function number
//
// Some architectures (e.g. powerpc) deviate; this package targets the
// generic layout, which is the one linux/drm uses on every platform Go
// supports.
// Reference: https://www.kernel.org/doc/Documentation/ioctl/ioctl-decoding.txt

// Direction bits of a request code.
const (
	None  = uint8(0x0)
	Write = uint8(0x1)
	Read  = uint8(0x2)
)

// NewCode assembles a request code from direction bits, argument size,
// driver character and function number. Sizes come from unsafe.Sizeof
// of the argument struct, so the code matches the kernel's per-arch
// value automatically. Panics on values that cannot be encoded; codes
// are built from compile-time constants, so that is a programming
// error, not a runtime condition.
func NewCode(dir uint8, sz uint16, uniq, fn uint8) uint32 {
	var code uint32
	if dir > Write|Read {
		panic(fmt.Errorf("invalid ioctl direction value: %d", dir))
	}

	if sz > 2<<14 {
		panic(fmt.Errorf("invalid ioctl size value: %d", sz))
	}

	code = code | (uint32(dir) << 30)
	code = code | (uint32(sz) << 16)
	code = code | (uint32(uniq) << 8)
	code = code | uint32(fn)
	return code
}

// Do issues the ioctl. On failure the returned error is the raw
// syscall.Errno, so callers can classify it with errors.Is against
// the unix errno values.
func Do(fd, cmd, ptr uintptr) error {
	_, _, errcode := syscall.Syscall(syscall.SYS_IOCTL, fd, cmd, ptr)
	if errcode != 0 {
		return errcode
	}
	return nil
}
