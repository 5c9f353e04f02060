package scanout

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/scanout/ioctl"
)

type (
	sysPrimeHandle struct {
		handle uint32
		flags  uint32
		fd     int32
	}

	sysGemClose struct {
		handle uint32
		pad    uint32
	}
)

// PrimeFDToHandle imports a dma-buf file descriptor into the device's
// GEM namespace and returns the handle. Importing the same underlying
// buffer twice yields the same handle; the kernel keeps one reference
// per device regardless.
func PrimeFDToHandle(file *os.File, fd int) (uint32, error) {
	prime := &sysPrimeHandle{fd: int32(fd)}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLPrimeFDToHandle),
		uintptr(unsafe.Pointer(prime)))
	if err != nil {
		return 0, err
	}
	return prime.handle, nil
}

// CloseHandle drops a GEM handle obtained through import. Handles are
// per-device; closing releases the device's reference on the
// underlying buffer, not the buffer itself if others still hold it.
func CloseHandle(file *os.File, handle uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGemClose),
		uintptr(unsafe.Pointer(&sysGemClose{handle: handle})))
}
