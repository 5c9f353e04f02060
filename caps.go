package scanout

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/scanout/ioctl"
)

type (
	capability struct {
		cap uint64
		val uint64
	}
)

// DRM_CAP_* values understood by the capability ioctl.
const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip
	CapCursorWidth
	CapCursorHeight

	CapAddFB2Modifiers = 0x10
)

// Bits of the CapPrime value.
const (
	PrimeCapImport = 0x1
	PrimeCapExport = 0x2
)

// GetCap queries a single DRM_CAP_* capability value.
func GetCap(file *os.File, capid uint64) (uint64, error) {
	cap := &capability{}
	cap.cap = capid
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGetCap), uintptr(unsafe.Pointer(cap)))
	if err != nil {
		return 0, err
	}
	return cap.val, nil
}

// HasDumbBuffer tests whether the device can allocate dumb buffers,
// the driver-independent CPU-writable buffer kind.
func HasDumbBuffer(file *os.File) bool {
	val, err := GetCap(file, CapDumbBuffer)
	if err != nil {
		return false
	}
	return val != 0
}

func (d *Device) probeCaps() {
	d.dumbBuffers = HasDumbBuffer(d.file)
	if val, err := GetCap(d.file, CapPrime); err == nil {
		d.primeImport = val&PrimeCapImport != 0
	}
	if val, err := GetCap(d.file, CapAddFB2Modifiers); err == nil {
		d.fbModifiers = val != 0
	}
}

// SupportsDumbBuffers reports whether dumb buffer allocation is available.
func (d *Device) SupportsDumbBuffers() bool { return d.dumbBuffers }

// SupportsPrimeImport reports whether dma-buf file descriptors can be
// imported as GEM handles on this device.
func (d *Device) SupportsPrimeImport() bool { return d.primeImport }

// SupportsModifiers reports whether the device accepts modifier-aware
// framebuffer registration.
func (d *Device) SupportsModifiers() bool { return d.fbModifiers }
