package kms

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/ioctl"
)

// Flags of drm_mode_fb_cmd2.
const (
	FBInterlaced = 1 << 0
	FBModifiers  = 1 << 1
)

type (
	sysFBCmd struct {
		fbID          uint32
		width, height uint32
		pitch         uint32
		bpp           uint32
		depth         uint32

		/* driver specific handle */
		handle uint32
	}

	sysFBCmd2 struct {
		fbID          uint32
		width, height uint32
		pixelFormat   uint32
		flags         uint32

		// per-plane GEM handle, pitch and byte offset; unused planes
		// stay zero
		handles [4]uint32
		pitches [4]uint32
		offsets [4]uint32

		// one format modifier per plane, inspected only with
		// FBModifiers set
		modifier [4]uint64
	}

	sysRmFB struct {
		handle uint32
	}
)

var (
	// DRM_IOWR(0xAE, struct drm_mode_fb_cmd)
	IOCTLModeAddFB = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd{})), scanout.IOCTLBase, 0xAE)

	// DRM_IOWR(0xAF, unsigned int)
	IOCTLModeRmFB = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(uint32(0))), scanout.IOCTLBase, 0xAF)

	// DRM_IOWR(0xB8, struct drm_mode_fb_cmd2)
	IOCTLModeAddFB2 = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd2{})), scanout.IOCTLBase, 0xB8)
)

// AddFB registers a single-plane buffer as a framebuffer through the
// legacy call, describing the pixel layout by color depth and bits per
// pixel instead of a format code.
func AddFB(file *os.File, width, height uint16,
	depth, bpp uint8, pitch, boHandle uint32) (uint32, error) {
	f := &sysFBCmd{}
	f.width = uint32(width)
	f.height = uint32(height)
	f.pitch = pitch
	f.bpp = uint32(bpp)
	f.depth = uint32(depth)
	f.handle = boHandle
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAddFB),
		uintptr(unsafe.Pointer(f)))
	if err != nil {
		return 0, err
	}
	return f.fbID, nil
}

// AddFB2 registers a buffer of up to four planes as a framebuffer,
// identified by a fourcc pixel format. Unused plane slots must be
// zero.
func AddFB2(file *os.File, width, height, pixelFormat uint32,
	handles, pitches, offsets [4]uint32) (uint32, error) {
	f := &sysFBCmd2{
		width:       width,
		height:      height,
		pixelFormat: pixelFormat,
		handles:     handles,
		pitches:     pitches,
		offsets:     offsets,
	}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAddFB2),
		uintptr(unsafe.Pointer(f)))
	if err != nil {
		return 0, err
	}
	return f.fbID, nil
}

// AddFB2WithModifiers is AddFB2 carrying a format modifier for every
// plane. The device must advertise the AddFB2Modifiers capability.
func AddFB2WithModifiers(file *os.File, width, height, pixelFormat uint32,
	handles, pitches, offsets [4]uint32, modifiers [4]uint64) (uint32, error) {
	f := &sysFBCmd2{
		width:       width,
		height:      height,
		pixelFormat: pixelFormat,
		flags:       FBModifiers,
		handles:     handles,
		pitches:     pitches,
		offsets:     offsets,
		modifier:    modifiers,
	}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAddFB2),
		uintptr(unsafe.Pointer(f)))
	if err != nil {
		return 0, err
	}
	return f.fbID, nil
}

// RmFB drops the framebuffer registration behind the given id. The
// kernel accepts this for any id it issued; a failure means the id is
// stale or belongs to another device.
func RmFB(file *os.File, bufferid uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeRmFB),
		uintptr(unsafe.Pointer(&sysRmFB{bufferid})))
}
