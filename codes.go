package scanout

import (
	"unsafe"

	"github.com/NeowayLabs/scanout/ioctl"
)

const IOCTLBase = 'd'

var (
	// DRM_IOWR(0x00, struct drm_version)
	IOCTLVersion = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(version{})), IOCTLBase, 0)

	// DRM_IOWR(0x0c, struct drm_get_cap)
	IOCTLGetCap = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(capability{})), IOCTLBase, 0x0c)

	// DRM_IOW(0x09, struct drm_gem_close)
	IOCTLGemClose = ioctl.NewCode(ioctl.Write,
		uint16(unsafe.Sizeof(sysGemClose{})), IOCTLBase, 0x09)

	// DRM_IOWR(0x2e, struct drm_prime_handle)
	IOCTLPrimeFDToHandle = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPrimeHandle{})), IOCTLBase, 0x2e)
)
