package kms

import (
	"fmt"
	"strings"
)

// FourCC packs four ascii characters into a pixel format code, the
// fourcc encoding of drm_fourcc.h.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats, DRM_FORMAT_*. The names in the fourcc encode channel
// order and width; XRGB8888 ("XR24") is the format scanout pipelines
// default to.
var (
	FormatRGB565      = FourCC('R', 'G', '1', '6')
	FormatXRGB8888    = FourCC('X', 'R', '2', '4')
	FormatARGB8888    = FourCC('A', 'R', '2', '4')
	FormatXBGR8888    = FourCC('X', 'B', '2', '4')
	FormatABGR8888    = FourCC('A', 'B', '2', '4')
	FormatXRGB2101010 = FourCC('X', 'R', '3', '0')
	FormatARGB2101010 = FourCC('A', 'R', '3', '0')

	// two planes, Y then interleaved CbCr at half resolution
	FormatNV12 = FourCC('N', 'V', '1', '2')
)

// Format modifiers, DRM_FORMAT_MOD_*. Vendor-specific tiling and
// compression layouts live above the vendor code bits; only the two
// generic values matter to buffer management itself.
const (
	// ModLinear is plain row-major memory.
	ModLinear uint64 = 0

	// ModInvalid marks a buffer whose layout is unknown or
	// driver-internal; such buffers cannot take the modifier-aware
	// registration path.
	ModInvalid uint64 = 0x00ffffffffffffff
)

// ModifierValid reports whether mod describes an explicit layout.
func ModifierValid(mod uint64) bool {
	return mod != ModInvalid
}

// FormatName renders a pixel format code the way driver diagnostics
// spell it ("XR24", "NV12"). Values that do not decode to printable
// fourcc characters come back as hex.
func FormatName(format uint32) string {
	var buf [4]byte
	for i := range buf {
		c := byte(format >> (8 * uint(i)))
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%#010x", format)
		}
		buf[i] = c
	}
	return strings.TrimRight(string(buf[:]), " ")
}
