package kms

import (
	"testing"
	"unsafe"
)

func sixtyFourBit(t *testing.T) {
	t.Helper()
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("reference values below are for 64-bit kernels")
	}
}

// Values from the kernel's include/uapi/drm headers, as a 64-bit
// compiler encodes them. A mismatch means one of the sys structs has
// the wrong layout.
func TestRequestCodes(t *testing.T) {
	sixtyFourBit(t)
	for _, tc := range []struct {
		name     string
		code     uint32
		expected uint32
	}{
		{"MODE_GETRESOURCES", IOCTLModeResources, 0xC04064A0},
		{"MODE_GETCRTC", IOCTLModeGetCrtc, 0xC06864A1},
		{"MODE_SETCRTC", IOCTLModeSetCrtc, 0xC06864A2},
		{"MODE_GETGAMMA", IOCTLModeGetGamma, 0xC02064A4},
		{"MODE_SETGAMMA", IOCTLModeSetGamma, 0xC02064A5},
		{"MODE_GETENCODER", IOCTLModeGetEncoder, 0xC01464A6},
		{"MODE_GETCONNECTOR", IOCTLModeGetConnector, 0xC05064A7},
		{"MODE_ADDFB", IOCTLModeAddFB, 0xC01C64AE},
		{"MODE_RMFB", IOCTLModeRmFB, 0xC00464AF},
		{"MODE_PAGE_FLIP", IOCTLModePageFlip, 0xC01864B0},
		{"MODE_CREATE_DUMB", IOCTLModeCreateDumb, 0xC02064B2},
		{"MODE_MAP_DUMB", IOCTLModeMapDumb, 0xC01064B3},
		{"MODE_DESTROY_DUMB", IOCTLModeDestroyDumb, 0xC00464B4},
		{"MODE_ADDFB2", IOCTLModeAddFB2, 0xC06864B8},
	} {
		if tc.code != tc.expected {
			t.Errorf("DRM_IOCTL_%s: expected %#08x but got %#08x",
				tc.name, tc.expected, tc.code)
		}
	}
}

func TestModeInfoLayout(t *testing.T) {
	// drm_mode_modeinfo has no 64-bit members, so its size is the
	// same everywhere
	if sz := unsafe.Sizeof(Info{}); sz != 68 {
		t.Errorf("drm_mode_modeinfo must be 68 bytes, got %d", sz)
	}
}

func TestFBCmd2Layout(t *testing.T) {
	sixtyFourBit(t)
	// the modifier array is 8-aligned, which pads the struct from
	// 100 to 104 bytes on 64-bit
	if sz := unsafe.Sizeof(sysFBCmd2{}); sz != 104 {
		t.Errorf("drm_mode_fb_cmd2 must be 104 bytes, got %d", sz)
	}
	if off := unsafe.Offsetof(sysFBCmd2{}.modifier); off != 72 {
		t.Errorf("modifier array must start at byte 72, got %d", off)
	}
}

func TestCrtcLayout(t *testing.T) {
	sixtyFourBit(t)
	if sz := unsafe.Sizeof(sysCrtc{}); sz != 104 {
		t.Errorf("drm_mode_crtc must be 104 bytes, got %d", sz)
	}
}
