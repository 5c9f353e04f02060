// Package kms wraps the kernel mode-setting ioctl surface of a DRM
// device: display resource discovery, dumb buffer allocation,
// framebuffer registration, gamma tables and page flipping. The
// structs mirror the kernel ABI bit for bit; request codes are derived
// from their sizes, so they stay correct across architectures.
package kms

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/ioctl"
)

const (
	DisplayInfoLen   = 32
	ConnectorNameLen = 32
	DisplayModeLen   = 32
	PropNameLen      = 32

	Connected         = 1
	Disconnected      = 2
	UnknownConnection = 3
)

// Flags accepted by PageFlip.
const (
	PageFlipEvent = 0x1
	PageFlipAsync = 0x2
)

type (
	sysResources struct {
		fbIdPtr              uintptr
		crtcIdPtr            uintptr
		connectorIdPtr       uintptr
		encoderIdPtr         uintptr
		CountFbs             uint32
		CountCrtcs           uint32
		CountConnectors      uint32
		CountEncoders        uint32
		MinWidth, MaxWidth   uint32
		MinHeight, MaxHeight uint32
	}

	sysGetConnector struct {
		encodersPtr   uintptr
		modesPtr      uintptr
		propsPtr      uintptr
		propValuesPtr uintptr

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32 // current encoder
		ID              uint32
		connectorType   uint32
		connectorTypeID uint32

		connection        uint32
		mmWidth, mmHeight uint32 // HxW in millimeters
		subpixel          uint32
	}

	sysGetEncoder struct {
		id  uint32
		typ uint32

		crtcID uint32

		possibleCrtcs  uint32
		possibleClones uint32
	}

	// Info describes one display mode, drm_mode_modeinfo.
	Info struct {
		Clock                                         uint32
		Hdisplay, HsyncStart, HsyncEnd, Htotal, Hskew uint16
		Vdisplay, VsyncStart, VsyncEnd, Vtotal, Vscan uint16

		Vrefresh uint32

		Flags uint32
		Type  uint32
		Name  [DisplayModeLen]uint8
	}

	Resources struct {
		sysResources

		Fbs        []uint32
		Crtcs      []uint32
		Connectors []uint32
		Encoders   []uint32
	}

	Connector struct {
		sysGetConnector

		ID            uint32
		EncoderID     uint32
		Type          uint32
		TypeID        uint32
		Connection    uint8
		Width, Height uint32
		Subpixel      uint8

		Modes []Info

		Props      []uint32
		PropValues []uint64

		Encoders []uint32
	}

	Encoder struct {
		ID   uint32
		Type uint32

		CrtcID uint32

		PossibleCrtcs  uint32
		PossibleClones uint32
	}

	sysCreateDumb struct {
		height, width uint32
		bpp           uint32
		flags         uint32

		// returned values
		handle uint32
		pitch  uint32
		size   uint64
	}

	sysMapDumb struct {
		handle uint32 // Handle for the object being mapped
		pad    uint32

		// Fake offset to use for subsequent mmap call
		// This is a fixed-size type for 32/64 compatibility.
		offset uint64
	}

	sysCrtc struct {
		setConnectorsPtr uintptr
		countConnectors  uint32

		id   uint32
		fbID uint32 // Id of framebuffer

		x, y uint32 // Position on the framebuffer

		gammaSize uint32
		modeValid uint32
		mode      Info
	}

	sysDestroyDumb struct {
		handle uint32
	}

	sysCrtcLut struct {
		crtcID    uint32
		gammaSize uint32

		// pointers to arrays
		red   uintptr
		green uintptr
		blue  uintptr
	}

	sysPageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		reserved uint32
		userData uint64
	}

	Crtc struct {
		ID       uint32
		BufferID uint32 // FB id to connect to 0 = disconnect

		X, Y          uint32 // Position on the framebuffer
		Width, Height uint32
		ModeValid     int
		Mode          Info

		GammaSize int // Number of gamma stops
	}

	// DumbBuffer describes a kernel-allocated dumb buffer: a linear,
	// CPU-mappable pixel buffer independent of the GPU driver.
	DumbBuffer struct {
		Height, Width uint32
		BPP           uint32
		Handle        uint32
		Pitch         uint32
		Size          uint64
	}
)

var (
	// DRM_IOWR(0xA0, struct drm_mode_card_res)
	IOCTLModeResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysResources{})), scanout.IOCTLBase, 0xA0)

	// DRM_IOWR(0xA1, struct drm_mode_crtc)
	IOCTLModeGetCrtc = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtc{})), scanout.IOCTLBase, 0xA1)

	// DRM_IOWR(0xA2, struct drm_mode_crtc)
	IOCTLModeSetCrtc = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtc{})), scanout.IOCTLBase, 0xA2)

	// DRM_IOWR(0xA4, struct drm_mode_crtc_lut)
	IOCTLModeGetGamma = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtcLut{})), scanout.IOCTLBase, 0xA4)

	// DRM_IOWR(0xA5, struct drm_mode_crtc_lut)
	IOCTLModeSetGamma = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtcLut{})), scanout.IOCTLBase, 0xA5)

	// DRM_IOWR(0xA6, struct drm_mode_get_encoder)
	IOCTLModeGetEncoder = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetEncoder{})), scanout.IOCTLBase, 0xA6)

	// DRM_IOWR(0xA7, struct drm_mode_get_connector)
	IOCTLModeGetConnector = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetConnector{})), scanout.IOCTLBase, 0xA7)

	// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
	IOCTLModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPageFlip{})), scanout.IOCTLBase, 0xB0)

	// DRM_IOWR(0xB2, struct drm_mode_create_dumb)
	IOCTLModeCreateDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateDumb{})), scanout.IOCTLBase, 0xB2)

	// DRM_IOWR(0xB3, struct drm_mode_map_dumb)
	IOCTLModeMapDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysMapDumb{})), scanout.IOCTLBase, 0xB3)

	// DRM_IOWR(0xB4, struct drm_mode_destroy_dumb)
	IOCTLModeDestroyDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyDumb{})), scanout.IOCTLBase, 0xB4)
)

// GetResources lists the ids of the display objects (framebuffers,
// CRTCs, connectors, encoders) the device exposes. Two-phase ioctl:
// the first call reports counts, the second fills the arrays.
func GetResources(file *os.File) (*Resources, error) {
	mres := &sysResources{}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeResources),
		uintptr(unsafe.Pointer(mres)))
	if err != nil {
		return nil, err
	}

	var (
		fbids, crtcids, connectorids, encoderids []uint32
	)

	if mres.CountFbs > 0 {
		fbids = make([]uint32, mres.CountFbs)
		mres.fbIdPtr = uintptr(unsafe.Pointer(&fbids[0]))
	}
	if mres.CountCrtcs > 0 {
		crtcids = make([]uint32, mres.CountCrtcs)
		mres.crtcIdPtr = uintptr(unsafe.Pointer(&crtcids[0]))
	}
	if mres.CountEncoders > 0 {
		encoderids = make([]uint32, mres.CountEncoders)
		mres.encoderIdPtr = uintptr(unsafe.Pointer(&encoderids[0]))
	}
	if mres.CountConnectors > 0 {
		connectorids = make([]uint32, mres.CountConnectors)
		mres.connectorIdPtr = uintptr(unsafe.Pointer(&connectorids[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeResources),
		uintptr(unsafe.Pointer(mres)))
	if err != nil {
		return nil, err
	}

	// TODO: re-query if a hotplug changed the counts between the two ioctls

	return &Resources{
		sysResources: *mres,
		Fbs:          fbids,
		Crtcs:        crtcids,
		Encoders:     encoderids,
		Connectors:   connectorids,
	}, nil
}

func GetConnector(file *os.File, connid uint32) (*Connector, error) {
	conn := &sysGetConnector{}
	conn.ID = connid
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetConnector),
		uintptr(unsafe.Pointer(conn)))
	if err != nil {
		return nil, err
	}

	var (
		props, encoders []uint32
		propValues      []uint64
		modes           []Info
	)

	if conn.countProps > 0 {
		props = make([]uint32, conn.countProps)
		conn.propsPtr = uintptr(unsafe.Pointer(&props[0]))

		propValues = make([]uint64, conn.countProps)
		conn.propValuesPtr = uintptr(unsafe.Pointer(&propValues[0]))
	}

	if conn.countModes == 0 {
		conn.countModes = 1
	}

	modes = make([]Info, conn.countModes)
	conn.modesPtr = uintptr(unsafe.Pointer(&modes[0]))

	if conn.countEncoders > 0 {
		encoders = make([]uint32, conn.countEncoders)
		conn.encodersPtr = uintptr(unsafe.Pointer(&encoders[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetConnector),
		uintptr(unsafe.Pointer(conn)))
	if err != nil {
		return nil, err
	}

	ret := &Connector{
		sysGetConnector: *conn,
		ID:              conn.ID,
		EncoderID:       conn.encoderID,
		Connection:      uint8(conn.connection),
		Width:           conn.mmWidth,
		Height:          conn.mmHeight,

		// convert subpixel from kernel to userspace
		Subpixel: uint8(conn.subpixel + 1),
		Type:     conn.connectorType,
		TypeID:   conn.connectorTypeID,
	}

	ret.Props = make([]uint32, len(props))
	copy(ret.Props, props)
	ret.PropValues = make([]uint64, len(propValues))
	copy(ret.PropValues, propValues)
	ret.Modes = make([]Info, len(modes))
	copy(ret.Modes, modes)
	ret.Encoders = make([]uint32, len(encoders))
	copy(ret.Encoders, encoders)

	return ret, nil
}

func GetEncoder(file *os.File, id uint32) (*Encoder, error) {
	encoder := &sysGetEncoder{}
	encoder.id = id

	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetEncoder),
		uintptr(unsafe.Pointer(encoder)))
	if err != nil {
		return nil, err
	}

	return &Encoder{
		ID:             encoder.id,
		CrtcID:         encoder.crtcID,
		Type:           encoder.typ,
		PossibleCrtcs:  encoder.possibleCrtcs,
		PossibleClones: encoder.possibleClones,
	}, nil
}

// CreateDumb allocates a dumb buffer of the given dimensions and bits
// per pixel. The kernel picks the pitch and total size.
func CreateDumb(file *os.File, width, height uint16, bpp uint32) (*DumbBuffer, error) {
	dumb := &sysCreateDumb{}
	dumb.width = uint32(width)
	dumb.height = uint32(height)
	dumb.bpp = bpp
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeCreateDumb),
		uintptr(unsafe.Pointer(dumb)))
	if err != nil {
		return nil, err
	}
	return &DumbBuffer{
		Height: dumb.height,
		Width:  dumb.width,
		BPP:    dumb.bpp,
		Handle: dumb.handle,
		Pitch:  dumb.pitch,
		Size:   dumb.size,
	}, nil
}

// MapDumb prepares a dumb buffer for CPU mapping and returns the fake
// offset to pass to mmap on the device file descriptor.
func MapDumb(file *os.File, boHandle uint32) (uint64, error) {
	mreq := &sysMapDumb{}
	mreq.handle = boHandle
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeMapDumb),
		uintptr(unsafe.Pointer(mreq)))
	if err != nil {
		return 0, err
	}
	return mreq.offset, nil
}

func DestroyDumb(file *os.File, handle uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeDestroyDumb),
		uintptr(unsafe.Pointer(&sysDestroyDumb{handle})))
}

func GetCrtc(file *os.File, id uint32) (*Crtc, error) {
	crtc := &sysCrtc{}
	crtc.id = id
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetCrtc),
		uintptr(unsafe.Pointer(crtc)))
	if err != nil {
		return nil, err
	}
	ret := &Crtc{
		ID:        crtc.id,
		X:         crtc.x,
		Y:         crtc.y,
		ModeValid: int(crtc.modeValid),
		BufferID:  crtc.fbID,
		GammaSize: int(crtc.gammaSize),
	}

	ret.Mode = crtc.mode
	ret.Width = uint32(crtc.mode.Hdisplay)
	ret.Height = uint32(crtc.mode.Vdisplay)
	return ret, nil
}

func SetCrtc(file *os.File, crtcid, bufferid, x, y uint32, connectors *uint32, count int, mode *Info) error {
	crtc := &sysCrtc{}
	crtc.x = x
	crtc.y = y
	crtc.id = crtcid
	crtc.fbID = bufferid
	if connectors != nil {
		crtc.setConnectorsPtr = uintptr(unsafe.Pointer(connectors))
	}
	crtc.countConnectors = uint32(count)
	if mode != nil {
		crtc.mode = *mode
		crtc.modeValid = 1
	}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeSetCrtc),
		uintptr(unsafe.Pointer(crtc)))
}

// PageFlip queues an asynchronous flip of the CRTC to the given
// framebuffer. With PageFlipEvent set the kernel posts a completion
// event carrying userData on the device fd; the caller's event loop is
// responsible for reading it.
func PageFlip(file *os.File, crtcid, fbid uint32, flags uint32, userData uint64) error {
	flip := &sysPageFlip{
		crtcID:   crtcid,
		fbID:     fbid,
		flags:    flags,
		userData: userData,
	}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModePageFlip),
		uintptr(unsafe.Pointer(flip)))
}

// SetGamma loads the red, green and blue lookup tables of a CRTC. The
// three tables must have the same length, which must match the size
// reported by GetCrtc.
func SetGamma(file *os.File, crtcid uint32, red, green, blue []uint16) error {
	size := len(red)
	if len(green) != size || len(blue) != size {
		return fmt.Errorf("gamma tables differ in length: %d/%d/%d",
			len(red), len(green), len(blue))
	}
	if size == 0 {
		return fmt.Errorf("empty gamma tables")
	}
	lut := &sysCrtcLut{
		crtcID:    crtcid,
		gammaSize: uint32(size),
		red:       uintptr(unsafe.Pointer(&red[0])),
		green:     uintptr(unsafe.Pointer(&green[0])),
		blue:      uintptr(unsafe.Pointer(&blue[0])),
	}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeSetGamma),
		uintptr(unsafe.Pointer(lut)))
}

// GetGamma reads the current lookup tables of a CRTC into the supplied
// slices, which must all have the CRTC's gamma table length.
func GetGamma(file *os.File, crtcid uint32, red, green, blue []uint16) error {
	size := len(red)
	if len(green) != size || len(blue) != size {
		return fmt.Errorf("gamma tables differ in length: %d/%d/%d",
			len(red), len(green), len(blue))
	}
	if size == 0 {
		return fmt.Errorf("empty gamma tables")
	}
	lut := &sysCrtcLut{
		crtcID:    crtcid,
		gammaSize: uint32(size),
		red:       uintptr(unsafe.Pointer(&red[0])),
		green:     uintptr(unsafe.Pointer(&green[0])),
		blue:      uintptr(unsafe.Pointer(&blue[0])),
	}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetGamma),
		uintptr(unsafe.Pointer(lut)))
}
