package buffer

import (
	"fmt"
	"sync/atomic"

	"launchpad.net/gommap"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/kms"
)

// Kind says which allocator family a framebuffer's backing comes
// from. Scanning out a buffer of a different kind than the one the
// display controller is currently programmed for requires a full mode
// set.
type Kind int

const (
	KindDumb Kind = iota
	KindGPU
)

func (k Kind) String() string {
	switch k {
	case KindDumb:
		return "dumb"
	case KindGPU:
		return "gpu"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// planeLayout is the per-plane view of a BO that the registration
// calls consume.
type planeLayout struct {
	handles   [4]uint32
	pitches   [4]uint32
	offsets   [4]uint32
	modifiers [4]uint64
	count     int
}

// layout flattens the BO for registration. When per-plane handles are
// unavailable the primary handle stands in for plane 0 and the
// modifier is dropped, which keeps the modifier-aware path out of the
// running.
func (bo *BO) layout() planeLayout {
	var l planeLayout
	if !bo.planeHandles {
		l.count = 1
		l.handles[0] = bo.handles[0]
		l.pitches[0] = bo.pitches[0]
		l.modifiers[0] = kms.ModInvalid
		return l
	}
	l.count = bo.planeCount
	for i := 0; i < bo.planeCount; i++ {
		l.handles[i] = bo.handles[i]
		l.pitches[i] = bo.pitches[i]
		l.offsets[i] = bo.offsets[i]
		l.modifiers[i] = bo.modifier
	}
	return l
}

// registrar is the seam between framebuffer construction and the
// kernel registration calls.
type registrar interface {
	addFB2WithModifiers(bo *BO, l planeLayout) (uint32, error)
	addFB2(bo *BO, l planeLayout) (uint32, error)
	addFB(bo *BO, l planeLayout) (uint32, error)
	rmFB(id uint32) error
}

type regTier struct {
	name     string
	eligible func(l planeLayout, modifiersOK bool) bool
	register func(reg registrar, bo *BO, l planeLayout) (uint32, error)
}

func always(planeLayout, bool) bool { return true }

// regTiers is the registration ladder, tried in order. The
// modifier-aware call runs only when both the device and the buffer
// carry modifiers; the plain calls are always worth a try, down to
// the legacy single-plane one.
var regTiers = []regTier{
	{
		name: "addfb2 with modifiers",
		eligible: func(l planeLayout, modifiersOK bool) bool {
			return modifiersOK && kms.ModifierValid(l.modifiers[0])
		},
		register: func(reg registrar, bo *BO, l planeLayout) (uint32, error) {
			return reg.addFB2WithModifiers(bo, l)
		},
	},
	{
		name:     "addfb2",
		eligible: always,
		register: func(reg registrar, bo *BO, l planeLayout) (uint32, error) {
			return reg.addFB2(bo, l)
		},
	},
	{
		name:     "addfb",
		eligible: always,
		register: func(reg registrar, bo *BO, l planeLayout) (uint32, error) {
			return reg.addFB(bo, l)
		},
	},
}

// registerScanout walks the ladder until a tier accepts the buffer.
// Individual tier failures are expected on older devices and only
// logged at debug level; the returned error is the last tier's.
func registerScanout(reg registrar, bo *BO, modifiersOK bool) (uint32, error) {
	l := bo.layout()
	var lastErr error
	for _, tier := range regTiers {
		if !tier.eligible(l, modifiersOK) {
			continue
		}
		id, err := tier.register(reg, bo, l)
		if err == nil {
			return id, nil
		}
		scanout.Logger().Debug("framebuffer registration attempt failed",
			"method", tier.name, "error", err)
		lastErr = err
	}
	return 0, lastErr
}

type kernelRegistrar struct {
	dev *scanout.Device
}

func (r kernelRegistrar) addFB2WithModifiers(bo *BO, l planeLayout) (uint32, error) {
	return kms.AddFB2WithModifiers(r.dev.File(), bo.width, bo.height, bo.format,
		l.handles, l.pitches, l.offsets, l.modifiers)
}

func (r kernelRegistrar) addFB2(bo *BO, l planeLayout) (uint32, error) {
	return kms.AddFB2(r.dev.File(), bo.width, bo.height, bo.format,
		l.handles, l.pitches, l.offsets)
}

func (r kernelRegistrar) addFB(bo *BO, l planeLayout) (uint32, error) {
	// The legacy call predates fourcc formats. Depth 24 at 32 bits per
	// pixel is the XRGB layout every device accepts here.
	return kms.AddFB(r.dev.File(), uint16(bo.width), uint16(bo.height),
		24, 32, l.pitches[0], l.handles[0])
}

func (r kernelRegistrar) rmFB(id uint32) error {
	return kms.RmFB(r.dev.File(), id)
}

// Framebuffer is a buffer registered with the display controller for
// scanout, shared under explicit reference counting. The framebuffer
// keeps its Object, and through it the native buffer and the client
// reference, alive until the last Unref.
//
// A framebuffer built from an empty Object stays unregistered: it
// participates in the presentation logic (mode change decisions,
// reference counting) but cannot be scanned out.
type Framebuffer struct {
	obj  *Object
	reg  registrar
	kind Kind
	id   uint32
	refs atomic.Int32

	width    uint32
	height   uint32
	format   uint32
	modifier uint64
}

// NewFramebuffer registers the Object's buffer for scanout and wraps
// it with one reference held by the caller. Registration failure is
// logged and leaves the framebuffer unregistered rather than failing
// construction, mirroring how an empty Object is handled.
func NewFramebuffer(obj *Object) *Framebuffer {
	var reg registrar
	if bo := obj.BO(); bo != nil {
		reg = kernelRegistrar{dev: bo.dev}
	}
	return newFramebuffer(reg, obj)
}

func newFramebuffer(reg registrar, obj *Object) *Framebuffer {
	fb := &Framebuffer{obj: obj, reg: reg, kind: KindGPU}
	fb.refs.Store(1)
	bo := obj.BO()
	if bo == nil {
		return fb
	}
	if bo.origin == originDumb {
		fb.kind = KindDumb
	}
	fb.width = bo.width
	fb.height = bo.height
	fb.format = bo.format
	fb.modifier = bo.modifier
	modifiersOK := bo.dev != nil && bo.dev.SupportsModifiers()
	id, err := registerScanout(reg, bo, modifiersOK)
	if err != nil {
		path := ""
		if bo.dev != nil {
			path = bo.dev.Path()
		}
		scanout.Logger().Error("buffer cannot be registered for scanout",
			"device", path,
			"format", kms.FormatName(bo.format),
			"modifier", fmt.Sprintf("%#016x", bo.modifier),
			"error", err)
	} else {
		fb.id = id
	}
	fbTable.insert(bo, fb)
	return fb
}

// Ref takes an additional reference.
func (fb *Framebuffer) Ref() {
	fb.refs.Add(1)
}

// Unref drops one reference. The last one removes the kernel
// registration and releases the Object.
func (fb *Framebuffer) Unref() {
	if fb.refs.Add(-1) != 0 {
		return
	}
	bo := fb.obj.BO()
	if fb.id != 0 {
		if err := fb.reg.rmFB(fb.id); err != nil {
			path := ""
			if bo != nil && bo.dev != nil {
				path = bo.dev.Path()
			}
			scanout.Logger().Error("removing framebuffer failed",
				"device", path, "fb", fb.id, "error", err)
		}
		fb.id = 0
	}
	if bo != nil {
		fbTable.remove(bo)
	}
	fb.obj.Release()
}

// ID returns the kernel framebuffer id, 0 when unregistered.
func (fb *Framebuffer) ID() uint32 { return fb.id }

// Registered reports whether the kernel accepted the buffer for
// scanout.
func (fb *Framebuffer) Registered() bool { return fb.id != 0 }

// Kind returns the backing allocator family.
func (fb *Framebuffer) Kind() Kind { return fb.kind }

// Buffer returns the wrapped Object.
func (fb *Framebuffer) Buffer() *Object { return fb.obj }

// HasBuffer reports whether a native buffer is attached.
func (fb *Framebuffer) HasBuffer() bool { return fb.obj.BO() != nil }

func (fb *Framebuffer) Width() uint32    { return fb.width }
func (fb *Framebuffer) Height() uint32   { return fb.height }
func (fb *Framebuffer) Format() uint32   { return fb.format }
func (fb *Framebuffer) Modifier() uint64 { return fb.modifier }

// NeedsModeChange reports whether swapping this framebuffer in for
// other requires reprogramming the display controller: always across
// allocator kinds, and whenever exactly one of the two has a buffer
// attached.
func (fb *Framebuffer) NeedsModeChange(other *Framebuffer) bool {
	if other == nil || fb.kind != other.kind {
		return true
	}
	return fb.HasBuffer() != other.HasBuffer()
}

// newDumbFramebuffer allocates a dumb buffer, registers it and maps
// it writable, cleared to black.
func newDumbFramebuffer(dev *scanout.Device, width, height, format uint32, pool Pool) (*Framebuffer, error) {
	bo, err := allocDumb(dev, width, height, format)
	if err != nil {
		return nil, err
	}
	fb := NewFramebuffer(FromPool(pool, bo))
	if !fb.Registered() {
		fb.Unref()
		return nil, fmt.Errorf("%dx%d dumb buffer cannot be registered for scanout", width, height)
	}
	data, err := fb.obj.Map(gommap.PROT_READ | gommap.PROT_WRITE)
	if err != nil {
		fb.Unref()
		return nil, fmt.Errorf("mapping dumb framebuffer: %w", err)
	}
	for i := range data {
		data[i] = 0
	}
	return fb, nil
}

// NewDumb allocates a CPU-writable dumb buffer and registers it for
// scanout. The buffer comes back mapped and cleared to black, with
// one reference held by the caller; the last Unref destroys the
// allocation.
func NewDumb(dev *scanout.Device, width, height, format uint32) (*Framebuffer, error) {
	return newDumbFramebuffer(dev, width, height, format, nil)
}
