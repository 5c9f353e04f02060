// Package buffer manages the pixel buffers a DRM compositor hands to
// the display controller: wrapping native GPU buffers whatever their
// origin (dumb allocation, dma-buf import from a client, external
// pool), registering them with the kernel as framebuffers through the
// capability-fallback ladder, and running the reference-counted
// release chain that returns or destroys their memory.
//
// Everything here is synchronous and, like the rest of the library,
// single-threaded per device: callers drive one device from one
// goroutine. Only the framebuffer lookup table is safe for concurrent
// use across devices.
package buffer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"launchpad.net/gommap"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/kms"
)

// ErrNoBuffer is returned by operations that need a native buffer on
// an empty Object.
var ErrNoBuffer = errors.New("buffer object is empty")

// Plane describes one memory plane of an externally produced buffer:
// a borrowed dma-buf descriptor plus its layout within the buffer.
// The descriptor is only valid for the duration of the import call;
// the importer duplicates what it keeps.
type Plane struct {
	Fd       int
	Offset   uint32
	Stride   uint32
	Modifier uint64
}

// ClientBuffer is a buffer owned by an external producer (a client's
// render pipeline), shared with the compositor under reference
// counting. The importer takes exactly one reference for the lifetime
// of the wrapping Object.
type ClientBuffer interface {
	Ref()
	Unref()
	Format() uint32
	Width() uint32
	Height() uint32
	Planes() []Plane
}

// Pool owns a ring of reusable native buffers. Objects built from a
// pool hand their BO back through Release instead of destroying it.
type Pool interface {
	Release(bo *BO)
}

// Texture is an opaque zero-copy view of a buffer inside a render
// pipeline.
type Texture interface {
	Destroy()
}

// TextureImporter turns a buffer's planes into a render-pipeline
// texture. Implemented outside this package by the rendering backend.
type TextureImporter interface {
	ImportTexture(width, height, format uint32, modifier uint64, planes []Plane) (Texture, error)
}

// Object wraps a native buffer regardless of origin and carries its
// optional CPU mapping. An Object with no BO is "empty": mapping and
// texture creation fail cleanly, release still balances the client
// reference. Objects are shared by pointer, never copied.
type Object struct {
	bo     *BO
	client ClientBuffer
	pool   Pool
	data   []byte
}

// FromPool wraps a BO the pool has already allocated. Ownership of
// the BO transfers to the Object until Release hands it back.
func FromPool(pool Pool, bo *BO) *Object {
	return &Object{bo: bo, pool: pool}
}

// FromClient wraps an externally owned client buffer, importing its
// planes into the device's GEM namespace for direct scanout. The
// returned Object always holds one client reference; when the import
// is rejected the Object is empty and the caller presents through the
// composited path instead. Rejection with EINVAL is the expected
// outcome for layouts the device cannot scan out and is not logged.
func FromClient(dev *scanout.Device, client ClientBuffer) *Object {
	return fromClient(kernelImporter{dev: dev}, client)
}

func fromClient(imp importer, client ClientBuffer) *Object {
	obj := &Object{client: client}
	client.Ref()
	bo, err := imp.importBuffer(client)
	if err != nil {
		if !errors.Is(err, unix.EINVAL) {
			scanout.Logger().Warn("importing buffer for direct scanout failed",
				"error", err)
		}
		return obj
	}
	obj.bo = bo
	return obj
}

// BO returns the native buffer, nil when the Object is empty.
func (o *Object) BO() *BO { return o.bo }

// ClientBuffer returns the wrapped client buffer, nil for buffers the
// compositor allocated itself.
func (o *Object) ClientBuffer() ClientBuffer { return o.client }

// Stride returns the plane-0 pitch in bytes, 0 when empty.
func (o *Object) Stride() uint32 {
	if o.bo == nil {
		return 0
	}
	return o.bo.Stride()
}

// Map establishes a CPU mapping of the buffer with the given access
// flags. Idempotent: once mapped, further calls return the existing
// mapping without touching the kernel. Fails on an empty Object.
func (o *Object) Map(prot gommap.ProtFlags) ([]byte, error) {
	if o.data != nil {
		return o.data, nil
	}
	if o.bo == nil {
		return nil, ErrNoBuffer
	}
	data, err := o.bo.mapCPU(prot)
	if err != nil {
		return nil, err
	}
	o.data = data
	return data, nil
}

// Data returns the bytes of the CPU mapping, nil before Map.
func (o *Object) Data() []byte { return o.data }

// CreateTexture imports the buffer into a render pipeline as a
// zero-copy texture. Returns nil when the Object is empty, when the
// buffer has no importable backing, or when the importer fails; the
// failure is logged, never partially constructed.
func (o *Object) CreateTexture(imp TextureImporter) Texture {
	if o.bo == nil {
		return nil
	}
	planes := o.bo.exportPlanes()
	if len(planes) == 0 {
		return nil
	}
	tex, err := imp.ImportTexture(o.bo.width, o.bo.height, o.bo.format, o.bo.modifier, planes)
	if err != nil {
		scanout.Logger().Warn("failed to import buffer as texture", "error", err)
		return nil
	}
	return tex
}

// Release tears the Object down: the client reference is dropped
// exactly once, an active mapping is unmapped, then the BO goes back
// to its pool or is destroyed. Safe to call more than once; later
// calls find nothing left to do.
func (o *Object) Release() {
	if o.client != nil {
		o.client.Unref()
		o.client = nil
	}
	if o.bo == nil {
		return
	}
	if o.data != nil {
		if err := o.bo.unmap(); err != nil {
			scanout.Logger().Warn("failed to unmap buffer", "error", err)
		}
		o.data = nil
	}
	if o.pool != nil {
		o.pool.Release(o.bo)
		o.pool = nil
	} else {
		o.bo.destroy()
	}
	o.bo = nil
}

// importer is the seam between Object construction and the kernel
// import calls.
type importer interface {
	importBuffer(client ClientBuffer) (*BO, error)
}

type kernelImporter struct {
	dev *scanout.Device
}

// needsModifierImport selects the import path: anything beyond a
// single plain plane at offset 0 needs the modifier-aware descriptor.
func needsModifierImport(planes []Plane) bool {
	return len(planes) > 1 || planes[0].Modifier != kms.ModInvalid || planes[0].Offset > 0
}

func (imp kernelImporter) importBuffer(client ClientBuffer) (*BO, error) {
	planes := client.Planes()
	if len(planes) == 0 || len(planes) > 4 {
		return nil, fmt.Errorf("client buffer has %d planes, want 1 to 4", len(planes))
	}
	if needsModifierImport(planes) {
		return imp.importWithModifier(client, planes)
	}
	return imp.importSingle(client, planes[0])
}

// importWithModifier imports every plane, retaining layout and
// modifier. Planes commonly share one descriptor; those share the
// duplicated fd and the GEM handle too.
func (imp kernelImporter) importWithModifier(client ClientBuffer, planes []Plane) (*BO, error) {
	bo := &BO{
		dev:          imp.dev,
		width:        client.Width(),
		height:       client.Height(),
		format:       client.Format(),
		modifier:     planes[0].Modifier,
		planeCount:   len(planes),
		fds:          noFDs,
		planeHandles: true,
		origin:       originPrime,
	}
	handleByFD := make(map[int]uint32, len(planes))
	dupByFD := make(map[int]int, len(planes))
	for i, plane := range planes {
		bo.pitches[i] = plane.Stride
		bo.offsets[i] = plane.Offset
		if dup, ok := dupByFD[plane.Fd]; ok {
			bo.fds[i] = dup
			bo.handles[i] = handleByFD[plane.Fd]
			continue
		}
		dup, err := unix.FcntlInt(uintptr(plane.Fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			bo.destroy()
			return nil, fmt.Errorf("duplicating plane %d descriptor: %w", i, err)
		}
		handle, err := scanout.PrimeFDToHandle(imp.dev.File(), dup)
		if err != nil {
			unix.Close(dup)
			bo.destroy()
			return nil, fmt.Errorf("importing plane %d: %w", i, err)
		}
		bo.fds[i] = dup
		bo.handles[i] = handle
		dupByFD[plane.Fd] = dup
		handleByFD[plane.Fd] = handle
	}
	return bo, nil
}

// importSingle is the plain path for one linear plane at offset 0
// with no explicit modifier.
func (imp kernelImporter) importSingle(client ClientBuffer, plane Plane) (*BO, error) {
	dup, err := unix.FcntlInt(uintptr(plane.Fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("duplicating buffer descriptor: %w", err)
	}
	handle, err := scanout.PrimeFDToHandle(imp.dev.File(), dup)
	if err != nil {
		unix.Close(dup)
		return nil, fmt.Errorf("importing buffer: %w", err)
	}
	bo := &BO{
		dev:          imp.dev,
		width:        client.Width(),
		height:       client.Height(),
		format:       client.Format(),
		modifier:     kms.ModInvalid,
		planeCount:   1,
		fds:          noFDs,
		planeHandles: true,
		origin:       originPrime,
	}
	bo.handles[0] = handle
	bo.pitches[0] = plane.Stride
	bo.fds[0] = dup
	return bo, nil
}
