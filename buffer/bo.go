package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
	"launchpad.net/gommap"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/kms"
)

// origin tags how a BO came to exist, which decides how it is mapped
// and released.
type origin int

const (
	originDumb origin = iota
	originPrime
	originExternal
)

var noFDs = [4]int{-1, -1, -1, -1}

// BO is a native GPU buffer handle: up to four planes of GEM-backed
// memory on one device, plus the layout metadata (format, modifier,
// per-plane pitch and offset) needed to register it for scanout.
// A BO is created by allocation (dumb), by dma-buf import (prime) or
// by wrapping handles an external allocator owns.
type BO struct {
	dev      *scanout.Device
	width    uint32
	height   uint32
	format   uint32
	modifier uint64

	planeCount int
	handles    [4]uint32
	pitches    [4]uint32
	offsets    [4]uint32

	// dma-buf descriptors retained at import, -1 when absent
	fds [4]int

	// per-plane handles beyond plane 0 are meaningful
	planeHandles bool

	// dumb allocations only
	size uint64

	// active CPU mapping, set by mapCPU
	mmap gommap.MMap

	origin origin
}

func (bo *BO) Width() uint32    { return bo.width }
func (bo *BO) Height() uint32   { return bo.height }
func (bo *BO) Format() uint32   { return bo.format }
func (bo *BO) Modifier() uint64 { return bo.modifier }
func (bo *BO) PlaneCount() int  { return bo.planeCount }

// Handle returns the plane-0 GEM handle, the integer identity of the
// buffer on its device.
func (bo *BO) Handle() uint32 { return bo.handles[0] }

// Stride returns the plane-0 pitch in bytes.
func (bo *BO) Stride() uint32 { return bo.pitches[0] }

// Size returns the byte size of the backing storage where known
// (dumb allocations), otherwise 0.
func (bo *BO) Size() uint64 { return bo.size }

func bppForFormat(format uint32) uint32 {
	switch format {
	case kms.FormatRGB565:
		return 16
	default:
		return 32
	}
}

// allocDumb creates a single-plane linear dumb buffer. Dumb buffers
// carry no explicit modifier; registration goes through the plain
// paths.
func allocDumb(dev *scanout.Device, width, height, format uint32) (*BO, error) {
	dumb, err := kms.CreateDumb(dev.File(), uint16(width), uint16(height), bppForFormat(format))
	if err != nil {
		return nil, fmt.Errorf("allocating %dx%d dumb buffer: %w", width, height, err)
	}
	bo := &BO{
		dev:          dev,
		width:        width,
		height:       height,
		format:       format,
		modifier:     kms.ModInvalid,
		planeCount:   1,
		fds:          noFDs,
		planeHandles: true,
		size:         dumb.Size,
		origin:       originDumb,
	}
	bo.handles[0] = dumb.Handle
	bo.pitches[0] = dumb.Pitch
	return bo, nil
}

// FromHandles wraps GEM handles an external allocator (a render
// pipeline's buffer pool) owns. The BO borrows the handles: releasing
// it does not close them.
func FromHandles(dev *scanout.Device, width, height, format uint32, modifier uint64,
	handles, pitches, offsets [4]uint32, planeCount int) (*BO, error) {
	if planeCount < 1 || planeCount > 4 {
		return nil, fmt.Errorf("buffer has %d planes, want 1 to 4", planeCount)
	}
	return &BO{
		dev:          dev,
		width:        width,
		height:       height,
		format:       format,
		modifier:     modifier,
		planeCount:   planeCount,
		handles:      handles,
		pitches:      pitches,
		offsets:      offsets,
		fds:          noFDs,
		planeHandles: true,
		origin:       originExternal,
	}, nil
}

// destroy releases whatever the BO owns: the dumb allocation, or the
// imported GEM handles and retained descriptors. Borrowed handles are
// left alone. Called at most once, by Object.Release or by import
// cleanup.
func (bo *BO) destroy() {
	switch bo.origin {
	case originDumb:
		if err := kms.DestroyDumb(bo.dev.File(), bo.handles[0]); err != nil {
			scanout.Logger().Warn("failed to destroy dumb buffer",
				"device", bo.dev.Path(), "handle", bo.handles[0], "error", err)
		}
	case originPrime:
		closed := make(map[uint32]bool, bo.planeCount)
		for i := 0; i < bo.planeCount; i++ {
			handle := bo.handles[i]
			if handle == 0 || closed[handle] {
				continue
			}
			closed[handle] = true
			if err := scanout.CloseHandle(bo.dev.File(), handle); err != nil {
				scanout.Logger().Warn("failed to close imported handle",
					"device", bo.dev.Path(), "handle", handle, "error", err)
			}
		}
		closedFD := make(map[int]bool, bo.planeCount)
		for i, fd := range bo.fds {
			if fd >= 0 && !closedFD[fd] {
				closedFD[fd] = true
				unix.Close(fd)
			}
			bo.fds[i] = -1
		}
	case originExternal:
		// handles belong to their allocator
	}
	bo.handles = [4]uint32{}
}

// mapCPU maps the buffer into the process address space. Dumb buffers
// map through the device node at the kernel-provided fake offset,
// imported buffers directly through their retained plane-0 dma-buf
// descriptor.
func (bo *BO) mapCPU(prot gommap.ProtFlags) ([]byte, error) {
	switch bo.origin {
	case originDumb:
		offset, err := kms.MapDumb(bo.dev.File(), bo.handles[0])
		if err != nil {
			return nil, fmt.Errorf("preparing dumb buffer mapping: %w", err)
		}
		mmap, err := gommap.MapAt(0, bo.dev.Fd(), int64(offset), int64(bo.size),
			prot, gommap.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mapping dumb buffer: %w", err)
		}
		bo.mmap = mmap
		return mmap, nil
	case originPrime:
		length := int64(bo.offsets[0]) + int64(bo.pitches[0])*int64(bo.height)
		mmap, err := gommap.MapAt(0, uintptr(bo.fds[0]), 0, length,
			prot, gommap.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mapping imported buffer: %w", err)
		}
		bo.mmap = mmap
		return mmap[bo.offsets[0]:], nil
	default:
		return nil, fmt.Errorf("buffer handles are borrowed, not mappable")
	}
}

// unmap drops the active CPU mapping, if any. Unmapping goes through
// the stored mapping, not the data view, which may start past the page
// boundary on imported buffers with a plane offset.
func (bo *BO) unmap() error {
	if bo.mmap == nil {
		return nil
	}
	err := bo.mmap.UnsafeUnmap()
	bo.mmap = nil
	return err
}

// exportPlanes rebuilds the plane descriptions of an imported buffer
// for handing to a texture importer. Buffers without retained
// descriptors export nothing.
func (bo *BO) exportPlanes() []Plane {
	if bo.origin != originPrime {
		return nil
	}
	planes := make([]Plane, 0, bo.planeCount)
	for i := 0; i < bo.planeCount; i++ {
		if bo.fds[i] < 0 {
			return nil
		}
		planes = append(planes, Plane{
			Fd:       bo.fds[i],
			Offset:   bo.offsets[i],
			Stride:   bo.pitches[i],
			Modifier: bo.modifier,
		})
	}
	return planes
}
