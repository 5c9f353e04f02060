package buffer

import (
	"sync"

	"github.com/NeowayLabs/scanout"
)

// fbKey identifies a native buffer within one device's GEM namespace.
// Handles are per-device, so the device pointer is part of the key.
type fbKey struct {
	dev    *scanout.Device
	handle uint32
}

// fbRegistry maps live buffers to their framebuffers so presentation
// code can find the framebuffer wrapping a buffer it only knows by
// its BO. Entries live exactly as long as the framebuffer does.
type fbRegistry struct {
	mu  sync.Mutex
	fbs map[fbKey]*Framebuffer
}

var fbTable = &fbRegistry{fbs: make(map[fbKey]*Framebuffer)}

func (r *fbRegistry) key(bo *BO) fbKey {
	return fbKey{dev: bo.dev, handle: bo.handles[0]}
}

func (r *fbRegistry) insert(bo *BO, fb *Framebuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fbs[r.key(bo)] = fb
}

func (r *fbRegistry) remove(bo *BO) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fbs, r.key(bo))
}

func (r *fbRegistry) lookup(key fbKey) *Framebuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fbs[key]
}

// FromHandle returns the framebuffer currently wrapping the buffer
// whose plane-0 GEM handle on dev is handle, nil when there is none.
// The association is made when a framebuffer is constructed and
// broken by its final Unref.
func FromHandle(dev *scanout.Device, handle uint32) *Framebuffer {
	return fbTable.lookup(fbKey{dev: dev, handle: handle})
}

// FromBO is FromHandle for a buffer already in hand.
func FromBO(bo *BO) *Framebuffer {
	if bo == nil {
		return nil
	}
	return fbTable.lookup(fbTable.key(bo))
}
