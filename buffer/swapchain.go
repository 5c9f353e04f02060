package buffer

import (
	"errors"
	"fmt"

	"launchpad.net/gommap"

	"github.com/NeowayLabs/scanout"
)

// Swapchain hands out CPU-writable framebuffers for software-rendered
// output and recycles the dumb buffers behind them: releasing the last
// reference on an acquired framebuffer returns its buffer to the ring
// instead of destroying it. Like everything driving one device, a
// swapchain is meant for a single goroutine.
type Swapchain struct {
	dev    *scanout.Device
	width  uint32
	height uint32
	format uint32
	depth  int
	free   []*BO
	closed bool
}

// NewSwapchain fills a ring of depth dumb buffers with the given
// geometry. Depths below two are raised to two, the minimum that can
// alternate a front and a back buffer.
func NewSwapchain(dev *scanout.Device, width, height, format uint32, depth int) (*Swapchain, error) {
	if depth < 2 {
		depth = 2
	}
	s := &Swapchain{dev: dev, width: width, height: height, format: format, depth: depth}
	for i := 0; i < depth; i++ {
		bo, err := allocDumb(dev, width, height, format)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("filling swapchain slot %d: %w", i, err)
		}
		s.free = append(s.free, bo)
	}
	return s, nil
}

// Acquire returns a framebuffer to draw the next frame into, mapped
// writable. The buffer comes from the free ring when one is waiting
// there and is allocated fresh otherwise. Reused buffers keep the
// contents of the frame they last carried, so callers must redraw at
// least the damaged region.
func (s *Swapchain) Acquire() (*Framebuffer, error) {
	if s.closed {
		return nil, errors.New("acquire on closed swapchain")
	}
	n := len(s.free)
	if n == 0 {
		return newDumbFramebuffer(s.dev, s.width, s.height, s.format, s)
	}
	bo := s.free[n-1]
	s.free = s.free[:n-1]
	fb := NewFramebuffer(FromPool(s, bo))
	if !fb.Registered() {
		fb.Unref()
		return nil, errors.New("swapchain buffer cannot be registered for scanout")
	}
	if _, err := fb.Buffer().Map(gommap.PROT_READ | gommap.PROT_WRITE); err != nil {
		fb.Unref()
		return nil, fmt.Errorf("mapping swapchain buffer: %w", err)
	}
	return fb, nil
}

// Release implements Pool. Buffers rejoin the ring while the
// swapchain is open and the ring has room; after Close, or beyond the
// configured depth, they are destroyed instead.
func (s *Swapchain) Release(bo *BO) {
	if s.closed || len(s.free) >= s.depth {
		bo.destroy()
		return
	}
	s.free = append(s.free, bo)
}

// Close marks the swapchain dead and destroys the buffers waiting in
// the ring. Framebuffers still in flight stay usable; their buffers
// are destroyed as their last references drop.
func (s *Swapchain) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, bo := range s.free {
		bo.destroy()
	}
	s.free = nil
}
