// Package pipeline models one display controller's presentation
// state: the framebuffer being scanned out, the one queued to replace
// it, a static blanking fallback, and the gamma ramp. The package
// never schedules commits or waits for flips; an external commit
// mechanism programs the hardware and reports back by calling Flip.
//
// A slot must be driven from a single goroutine, the one owning its
// device.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/buffer"
	"github.com/NeowayLabs/scanout/kms"
)

// Property identifies the display controller properties an atomic
// committer programs. The set is fixed; String returns the kernel's
// property name.
type Property int

const (
	PropModeID Property = iota
	PropActive
)

func (p Property) String() string {
	switch p {
	case PropModeID:
		return "MODE_ID"
	case PropActive:
		return "ACTIVE"
	}
	return fmt.Sprintf("Property(%d)", int(p))
}

// GammaRamp holds one lookup table per color channel. The channels
// must agree in length, and the controller accepts only its reported
// table size.
type GammaRamp struct {
	Red   []uint16
	Green []uint16
	Blue  []uint16
}

// Size returns the per-channel table size, -1 when the channels
// disagree.
func (g GammaRamp) Size() int {
	if len(g.Green) != len(g.Red) || len(g.Blue) != len(g.Red) {
		return -1
	}
	return len(g.Red)
}

// CRTC is the presentation slot of one display controller. It owns
// one reference to each framebuffer it holds: the current one stays
// alive while it is on screen, the next one until it is displaced or
// promoted, and the blanking buffer for the slot's lifetime.
type CRTC struct {
	dev       *scanout.Device
	id        uint32
	index     int
	gammaSize int

	current *buffer.Framebuffer
	next    *buffer.Framebuffer
	blank   *buffer.Framebuffer
}

// New wraps the display controller behind id, which must come from
// the device's resource list. index is the controller's position in
// that list; committers address controllers by that bit position when
// matching encoders.
func New(dev *scanout.Device, id uint32, index int) (*CRTC, error) {
	crtc, err := kms.GetCrtc(dev.File(), id)
	if err != nil {
		return nil, fmt.Errorf("querying display controller %d: %w", id, err)
	}
	return &CRTC{dev: dev, id: id, index: index, gammaSize: crtc.GammaSize}, nil
}

// ID returns the kernel object id of the controller.
func (c *CRTC) ID() uint32 { return c.id }

// Index returns the controller's position in the device's resource
// list.
func (c *CRTC) Index() int { return c.index }

// Current returns the framebuffer being scanned out, nil when the
// slot has never flipped.
func (c *CRTC) Current() *buffer.Framebuffer { return c.current }

// Next returns the queued framebuffer, nil when nothing is pending.
func (c *CRTC) Next() *buffer.Framebuffer { return c.next }

// SetNext queues fb for the next presentation, taking a reference on
// it. A framebuffer already queued is released without ever being
// shown; the current one is untouched. nil clears the queue.
func (c *CRTC) SetNext(fb *buffer.Framebuffer) {
	if fb != nil {
		fb.Ref()
	}
	if c.next != nil {
		c.next.Unref()
	}
	c.next = fb
}

// Flip promotes the queued framebuffer to current, releasing the
// previous current. The commit mechanism calls this after the kernel
// confirms the controller switched buffers; the slot itself never
// detects flip completion. With nothing queued the call does nothing.
func (c *CRTC) Flip() {
	if c.next == nil {
		return
	}
	if c.current != nil {
		c.current.Unref()
	}
	c.current = c.next
	c.next = nil
}

// Blank returns the slot's static blanking framebuffer, a black dumb
// buffer of the given size, creating or resizing it on demand. The
// buffer never enters the current/next rotation; committers present
// it directly when the output has no content, during disable for
// instance.
func (c *CRTC) Blank(width, height uint32) (*buffer.Framebuffer, error) {
	if c.blank != nil && c.blank.Width() == width && c.blank.Height() == height {
		return c.blank, nil
	}
	if c.blank != nil {
		c.blank.Unref()
		c.blank = nil
	}
	fb, err := buffer.NewDumb(c.dev, width, height, kms.FormatXRGB8888)
	if err != nil {
		return nil, fmt.Errorf("creating blanking buffer: %w", err)
	}
	c.blank = fb
	return fb, nil
}

// GammaRampSize returns the controller-reported gamma table size.
func (c *CRTC) GammaRampSize() int { return c.gammaSize }

// SetGamma loads the ramp into the controller's gamma table. A ramp
// whose size differs from the controller-reported one is rejected
// before any hardware state changes.
func (c *CRTC) SetGamma(ramp GammaRamp) error {
	size := ramp.Size()
	if size < 0 {
		return errors.New("gamma ramp channels differ in length")
	}
	if size != c.gammaSize {
		return fmt.Errorf("gamma ramp has %d stops, controller takes %d", size, c.gammaSize)
	}
	if err := kms.SetGamma(c.dev.File(), c.id, ramp.Red, ramp.Green, ramp.Blue); err != nil {
		return fmt.Errorf("loading gamma ramp: %w", err)
	}
	return nil
}

// Release drops every framebuffer reference the slot holds. The
// controller itself is kernel state and needs no teardown.
func (c *CRTC) Release() {
	if c.current != nil {
		c.current.Unref()
		c.current = nil
	}
	if c.next != nil {
		c.next.Unref()
		c.next = nil
	}
	if c.blank != nil {
		c.blank.Unref()
		c.blank = nil
	}
}
