package pipeline

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/buffer"
	"github.com/NeowayLabs/scanout/kms"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	scanout.SetLogger(slog.New(slog.NewTextHandler(&buf,
		&slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { scanout.SetLogger(nil) })
	return &buf
}

// countingClient satisfies buffer.ClientBuffer with no planes, so the
// framebuffers built from it stay empty and touch no kernel state.
// Its unref count observes the framebuffer destruction chain.
type countingClient struct {
	refs   int
	unrefs int
}

func (c *countingClient) Ref()                   { c.refs++ }
func (c *countingClient) Unref()                 { c.unrefs++ }
func (c *countingClient) Format() uint32         { return kms.FormatXRGB8888 }
func (c *countingClient) Width() uint32          { return 640 }
func (c *countingClient) Height() uint32         { return 480 }
func (c *countingClient) Planes() []buffer.Plane { return nil }

func emptyFB(c *countingClient) *buffer.Framebuffer {
	return buffer.NewFramebuffer(buffer.FromClient(&scanout.Device{}, c))
}

func TestSetNextReplacesPending(t *testing.T) {
	captureLogs(t)
	slot := &CRTC{}

	a := &countingClient{}
	fbA := emptyFB(a)
	slot.SetNext(fbA)
	fbA.Unref() // the slot now holds the only reference
	if slot.Next() != fbA {
		t.Fatal("queued framebuffer not visible through Next")
	}

	b := &countingClient{}
	fbB := emptyFB(b)
	slot.SetNext(fbB)
	fbB.Unref()
	if a.unrefs != 1 {
		t.Fatalf("displaced framebuffer unrefs = %d, want 1", a.unrefs)
	}
	if slot.Next() != fbB {
		t.Fatal("replacement framebuffer not queued")
	}
	if slot.Current() != nil {
		t.Fatal("queueing touched the current framebuffer")
	}

	slot.Release()
}

func TestFlipPromotesNext(t *testing.T) {
	captureLogs(t)
	slot := &CRTC{}

	a := &countingClient{}
	fbA := emptyFB(a)
	slot.SetNext(fbA)
	fbA.Unref()

	slot.Flip()
	if slot.Current() != fbA || slot.Next() != nil {
		t.Fatal("flip did not promote the queued framebuffer")
	}
	if a.unrefs != 0 {
		t.Fatal("promotion dropped the framebuffer's reference")
	}

	b := &countingClient{}
	fbB := emptyFB(b)
	slot.SetNext(fbB)
	fbB.Unref()

	slot.Flip()
	if slot.Current() != fbB {
		t.Fatal("second flip did not promote")
	}
	if a.unrefs != 1 {
		t.Fatalf("previous current unrefs = %d, want 1", a.unrefs)
	}

	slot.Release()
	if b.unrefs != 1 {
		t.Fatalf("release unrefs = %d, want 1", b.unrefs)
	}
}

func TestFlipWithEmptyQueueIsNoOp(t *testing.T) {
	captureLogs(t)
	slot := &CRTC{}

	slot.Flip()
	if slot.Current() != nil {
		t.Fatal("flip on an idle slot produced a current framebuffer")
	}

	a := &countingClient{}
	fbA := emptyFB(a)
	slot.SetNext(fbA)
	fbA.Unref()
	slot.Flip()

	slot.Flip()
	if slot.Current() != fbA {
		t.Fatal("empty flip replaced the current framebuffer")
	}
	if a.unrefs != 0 {
		t.Fatal("empty flip released the current framebuffer")
	}

	slot.Release()
}

func TestOnlyLastQueuedBufferShows(t *testing.T) {
	captureLogs(t)
	slot := &CRTC{}

	a := &countingClient{}
	b := &countingClient{}
	for _, fb := range []*buffer.Framebuffer{emptyFB(a), emptyFB(b)} {
		slot.SetNext(fb)
		fb.Unref()
	}
	slot.Flip()

	if a.unrefs != 1 {
		t.Fatal("first queued buffer was not released unshown")
	}
	if b.unrefs != 0 {
		t.Fatal("promoted buffer was released")
	}

	slot.Release()
	if b.unrefs != 1 {
		t.Fatal("release did not drop the current buffer")
	}
}

func TestSetNextNilClearsQueue(t *testing.T) {
	captureLogs(t)
	slot := &CRTC{}

	a := &countingClient{}
	fbA := emptyFB(a)
	slot.SetNext(fbA)
	fbA.Unref()

	slot.SetNext(nil)
	if slot.Next() != nil {
		t.Fatal("nil did not clear the queue")
	}
	if a.unrefs != 1 {
		t.Fatal("cleared framebuffer was not released")
	}
}

func TestReleaseDropsEverything(t *testing.T) {
	captureLogs(t)
	slot := &CRTC{}

	a := &countingClient{}
	fbA := emptyFB(a)
	slot.SetNext(fbA)
	fbA.Unref()
	slot.Flip()

	b := &countingClient{}
	fbB := emptyFB(b)
	slot.SetNext(fbB)
	fbB.Unref()

	blankClient := &countingClient{}
	slot.blank = emptyFB(blankClient)

	slot.Release()
	if a.unrefs != 1 || b.unrefs != 1 || blankClient.unrefs != 1 {
		t.Fatalf("unrefs = %d/%d/%d, want 1 each", a.unrefs, b.unrefs, blankClient.unrefs)
	}
	if slot.Current() != nil || slot.Next() != nil || slot.blank != nil {
		t.Fatal("release left framebuffers behind")
	}
	slot.Release()
	if a.unrefs != 1 {
		t.Fatal("second release repeated work")
	}
}

func TestGammaRampSize(t *testing.T) {
	if got := (GammaRamp{}).Size(); got != 0 {
		t.Errorf("empty ramp size = %d, want 0", got)
	}
	ramp := GammaRamp{
		Red:   make([]uint16, 256),
		Green: make([]uint16, 256),
		Blue:  make([]uint16, 256),
	}
	if got := ramp.Size(); got != 256 {
		t.Errorf("ramp size = %d, want 256", got)
	}
	ramp.Blue = ramp.Blue[:255]
	if got := ramp.Size(); got != -1 {
		t.Errorf("inconsistent ramp size = %d, want -1", got)
	}
}

func TestSetGammaRejectsMismatchedRamps(t *testing.T) {
	slot := &CRTC{dev: &scanout.Device{}, gammaSize: 256}

	short := GammaRamp{
		Red:   make([]uint16, 128),
		Green: make([]uint16, 128),
		Blue:  make([]uint16, 128),
	}
	err := slot.SetGamma(short)
	if err == nil {
		t.Fatal("undersized ramp accepted")
	}
	if !strings.Contains(err.Error(), "stops") {
		t.Fatalf("err = %v, want a size rejection", err)
	}

	uneven := GammaRamp{
		Red:   make([]uint16, 256),
		Green: make([]uint16, 256),
		Blue:  make([]uint16, 255),
	}
	if err := slot.SetGamma(uneven); err == nil {
		t.Fatal("uneven ramp accepted")
	}

	// a well-sized ramp passes validation and reaches the device
	good := GammaRamp{
		Red:   make([]uint16, 256),
		Green: make([]uint16, 256),
		Blue:  make([]uint16, 256),
	}
	err = slot.SetGamma(good)
	if err == nil {
		t.Fatal("dead device accepted a gamma ramp")
	}
	if strings.Contains(err.Error(), "stops") {
		t.Fatalf("err = %v, want a device failure, not a size rejection", err)
	}
}

func TestPropertyString(t *testing.T) {
	if got := PropModeID.String(); got != "MODE_ID" {
		t.Errorf("PropModeID = %q", got)
	}
	if got := PropActive.String(); got != "ACTIVE" {
		t.Errorf("PropActive = %q", got)
	}
	if got := Property(9).String(); !strings.Contains(got, "9") {
		t.Errorf("unknown property = %q", got)
	}
}

func openTestDevice(t *testing.T) *scanout.Device {
	t.Helper()
	dev, err := scanout.OpenCard(0)
	if err != nil {
		t.Skipf("DRM device unavailable: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestNewQueriesController(t *testing.T) {
	dev := openTestDevice(t)

	res, err := kms.GetResources(dev.File())
	if err != nil {
		t.Skipf("no mode-setting resources: %v", err)
	}
	if len(res.Crtcs) == 0 {
		t.Skip("device exposes no display controllers")
	}

	slot, err := New(dev, res.Crtcs[0], 0)
	if err != nil {
		t.Fatal(err)
	}
	if slot.ID() != res.Crtcs[0] || slot.Index() != 0 {
		t.Fatalf("slot identity = %d/%d", slot.ID(), slot.Index())
	}
	if slot.GammaRampSize() < 0 {
		t.Fatalf("gamma size = %d", slot.GammaRampSize())
	}
	if slot.Current() != nil || slot.Next() != nil {
		t.Fatal("fresh slot holds framebuffers")
	}
	slot.Release()
}

func TestBlank(t *testing.T) {
	dev := openTestDevice(t)
	if !dev.SupportsDumbBuffers() {
		t.Skip("device has no dumb buffer support")
	}
	slot := &CRTC{dev: dev}

	fb, err := slot.Blank(320, 240)
	if err != nil {
		t.Fatal(err)
	}
	if !fb.Registered() || fb.Kind() != buffer.KindDumb {
		t.Fatal("blanking buffer unusable for scanout")
	}
	if fb.Width() != 320 || fb.Height() != 240 {
		t.Fatalf("blanking buffer is %dx%d", fb.Width(), fb.Height())
	}

	if again, err := slot.Blank(320, 240); err != nil || again != fb {
		t.Fatal("same-size blank did not reuse the buffer")
	}

	bo := fb.Buffer().BO()
	resized, err := slot.Blank(640, 480)
	if err != nil {
		t.Fatal(err)
	}
	if resized == fb || resized.Width() != 640 {
		t.Fatal("resize did not produce a new buffer")
	}
	if buffer.FromBO(bo) != nil {
		t.Fatal("old blanking buffer survived the resize")
	}
	slot.Release()
}
