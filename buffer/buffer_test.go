package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/scanout"
	"github.com/NeowayLabs/scanout/kms"
)

// captureLogs routes the package logger into a buffer for the test's
// duration so failure paths can be asserted on (or asserted silent).
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	scanout.SetLogger(slog.New(slog.NewTextHandler(&buf,
		&slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { scanout.SetLogger(nil) })
	return &buf
}

type fakeClient struct {
	refs   int
	unrefs int
	width  uint32
	height uint32
	format uint32
	planes []Plane
}

func (c *fakeClient) Ref()            { c.refs++ }
func (c *fakeClient) Unref()          { c.unrefs++ }
func (c *fakeClient) Format() uint32  { return c.format }
func (c *fakeClient) Width() uint32   { return c.width }
func (c *fakeClient) Height() uint32  { return c.height }
func (c *fakeClient) Planes() []Plane { return c.planes }

type fakeImporter struct {
	bo  *BO
	err error
}

func (f fakeImporter) importBuffer(ClientBuffer) (*BO, error) { return f.bo, f.err }

type recordingPool struct {
	released []*BO
}

func (p *recordingPool) Release(bo *BO) { p.released = append(p.released, bo) }

type fakeTexture struct{}

func (fakeTexture) Destroy() {}

type fakeTextureImporter struct {
	err    error
	calls  int
	planes []Plane
}

func (f *fakeTextureImporter) ImportTexture(width, height, format uint32,
	modifier uint64, planes []Plane) (Texture, error) {
	f.calls++
	f.planes = planes
	if f.err != nil {
		return nil, f.err
	}
	return fakeTexture{}, nil
}

// externalBO builds a BO that owns nothing, so tests can run its full
// lifecycle without a device.
func externalBO(t *testing.T, modifier uint64) *BO {
	t.Helper()
	bo, err := FromHandles(&scanout.Device{}, 640, 480, kms.FormatXRGB8888, modifier,
		[4]uint32{1}, [4]uint32{640 * 4}, [4]uint32{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	return bo
}

func TestNeedsModifierImport(t *testing.T) {
	for _, tc := range []struct {
		name   string
		planes []Plane
		want   bool
	}{
		{
			name:   "single plain plane",
			planes: []Plane{{Fd: 3, Stride: 2560, Modifier: kms.ModInvalid}},
			want:   false,
		},
		{
			name:   "explicit linear modifier",
			planes: []Plane{{Fd: 3, Stride: 2560, Modifier: kms.ModLinear}},
			want:   true,
		},
		{
			name:   "nonzero offset",
			planes: []Plane{{Fd: 3, Offset: 4096, Stride: 2560, Modifier: kms.ModInvalid}},
			want:   true,
		},
		{
			name: "two planes",
			planes: []Plane{
				{Fd: 3, Stride: 2560, Modifier: kms.ModInvalid},
				{Fd: 3, Offset: 1228800, Stride: 2560, Modifier: kms.ModInvalid},
			},
			want: true,
		},
	} {
		if got := needsModifierImport(tc.planes); got != tc.want {
			t.Errorf("%s: needsModifierImport = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFromClientImportSuccess(t *testing.T) {
	captureLogs(t)
	bo := externalBO(t, kms.ModInvalid)
	client := &fakeClient{width: 640, height: 480, format: kms.FormatXRGB8888}

	obj := fromClient(fakeImporter{bo: bo}, client)
	if obj.BO() != bo {
		t.Fatalf("object BO = %p, want %p", obj.BO(), bo)
	}
	if client.refs != 1 {
		t.Fatalf("client refs = %d, want 1", client.refs)
	}
	if obj.ClientBuffer() != ClientBuffer(client) {
		t.Fatal("object does not expose its client buffer")
	}
	if obj.Stride() != 640*4 {
		t.Fatalf("stride = %d, want %d", obj.Stride(), 640*4)
	}

	obj.Release()
	if client.unrefs != 1 {
		t.Fatalf("client unrefs = %d, want 1", client.unrefs)
	}
	if obj.BO() != nil {
		t.Fatal("BO still attached after release")
	}
}

func TestFromClientRejectionLeavesEmptyObject(t *testing.T) {
	logs := captureLogs(t)
	client := &fakeClient{}

	obj := fromClient(fakeImporter{err: unix.EINVAL}, client)
	if obj == nil {
		t.Fatal("rejected import must still produce an object")
	}
	if obj.BO() != nil {
		t.Fatal("rejected import produced a BO")
	}
	if client.refs != 1 {
		t.Fatalf("client refs = %d, want 1", client.refs)
	}
	if logs.Len() != 0 {
		t.Fatalf("EINVAL rejection must be silent, logged: %q", logs.String())
	}

	obj.Release()
	obj.Release()
	if client.unrefs != 1 {
		t.Fatalf("client unrefs = %d, want exactly 1", client.unrefs)
	}
}

func TestFromClientWrappedRejectionStaysSilent(t *testing.T) {
	logs := captureLogs(t)
	obj := fromClient(fakeImporter{err: fmt.Errorf("importing buffer: %w", unix.EINVAL)}, &fakeClient{})
	if obj.BO() != nil {
		t.Fatal("rejected import produced a BO")
	}
	if logs.Len() != 0 {
		t.Fatalf("wrapped EINVAL must stay silent, logged: %q", logs.String())
	}
}

func TestFromClientFailureIsLogged(t *testing.T) {
	logs := captureLogs(t)
	client := &fakeClient{}

	obj := fromClient(fakeImporter{err: errors.New("device gone")}, client)
	if obj.BO() != nil {
		t.Fatal("failed import produced a BO")
	}
	if !strings.Contains(logs.String(), "direct scanout failed") {
		t.Fatalf("unexpected failure was not logged, got: %q", logs.String())
	}
	obj.Release()
	if client.unrefs != 1 {
		t.Fatalf("client unrefs = %d, want 1", client.unrefs)
	}
}

func TestKernelImporterRejectsBadPlaneCounts(t *testing.T) {
	imp := kernelImporter{dev: &scanout.Device{}}

	if _, err := imp.importBuffer(&fakeClient{}); err == nil {
		t.Error("import with zero planes succeeded")
	}
	five := &fakeClient{planes: make([]Plane, 5)}
	if _, err := imp.importBuffer(five); err == nil {
		t.Error("import with five planes succeeded")
	}
}

func TestObjectMapEmpty(t *testing.T) {
	obj := &Object{}
	if _, err := obj.Map(0); !errors.Is(err, ErrNoBuffer) {
		t.Fatalf("map on empty object: err = %v, want ErrNoBuffer", err)
	}
}

func TestObjectMapIdempotent(t *testing.T) {
	mapped := []byte{1, 2, 3}
	obj := &Object{data: mapped}

	got, err := obj.Map(0)
	if err != nil {
		t.Fatal(err)
	}
	if &got[0] != &mapped[0] {
		t.Fatal("second map did not return the existing mapping")
	}
	if &obj.Data()[0] != &mapped[0] {
		t.Fatal("Data does not expose the mapping")
	}
}

func TestCreateTextureEmptyObject(t *testing.T) {
	imp := &fakeTextureImporter{}
	if tex := (&Object{}).CreateTexture(imp); tex != nil {
		t.Fatal("empty object produced a texture")
	}
	if imp.calls != 0 {
		t.Fatal("importer called for an empty object")
	}
}

func TestCreateTextureWithoutDescriptors(t *testing.T) {
	imp := &fakeTextureImporter{}
	obj := &Object{bo: externalBO(t, kms.ModInvalid)}
	if tex := obj.CreateTexture(imp); tex != nil {
		t.Fatal("buffer without retained descriptors produced a texture")
	}
	if imp.calls != 0 {
		t.Fatal("importer called without importable planes")
	}
}

func TestCreateTexture(t *testing.T) {
	logs := captureLogs(t)
	bo := &BO{
		width:      1920,
		height:     1080,
		format:     kms.FormatXRGB8888,
		modifier:   kms.ModLinear,
		planeCount: 1,
		fds:        [4]int{5, -1, -1, -1},
		origin:     originPrime,
	}
	bo.pitches[0] = 1920 * 4
	obj := &Object{bo: bo}

	imp := &fakeTextureImporter{}
	tex := obj.CreateTexture(imp)
	if tex == nil {
		t.Fatal("texture import failed")
	}
	if imp.calls != 1 || len(imp.planes) != 1 {
		t.Fatalf("importer calls = %d, planes = %d, want 1 and 1", imp.calls, len(imp.planes))
	}
	if imp.planes[0].Fd != 5 || imp.planes[0].Stride != 1920*4 {
		t.Fatalf("plane passed to importer = %+v", imp.planes[0])
	}

	failing := &fakeTextureImporter{err: errors.New("no EGL image")}
	if tex := obj.CreateTexture(failing); tex != nil {
		t.Fatal("failed import returned a texture")
	}
	if !strings.Contains(logs.String(), "texture") {
		t.Fatalf("texture import failure was not logged, got: %q", logs.String())
	}
}

func TestObjectReleaseReturnsToPool(t *testing.T) {
	bo := externalBO(t, kms.ModInvalid)
	client := &fakeClient{}
	pool := &recordingPool{}
	obj := &Object{bo: bo, client: client, pool: pool}

	obj.Release()
	if client.unrefs != 1 {
		t.Fatalf("client unrefs = %d, want 1", client.unrefs)
	}
	if len(pool.released) != 1 || pool.released[0] != bo {
		t.Fatalf("pool did not get the BO back: %v", pool.released)
	}
	if obj.BO() != nil || obj.Data() != nil {
		t.Fatal("object still holds state after release")
	}

	obj.Release()
	if client.unrefs != 1 || len(pool.released) != 1 {
		t.Fatal("second release repeated work")
	}
}

func TestObjectReleaseWithoutPoolDestroys(t *testing.T) {
	captureLogs(t)
	bo := externalBO(t, kms.ModInvalid)
	obj := FromPool(nil, bo)

	obj.Release()
	if obj.BO() != nil {
		t.Fatal("BO still attached after release")
	}
	obj.Release()
}
