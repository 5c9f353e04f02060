package scanout

import (
	"bytes"
	"fmt"
	"os"
	"unsafe"

	"github.com/NeowayLabs/scanout/ioctl"
)

type (
	version struct {
		Major   int32
		Minor   int32
		Patch   int32
		namelen int64
		name    uintptr
		datelen int64
		date    uintptr
		desclen int64
		desc    uintptr
	}

	// Version of the DRM driver behind a device node.
	Version struct {
		version

		Major, Minor, Patch int32
		Name                string // Name of the driver (eg.: i915)
		Date                string
		Desc                string
	}
)

const driPath = "/dev/dri"

// Device is an open handle to one DRM device node. It owns the file
// descriptor and carries the capability flags probed at open time.
// Buffers and framebuffers created through a Device keep a non-owning
// reference back to it; the Device must outlive all of them.
type Device struct {
	file *os.File
	path string
	ver  Version

	dumbBuffers bool
	primeImport bool
	fbModifiers bool
}

// Open opens the DRM device node at path and probes its driver version
// and capabilities.
func Open(path string) (*Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	dev := &Device{file: file, path: path}
	dev.ver, err = GetVersion(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: not a DRM device: %w", path, err)
	}
	dev.probeCaps()
	Logger().Debug("opened drm device",
		"path", path,
		"driver", dev.ver.Name,
		"version", fmt.Sprintf("%d.%d.%d", dev.ver.Major, dev.ver.Minor, dev.ver.Patch),
		"dumbBuffers", dev.dumbBuffers,
		"primeImport", dev.primeImport,
		"fbModifiers", dev.fbModifiers)
	return dev, nil
}

func OpenCard(n int) (*Device, error) {
	return Open(fmt.Sprintf("%s/card%d", driPath, n))
}

func OpenControlDev(n int) (*Device, error) {
	return Open(fmt.Sprintf("%s/controlD%d", driPath, n))
}

func OpenRenderDev(n int) (*Device, error) {
	return Open(fmt.Sprintf("%s/renderD%d", driPath, n))
}

// Available reports the driver version of the first card, or an error
// if no DRM device is usable.
func Available() (Version, error) {
	dev, err := OpenCard(0)
	if err != nil {
		// no /dev/dri/card0; older kernels exposed /proc/dri instead,
		// which this library does not support
		return Version{}, err
	}
	defer dev.Close()
	return dev.Version(), nil
}

// File exposes the underlying device node for the kms-level calls.
func (d *Device) File() *os.File { return d.file }

func (d *Device) Fd() uintptr { return d.file.Fd() }

// Path returns the device node path, used in diagnostics.
func (d *Device) Path() string { return d.path }

func (d *Device) Version() Version { return d.ver }

func (d *Device) Close() error { return d.file.Close() }

// GetVersion queries the driver version of an open DRM node. The ioctl
// runs twice: the first call reports the string lengths, the second
// fills the allocated buffers.
func GetVersion(file *os.File) (Version, error) {
	var (
		name, date, desc []byte
	)

	version := &version{}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLVersion),
		uintptr(unsafe.Pointer(version)))
	if err != nil {
		return Version{}, err
	}

	if version.namelen > 0 {
		name = make([]byte, version.namelen+1)
		version.name = uintptr(unsafe.Pointer(&name[0]))
	}

	if version.datelen > 0 {
		date = make([]byte, version.datelen+1)
		version.date = uintptr(unsafe.Pointer(&date[0]))
	}
	if version.desclen > 0 {
		desc = make([]byte, version.desclen+1)
		version.desc = uintptr(unsafe.Pointer(&desc[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLVersion),
		uintptr(unsafe.Pointer(version)))
	if err != nil {
		return Version{}, err
	}

	// remove C null byte at end
	name = name[:version.namelen]
	date = date[:version.datelen]
	desc = desc[:version.desclen]

	nozero := func(r rune) bool {
		return r == 0
	}

	v := Version{
		version: *version,
		Major:   version.Major,
		Minor:   version.Minor,
		Patch:   version.Patch,
		Name:    string(bytes.TrimFunc(name, nozero)),
		Date:    string(bytes.TrimFunc(date, nozero)),
		Desc:    string(bytes.TrimFunc(desc, nozero)),
	}

	return v, nil
}
