// Package scanout implements the buffer-management layer a DRM/KMS
// compositor needs to put pixels on screen: opening the kernel DRM
// device, wrapping GPU memory buffers (dumb allocations or buffers
// imported from client render pipelines), registering them as kernel
// framebuffers and tracking the current/next buffer rotation of each
// display controller.
//
// The package itself holds the device handle and capability probing;
// the kernel mode-setting ABI lives in scanout/kms, buffer lifecycle
// in scanout/buffer and the per-CRTC slot machine in scanout/pipeline.
package scanout
