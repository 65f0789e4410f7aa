// Package camera implements the CameraDriver capability interface and
// its concrete vendor variants. A small, explicit, vendor-tagged
// capability set replaces the source implementation's runtime
// attribute reflection: each variant is a distinct Go type selected at
// construction time, never discovered by introspecting a config dict.
package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/openbehavior/trigcam/pkg/config"
)

// Driver is the capability every camera vendor implementation exposes
// to a CaptureWorker.
type Driver interface {
	// Init opens the underlying device and sanity-checks the connection.
	Init(ctx context.Context) error
	// Configure applies exposure, gain, ROI, gamma, and trigger mode.
	// Idempotent: safe to call again with the same spec.
	Configure(spec config.CameraSpec) error
	// Start arms the camera for its first frame. Every variant in this
	// package returns immediately; the depth driver in subordinate mode
	// does not wait for the first external trigger.
	Start(ctx context.Context) error
	// Grab blocks for up to timeout waiting for the next frame. A nil
	// Frame and nil error together mean the grab timed out cleanly.
	Grab(ctx context.Context, timeout time.Duration) (*Frame, error)
	// Stop ceases capture without releasing the device.
	Stop() error
	// Close releases the device.
	Close() error
}

// New constructs the Driver variant selected by spec.Vendor.
func New(spec config.CameraSpec) (Driver, error) {
	switch spec.Vendor {
	case config.VendorMachineVision:
		return newMachineVisionDriver(spec), nil
	case config.VendorDepth:
		return newDepthDriver(spec)
	case config.VendorEmulated:
		return newEmulatedDriver(spec), nil
	default:
		return nil, fmt.Errorf("camera: unsupported vendor %q for camera %q", spec.Vendor, spec.Name)
	}
}
