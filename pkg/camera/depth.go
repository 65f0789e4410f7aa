package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbehavior/trigcam/pkg/config"
)

// depthDriver produces a depth+infrared image pair per grab. Unlike
// the other variants it must be fully configured before Init opens the
// device: sync mode and subordinate delay are device-open-time
// parameters on real depth camera hardware, not settable afterward.
type depthDriver struct {
	spec config.CameraSpec

	subordinateDelayUS int

	mu      sync.Mutex
	opened  bool
	started bool
	seq     uint64
}

// newDepthDriver validates subordinate_delay_off_master_us before the
// driver is ever constructed, matching the source's open-time assert
// that the value is a multiple of the 160us subframe duration.
func newDepthDriver(spec config.CameraSpec) (*depthDriver, error) {
	if spec.SyncRole == config.SyncSubordinate && spec.SubordinateDelayOffMasterUS%160 != 0 {
		return nil, fmt.Errorf("camera: %q subordinate_delay_off_master_us (%d) must be a multiple of 160", spec.Name, spec.SubordinateDelayOffMasterUS)
	}
	return &depthDriver{spec: spec, subordinateDelayUS: spec.SubordinateDelayOffMasterUS}, nil
}

func (d *depthDriver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Device open negotiates sync mode (standalone/master/subordinate)
	// and subordinateDelayUS with the depth SDK; out of scope here
	// (external collaborator per spec), but the mode must already be
	// fixed by the time this runs.
	d.opened = true
	return nil
}

// Configure applies no settings for the depth driver: sync mode and
// delay are frozen at construction and cannot change for the lifetime
// of Init'd device, matching the hardware's own restriction. A spec
// whose sync_role differs from the constructed one is rejected.
func (d *depthDriver) Configure(spec config.CameraSpec) error {
	if spec.SyncRole != d.spec.SyncRole {
		return fmt.Errorf("camera: %q cannot change sync_role after construction", d.spec.Name)
	}
	return nil
}

func (d *depthDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	opened := d.opened
	syncRole := d.spec.SyncRole
	d.mu.Unlock()

	if !opened {
		return fmt.Errorf("camera: %q Start called before Init", d.spec.Name)
	}

	if syncRole == config.SyncSubordinate {
		// Real hardware blocks here until the first external trigger
		// pulse arrives on the sync cable. There is no trigger source
		// in this process to wait on, so this is a documented no-op
		// placeholder for the SDK call it stands in for.
	}

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

// depthFramePairBytes is the synthetic payload size standing in for a
// combined depth+infrared image pair from the SDK.
const (
	depthFrameWidth     = 512
	depthFrameHeight    = 512
	depthFramePairBytes = 2 * depthFrameWidth * depthFrameHeight * 2 // two 16-bit planes
)

func (d *depthDriver) Grab(ctx context.Context, timeout time.Duration) (*Frame, error) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("camera: %q Grab called before Start", d.spec.Name)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	d.mu.Lock()
	seq := d.seq
	d.seq++
	d.mu.Unlock()

	return &Frame{
		Pixels:        make([]byte, depthFramePairBytes),
		Width:         depthFrameWidth,
		Height:        depthFrameHeight * 2, // depth plane stacked over infrared plane
		CameraName:    d.spec.Name,
		Sequence:      seq,
		DeviceTSValue: uint64(time.Now().UnixMicro()),
		DeviceTSUnit:  Microseconds,
		HostEnqueued:  time.Now(),
	}, nil
}

func (d *depthDriver) Stop() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

func (d *depthDriver) Close() error {
	d.mu.Lock()
	d.opened = false
	d.mu.Unlock()
	return nil
}
