package camera

import (
	"context"
	"sync"
	"time"

	"github.com/openbehavior/trigcam/pkg/config"
)

// emulatedDriver generates synthetic frames at a fixed rate. It
// ignores trigger configuration entirely; Grab times out (nil frame,
// nil error) only when the caller's timeout is shorter than the
// synthetic frame interval. Used by tests and wherever no real
// hardware is present.
type emulatedDriver struct {
	spec     config.CameraSpec
	interval time.Duration

	mu      sync.Mutex
	started bool
	seq     uint64
	frameW  int
	frameH  int
}

const defaultEmulatedFrameInterval = 33333 * time.Microsecond // 30 fps

func newEmulatedDriver(spec config.CameraSpec) *emulatedDriver {
	return &emulatedDriver{
		spec:     spec,
		interval: defaultEmulatedFrameInterval,
		frameW:   64,
		frameH:   64,
	}
}

func (d *emulatedDriver) Init(ctx context.Context) error { return nil }

func (d *emulatedDriver) Configure(spec config.CameraSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spec = spec
	if spec.ROI[2] > 0 && spec.ROI[3] > 0 {
		d.frameW, d.frameH = spec.ROI[2], spec.ROI[3]
	}
	return nil
}

func (d *emulatedDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

func (d *emulatedDriver) Grab(ctx context.Context, timeout time.Duration) (*Frame, error) {
	wait := d.interval
	if timeout > 0 && timeout < wait {
		wait = timeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if wait < d.interval {
		// caller's timeout was shorter than the synthetic frame interval
		return nil, nil
	}

	d.mu.Lock()
	seq := d.seq
	d.seq++
	w, h := d.frameW, d.frameH
	pixels := make([]byte, w*h)
	d.mu.Unlock()

	return &Frame{
		Pixels:        pixels,
		Width:         w,
		Height:        h,
		CameraName:    d.spec.Name,
		Sequence:      seq,
		DeviceTSValue: uint64(time.Now().UnixNano()),
		DeviceTSUnit:  Nanoseconds,
		HostEnqueued:  time.Now(),
	}, nil
}

func (d *emulatedDriver) Stop() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

func (d *emulatedDriver) Close() error { return nil }
