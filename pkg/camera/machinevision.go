package camera

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/openbehavior/trigcam/pkg/config"
)

// machineVisionDriver drives an external-trigger, global-shutter
// camera over USB3 Vision-style bulk transfer. It reports device
// timestamps in nanoseconds, read from the camera's free-running 1 GHz
// clock register embedded in each frame's trailer.
type machineVisionDriver struct {
	spec config.CameraSpec

	mu      sync.Mutex
	usbCtx  *gousb.Context
	dev     *gousb.Device
	intfDone func()
	inEP    *gousb.InEndpoint
	seq     uint64
	frameW  int
	frameH  int
}

// defaultMachineVisionFrameSize is used when spec.ROI leaves width and
// height unset (full sensor frame, vendor-specific in practice; a
// placeholder here since no real sensor is attached in this process).
const (
	defaultMachineVisionFrameW = 1280
	defaultMachineVisionFrameH = 1024
)

func newMachineVisionDriver(spec config.CameraSpec) *machineVisionDriver {
	w, h := defaultMachineVisionFrameW, defaultMachineVisionFrameH
	if spec.ROI[2] > 0 && spec.ROI[3] > 0 {
		w, h = spec.ROI[2], spec.ROI[3]
	}
	return &machineVisionDriver{spec: spec, frameW: w, frameH: h}
}

// parseVIDPID accepts a "vvvv:pppp" device id, matching the Basler/
// USB3-Vision convention of addressing cameras by USB vendor:product.
func parseVIDPID(id string) (gousb.ID, gousb.ID, error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("camera: device_id %q must be in vid:pid form", id)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("camera: invalid vendor id %q: %w", parts[0], err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("camera: invalid product id %q: %w", parts[1], err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

const machineVisionBulkInEndpoint = 0x81

func (d *machineVisionDriver) Init(ctx context.Context) error {
	vid, pid, err := parseVIDPID(d.spec.DeviceID)
	if err != nil {
		return err
	}

	usbCtx := gousb.NewContext()
	dev, err := usbCtx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		usbCtx.Close()
		return fmt.Errorf("camera: open USB device %s: %w", d.spec.DeviceID, err)
	}
	if dev == nil {
		usbCtx.Close()
		return fmt.Errorf("camera: device %s not found", d.spec.DeviceID)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("camera: set auto detach: %w", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("camera: claim default interface: %w", err)
	}

	inEP, err := intf.InEndpoint(machineVisionBulkInEndpoint)
	if err != nil {
		done()
		dev.Close()
		usbCtx.Close()
		return fmt.Errorf("camera: open bulk in endpoint: %w", err)
	}

	d.mu.Lock()
	d.usbCtx, d.dev, d.intfDone, d.inEP = usbCtx, dev, done, inEP
	d.mu.Unlock()
	return nil
}

func (d *machineVisionDriver) Configure(spec config.CameraSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spec = spec
	if spec.ROI[2] > 0 && spec.ROI[3] > 0 {
		d.frameW, d.frameH = spec.ROI[2], spec.ROI[3]
	}
	// Exposure/gain/gamma/trigger-mode register writes are vendor SDK
	// territory (out of scope); this records the desired settings so
	// Init-time negotiation and Grab's trailer parsing stay consistent
	// with what was requested.
	return nil
}

func (d *machineVisionDriver) Start(ctx context.Context) error {
	return nil
}

func (d *machineVisionDriver) Grab(ctx context.Context, timeout time.Duration) (*Frame, error) {
	d.mu.Lock()
	inEP := d.inEP
	d.mu.Unlock()
	if inEP == nil {
		return nil, fmt.Errorf("camera: grab called before Init")
	}

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := make([]byte, inEP.Desc.MaxPacketSize*32)
	n, err := inEP.ReadContext(readCtx, buf)
	if err != nil {
		if readCtx.Err() != nil {
			return nil, nil // timeout: clean, not an error
		}
		return nil, fmt.Errorf("camera: bulk read: %w", err)
	}
	if n < 8 {
		return nil, fmt.Errorf("camera: frame trailer truncated (%d bytes)", n)
	}

	deviceTS := decodeFrameClockTrailer(buf[n-8 : n])

	d.mu.Lock()
	seq := d.seq
	d.seq++
	w, h := d.frameW, d.frameH
	d.mu.Unlock()

	return &Frame{
		Pixels:        buf[:n-8],
		Width:         w,
		Height:        h,
		CameraName:    d.spec.Name,
		Sequence:      seq,
		DeviceTSValue: deviceTS,
		DeviceTSUnit:  Nanoseconds,
		HostEnqueued:  time.Now(),
	}, nil
}

// decodeFrameClockTrailer reads the camera's free-running 1 GHz tick
// counter, appended little-endian as the frame's last 8 bytes.
func decodeFrameClockTrailer(trailer []byte) uint64 {
	var ts uint64
	for i := 7; i >= 0; i-- {
		ts = ts<<8 | uint64(trailer[i])
	}
	return ts
}

func (d *machineVisionDriver) Stop() error {
	return nil
}

func (d *machineVisionDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.intfDone != nil {
		d.intfDone()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.usbCtx != nil {
		d.usbCtx.Close()
	}
	return nil
}
