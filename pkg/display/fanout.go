// Package display runs an optional, local operator preview: a
// subsampled, never-blocking fan-out of capture frames, paced to a
// configured preview rate and served to a browser over WebRTC.
//
// Nothing in here sits on the acquisition hot path. A full preview
// channel drops the newest frame rather than applying backpressure to
// the camera or encoder workers.
package display

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync/atomic"
	"time"

	"github.com/openbehavior/trigcam/pkg/camera"
	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/rlog"
)

// PreviewFrame is one subsampled, JPEG-encoded frame ready for the
// display fan-out.
type PreviewFrame struct {
	CameraName string
	JPEG       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// CameraStats is a snapshot of one camera's preview fan-out counters.
type CameraStats struct {
	FramesSampled uint64
	FramesDropped uint64
	QueueDepth    int
}

// Fanout subsamples frames from one or more cameras for operator
// preview. Each camera gets its own goroutine and its own bounded
// output channel; a slow or absent viewer never backs up into
// capture.
type Fanout struct {
	logger  *rlog.Logger
	streams map[string]*cameraStream
}

type cameraStream struct {
	out           chan *PreviewFrame
	minInterval   time.Duration
	lastSampled   time.Time
	framesSampled atomic.Uint64
	framesDropped atomic.Uint64
}

// New constructs an empty Fanout. Call Attach once per camera that
// has display enabled in its config.
func New(logger *rlog.Logger) *Fanout {
	return &Fanout{logger: logger.With("component", "display"), streams: make(map[string]*cameraStream)}
}

// Attach subscribes to frames for one camera and starts its
// subsampling goroutine. queueCapacity bounds the preview channel;
// frames arriving while it's full are dropped, never blocked on.
func (f *Fanout) Attach(name string, frames <-chan *camera.Frame, cfg config.DisplayConfig, queueCapacity int) <-chan *PreviewFrame {
	fps := cfg.PreviewFPS
	if fps <= 0 {
		fps = 2
	}
	stream := &cameraStream{
		out:         make(chan *PreviewFrame, queueCapacity),
		minInterval: time.Duration(float64(time.Second) / fps),
	}
	f.streams[name] = stream

	go f.run(name, frames, stream)
	return stream.out
}

func (f *Fanout) run(name string, frames <-chan *camera.Frame, stream *cameraStream) {
	for frame := range frames {
		if frame == nil || frame.Pixels == nil {
			continue
		}
		now := frame.HostEnqueued
		if now.IsZero() {
			now = time.Now()
		}
		if !stream.lastSampled.IsZero() && now.Sub(stream.lastSampled) < stream.minInterval {
			continue
		}
		stream.lastSampled = now

		jpegBytes, err := encodeJPEG(frame)
		if err != nil {
			f.logger.Warn("preview jpeg encode failed", "camera", name, "error", err)
			continue
		}

		preview := &PreviewFrame{CameraName: name, JPEG: jpegBytes, Width: frame.Width, Height: frame.Height, CapturedAt: now}
		select {
		case stream.out <- preview:
			stream.framesSampled.Add(1)
		default:
			stream.framesDropped.Add(1)
		}
	}
	close(stream.out)
}

// Stats returns a snapshot of every attached camera's counters.
func (f *Fanout) Stats() map[string]CameraStats {
	out := make(map[string]CameraStats, len(f.streams))
	for name, s := range f.streams {
		out[name] = CameraStats{
			FramesSampled: s.framesSampled.Load(),
			FramesDropped: s.framesDropped.Load(),
			QueueDepth:    len(s.out),
		}
	}
	return out
}

// encodeJPEG turns a greyscale (or depth-stacked) frame buffer into a
// JPEG preview image. Depth frames (16-bit pairs) are downshifted to
// 8-bit by taking the high byte of each sample, matching how the
// original viewer tooling normalizes depth for on-screen preview.
func encodeJPEG(frame *camera.Frame) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, frame.Width, frame.Height))
	n := frame.Width * frame.Height
	if len(frame.Pixels) >= n*2 {
		for i := 0; i < n; i++ {
			img.Pix[i] = frame.Pixels[i*2+1]
		}
	} else if len(frame.Pixels) >= n {
		copy(img.Pix, frame.Pixels[:n])
	} else {
		copy(img.Pix, frame.Pixels)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
