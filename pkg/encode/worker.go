package encode

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/openbehavior/trigcam/pkg/camera"
	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/rlog"
)

// waiter is implemented by backends whose Close kicks off work that
// can outlive the call (gpuBackend's muxer subprocess). A worker's
// final teardown waits on it so the process never exits mid-mux.
type waiter interface {
	Wait()
}

// Worker drains one camera's frame channel to a metadata CSV and a
// video Backend, rolling both over together once MaxVideoFrames is
// reached.
type Worker struct {
	name       string
	frames     <-chan *camera.Frame
	cfg        config.WriterConfig
	fps        int
	pixelFmt   string
	logger     *rlog.Logger

	backend Backend
	newBackend func() Backend

	origStem     string
	videoSuffix  string
	videoDir     string
	metaDir      string

	meta            *metadataWriter
	frameID         uint64 // frames written in the current segment; drives rollover
	segmentBaseline uint64 // absolute frame index the current segment's filenames embed
	pipeBroken      bool
	pendingMux      []waiter // closed segments' backends whose background work may still be running

	framesWritten uint64
	framesDropped uint64
	rollovers     int
}

// NewWorker constructs an EncoderWorker. videoPath's stem (minus its
// extension) becomes the rollover naming prefix; metadata files live
// alongside it as "{stem}.{segmentBaseline}.metadata.csv", where
// segmentBaseline is the absolute frame index the segment starts at
// (0, then max_video_frames, then 2*max_video_frames, ...) so segments
// are self-describing and concatenable by filename sort. pixelFmt is
// "gray8" for machine-vision/emulated cameras or "gray16" for depth
// cameras; it only affects the subprocess backend (the gpu backend
// always converts from 8-bit greyscale per spec).
func NewWorker(name string, frames <-chan *camera.Frame, videoPath string, cfg config.WriterConfig, fps int, pixelFmt string, logger *rlog.Logger) *Worker {
	ext := filepath.Ext(videoPath)
	stem := strings.TrimSuffix(filepath.Base(videoPath), ext)

	w := &Worker{
		name:        name,
		frames:      frames,
		cfg:         cfg,
		fps:         fps,
		pixelFmt:    pixelFmt,
		logger:      logger.With("camera", name),
		origStem:    stem,
		videoSuffix: ext,
		videoDir:    filepath.Dir(videoPath),
		metaDir:     filepath.Dir(videoPath),
	}
	w.newBackend = func() Backend { return w.defaultBackend() }
	return w
}

func (w *Worker) defaultBackend() Backend {
	if w.cfg.Backend == "gpu" {
		return newGPUBackend(w.cfg)
	}
	pixelFmt := w.pixelFmt
	if pixelFmt == "" {
		pixelFmt = "gray8"
	}
	return newSubprocessBackend(w.cfg, pixelFmt)
}

// Stats is a snapshot of an EncoderWorker's counters.
type Stats struct {
	FramesWritten uint64
	FramesDropped uint64
	Rollovers     int
}

func (w *Worker) Stats() Stats {
	return Stats{FramesWritten: w.framesWritten, FramesDropped: w.framesDropped, Rollovers: w.rollovers}
}

// videoPath returns this segment's video file path for the current
// absolute-frame-index baseline.
func (w *Worker) videoPath() string {
	return filepath.Join(w.videoDir, fmt.Sprintf("%s.%d%s", w.origStem, w.segmentBaseline, w.videoSuffix))
}

func (w *Worker) metadataPath() string {
	return filepath.Join(w.metaDir, fmt.Sprintf("%s.%d.metadata.csv", w.origStem, w.segmentBaseline))
}

// Run drains frames until the channel closes (the capture worker's
// terminal sentinel) or a nil frame is received on it directly.
func (w *Worker) Run() error {
	meta, err := newMetadataWriter(w.metadataPath())
	if err != nil {
		return err
	}
	w.meta = meta

	for frame := range w.frames {
		if frame == nil {
			break
		}
		if err := w.handleFrame(frame); err != nil {
			w.logger.Error("encoder worker stopping on error", "error", err)
			w.closeSegment(true)
			return err
		}
	}

	w.closeSegment(true)
	return nil
}

func (w *Worker) handleFrame(frame *camera.Frame) error {
	if frame.Pixels == nil {
		w.logger.Warn("dropping corrupted frame (nil pixels)", "sequence", frame.Sequence)
		w.framesDropped++
		return nil
	}

	if w.backend == nil {
		w.backend = w.newBackend()
		if err := w.backend.Open(w.videoPath(), frame.Width, frame.Height, w.fps); err != nil {
			return fmt.Errorf("encode: open backend: %w", err)
		}
		w.pipeBroken = false
	}

	queueSize := len(w.frames)
	if err := w.meta.WriteRow(frame.Sequence, frame.DeviceTSValue, frame.HostEnqueued, queueSize); err != nil {
		return fmt.Errorf("encode: write metadata: %w", err)
	}

	if !w.pipeBroken {
		if err := w.backend.WriteFrame(frame.Pixels); err != nil {
			w.logger.Error("encoder pipe broken, dropping further frames this segment", "error", err)
			w.pipeBroken = true
		} else {
			w.framesWritten++
		}
	}

	w.frameID++
	if w.frameID >= uint64(w.cfg.MaxVideoFrames) {
		w.rollover()
	}
	return nil
}

func (w *Worker) rollover() {
	w.logger.Info("reached max video frames, rolling over", "camera", w.name, "frame_id", w.frameID)
	// Don't wait for this segment's backend to finish closing (its gpu
	// mux, if any, runs concurrently with the next segment's
	// acquisition) — each segment gets a fresh Backend instance, so
	// there's no shared state between the outgoing and incoming one.
	w.closeSegment(false)
	w.rollovers++
	w.segmentBaseline += uint64(w.cfg.MaxVideoFrames)
	w.frameID = 0

	meta, err := newMetadataWriter(w.metadataPath())
	if err != nil {
		w.logger.Error("failed to open metadata file after rollover", "error", err)
		return
	}
	w.meta = meta
}

func (w *Worker) closeSegment(wait bool) {
	if w.backend != nil {
		if err := w.backend.Close(); err != nil {
			w.logger.Warn("error closing encoder backend", "error", err)
		}
		if wt, ok := w.backend.(waiter); ok {
			w.pendingMux = append(w.pendingMux, wt)
		}
		w.backend = nil
	}
	if wait {
		for _, wt := range w.pendingMux {
			wt.Wait()
		}
		w.pendingMux = nil
	}
	if w.meta != nil {
		if err := w.meta.Close(); err != nil {
			w.logger.Warn("error closing metadata file", "error", err)
		}
		w.meta = nil
	}
}
