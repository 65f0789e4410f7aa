package capture

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/openbehavior/trigcam/pkg/camera"
	"github.com/openbehavior/trigcam/pkg/rlog"
)

// State is a CaptureWorker's position in its lifecycle.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateStarted
	StateCapturing
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Worker pulls frames from one camera's Driver and pushes them onto a
// bounded queue for its EncoderWorker. It runs in its own goroutine
// for the lifetime of a recording.
type Worker struct {
	name   string
	driver camera.Driver
	logger *rlog.Logger

	queue            chan *Frame
	maxFrames        uint64
	frameTimeout     time.Duration
	queuePushTimeout time.Duration

	state      atomic.Int32
	stop       atomic.Bool
	readyInit  chan struct{}
	readyStart chan struct{}

	framesAcquired atomic.Uint64
	timeouts       atomic.Uint64
	transientErrs  atomic.Uint64
	dropped        atomic.Uint64

	lastErr atomic.Value // error
}

// Config bundles a Worker's tunables, sourced from config.WriterConfig.
type Config struct {
	MaxFrames        uint64
	FrameTimeout     time.Duration
	QueuePushTimeout time.Duration
	QueueCapacity    int
}

// NewWorker constructs a Worker around driver. Frames flow out on the
// channel returned by Frames(); a nil Frame on that channel is the
// terminal sentinel.
func NewWorker(name string, driver camera.Driver, cfg Config, logger *rlog.Logger) *Worker {
	w := &Worker{
		name:             name,
		driver:           driver,
		logger:           logger.With("camera", name),
		queue:            make(chan *Frame, cfg.QueueCapacity),
		maxFrames:        cfg.MaxFrames,
		frameTimeout:     cfg.FrameTimeout,
		queuePushTimeout: cfg.QueuePushTimeout,
		readyInit:        make(chan struct{}),
		readyStart:       make(chan struct{}),
	}
	w.state.Store(int32(StateCreated))
	return w
}

// Frames returns the outbound frame queue. A nil value is the
// terminal sentinel: the worker has stopped and will send nothing
// further.
func (w *Worker) Frames() <-chan *Frame { return w.queue }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Name returns the camera name this worker was constructed with.
func (w *Worker) Name() string { return w.name }

// ReadyAfterInit closes once Init has completed.
func (w *Worker) ReadyAfterInit() <-chan struct{} { return w.readyInit }

// ReadyAfterStart closes once Proceed has completed.
func (w *Worker) ReadyAfterStart() <-chan struct{} { return w.readyStart }

// Init opens the camera device. Created -> Initialized.
func (w *Worker) Init(ctx context.Context) error {
	if err := w.driver.Init(ctx); err != nil {
		return err
	}
	w.state.Store(int32(StateInitialized))
	close(w.readyInit)
	return nil
}

// Proceed arms the camera for capture once the orchestrator has
// confirmed every worker finished Init. Initialized -> Started.
func (w *Worker) Proceed(ctx context.Context) error {
	if err := w.driver.Start(ctx); err != nil {
		return err
	}
	w.state.Store(int32(StateStarted))
	close(w.readyStart)
	return nil
}

// Stop requests the run loop exit at its next opportunity.
func (w *Worker) Stop() { w.stop.Store(true) }

// Stats is a snapshot of a Worker's counters for orchestrator polling.
type Stats struct {
	FramesAcquired uint64
	Timeouts       uint64
	TransientErrs  uint64
	Dropped        uint64
	LastErr        error
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	var lastErr error
	if v := w.lastErr.Load(); v != nil {
		lastErr = v.(error)
	}
	return Stats{
		FramesAcquired: w.framesAcquired.Load(),
		Timeouts:       w.timeouts.Load(),
		TransientErrs:  w.transientErrs.Load(),
		Dropped:        w.dropped.Load(),
		LastErr:        lastErr,
	}
}

// Run executes the capture inner loop until stop is requested, the
// camera reports a fatal error, or max frames is reached. It always
// pushes a terminal sentinel and closes the driver before returning.
func (w *Worker) Run(ctx context.Context) {
	w.state.Store(int32(StateCapturing))
	defer w.finish()

	for !w.stop.Load() && w.framesAcquired.Load() < w.maxFrames {
		frame, err := w.driver.Grab(ctx, w.frameTimeout)
		switch {
		case err != nil && isFatal(err):
			w.lastErr.Store(err)
			w.logger.Error("fatal camera error, stopping", "error", err)
			return
		case err != nil:
			w.transientErrs.Add(1)
			w.lastErr.Store(err)
			w.logger.Debugc(rlog.CategoryCapture, "transient grab error", "error", err)
			continue
		case frame == nil:
			w.timeouts.Add(1)
			continue
		}

		frame.Sequence = w.framesAcquired.Load()
		frame.CameraName = w.name
		frame.HostEnqueued = time.Now()
		w.pushOrDrop(frame)
		w.framesAcquired.Add(1)
	}
}

func (w *Worker) pushOrDrop(frame *Frame) {
	select {
	case w.queue <- frame:
		return
	default:
	}

	timer := time.NewTimer(w.queuePushTimeout)
	defer timer.Stop()
	select {
	case w.queue <- frame:
	case <-timer.C:
		w.dropped.Add(1)
		w.logger.Warn("frame queue full, dropping frame", "sequence", frame.Sequence, "timeout", w.queuePushTimeout)
	}
}

func (w *Worker) finish() {
	w.state.Store(int32(StateStopping))
	// Terminal sentinel: closing the queue hands the receiver a nil frame
	// once buffered frames are drained, without blocking on a full buffer.
	close(w.queue)
	if err := w.driver.Close(); err != nil {
		w.logger.Warn("error closing camera driver", "error", err)
	}
	w.state.Store(int32(StateClosed))
}

// fatalErr marks a driver error as unrecoverable.
type fatalErr struct{ error }

// Fatal wraps err so the capture loop treats it as unrecoverable
// instead of logging and continuing.
func Fatal(err error) error { return fatalErr{err} }

func isFatal(err error) bool {
	_, ok := err.(fatalErr)
	return ok
}
