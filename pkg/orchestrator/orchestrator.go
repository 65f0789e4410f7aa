// Package orchestrator sequences one acquisition run: schedule
// planning, worker construction, the ordered start/stop of capture and
// encoder workers around the MCU connection, and the deadline/interrupt
// poll that ends the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openbehavior/trigcam/pkg/camera"
	"github.com/openbehavior/trigcam/pkg/capture"
	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/display"
	"github.com/openbehavior/trigcam/pkg/encode"
	"github.com/openbehavior/trigcam/pkg/mcu"
	"github.com/openbehavior/trigcam/pkg/rlog"
	"github.com/openbehavior/trigcam/pkg/schedule"
)

// Error kinds an operator or cmd/trigcam can match on with errors.Is to
// pick an exit code. The wrapped detail varies per failure; the kind
// does not.
var (
	ErrConfigInvalid       = errors.New("orchestrator: config invalid")
	ErrMcuHandshakeFailure = errors.New("orchestrator: mcu handshake failure")
	ErrWorkerCrash         = errors.New("orchestrator: worker crash after retries")
)

// mcuController is the subset of *mcu.Controller the orchestrator
// depends on, so tests can substitute a fake MCU without a serial port.
type mcuController interface {
	Open(ctx context.Context, candidatePorts []string) error
	Upload(ctx context.Context, sched *schedule.Schedule, durationS float64) error
	Interrupt(ctx context.Context) error
	RunInputLoop(ctx context.Context, triggerData io.Writer) <-chan struct{}
	Err() error
	Close() error
}

// Options bundles everything about a run that isn't in the camera/pin
// config itself: where output goes, how long to record, and the
// plumbing hooks tests override.
type Options struct {
	SaveDir           string
	DurationS         float64
	Prefix            string // defaults to "trigcam"
	CandidateMCUPorts []string
	DisplayAddr       string // non-empty enables the operator preview server

	Now       func() time.Time
	NewMCU    func(config.McuConfig, *rlog.Logger) mcuController
	PollEvery time.Duration // deadline/failure poll interval, defaults to 250ms
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "trigcam"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewMCU == nil {
		o.NewMCU = func(cfg config.McuConfig, logger *rlog.Logger) mcuController { return mcu.New(cfg, logger) }
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 250 * time.Millisecond
	}
}

// Orchestrator owns one acquisition run end to end.
type Orchestrator struct {
	cfg    *config.Config
	opts   Options
	logger *rlog.Logger

	captureMgr *capture.Manager
	mcuCtl     mcuController

	encodeWorkers map[string]*encode.Worker
	encodeWG      sync.WaitGroup
	initFailed    map[string]chan struct{}

	displaySrv *display.Server
	fanout     *display.Fanout

	runFailed  atomic.Bool
	failureMu  sync.Mutex
	failureErr error

	triggerFile *os.File
}

// New validates opts and builds an Orchestrator ready to Run. cfg is
// assumed already loaded via config.Load (and therefore validated);
// Run re-validates defensively since a caller could construct cfg by
// hand.
func New(cfg *config.Config, opts Options, logger *rlog.Logger) (*Orchestrator, error) {
	opts.setDefaults()
	if opts.SaveDir == "" {
		return nil, fmt.Errorf("%w: save directory is required", ErrConfigInvalid)
	}
	if opts.DurationS <= 0 {
		return nil, fmt.Errorf("%w: duration_s must be positive", ErrConfigInvalid)
	}

	return &Orchestrator{
		cfg:           cfg,
		opts:          opts,
		logger:        logger,
		captureMgr:    capture.NewManager(capture.DefaultManagerConfig(), logger),
		encodeWorkers: make(map[string]*encode.Worker),
		initFailed:    make(map[string]chan struct{}),
	}, nil
}

// Run executes the full ten-step acquisition sequence and blocks until
// the run ends (deadline, MCU finish, operator interrupt via ctx, or a
// fatal worker error), then tears everything down in order.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	nDepth := o.cfg.NDepthCameras()
	sched, err := schedule.Plan(o.cfg.SchedulerInput(), nDepth, o.cfg.FPS)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := schedule.Validate(o.cfg.SchedulerInput(), sched); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	if err := os.MkdirAll(o.opts.SaveDir, 0o755); err != nil {
		return fmt.Errorf("%w: create save directory: %v", ErrConfigInvalid, err)
	}
	base := filepath.Join(o.opts.SaveDir, o.opts.Prefix)

	if err := config.Snapshot(o.cfg, base+".config.yaml"); err != nil {
		return fmt.Errorf("%w: snapshot config: %v", ErrConfigInvalid, err)
	}

	triggerFile, err := os.Create(base + ".triggerdata.csv")
	if err != nil {
		return fmt.Errorf("%w: open trigger-data file: %v", ErrConfigInvalid, err)
	}
	o.triggerFile = triggerFile
	defer triggerFile.Close()
	fmt.Fprintln(triggerFile, "time,pin,state")

	if o.opts.DisplayAddr != "" {
		o.fanout = display.New(o.logger)
		o.displaySrv = display.NewServer(o.fanout, o.logger)
	}

	startTS := o.opts.Now().UTC().Format("20060102T150405")
	names, err := o.buildWorkers(ctx, base, startTS)
	if err != nil {
		return err
	}

	if o.displaySrv != nil {
		if err := o.displaySrv.Start(o.opts.DisplayAddr); err != nil {
			o.logger.Warn("preview server failed to start, continuing without it", "error", err)
			o.displaySrv = nil
		}
	}

	// Step 4: encoder workers first. Each blocks on its own empty
	// channel until the matching capture worker (or its frame-pipe
	// goroutine, for a camera that never reaches Capturing) produces
	// something.
	for name, ew := range o.encodeWorkers {
		o.encodeWG.Add(1)
		go func(name string, ew *encode.Worker) {
			defer o.encodeWG.Done()
			if err := ew.Run(); err != nil {
				o.setFailed(fmt.Errorf("%w: encoder worker %q: %v", ErrWorkerCrash, name, err))
			}
		}(name, ew)
	}

	// Step 5: staggered Init with retry/backoff, one "ready" per camera.
	if err := o.captureMgr.InitAll(ctx, names); err != nil {
		return fmt.Errorf("orchestrator: init sequence aborted: %w", err)
	}
	failed := o.captureMgr.Failed()
	if len(failed) == len(names) {
		for _, name := range failed {
			close(o.initFailed[name])
		}
		return fmt.Errorf("%w: every camera failed init: %v", ErrWorkerCrash, failed)
	}
	for _, name := range failed {
		o.logger.Error("camera excluded from run: init failed after retries", "camera", name)
		close(o.initFailed[name])
	}

	// Step 6: proceed (driver.Start) and launch each worker's capture loop.
	if err := o.captureMgr.ProceedAll(ctx, names); err != nil {
		return fmt.Errorf("orchestrator: proceed sequence aborted: %w", err)
	}
	o.captureMgr.RunAll(ctx)

	stopWatch := make(chan struct{})
	go o.watchCaptureFailures(ctx, stopWatch)

	// Step 7: open the MCU, upload the schedule, start acquisition.
	o.mcuCtl = o.opts.NewMCU(o.cfg.MCU, o.logger)
	if err := o.mcuCtl.Open(ctx, o.opts.CandidateMCUPorts); err != nil {
		close(stopWatch)
		return fmt.Errorf("%w: %v", ErrMcuHandshakeFailure, err)
	}
	if err := o.mcuCtl.Upload(ctx, sched, o.opts.DurationS); err != nil {
		close(stopWatch)
		o.mcuCtl.Close()
		return fmt.Errorf("%w: %v", ErrMcuHandshakeFailure, err)
	}

	// Step 8: poll until the MCU finishes, the deadline passes, the
	// operator interrupts, or a worker fails fatally.
	stopReason := o.pollUntilStop(ctx)
	o.logger.Info("acquisition stopping", "reason", stopReason)
	close(stopWatch)

	// Step 9: stop capture, drain encoders, close the MCU.
	o.captureMgr.StopAll()
	if stuck := o.captureMgr.Wait(10 * time.Second); len(stuck) > 0 {
		// Step 10: nothing left to forcibly terminate in-process short
		// of exiting — a capture worker blocked in driver.Grab on a
		// wedged device cannot be preempted. Log the escalation so the
		// operator can intervene (power-cycle the device, kill the run).
		o.logger.Error("capture workers did not stop within timeout, abandoning", "cameras", stuck)
	}

	o.encodeWG.Wait()

	if stopReason != "mcu finished" {
		if err := o.mcuCtl.Interrupt(ctx); err != nil {
			o.logger.Warn("mcu interrupt failed", "error", err)
		}
	}
	if err := o.mcuCtl.Close(); err != nil {
		o.logger.Warn("error closing mcu controller", "error", err)
	}

	if o.displaySrv != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.displaySrv.Stop(stopCtx); err != nil {
			o.logger.Warn("error stopping preview server", "error", err)
		}
	}

	if err := o.failedErr(); err != nil {
		return err
	}
	if err := o.mcuCtl.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerCrash, err)
	}
	return nil
}

// buildWorkers is step 3: construct each camera's Driver, CaptureWorker,
// and EncoderWorker, and wire an optional preview tap. It stops the MCU
// from ever entering the picture this early, per spec.
func (o *Orchestrator) buildWorkers(ctx context.Context, base, startTS string) ([]string, error) {
	names := make([]string, 0, len(o.cfg.Cameras))
	frameInterval := time.Second / time.Duration(o.cfg.FPS)

	for _, spec := range o.cfg.Cameras {
		drv, err := camera.New(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: camera %q: %v", ErrConfigInvalid, spec.Name, err)
		}
		if err := drv.Configure(spec); err != nil {
			return nil, fmt.Errorf("%w: camera %q rejected configuration: %v", ErrConfigInvalid, spec.Name, err)
		}

		capCfg := capture.Config{
			MaxFrames:        ^uint64(0),
			FrameTimeout:     time.Duration(spec.Writer.FrameTimeoutMS) * time.Millisecond,
			QueuePushTimeout: 3 * frameInterval,
			QueueCapacity:    spec.Writer.QueueCapacity,
		}
		capWorker := capture.NewWorker(spec.Name, drv, capCfg, o.logger)
		o.captureMgr.Add(spec.Name, capWorker)
		names = append(names, spec.Name)

		encodeCh := make(chan *camera.Frame, spec.Writer.QueueCapacity)
		var previewCh chan *camera.Frame
		var fanoutOut <-chan *display.PreviewFrame
		if spec.Display.Enabled && o.fanout != nil {
			previewCh = make(chan *camera.Frame, spec.Writer.QueueCapacity)
			fanoutOut = o.fanout.Attach(spec.Name, previewCh, spec.Display, spec.Writer.QueueCapacity)
		}

		initFailed := make(chan struct{})
		o.initFailed[spec.Name] = initFailed
		go pipeFrames(capWorker, encodeCh, previewCh, initFailed)

		if fanoutOut != nil {
			if err := o.displaySrv.RegisterCamera(ctx, spec.Name, fanoutOut, spec.Display.PreviewFPS); err != nil {
				o.logger.Warn("preview registration failed, continuing without it for this camera", "camera", spec.Name, "error", err)
			}
		}

		ext := ".mp4"
		pixelFmt := "gray8"
		if spec.Vendor == config.VendorDepth {
			ext = ".avi"
			pixelFmt = "gray16"
		}
		videoPath := fmt.Sprintf("%s.%s.%s.%s%s", base, startTS, spec.Name, spec.DeviceID, ext)
		o.encodeWorkers[spec.Name] = encode.NewWorker(spec.Name, encodeCh, videoPath, spec.Writer, o.cfg.FPS, pixelFmt, o.logger)
	}

	return names, nil
}

// pipeFrames forwards capW's frame queue to the encoder's channel and,
// if previewCh is non-nil, a non-blocking copy to the display fan-out.
// It also unblocks (and closes both downstream channels) the moment
// initFailed fires, so a camera that never reaches Capturing doesn't
// leave its encoder worker parked forever on an empty channel.
func pipeFrames(capW *capture.Worker, encodeCh chan<- *camera.Frame, previewCh chan<- *camera.Frame, initFailed <-chan struct{}) {
	defer close(encodeCh)
	if previewCh != nil {
		defer close(previewCh)
	}
	for {
		select {
		case frame := <-capW.Frames():
			encodeCh <- frame
			if frame == nil {
				return
			}
			if previewCh != nil {
				select {
				case previewCh <- frame:
				default:
				}
			}
		case <-initFailed:
			return
		}
	}
}

// pollUntilStop blocks until the MCU signals completion, the wall-clock
// deadline passes, the context is canceled (operator interrupt), or a
// worker raises the shared failure flag.
func (o *Orchestrator) pollUntilStop(ctx context.Context) string {
	deadline := o.opts.Now().Add(time.Duration(o.opts.DurationS * float64(time.Second)))
	inputDone := o.mcuCtl.RunInputLoop(ctx, o.triggerFile)

	ticker := time.NewTicker(o.opts.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-inputDone:
			return "mcu finished"
		case <-ctx.Done():
			return "operator interrupt"
		case <-ticker.C:
			if o.opts.Now().After(deadline) {
				return "deadline"
			}
			if o.runFailed.Load() {
				return "worker failure"
			}
		}
	}
}

// watchCaptureFailures polls each capture worker for a fatal exit while
// the run is still supposed to be live, realizing spec.md §7's "worker
// sets a shared run_failed flag, orchestrator observes it on its next
// poll" rule (capture.Worker itself has no callback for this).
func (o *Orchestrator) watchCaptureFailures(ctx context.Context, stop <-chan struct{}) {
	seen := make(map[string]bool)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			for _, w := range o.captureMgr.Workers() {
				if seen[w.Name()] {
					continue
				}
				if w.State() == capture.StateClosed {
					if st := w.Stats(); st.LastErr != nil {
						seen[w.Name()] = true
						o.setFailed(fmt.Errorf("%w: capture worker %q stopped early: %v", ErrWorkerCrash, w.Name(), st.LastErr))
					}
				}
			}
		}
	}
}

func (o *Orchestrator) setFailed(err error) {
	o.runFailed.Store(true)
	o.failureMu.Lock()
	if o.failureErr == nil {
		o.failureErr = err
	}
	o.failureMu.Unlock()
}

func (o *Orchestrator) failedErr() error {
	o.failureMu.Lock()
	defer o.failureMu.Unlock()
	return o.failureErr
}
