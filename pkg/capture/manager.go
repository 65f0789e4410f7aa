package capture

import (
	"context"
	"sync"
	"time"

	"github.com/openbehavior/trigcam/pkg/rlog"
)

// CameraState is a camera's position in the Manager's view of the
// world, distinct from the finer-grained Worker.State: it tracks
// retry/backoff across repeated Init attempts, something a single
// Worker's own lifecycle doesn't model.
type CameraState int

const (
	CameraStarting CameraState = iota
	CameraReady
	CameraCapturing
	CameraFailed
	CameraStopped
)

func (s CameraState) String() string {
	switch s {
	case CameraStarting:
		return "starting"
	case CameraReady:
		return "ready"
	case CameraCapturing:
		return "capturing"
	case CameraFailed:
		return "failed"
	case CameraStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// cameraEntry tracks one camera's lifecycle under Manager supervision.
type cameraEntry struct {
	name         string
	worker       *Worker
	state        CameraState
	failureCount int
	lastErr      error
	lastAttempt  time.Time
}

// ManagerConfig bounds the Manager's staggering and retry behavior.
type ManagerConfig struct {
	StaggerInterval   time.Duration // delay between successive camera Init calls
	MaxInitRetries    int           // Init attempts before a camera is marked Failed for good
	RetryBaseDelay    time.Duration // base delay for exponential backoff between retries
}

// DefaultManagerConfig avoids USB/PCIe bus-bandwidth contention from
// simultaneous multi-camera Init by staggering startup; it has nothing
// to do with any external rate limit.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StaggerInterval: 250 * time.Millisecond,
		MaxInitRetries:  3,
		RetryBaseDelay:  2 * time.Second,
	}
}

// Manager supervises one Worker per camera: staggered Init with
// retry/backoff, state tracking, and group start/stop.
type Manager struct {
	cfg    ManagerConfig
	logger *rlog.Logger

	mu      sync.Mutex
	entries map[string]*cameraEntry

	wg sync.WaitGroup
}

// NewManager constructs a Manager. Workers must be registered with Add
// before InitAll is called.
func NewManager(cfg ManagerConfig, logger *rlog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*cameraEntry),
	}
}

// Add registers a camera's Worker under supervision.
func (m *Manager) Add(name string, w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = &cameraEntry{name: name, worker: w, state: CameraStarting}
}

// Workers returns every registered Worker, in the order they were added
// is not guaranteed: callers that need a stable order should sort by
// camera name themselves.
func (m *Manager) Workers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.worker)
	}
	return out
}

func (m *Manager) setState(name string, fn func(*cameraEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		fn(e)
	}
}

// State returns the CameraState last recorded for name.
func (m *Manager) State(name string) CameraState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		return e.state
	}
	return CameraStopped
}

// Failed returns the names of cameras the manager gave up on after
// exhausting MaxInitRetries.
func (m *Manager) Failed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, e := range m.entries {
		if e.state == CameraFailed {
			names = append(names, name)
		}
	}
	return names
}

// InitAll calls Init on every registered camera's Worker, staggered by
// StaggerInterval, retrying each with exponential backoff up to
// MaxInitRetries before marking it Failed. Returns an error only if
// ctx is canceled mid-sequence; individual camera failures are
// recorded in state, not returned, so one bad camera doesn't abort
// the rest of the fleet.
func (m *Manager) InitAll(ctx context.Context, names []string) error {
	for i, name := range names {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.initOne(ctx, name)

		if i < len(names)-1 {
			select {
			case <-time.After(m.cfg.StaggerInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (m *Manager) initOne(ctx context.Context, name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	logger := m.logger.With("camera", name)
	delay := m.cfg.RetryBaseDelay

	for attempt := 1; attempt <= m.cfg.MaxInitRetries; attempt++ {
		err := e.worker.Init(ctx)
		if err == nil {
			m.setState(name, func(e *cameraEntry) {
				e.state = CameraReady
				e.failureCount = 0
				e.lastErr = nil
			})
			return
		}

		m.setState(name, func(e *cameraEntry) {
			e.state = CameraFailed
			e.failureCount = attempt
			e.lastErr = err
			e.lastAttempt = time.Now()
		})
		logger.Error("camera init failed", "attempt", attempt, "max_attempts", m.cfg.MaxInitRetries, "error", err)

		if attempt == m.cfg.MaxInitRetries {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}

	logger.Error("camera init exhausted retries, giving up", "failures", e.failureCount)
}

// ProceedAll calls Proceed on every Ready camera's Worker. Cameras
// still Failed after InitAll are skipped; their absence here is how an
// orchestrator detects a partially-degraded fleet.
func (m *Manager) ProceedAll(ctx context.Context, names []string) error {
	for _, name := range names {
		m.mu.Lock()
		e, ok := m.entries[name]
		m.mu.Unlock()
		if !ok || e.state != CameraReady {
			continue
		}
		if err := e.worker.Proceed(ctx); err != nil {
			m.setState(name, func(e *cameraEntry) {
				e.state = CameraFailed
				e.lastErr = err
			})
			m.logger.Error("camera proceed failed", "camera", name, "error", err)
			continue
		}
		m.setState(name, func(e *cameraEntry) { e.state = CameraCapturing })
	}
	return nil
}

// RunAll starts each Capturing camera's (one that ProceedAll armed)
// Worker.Run in its own goroutine and returns immediately; call Wait
// to block until they all finish.
func (m *Manager) RunAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.state != CameraCapturing {
			continue
		}
		e := e
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			e.worker.Run(ctx)
		}()
	}
}

// StopAll raises the stop flag on every registered Worker.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.worker.Stop()
		e.state = CameraStopped
	}
}

// Wait blocks until every goroutine started by RunAll has returned, or
// timeout elapses first. Returns the names of workers still running
// when it gave up.
func (m *Manager) Wait(timeout time.Duration) []string {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var stuck []string
	for name, e := range m.entries {
		if e.worker.State() != StateClosed {
			stuck = append(stuck, name)
		}
	}
	return stuck
}

// Stats returns every registered camera's current Worker.Stats, keyed
// by camera name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.worker.Stats()
	}
	return out
}
