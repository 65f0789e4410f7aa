package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbehavior/trigcam/pkg/camera"
	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/rlog"
)

// fakeDriver is a scripted camera.Driver for exercising Worker and
// Manager without real hardware.
type fakeDriver struct {
	mu sync.Mutex

	initErr  error
	initCnt  int
	grabErr  error
	grabGate chan struct{} // closed once, gates Grab until the test is ready

	seq uint64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{grabGate: make(chan struct{})}
}

func (d *fakeDriver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initCnt++
	return d.initErr
}

func (d *fakeDriver) Configure(spec config.CameraSpec) error { return nil }

func (d *fakeDriver) Start(ctx context.Context) error { return nil }

func (d *fakeDriver) Grab(ctx context.Context, timeout time.Duration) (*camera.Frame, error) {
	d.mu.Lock()
	err := d.grabErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-d.grabGate:
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	seq := atomic.AddUint64(&d.seq, 1) - 1
	return &camera.Frame{Pixels: []byte{1, 2, 3}, Sequence: seq}, nil
}

func (d *fakeDriver) Stop() error  { return nil }
func (d *fakeDriver) Close() error { return nil }

func newLogger(t *testing.T) *rlog.Logger {
	t.Helper()
	l, err := rlog.New(rlog.NewConfig())
	require.NoError(t, err)
	return l
}

func testConfig() Config {
	return Config{
		MaxFrames:        3,
		FrameTimeout:      20 * time.Millisecond,
		QueuePushTimeout: 20 * time.Millisecond,
		QueueCapacity:    8,
	}
}

func openGate(d *fakeDriver) {
	close(d.grabGate)
}

func TestWorkerLifecycleReachesCapturingAndCloses(t *testing.T) {
	d := newFakeDriver()
	openGate(d)
	w := NewWorker("cam0", d, testConfig(), newLogger(t))

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	assert.Equal(t, StateInitialized, w.State())

	require.NoError(t, w.Proceed(ctx))
	assert.Equal(t, StateStarted, w.State())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not finish within max frames")
	}

	assert.Equal(t, StateClosed, w.State())
	assert.Equal(t, uint64(3), w.Stats().FramesAcquired)

	frame := <-w.Frames()
	assert.NotNil(t, frame)
}

func TestWorkerGrabTimeoutsAreCountedNotFatal(t *testing.T) {
	d := newFakeDriver() // gate never opens: every Grab times out
	cfg := testConfig()
	cfg.MaxFrames = 1000 // never reached; Stop() ends the loop instead
	w := NewWorker("cam0", d, cfg, newLogger(t))

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.Proceed(ctx))

	go w.Run(ctx)
	time.Sleep(80 * time.Millisecond)
	w.Stop()
	time.Sleep(40 * time.Millisecond)

	stats := w.Stats()
	assert.Zero(t, stats.FramesAcquired)
	assert.Greater(t, stats.Timeouts, uint64(0))
}

func TestWorkerDropsFramesWhenQueueFull(t *testing.T) {
	d := newFakeDriver()
	openGate(d)
	cfg := Config{
		MaxFrames:        5,
		FrameTimeout:      20 * time.Millisecond,
		QueuePushTimeout: time.Millisecond,
		QueueCapacity:    1, // tiny: nobody drains, so it fills fast
	}
	w := NewWorker("cam0", d, cfg, newLogger(t))

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.Proceed(ctx))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not finish")
	}

	assert.Equal(t, uint64(5), w.Stats().FramesAcquired)
	assert.Greater(t, w.Stats().Dropped, uint64(0))
}

func TestWorkerStopsOnFatalDriverError(t *testing.T) {
	d := newFakeDriver()
	d.grabErr = Fatal(fmt.Errorf("device unplugged"))
	w := NewWorker("cam0", d, testConfig(), newLogger(t))

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.Proceed(ctx))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after fatal error")
	}

	assert.Zero(t, w.Stats().FramesAcquired)
	assert.Error(t, w.Stats().LastErr)
}

func TestManagerInitAllMarksFailedCameraAfterRetries(t *testing.T) {
	good := newFakeDriver()
	openGate(good)
	bad := newFakeDriver()
	bad.initErr = fmt.Errorf("device not found")

	m := NewManager(ManagerConfig{StaggerInterval: time.Millisecond, MaxInitRetries: 2, RetryBaseDelay: time.Millisecond}, newLogger(t))
	m.Add("good", NewWorker("good", good, testConfig(), newLogger(t)))
	m.Add("bad", NewWorker("bad", bad, testConfig(), newLogger(t)))

	ctx := context.Background()
	require.NoError(t, m.InitAll(ctx, []string{"good", "bad"}))

	assert.Equal(t, CameraReady, m.State("good"))
	assert.Equal(t, CameraFailed, m.State("bad"))
	assert.Equal(t, []string{"bad"}, m.Failed())
	assert.Equal(t, 2, bad.initCnt)
}

func TestManagerProceedAllSkipsFailedCameras(t *testing.T) {
	good := newFakeDriver()
	openGate(good)
	bad := newFakeDriver()
	bad.initErr = fmt.Errorf("boom")

	m := NewManager(ManagerConfig{StaggerInterval: time.Millisecond, MaxInitRetries: 1, RetryBaseDelay: time.Millisecond}, newLogger(t))
	m.Add("good", NewWorker("good", good, testConfig(), newLogger(t)))
	m.Add("bad", NewWorker("bad", bad, testConfig(), newLogger(t)))

	ctx := context.Background()
	require.NoError(t, m.InitAll(ctx, []string{"good", "bad"}))
	require.NoError(t, m.ProceedAll(ctx, []string{"good", "bad"}))

	assert.Equal(t, CameraCapturing, m.State("good"))
	assert.Equal(t, CameraFailed, m.State("bad"))
}

func TestManagerRunAllAndWaitCompletes(t *testing.T) {
	d := newFakeDriver()
	openGate(d)
	m := NewManager(ManagerConfig{StaggerInterval: time.Millisecond, MaxInitRetries: 1, RetryBaseDelay: time.Millisecond}, newLogger(t))
	m.Add("cam0", NewWorker("cam0", d, testConfig(), newLogger(t)))

	ctx := context.Background()
	require.NoError(t, m.InitAll(ctx, []string{"cam0"}))
	require.NoError(t, m.ProceedAll(ctx, []string{"cam0"}))

	m.RunAll(ctx)
	stuck := m.Wait(time.Second)
	assert.Empty(t, stuck)

	stats := m.Stats()
	assert.Equal(t, uint64(3), stats["cam0"].FramesAcquired)
}
