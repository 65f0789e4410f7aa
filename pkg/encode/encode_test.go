package encode

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbehavior/trigcam/pkg/camera"
	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/rlog"
)

func newLogger(t *testing.T) *rlog.Logger {
	t.Helper()
	l, err := rlog.New(rlog.NewConfig())
	require.NoError(t, err)
	return l
}

func TestBuildFFmpegArgsCPU(t *testing.T) {
	args := buildFFmpegArgs("/tmp/out.mp4", 640, 480, 30, "gray8", config.WriterConfig{Codec: "libx264", CRF: 15})
	assert.Contains(t, args, "640x480")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "ultrafast")
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
}

func TestBuildFFmpegArgsGPU(t *testing.T) {
	args := buildFFmpegArgs("/tmp/out.mp4", 640, 480, 30, "gray8", config.WriterConfig{GPU: 1, CRF: 18})
	assert.Contains(t, args, "h264_nvenc")
	assert.NotContains(t, args, "ultrafast")
}

func TestBuildFFmpegArgsDepthUsesLosslessCodec(t *testing.T) {
	args := buildFFmpegArgs("/tmp/out.mkv", 512, 1024, 30, "gray16", config.WriterConfig{})
	assert.Contains(t, args, "ffv1")
	assert.NotContains(t, args, "yuv420p")
}

func TestGrey2NV12SizeAndChroma(t *testing.T) {
	pixels := make([]byte, 64*64)
	for i := range pixels {
		pixels[i] = 200
	}
	nv12 := grey2nv12(pixels, 64, 64)
	assert.Len(t, nv12, 64*64+32*32*2)
	assert.Equal(t, byte(200), nv12[0])
	assert.Equal(t, byte(128), nv12[len(nv12)-1])
}

func TestMetadataWriterWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.csv")

	w, err := newMetadataWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteRow(0, 12345, time.Unix(1700000000, 0), 3))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	assert.Equal(t, "frame_id,frame_timestamp,frame_image_uid,queue_size", scanner.Text())
	require.True(t, scanner.Scan())
	assert.Equal(t, "0,12345,1700000000.00000,3", scanner.Text())
}

// fakeBackend records every call without touching the filesystem, so
// Worker's rollover/error-handling logic can be tested without ffmpeg.
type fakeBackend struct {
	opened     bool
	closed     bool
	failWrite  bool
	frames     [][]byte
	width      int
	height     int
}

func (b *fakeBackend) Open(path string, width, height, fps int) error {
	b.opened = true
	b.width, b.height = width, height
	return nil
}

func (b *fakeBackend) WriteFrame(pixels []byte) error {
	if b.failWrite {
		return fmt.Errorf("broken pipe")
	}
	b.frames = append(b.frames, pixels)
	return nil
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func newTestWorker(t *testing.T, frames <-chan *camera.Frame, maxVideoFrames int) (*Worker, *[]*fakeBackend) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.WriterConfig{Backend: "subprocess", MaxVideoFrames: maxVideoFrames, QueueCapacity: 8}
	w := NewWorker("cam0", frames, filepath.Join(dir, "cam0.mp4"), cfg, 30, "gray8", newLogger(t))

	var created []*fakeBackend
	w.newBackend = func() Backend {
		b := &fakeBackend{}
		created = append(created, b)
		return b
	}
	return w, &created
}

func TestWorkerRollsOverAtMaxVideoFrames(t *testing.T) {
	ch := make(chan *camera.Frame, 10)
	w, backends := newTestWorker(t, ch, 2)

	for i := 0; i < 5; i++ {
		ch <- &camera.Frame{Pixels: []byte{1, 2, 3}, Width: 8, Height: 8, Sequence: uint64(i), HostEnqueued: time.Now()}
	}
	close(ch)

	require.NoError(t, w.Run())

	stats := w.Stats()
	assert.Equal(t, uint64(5), stats.FramesWritten)
	assert.Equal(t, 2, stats.Rollovers) // frames 0,1 -> rollover; 2,3 -> rollover; 4 remains open
	require.Len(t, *backends, 3)
	for _, b := range *backends {
		assert.True(t, b.opened)
		assert.True(t, b.closed)
	}
}

func TestWorkerRolloverFilenamesIncludeFrameIDZero(t *testing.T) {
	dir := t.TempDir()
	cfg := config.WriterConfig{Backend: "subprocess", MaxVideoFrames: 100, QueueCapacity: 8}
	ch := make(chan *camera.Frame, 300)
	w := NewWorker("cam0", ch, filepath.Join(dir, "trigcam.20260101T000000.cam0.SN1.mp4"), cfg, 30, "gray8", newLogger(t))

	var opened []string
	w.newBackend = func() Backend {
		b := &fakeBackend{}
		return &recordingBackend{fakeBackend: b, onOpen: func(path string) { opened = append(opened, filepath.Base(path)) }}
	}

	for i := 0; i < 250; i++ {
		ch <- &camera.Frame{Pixels: []byte{1, 2, 3}, Width: 8, Height: 8, Sequence: uint64(i), HostEnqueued: time.Now()}
	}
	close(ch)

	require.NoError(t, w.Run())

	require.Equal(t, []string{
		"trigcam.20260101T000000.cam0.SN1.0.mp4",
		"trigcam.20260101T000000.cam0.SN1.100.mp4",
		"trigcam.20260101T000000.cam0.SN1.200.mp4",
	}, opened)
}

// recordingBackend wraps fakeBackend to capture the path passed to Open,
// since fakeBackend itself discards it.
type recordingBackend struct {
	*fakeBackend
	onOpen func(path string)
}

func (b *recordingBackend) Open(path string, width, height, fps int) error {
	b.onOpen(path)
	return b.fakeBackend.Open(path, width, height, fps)
}

func TestWorkerDropsCorruptedFrameWithoutBackendWrite(t *testing.T) {
	ch := make(chan *camera.Frame, 2)
	w, backends := newTestWorker(t, ch, 10)

	ch <- &camera.Frame{Pixels: nil, Sequence: 0}
	close(ch)

	require.NoError(t, w.Run())
	assert.Equal(t, uint64(1), w.Stats().FramesDropped)
	assert.Zero(t, w.Stats().FramesWritten)
	assert.Empty(t, *backends) // backend never opened: no valid frame arrived
}

func TestWorkerContinuesAfterBrokenPipe(t *testing.T) {
	ch := make(chan *camera.Frame, 3)
	w, _ := newTestWorker(t, ch, 10)

	// Every backend this worker ever opens fails WriteFrame, simulating
	// a broken pipe on the very first frame.
	w.newBackend = func() Backend { return &fakeBackend{failWrite: true} }

	for i := 0; i < 3; i++ {
		ch <- &camera.Frame{Pixels: []byte{1}, Width: 4, Height: 4, Sequence: uint64(i), HostEnqueued: time.Now()}
	}
	close(ch)

	require.NoError(t, w.Run())

	// The broken pipe is logged and the worker keeps draining the
	// channel (metadata still accrues) rather than crashing.
	assert.Zero(t, w.Stats().FramesWritten)
	assert.Zero(t, w.Stats().FramesDropped)
}
