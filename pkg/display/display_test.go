package display

import (
	"context"
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

func TestFanoutSubsamplesByConfiguredRate(t *testing.T) {
	frames := make(chan *camera.Frame, 10)
	f := New(newLogger(t))
	out := f.Attach("cam0", frames, config.DisplayConfig{Enabled: true, PreviewFPS: 1000}, 10)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		frames <- &camera.Frame{
			Pixels: make([]byte, 4*4), Width: 4, Height: 4,
			Sequence: uint64(i), HostEnqueued: base.Add(time.Duration(i) * time.Millisecond),
		}
	}
	close(frames)

	var samples int
	for range out {
		samples++
	}
	assert.Equal(t, 5, samples) // 1000fps means every frame clears the interval gate
}

func TestFanoutDropsSlowFramesWhenIntervalNotElapsed(t *testing.T) {
	frames := make(chan *camera.Frame, 10)
	f := New(newLogger(t))
	out := f.Attach("cam0", frames, config.DisplayConfig{Enabled: true, PreviewFPS: 1}, 10)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		frames <- &camera.Frame{
			Pixels: make([]byte, 4*4), Width: 4, Height: 4,
			Sequence: uint64(i), HostEnqueued: base.Add(time.Duration(i) * time.Millisecond),
		}
	}
	close(frames)

	var samples int
	for range out {
		samples++
	}
	// At 1fps (1s interval) only the very first frame of this
	// millisecond-spaced burst clears the gate.
	assert.Equal(t, 1, samples)

	stats := f.Stats()["cam0"]
	assert.Equal(t, uint64(1), stats.FramesSampled)
}

func TestFanoutDropsNilAndCorruptFrames(t *testing.T) {
	frames := make(chan *camera.Frame, 2)
	f := New(newLogger(t))
	out := f.Attach("cam0", frames, config.DisplayConfig{Enabled: true, PreviewFPS: 1000}, 10)

	frames <- nil
	frames <- &camera.Frame{Pixels: nil, Sequence: 0}
	close(frames)

	var samples int
	for range out {
		samples++
	}
	assert.Zero(t, samples)
}

func TestFanoutDropsWhenOutputQueueFull(t *testing.T) {
	frames := make(chan *camera.Frame, 10)
	f := New(newLogger(t))
	out := f.Attach("cam0", frames, config.DisplayConfig{Enabled: true, PreviewFPS: 1000}, 1)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		frames <- &camera.Frame{
			Pixels: make([]byte, 4*4), Width: 4, Height: 4,
			Sequence: uint64(i), HostEnqueued: base.Add(time.Duration(i) * time.Millisecond),
		}
	}
	close(frames)

	// Don't drain out: every send past the first should find the
	// buffer-of-1 channel full and be dropped.
	time.Sleep(20 * time.Millisecond)

	stats := f.Stats()["cam0"]
	assert.Less(t, stats.FramesSampled, uint64(5))
	assert.Greater(t, stats.FramesDropped, uint64(0))

	for range out {
	}
}

func TestPacerSmoothsBurstWithoutExceedingBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPacer(ctx, 1000, 8, newLogger(t))
	p.Start()

	for i := 0; i < 5; i++ {
		p.Enqueue(&PreviewFrame{CameraName: "cam0", JPEG: []byte{byte(i)}})
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 5 {
		select {
		case frame := <-p.Out():
			require.NotNil(t, frame)
			received++
		case <-timeout:
			t.Fatalf("only received %d/5 frames before timeout", received)
		}
	}
	assert.Zero(t, p.Dropped())
}

func TestPacerDropsWhenIngressBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// fps=0.001 effectively never releases within the test window, so
	// the ingress buffer (burst=1) fills immediately.
	p := NewPacer(ctx, 0.001, 1, newLogger(t))
	p.Start()

	for i := 0; i < 5; i++ {
		p.Enqueue(&PreviewFrame{JPEG: []byte{byte(i)}})
	}

	assert.Greater(t, p.Dropped(), uint64(0))
}

func TestExtractCompleteAnnexBSplitsOnStartCodes(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 0, 1, 0x68, 0xBB, 0, 0, 0, 1, 0x65}
	nalus, rest := extractCompleteAnnexB(data)
	require.Len(t, nalus, 2)
	assert.Equal(t, []byte{0x67, 0xAA}, nalus[0])
	assert.Equal(t, []byte{0x68, 0xBB}, nalus[1])
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65}, rest)
}

func TestExtractCompleteAnnexBHoldsBackIncompleteTail(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 0xAA}
	nalus, rest := extractCompleteAnnexB(data)
	assert.Empty(t, nalus)
	assert.Equal(t, data, rest)
}
