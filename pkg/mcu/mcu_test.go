package mcu

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/rlog"
	"github.com/openbehavior/trigcam/pkg/schedule"
)

func testSchedule() *schedule.Schedule {
	return &schedule.Schedule{
		CycleDurationUS:        1000,
		Events:                 []schedule.Event{{TimeUS: 0, Pin: 2, State: 1}, {TimeUS: 100, Pin: 2, State: 0}},
		InputPins:              []uint16{7},
		RandomOutputPins:       []uint16{8},
		CyclesPerRandomBitFlip: 1,
	}
}

func TestUploadLinesFormat(t *testing.T) {
	lines := uploadLines(testSchedule(), 30)
	require.Len(t, lines, 10)
	assert.Equal(t, []byte{stx}, lines[0])
	assert.Equal(t, []byte{etx}, lines[9])
	assert.Equal(t, "30", string(lines[1]))
	assert.Equal(t, "1000", string(lines[2]))
	assert.Equal(t, "7", string(lines[3]))
	assert.Equal(t, "8", string(lines[4]))
	assert.Equal(t, "1", string(lines[5]))
	assert.Equal(t, "0,100", string(lines[6]))
	assert.Equal(t, "2,2", string(lines[7]))
	assert.Equal(t, "1,0", string(lines[8]))
}

func TestDecodeInputFrame(t *testing.T) {
	body := []byte{
		0x09, 0x00, // pin = 9
		0x01,                   // state = 1
		0x10, 0x27, 0x00, 0x00, // micros = 10000
		0x02, 0x00, 0x00, 0x00, // cycleIndex = 2
	}
	frame, err := decodeInputFrame(body)
	require.NoError(t, err)
	assert.EqualValues(t, 9, frame.Pin)
	assert.EqualValues(t, 1, frame.State)
	assert.EqualValues(t, 10000, frame.MicrosInCycle)
	assert.EqualValues(t, 2, frame.CycleIndex)
	assert.EqualValues(t, 2*1000+10000, frame.AbsoluteTimeUS(1000))
}

func TestDecodeInputFrameRejectsWrongLength(t *testing.T) {
	_, err := decodeInputFrame([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCommandQueueInterruptJumpsAheadOfUpload(t *testing.T) {
	q := newCommandQueue()
	q.start()
	defer q.stop()

	release := make(chan struct{})
	order := make([]string, 0, 2)
	var mu sync.Mutex

	// block the worker on a slow first command so both of the next two
	// are queued before either runs.
	blockDone := make(chan struct{})
	go func() {
		_ = q.submit(CmdUpload, func() error {
			<-release
			close(blockDone)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = q.submit(CmdUpload, func() error {
			mu.Lock()
			order = append(order, "upload")
			mu.Unlock()
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		_ = q.submit(CmdInterrupt, func() error {
			mu.Lock()
			order = append(order, "interrupt")
			mu.Unlock()
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	close(release)
	<-blockDone
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "interrupt", order[0])
}

// pipePort fakes a serial MCU by pairing two io.Pipes: hostToMCU
// carries controller writes, mcuToHost carries scripted responses.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

func newFakeMCU(t *testing.T, script func(hostWrites *bufio.Reader, mcuWrites io.Writer)) Port {
	t.Helper()
	hostToMCUR, hostToMCUW := io.Pipe()
	mcuToHostR, mcuToHostW := io.Pipe()

	go script(bufio.NewReader(hostToMCUR), mcuToHostW)

	return &pipePort{r: mcuToHostR, w: hostToMCUW}
}

func TestControllerOpenAndUpload(t *testing.T) {
	logger, err := rlog.New(rlog.NewConfig())
	require.NoError(t, err)

	port := newFakeMCU(t, func(hostWrites *bufio.Reader, mcuWrites io.Writer) {
		io.WriteString(mcuWrites, "READY\n")

		for i := 0; i < 10; i++ {
			hostWrites.ReadString('\n')
		}
		io.WriteString(mcuWrites, "RECEIVED\n")
	})

	origOpen := openPort
	openPort = func(name string, baud int) (Port, error) { return port, nil }
	defer func() { openPort = origOpen }()

	ctrl := New(config.McuConfig{}, logger)
	ctx := context.Background()

	require.NoError(t, ctrl.Open(ctx, []string{"fake0"}))
	require.NoError(t, ctrl.Upload(ctx, testSchedule(), 1))
	_ = ctrl.Close()
}

func TestReadTokenTrimsNewline(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("READY\r\n"))
	ok, err := readToken(r, "READY")
	require.NoError(t, err)
	assert.True(t, ok)
}
