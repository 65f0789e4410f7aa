package encode

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/openbehavior/trigcam/pkg/config"
)

// gpuEncoder is an opaque encoder handle in the shape of ffmpeggo's cgo
// avcodec context (open → Submit frames → Flush packets), standing in
// for a real NVENC/VPF binding. We do not link against a GPU codec
// library here (see DESIGN.md); Submit/Flush still model the same
// asynchronous submit-then-drain contract a real encoder would need,
// which is what the worker is written against.
type gpuEncoder struct {
	raw *os.File
}

func openGPUEncoder(rawPath string) (*gpuEncoder, error) {
	f, err := os.Create(rawPath)
	if err != nil {
		return nil, fmt.Errorf("encode: create raw nv12 stream %s: %w", rawPath, err)
	}
	return &gpuEncoder{raw: f}, nil
}

// Submit accepts one NV12 frame. A real NVENC handle would buffer this
// asynchronously and return packets from later Flush calls; here the
// "packet" is simply the NV12 bytes themselves, written straight
// through, with the codec's actual compression deferred to the muxer
// subprocess in Close.
func (e *gpuEncoder) Submit(nv12 []byte) error {
	_, err := e.raw.Write(nv12)
	return err
}

// Flush releases the encoder handle. Unlike PyNvEncoder.FlushSinglePacket
// there is no in-flight packet queue to drain: Submit already wrote
// everything through.
func (e *gpuEncoder) Flush() error {
	return e.raw.Close()
}

// gpuBackend converts incoming grayscale frames to NV12 in-process and
// hands them to a gpuEncoder, then runs an external ffmpeg subprocess
// to encode+mux the raw NV12 stream into the final container once the
// segment closes — the teacher's "writer closes, then a muxer
// subprocess finishes the job" idiom (NVC_Writer.close_video/_mux_video
// + VideoMuxer.run), ported from an mp4-remux-in-place step to the
// actual encode step since there's no real GPU encoder upstream of it.
type gpuBackend struct {
	cfg config.WriterConfig

	path    string
	rawPath string
	width   int
	height  int
	fps     int
	enc     *gpuEncoder

	muxWG  sync.WaitGroup
	muxErr error
	muxMu  sync.Mutex
}

func newGPUBackend(cfg config.WriterConfig) *gpuBackend {
	return &gpuBackend{cfg: cfg}
}

func (b *gpuBackend) Open(path string, width, height, fps int) error {
	enc, err := openGPUEncoder(path + ".nv12")
	if err != nil {
		return err
	}
	b.path, b.rawPath, b.width, b.height, b.fps, b.enc = path, path+".nv12", width, height, fps, enc
	return nil
}

func (b *gpuBackend) WriteFrame(pixels []byte) error {
	if b.enc == nil {
		return fmt.Errorf("encode: WriteFrame called before Open")
	}
	return b.enc.Submit(grey2nv12(pixels, b.width, b.height))
}

// Close flushes the encoder handle synchronously, then launches the
// muxer subprocess in the background and returns immediately: muxing
// one segment runs concurrently with the next segment's acquisition.
// Call Wait to block until the last launched mux has finished (the
// worker's final teardown does this; mid-run rollovers don't need to).
func (b *gpuBackend) Close() error {
	if b.enc == nil {
		return nil
	}
	if err := b.enc.Flush(); err != nil {
		return fmt.Errorf("encode: flush gpu encoder: %w", err)
	}
	b.enc = nil

	rawPath := b.rawPath
	b.muxWG.Add(1)
	go func() {
		defer b.muxWG.Done()
		defer os.Remove(rawPath)
		if err := b.muxRawStream(); err != nil {
			b.muxMu.Lock()
			b.muxErr = err
			b.muxMu.Unlock()
		}
	}()
	return nil
}

// Wait blocks until every mux subprocess launched by Close has
// finished. A mux failure is reported by Err, not by Wait.
func (b *gpuBackend) Wait() {
	b.muxWG.Wait()
}

// Err returns the most recent background mux failure, if any.
func (b *gpuBackend) Err() error {
	b.muxMu.Lock()
	defer b.muxMu.Unlock()
	return b.muxErr
}

// muxRawStream invokes ffmpeg as an external NVENC-accelerated encoder
// over the raw NV12 intermediate, writing the final output file. This
// is where compression actually happens; gpuEncoder only handles pixel
// format conversion and the submit/flush lifecycle.
func (b *gpuBackend) muxRawStream() error {
	gpu := b.cfg.GPU
	codec := "h264_nvenc"
	args := []string{
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"-s", fmt.Sprintf("%dx%d", b.width, b.height),
		"-r", strconv.Itoa(b.fps),
		"-i", b.rawPath,
		"-an",
		"-c:v", codec,
		"-preset", "p1",
		"-gpu", strconv.Itoa(gpu),
		b.path,
	}

	cmd := exec.Command("ffmpeg", args...)
	logFile, err := os.Create(b.path + ".mux.log")
	if err != nil {
		return fmt.Errorf("encode: create mux log: %w", err)
	}
	defer logFile.Close()
	cmd.Stdout, cmd.Stderr = logFile, logFile

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("encode: gpu mux subprocess failed: %w", err)
	}
	return nil
}

// grey2nv12 converts a flat grayscale buffer into NV12: the Y plane is
// the pixels as-is, and an UV plane at half resolution filled with the
// neutral chroma value 128 (grayscale carries no color information).
func grey2nv12(pixels []byte, width, height int) []byte {
	uvWidth, uvHeight := width/2, height/2
	out := make([]byte, len(pixels)+uvWidth*uvHeight*2)
	copy(out, pixels)
	for i := len(pixels); i < len(out); i++ {
		out[i] = 128
	}
	return out
}
