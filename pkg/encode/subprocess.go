package encode

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/openbehavior/trigcam/pkg/config"
)

// subprocessBackend pipes raw pixels into an external ffmpeg process's
// stdin. One process per segment: Open spawns it, Close closes stdin
// and waits for it to exit.
type subprocessBackend struct {
	cfg      config.WriterConfig
	pixelFmt string // "gray8" or "gray16", passed in by the worker (chosen from the camera's vendor)

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logFile *os.File
}

func newSubprocessBackend(cfg config.WriterConfig, pixelFmt string) *subprocessBackend {
	return &subprocessBackend{cfg: cfg, pixelFmt: pixelFmt}
}

func (b *subprocessBackend) Open(path string, width, height, fps int) error {
	args := buildFFmpegArgs(path, width, height, fps, b.pixelFmt, b.cfg)

	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encode: ffmpeg stdin pipe: %w", err)
	}

	logFile, err := os.Create(path + ".ffmpeg.log")
	if err != nil {
		stdin.Close()
		return fmt.Errorf("encode: create ffmpeg log %s: %w", path, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		stdin.Close()
		logFile.Close()
		return fmt.Errorf("encode: start ffmpeg: %w", err)
	}

	b.cmd, b.stdin, b.logFile = cmd, stdin, logFile
	return nil
}

func (b *subprocessBackend) WriteFrame(pixels []byte) error {
	if b.stdin == nil {
		return fmt.Errorf("encode: WriteFrame called before Open")
	}
	_, err := b.stdin.Write(pixels)
	return err
}

func (b *subprocessBackend) Close() error {
	if b.stdin == nil {
		return nil
	}
	stdinErr := b.stdin.Close()
	waitErr := b.cmd.Wait()
	b.logFile.Close()
	b.cmd, b.stdin, b.logFile = nil, nil, nil
	if waitErr != nil {
		return fmt.Errorf("encode: ffmpeg exited with error: %w", waitErr)
	}
	return stdinErr
}

// buildFFmpegArgs assembles the ffmpeg command line the same way
// FFMPEG_Writer.create_ffmpeg_pipe_command does: raw video on stdin,
// codec/preset/quality chosen by GPU presence and pixel format.
func buildFFmpegArgs(path string, width, height, fps int, pixelFmt string, cfg config.WriterConfig) []string {
	args := []string{
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-pix_fmt", pixelFmt,
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-an",
	}

	if pixelFmt == "gray16" {
		args = append(args, "-vcodec", "ffv1")
	} else if cfg.GPU > 0 {
		args = append(args,
			"-c:v", "h264_nvenc",
			"-preset", "p1",
			"-qp", strconv.Itoa(cfg.CRF),
			"-gpu", strconv.Itoa(cfg.GPU),
			"-vsync", "0",
			"-2pass", "0",
		)
	} else {
		codec := cfg.Codec
		if codec == "" {
			codec = "libx264"
		}
		args = append(args,
			"-c:v", codec,
			"-preset", "ultrafast",
			"-crf", strconv.Itoa(cfg.CRF),
			"-threads", "4",
		)
	}

	if pixelFmt != "gray16" {
		args = append(args, "-pix_fmt", "yuv420p")
	}

	return append(args, path)
}
