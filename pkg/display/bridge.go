package display

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/openbehavior/trigcam/pkg/rlog"
)

const (
	previewVideoClockRate = 90000
	previewPayloadType    = 96
	previewMTU            = 1200
)

// Bridge answers a single browser's WebRTC offer for one camera's
// preview track. Paced JPEG frames are piped through an ffmpeg
// subprocess (mjpeg in, H.264 Annex-B out) and the resulting NAL
// units are packetized onto the track with pion's H264Payloader,
// mirroring how a relayed RTSP stream gets onto the wire, just
// encoding locally instead of passing through already-encoded RTP.
type Bridge struct {
	name   string
	logger *rlog.Logger

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticRTP

	payloader *codecs.H264Payloader
	seqNum    uint16
	rtpTS     uint32
	tsStep    uint32

	cmd      *exec.Cmd
	encStdin io.WriteCloser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	framesSent  uint64
	sendErrors  uint64
}

// NewBridge builds a Bridge and its PeerConnection/track, ready to
// answer an offer via Answer. fps sets the RTP timestamp step
// for each encoded frame.
func NewBridge(ctx context.Context, name string, fps float64, logger *rlog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(ctx)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   previewVideoClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: previewPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		cancel()
		return nil, fmt.Errorf("display: register h264 codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("display: new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: previewVideoClockRate},
		fmt.Sprintf("%s-preview", name), "trigcam-preview",
	)
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("display: new video track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("display: add track: %w", err)
	}

	if fps <= 0 {
		fps = 2
	}

	b := &Bridge{
		name:      name,
		logger:    logger.With("component", "display-bridge", "camera", name),
		pc:        pc,
		track:     track,
		payloader: &codecs.H264Payloader{},
		tsStep:    uint32(previewVideoClockRate / fps),
		ctx:       ctx,
		cancel:    cancel,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.logger.Info("preview peer connection state changed", "state", state.String())
	})

	return b, nil
}

// Answer sets the browser's offer as the remote description, returns
// a local answer once ICE gathering completes, and starts the
// frame-encoding pipeline.
func (b *Bridge) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := b.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("display: set remote description: %w", err)
	}

	answer, err := b.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("display: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(b.pc)
	if err := b.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("display: set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("display: ICE gathering timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := b.startEncoder(); err != nil {
		return nil, err
	}

	return b.pc.LocalDescription(), nil
}

// startEncoder spawns the ffmpeg transcode pipe and its Annex-B
// reader goroutine. It's a no-op if already running.
func (b *Bridge) startEncoder() error {
	if b.cmd != nil {
		return nil
	}

	args := []string{
		"-loglevel", "error",
		"-f", "mjpeg",
		"-i", "-",
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-f", "h264",
		"-",
	}
	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("display: ffmpeg stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("display: ffmpeg stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("display: start ffmpeg: %w", err)
	}

	b.cmd, b.encStdin = cmd, stdin

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readAnnexB(stdout)
	}()
	return nil
}

// Submit feeds one JPEG frame into the transcode pipe. Called from
// the Pacer's output loop, never from capture.
func (b *Bridge) Submit(frame *PreviewFrame) error {
	if b.encStdin == nil {
		return fmt.Errorf("display: bridge not ready")
	}
	_, err := b.encStdin.Write(frame.JPEG)
	return err
}

// readAnnexB incrementally scans ffmpeg's H.264 Annex-B output for
// NAL units (delimited by 00 00 00 01 / 00 00 01 start codes),
// packetizing each complete one as soon as the next start code
// arrives rather than waiting for the process to exit.
func (b *Bridge) readAnnexB(stdout io.ReadCloser) {
	defer stdout.Close()
	reader := bufio.NewReaderSize(stdout, 1<<16)

	var pending []byte
	chunk := make([]byte, 1<<16)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			nalus, rest := extractCompleteAnnexB(pending)
			pending = rest
			for _, nalu := range nalus {
				if sendErr := b.writeNALU(nalu); sendErr != nil {
					b.mu.Lock()
					b.sendErrors++
					b.mu.Unlock()
					if b.ctx.Err() != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// extractCompleteAnnexB returns every NAL unit fully bounded by two
// start codes in data, plus the unconsumed remainder (the last,
// possibly-incomplete NAL and its leading start code).
func extractCompleteAnnexB(data []byte) (nalus [][]byte, rest []byte) {
	starts := findAnnexBStartCodes(data)
	if len(starts) < 2 {
		return nil, data
	}
	for i := 0; i < len(starts)-1; i++ {
		nalus = append(nalus, data[starts[i].end:starts[i+1].pos])
	}
	return nalus, data[starts[len(starts)-1].pos:]
}

type startCode struct {
	pos int // index of the first 0x00 byte of the start code
	end int // index just past the start code (where the NAL unit begins)
}

func findAnnexBStartCodes(data []byte) []startCode {
	var codes []startCode
	for i := 0; i+3 <= len(data); {
		if data[i] != 0 {
			i++
			continue
		}
		if i+4 <= len(data) && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			codes = append(codes, startCode{pos: i, end: i + 4})
			i += 4
			continue
		}
		if data[i+1] == 0 && data[i+2] == 1 {
			codes = append(codes, startCode{pos: i, end: i + 3})
			i += 3
			continue
		}
		i++
	}
	return codes
}

// isVCLNALU reports whether a NAL unit starts a new video access
// unit (a coded slice, types 1 and 5), as opposed to a parameter-set
// or SEI NAL that shares the following slice's timestamp.
func isVCLNALU(nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	nalType := nalu[0] & 0x1F
	return nalType == 1 || nalType == 5
}

func (b *Bridge) writeNALU(nalu []byte) error {
	if isVCLNALU(nalu) {
		b.rtpTS += b.tsStep
	}

	payloads := b.payloader.Payload(previewMTU, nalu)
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    previewPayloadType,
				SequenceNumber: b.seqNum,
				Timestamp:      b.rtpTS,
				Marker:         i == len(payloads)-1,
			},
			Payload: payload,
		}
		b.seqNum++
		if err := b.track.WriteRTP(pkt); err != nil {
			if err == io.ErrClosedPipe {
				return nil
			}
			return err
		}
	}
	b.mu.Lock()
	b.framesSent++
	b.mu.Unlock()
	return nil
}

// Stats reports how many NAL units were sent and how many NAL unit
// sends failed since the bridge started.
func (b *Bridge) Stats() (sent, errs uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.framesSent, b.sendErrors
}

// Close tears down the transcode subprocess and the peer connection.
func (b *Bridge) Close() error {
	b.cancel()
	if b.encStdin != nil {
		b.encStdin.Close()
	}
	if b.cmd != nil {
		b.cmd.Wait()
	}
	b.wg.Wait()
	return b.pc.Close()
}
