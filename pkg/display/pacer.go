package display

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/openbehavior/trigcam/pkg/rlog"
)

// Pacer smooths a bursty stream of preview frames down to a steady
// rate before they're handed to a Bridge's encoder pipe. Fanout's
// time-subsampling already approximates the target rate, but a
// stalled-then-catching-up camera can still emit a short burst; Pacer
// absorbs that burst with a small buffer and releases frames no
// faster than the configured rate, the same leaky-bucket shape used
// to smooth RTP packet bursts before transmission.
type Pacer struct {
	logger  *rlog.Logger
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	in  chan *PreviewFrame
	out chan *PreviewFrame

	dropped atomic.Uint64
}

// NewPacer builds a Pacer that releases at most fps frames per
// second, with bursts up to burst frames absorbed instantly.
func NewPacer(ctx context.Context, fps float64, burst int, logger *rlog.Logger) *Pacer {
	if fps <= 0 {
		fps = 2
	}
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pacer{
		logger:  logger.With("component", "display-pacer"),
		limiter: rate.NewLimiter(rate.Limit(fps), burst),
		ctx:     ctx,
		cancel:  cancel,
		in:      make(chan *PreviewFrame, burst),
		out:     make(chan *PreviewFrame, burst),
	}
}

// Start launches the pacing goroutine. Out() is ready to read from
// once Start has been called.
func (p *Pacer) Start() {
	go p.run()
}

// Stop cancels the pacer without waiting for its goroutine; Out() is
// closed once that goroutine notices the cancellation.
func (p *Pacer) Stop() {
	p.cancel()
}

// Out returns the paced output channel.
func (p *Pacer) Out() <-chan *PreviewFrame {
	return p.out
}

// Enqueue offers a frame to the pacer. If the ingress buffer is full
// (the producer is bursting faster than the pacer can even absorb),
// the frame is dropped rather than applying backpressure upstream.
func (p *Pacer) Enqueue(frame *PreviewFrame) {
	select {
	case p.in <- frame:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of frames dropped because the ingress
// buffer was full.
func (p *Pacer) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pacer) run() {
	defer close(p.out)
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.in:
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
			select {
			case p.out <- frame:
			case <-p.ctx.Done():
				return
			}
		}
	}
}
