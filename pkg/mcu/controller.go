package mcu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/rlog"
	"github.com/openbehavior/trigcam/pkg/schedule"
)

// Port is the subset of *serial.Port the controller depends on, so
// tests can substitute an in-memory fake.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

const (
	portReadTimeout   = 100 * time.Millisecond
	handshakeAttempts = 50 // 50 * 100ms read timeout = 5s
)

// Controller owns the serial connection to the trigger microcontroller:
// handshake, schedule upload, acquisition start/stop, and the
// back-channel input stream that feeds the trigger-data log.
type Controller struct {
	logger *rlog.Logger
	cfg    config.McuConfig

	port   Port
	reader *bufio.Reader
	queue  *commandQueue

	cycleDurationUS uint32

	finished  chan struct{}
	finishOnce sync.Once
	protoErr  atomic.Value // error

	wg sync.WaitGroup
}

// New constructs a Controller. Open must be called before Upload or
// RunInputLoop.
func New(cfg config.McuConfig, logger *rlog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		queue:    newCommandQueue(),
		finished: make(chan struct{}),
	}
}

// openPort is overridden in tests to avoid touching real hardware.
var openPort = func(name string, baud int) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: portReadTimeout})
}

// Open finds a ready microcontroller (on cfg.Port if set, otherwise by
// probing candidatePorts) and leaves the connection open for Upload.
func (c *Controller) Open(ctx context.Context, candidatePorts []string) error {
	ports := candidatePorts
	if c.cfg.Port != "" {
		ports = []string{c.cfg.Port}
	}
	if len(ports) == 0 {
		return fmt.Errorf("mcu: no serial ports to probe and no port configured")
	}

	for _, name := range ports {
		port, err := openPort(name, baudOrDefault(c.cfg.BaudRate))
		if err != nil {
			c.logger.Debugc(rlog.CategoryMCU, "failed to open candidate port", "port", name, "err", err)
			continue
		}
		reader := bufio.NewReader(port)
		if found, _ := c.probeReady(reader); found {
			c.port = port
			c.reader = reader
			c.queue.start()
			c.logger.Info("found ready microcontroller", "port", name)
			return nil
		}
		port.Close()
	}

	return fmt.Errorf("mcu: no ready microcontroller found on %v", ports)
}

func baudOrDefault(baud int) int {
	if baud == 0 {
		return 115200
	}
	return baud
}

func (c *Controller) probeReady(r *bufio.Reader) (bool, error) {
	for i := 0; i < handshakeAttempts; i++ {
		ok, err := readToken(r, readyToken)
		if err != nil {
			continue // read timeout on this port, keep polling
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Upload sends the schedule to the MCU and starts cyclic acquisition
// for durationS seconds, blocking until the MCU replies RECEIVED.
func (c *Controller) Upload(ctx context.Context, sched *schedule.Schedule, durationS float64) error {
	c.cycleDurationUS = sched.CycleDurationUS
	numCycles := int(durationS * 1e6 / float64(sched.CycleDurationUS))

	return c.queue.submit(CmdUpload, func() error {
		for _, line := range uploadLines(sched, numCycles) {
			if _, err := c.port.Write(append(line, '\n')); err != nil {
				return fmt.Errorf("mcu: write upload line: %w", err)
			}
		}

		c.reader.Reset(c.port)

		ok, err := c.waitForToken(receivedToken)
		if err != nil {
			return fmt.Errorf("mcu: wait for RECEIVED: %w", err)
		}
		if !ok {
			return fmt.Errorf("mcu: handshake failure: MCU did not respond RECEIVED")
		}
		c.logger.Info("acquisition started", "num_cycles", numCycles, "cycle_duration_us", sched.CycleDurationUS)
		return nil
	})
}

// Interrupt asks the MCU to stop cyclic acquisition immediately,
// preempting any still-queued upload.
func (c *Controller) Interrupt(ctx context.Context) error {
	return c.queue.submit(CmdInterrupt, func() error {
		if _, err := c.port.Write([]byte("I")); err != nil {
			return fmt.Errorf("mcu: write interrupt: %w", err)
		}
		ok, err := c.waitForToken(interruptedToken)
		if err != nil {
			return fmt.Errorf("mcu: wait for INTERRUPTED: %w", err)
		}
		if !ok {
			return fmt.Errorf("mcu: handshake failure: MCU did not respond INTERRUPTED")
		}
		c.logger.Info("acquisition interrupted")
		return nil
	})
}

func (c *Controller) waitForToken(want string) (bool, error) {
	for i := 0; i < handshakeAttempts; i++ {
		ok, err := readToken(c.reader, want)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RunInputLoop reads the MCU's back-channel stream until ctx is
// canceled or the MCU sends its finished sentinel. Every decoded
// trigger event is written to triggerData as "time,pin,state\n".
// The returned channel closes when acquisition finishes.
func (c *Controller) RunInputLoop(ctx context.Context, triggerData io.Writer) <-chan struct{} {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finishOnce.Do(func() { close(c.finished) })

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			b, err := c.reader.ReadByte()
			if err != nil {
				continue // read timeout, keep polling
			}

			switch b {
			case finishedByte:
				c.reader.ReadByte() // consume trailing newline
				return
			case stx:
				body := make([]byte, inputFrameLen)
				if _, err := io.ReadFull(c.reader, body); err != nil {
					c.protoErr.Store(fmt.Errorf("mcu: short input frame: %w", err))
					return
				}
				frame, err := decodeInputFrame(body[:inputFrameBodyLen])
				if err != nil {
					c.protoErr.Store(err)
					return
				}
				if triggerData != nil {
					t := frame.AbsoluteTimeUS(c.cycleDurationUS)
					fmt.Fprintf(triggerData, "%d,%d,%d\n", t, frame.Pin, frame.State)
				}
			default:
				c.protoErr.Store(fmt.Errorf("mcu: unexpected byte 0x%02x from MCU", b))
				return
			}
		}
	}()
	return c.finished
}

// Err returns the protocol error that stopped the input loop, if any.
func (c *Controller) Err() error {
	if v := c.protoErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Close stops the command queue, waits for the input loop, and closes
// the serial connection.
func (c *Controller) Close() error {
	c.queue.stop()
	c.wg.Wait()
	if c.port != nil {
		return c.port.Close()
	}
	return nil
}
