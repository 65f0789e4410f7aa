package mcu

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/openbehavior/trigcam/pkg/schedule"
)

const (
	stx byte = 0x02
	etx byte = 0x03

	readyToken      = "READY"
	receivedToken   = "RECEIVED"
	interruptedToken = "INTERRUPTED"
	finishedByte    = 'F'

	inputFrameBodyLen = 11 // u16 pin + u8 state + u32 micros + u32 cycleIndex
	inputFrameLen     = inputFrameBodyLen + 1
)

// InputFrame is one decoded back-channel event from the MCU: a pin
// state change it observed on one of its input pins.
type InputFrame struct {
	Pin          uint16
	State        uint8
	MicrosInCycle uint32
	CycleIndex   uint32
}

// AbsoluteTimeUS returns the frame's time since acquisition start.
func (f InputFrame) AbsoluteTimeUS(cycleDurationUS uint32) uint64 {
	return uint64(f.CycleIndex)*uint64(cycleDurationUS) + uint64(f.MicrosInCycle)
}

// decodeInputFrame parses the 11-byte little-endian body of an
// STX-prefixed input frame: pin(u16) state(u8) micros(u32) cycle(u32).
func decodeInputFrame(body []byte) (InputFrame, error) {
	if len(body) != inputFrameBodyLen {
		return InputFrame{}, fmt.Errorf("mcu: input frame body has %d bytes, want %d", len(body), inputFrameBodyLen)
	}
	return InputFrame{
		Pin:           binary.LittleEndian.Uint16(body[0:2]),
		State:         body[2],
		MicrosInCycle: binary.LittleEndian.Uint32(body[3:7]),
		CycleIndex:    binary.LittleEndian.Uint32(body[7:11]),
	}, nil
}

// uploadLines builds the ten-line STX/ETX-delimited upload packet for
// sched, to run for numCycles cycles.
func uploadLines(sched *schedule.Schedule, numCycles int) [][]byte {
	times := make([]string, len(sched.Events))
	pins := make([]string, len(sched.Events))
	states := make([]string, len(sched.Events))
	for i, ev := range sched.Events {
		times[i] = strconv.FormatUint(uint64(ev.TimeUS), 10)
		pins[i] = strconv.FormatUint(uint64(ev.Pin), 10)
		states[i] = strconv.FormatUint(uint64(ev.State), 10)
	}

	return [][]byte{
		{stx},
		[]byte(strconv.Itoa(numCycles)),
		[]byte(strconv.FormatUint(uint64(sched.CycleDurationUS), 10)),
		[]byte(joinUint16(sched.InputPins)),
		[]byte(joinUint16(sched.RandomOutputPins)),
		[]byte(strconv.Itoa(sched.CyclesPerRandomBitFlip)),
		[]byte(strings.Join(times, ",")),
		[]byte(strings.Join(pins, ",")),
		[]byte(strings.Join(states, ",")),
		{etx},
	}
}

func joinUint16(vals []uint16) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}

// readToken reads one newline-terminated line and reports whether it
// equals want.
func readToken(r *bufio.Reader, want string) (bool, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return false, err
	}
	return strings.TrimRight(line, "\r\n") == want, nil
}
