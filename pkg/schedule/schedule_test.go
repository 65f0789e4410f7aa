package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicInput() Input {
	return Input{
		Pins: PinSet{
			TopCameraPins:    []uint16{2},
			BottomCameraPins: []uint16{3},
			TopLightPins:     []uint16{4},
			BottomLightPins:  []uint16{5},
			DepthTriggerPins: []uint16{6},
			InputPins:        []uint16{7},
			RandomOutputPins: []uint16{8},
		},
		Timing: Timing{
			DepthPulseDurUS:            100,
			BaslerPulseDurUS:           100,
			BottomCameraOffsetUS:       50,
			GapBetweenDepthAndBaslerUS: 10,
			TopLightDurUS:              100,
			BottomLightDurUS:           100,
		},
	}
}

func TestPlanNoDepthCamera(t *testing.T) {
	sched, err := Plan(basicInput(), 0, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1_000_000/30, sched.CycleDurationUS)

	var sawTopOn, sawBottomOn bool
	for _, ev := range sched.Events {
		if ev.Pin == 2 && ev.State == 1 && ev.TimeUS == 0 {
			sawTopOn = true
		}
		if ev.Pin == 3 && ev.State == 1 {
			sawBottomOn = true
		}
	}
	assert.True(t, sawTopOn, "expected top camera trigger at t=0")
	assert.True(t, sawBottomOn, "expected bottom camera trigger")
}

func TestPlanDepthCamera30FPS(t *testing.T) {
	sched, err := Plan(basicInput(), 1, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 33333, sched.CycleDurationUS)

	for _, ev := range sched.Events {
		assert.Less(t, ev.TimeUS, sched.CycleDurationUS)
	}
}

func TestPlanDepthCameraUnsupportedFPS(t *testing.T) {
	_, err := Plan(basicInput(), 1, 45)
	require.Error(t, err)
	var infeasibleErr *InfeasibleScheduleError
	assert.ErrorAs(t, err, &infeasibleErr)
}

func TestPlanEventOrderIsStableCameraBeforeLight(t *testing.T) {
	sched, err := Plan(basicInput(), 0, 30)
	require.NoError(t, err)

	cameraIdx, lightIdx := -1, -1
	for i, ev := range sched.Events {
		if ev.TimeUS != 0 {
			continue
		}
		if ev.Pin == 2 && cameraIdx == -1 {
			cameraIdx = i
		}
		if ev.Pin == 4 && lightIdx == -1 {
			lightIdx = i
		}
	}
	require.NotEqual(t, -1, cameraIdx)
	require.NotEqual(t, -1, lightIdx)
	assert.Less(t, cameraIdx, lightIdx, "camera events must sort before light events at equal timestamps")
}

func TestPlanRejectsCollidingPins(t *testing.T) {
	in := basicInput()
	in.Pins.BottomCameraPins = []uint16{2}
	_, err := Plan(in, 0, 30)
	require.Error(t, err)
}

func TestPlanRejectsOversizedExposure(t *testing.T) {
	in := basicInput()
	in.Timing.BaslerPulseDurUS = 10000
	_, err := Plan(in, 1, 60)
	require.Error(t, err)
}

func TestValidateAcceptsPlannedSchedule(t *testing.T) {
	in := basicInput()
	sched, err := Plan(in, 0, 30)
	require.NoError(t, err)
	assert.NoError(t, Validate(in, sched))
}

func TestValidateRejectsUnknownPin(t *testing.T) {
	in := basicInput()
	sched, err := Plan(in, 0, 30)
	require.NoError(t, err)
	sched.Events = append(sched.Events, Event{TimeUS: 1, Pin: 99, State: 1})
	assert.Error(t, Validate(in, sched))
}

func TestValidateRejectsBadState(t *testing.T) {
	in := basicInput()
	sched, err := Plan(in, 0, 30)
	require.NoError(t, err)
	sched.Events = append(sched.Events, Event{TimeUS: 1, Pin: 2, State: 2})
	assert.Error(t, Validate(in, sched))
}

func TestValidateRejectsRandomBitFlipWithoutPins(t *testing.T) {
	in := basicInput()
	in.Pins.RandomOutputPins = nil
	in.CyclesPerRandomBitFlip = 5
	sched, err := Plan(in, 0, 30)
	require.NoError(t, err)
	assert.Error(t, Validate(in, sched))
}
