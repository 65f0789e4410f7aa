package config

import "github.com/openbehavior/trigcam/pkg/schedule"

// SchedulerInput projects the parts of Config the planner needs into
// a schedule.Input, applying the spec's light_dur-defaults-to-exposure
// rule per camera role.
func (c *Config) SchedulerInput() schedule.Input {
	timing := schedule.Timing{
		DepthPulseDurUS:            c.MCU.DepthPulseDurUS,
		BaslerPulseDurUS:           c.MCU.BaslerPulseDurUS,
		BottomCameraOffsetUS:       c.MCU.BottomCameraOffsetUS,
		GapBetweenDepthAndBaslerUS: c.MCU.GapBetweenDepthAndBaslerUS,
		TopLightDurUS:              uint32(c.exposureForRole(RoleTop)),
		BottomLightDurUS:           uint32(c.exposureForRole(RoleBottom)),
	}

	custom := make([]schedule.CustomEvent, len(c.CustomOutputs))
	for i, co := range c.CustomOutputs {
		custom[i] = schedule.CustomEvent{TimeUS: co.TimeUS, Pin: co.Pin, State: co.State}
	}

	return schedule.Input{
		Pins: schedule.PinSet{
			TopCameraPins:    c.Pins.TopCameraPins,
			BottomCameraPins: c.Pins.BottomCameraPins,
			TopLightPins:     c.Pins.TopLightPins,
			BottomLightPins:  c.Pins.BottomLightPins,
			DepthTriggerPins: c.Pins.DepthTriggerPins,
			InputPins:        c.Pins.InputPins,
			RandomOutputPins: c.Pins.RandomOutputPins,
			CustomOutputPins: c.Pins.CustomOutputPins,
		},
		Timing:                 timing,
		CustomEvents:           custom,
		CyclesPerRandomBitFlip: c.MCU.CyclesPerRandomBitFlip,
	}
}

// exposureForRole returns the exposure time of the first camera with
// the given role, used as the default light duration for that role's
// illumination pins when no explicit light_dur is configured.
func (c *Config) exposureForRole(role Role) int {
	for _, cam := range c.Cameras {
		if cam.Role == role {
			return cam.ExposureUS
		}
	}
	return 0
}
