package schedule

import "sort"

// Plan computes one cycle's trigger schedule for nDepth depth cameras
// (0 or 1 in every known rig) running alongside the Basler top/bottom
// camera pairs at fps. It mirrors the onset-table construction of the
// microcontroller firmware: depth cameras expose 9 intersubframes of
// DepthIntersubframePeriodUS each, the depth trigger fires on subframe
// 3, and Basler exposures are placed on whichever later subframes keep
// every camera's duty cycle inside one depth frame.
func Plan(in Input, nDepth int, fps int) (*Schedule, error) {
	if nDepth < 0 {
		return nil, infeasible("negative depth camera count %d", nDepth)
	}
	if nDepth > 0 && !supportedFPS(fps) {
		return nil, infeasible("fps %d unsupported with a depth camera present (must be one of %v)", fps, SupportedFPS)
	}
	if fps <= 0 {
		return nil, infeasible("fps must be positive, got %d", fps)
	}

	cycleDurationUS := cycleDuration(nDepth, fps)

	topOnsets := topCameraOnsets(nDepth, fps)
	bottomDelay := bottomCameraDelay(nDepth, fps, in.Timing)

	bottomOnsets := make([]uint32, len(topOnsets))
	for i, t := range topOnsets {
		bottomOnsets[i] = t + bottomDelay
	}

	if nDepth > 0 && fps > 30 {
		budget := uint32(DepthIntersubframePeriodUS) - uint32(nDepth)*DepthSubframeDurationUS - 2*in.Timing.GapBetweenDepthAndBaslerUS
		if in.Timing.BaslerPulseDurUS > budget {
			return nil, infeasible("basler exposure %dus exceeds the %dus available between depth subframes with %d depth camera(s) and a %dus gap", in.Timing.BaslerPulseDurUS, budget, nDepth, in.Timing.GapBetweenDepthAndBaslerUS)
		}
	}

	var events []Event

	events = append(events, pairEvents(topOnsets, in.Pins.TopCameraPins, 1)...)
	events = append(events, pairEvents(addScalar(topOnsets, in.Timing.BaslerPulseDurUS), in.Pins.TopCameraPins, 0)...)
	events = append(events, pairEvents(bottomOnsets, in.Pins.BottomCameraPins, 1)...)
	events = append(events, pairEvents(addScalar(bottomOnsets, in.Timing.BaslerPulseDurUS), in.Pins.BottomCameraPins, 0)...)

	events = append(events, pairEvents(topOnsets, in.Pins.TopLightPins, 1)...)
	events = append(events, pairEvents(addScalar(topOnsets, in.Timing.TopLightDurUS), in.Pins.TopLightPins, 0)...)
	events = append(events, pairEvents(bottomOnsets, in.Pins.BottomLightPins, 1)...)
	events = append(events, pairEvents(addScalar(bottomOnsets, in.Timing.BottomLightDurUS), in.Pins.BottomLightPins, 0)...)

	if nDepth > 0 {
		depthOnset := uint32(DepthNumSubframesBeforeTrigger) * DepthIntersubframePeriodUS
		depthOffset := depthOnset + in.Timing.DepthPulseDurUS
		events = append(events, pairEvents([]uint32{depthOnset}, in.Pins.DepthTriggerPins, 1)...)
		events = append(events, pairEvents([]uint32{depthOffset}, in.Pins.DepthTriggerPins, 0)...)
	}

	for _, ce := range in.CustomEvents {
		events = append(events, Event{TimeUS: ce.TimeUS, Pin: ce.Pin, State: ce.State})
	}

	for _, ev := range events {
		if ev.TimeUS >= cycleDurationUS {
			return nil, infeasible("event at %dus on pin %d falls outside the %dus cycle", ev.TimeUS, ev.Pin, cycleDurationUS)
		}
	}

	if err := checkPinDisjoint(in.Pins); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].TimeUS < events[j].TimeUS })

	return &Schedule{
		CycleDurationUS:        cycleDurationUS,
		Events:                 events,
		InputPins:              in.Pins.InputPins,
		RandomOutputPins:       in.Pins.RandomOutputPins,
		CyclesPerRandomBitFlip: in.CyclesPerRandomBitFlip,
	}, nil
}

func supportedFPS(fps int) bool {
	for _, f := range SupportedFPS {
		if f == fps {
			return true
		}
	}
	return false
}

// depthCycleDurationUS is the fixed cycle length used whenever a depth
// camera is present, regardless of Basler fps: one depth frame's worth
// of subframes, with headroom for the last Basler exposure to land
// before the next depth trigger.
const depthCycleDurationUS = 33333

func cycleDuration(nDepth, fps int) uint32 {
	if nDepth == 0 {
		return uint32(1_000_000 / fps)
	}
	return depthCycleDurationUS
}

// topCameraOnsets returns the onset time, within the cycle, of every
// top-Basler exposure. With no depth camera the single camera fires at
// t=0. With a depth camera present the Basler exposures are threaded
// between the depth subframes that remain after the trigger subframe,
// one onset per Basler frame that must land inside a single depth
// cycle at the given fps.
func topCameraOnsets(nDepth, fps int) []uint32 {
	if nDepth == 0 {
		return []uint32{0}
	}
	if fps == 30 {
		return []uint32{uint32(DepthNumSubframes) * DepthIntersubframePeriodUS}
	}

	first := uint32(nDepth) * DepthSubframeDurationUS

	switch fps {
	case 60:
		return []uint32{first, first + 1_000_000/60}
	case 90:
		return []uint32{first, first + DepthIntersubframePeriodUS*7, first + (1_000_000/90)*2}
	case 120:
		return []uint32{
			first,
			first + DepthIntersubframePeriodUS*5,
			first + (1_000_000/120)*2,
			first + (1_000_000/120)*3,
		}
	case 150:
		return []uint32{
			first,
			first + DepthIntersubframePeriodUS*4,
			first + DepthIntersubframePeriodUS*8,
			first + (1_000_000/150)*3,
			first + (1_000_000/150)*4,
		}
	default:
		return []uint32{first}
	}
}

func bottomCameraDelay(nDepth, fps int, t Timing) uint32 {
	if nDepth == 0 || fps == 30 {
		return t.BottomCameraOffsetUS + t.TopLightDurUS
	}
	return DepthIntersubframePeriodUS
}

func pairEvents(times []uint32, pins []uint16, state uint8) []Event {
	events := make([]Event, 0, len(times)*len(pins))
	for _, t := range times {
		for _, p := range pins {
			events = append(events, Event{TimeUS: t, Pin: p, State: state})
		}
	}
	return events
}

func addScalar(times []uint32, delta uint32) []uint32 {
	out := make([]uint32, len(times))
	for i, t := range times {
		out[i] = t + delta
	}
	return out
}

func checkPinDisjoint(p PinSet) error {
	seen := make(map[uint16]string)
	groups := []struct {
		name string
		pins []uint16
	}{
		{"top_camera", p.TopCameraPins},
		{"bottom_camera", p.BottomCameraPins},
		{"top_light", p.TopLightPins},
		{"bottom_light", p.BottomLightPins},
		{"depth_trigger", p.DepthTriggerPins},
		{"input", p.InputPins},
		{"random_output", p.RandomOutputPins},
		{"custom_output", p.CustomOutputPins},
	}
	for _, g := range groups {
		for _, pin := range g.pins {
			if owner, ok := seen[pin]; ok {
				return infeasible("pin %d assigned to both %s and %s", pin, owner, g.name)
			}
			seen[pin] = g.name
		}
	}
	return nil
}
