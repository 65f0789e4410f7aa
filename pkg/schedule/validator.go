package schedule

// Validate re-checks a planned Schedule against its originating Input.
// It re-applies Plan's pin-disjointness and in-cycle timing rules, and
// adds checks that only make sense once the full event list exists:
// every event pin must appear somewhere in the pin assignment, every
// event state must be 0 or 1, and cycles_per_random_bit_flip must be
// non-negative and, when positive, have random output pins. Plan's
// fps-support and exposure-budget rules are not re-checked here, since
// Validate is given neither nDepth nor fps. Validate exists
// as a standalone predicate so a schedule loaded from disk (or one
// built by a future planner revision) can be re-verified without
// recomputation.
func Validate(in Input, sched *Schedule) error {
	if sched == nil {
		return infeasible("nil schedule")
	}

	if err := checkPinDisjoint(in.Pins); err != nil {
		return err
	}

	known := knownPins(in.Pins)

	for _, ev := range sched.Events {
		if ev.TimeUS >= sched.CycleDurationUS {
			return infeasible("event at %dus on pin %d falls outside the %dus cycle", ev.TimeUS, ev.Pin, sched.CycleDurationUS)
		}
		if ev.State != 0 && ev.State != 1 {
			return infeasible("event on pin %d has state %d, must be 0 or 1", ev.Pin, ev.State)
		}
		if !known[ev.Pin] {
			return infeasible("event references pin %d, which is not in the pin assignment", ev.Pin)
		}
	}

	if sched.CyclesPerRandomBitFlip < 0 {
		return infeasible("cycles_per_random_bit_flip must be non-negative, got %d", sched.CyclesPerRandomBitFlip)
	}
	if sched.CyclesPerRandomBitFlip > 0 && len(sched.RandomOutputPins) == 0 {
		return infeasible("cycles_per_random_bit_flip set but no random_output_pins assigned")
	}

	return nil
}

func knownPins(p PinSet) map[uint16]bool {
	known := make(map[uint16]bool)
	for _, group := range [][]uint16{
		p.TopCameraPins, p.BottomCameraPins,
		p.TopLightPins, p.BottomLightPins,
		p.DepthTriggerPins, p.InputPins,
		p.RandomOutputPins, p.CustomOutputPins,
	} {
		for _, pin := range group {
			known[pin] = true
		}
	}
	return known
}
