// Command schedplan plans and validates a run configuration's MCU
// trigger schedule offline, without opening a serial port or touching
// any camera. It's meant for checking a new rig's pin assignment and
// timing parameters before ever plugging in hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/schedule"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("schedplan", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the run configuration YAML file (required)")
	verbose := fs.Bool("verbose", false, "Print the full per-pin event timeline, not just a summary")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config run.yaml [-verbose]\n\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "schedplan: -config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedplan: %v\n", err)
		return 1
	}

	in := cfg.SchedulerInput()
	nDepth := cfg.NDepthCameras()

	sched, err := schedule.Plan(in, nDepth, cfg.FPS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedplan: schedule infeasible: %v\n", err)
		return 1
	}
	if err := schedule.Validate(in, sched); err != nil {
		fmt.Fprintf(os.Stderr, "schedplan: schedule invalid: %v\n", err)
		return 1
	}

	fmt.Printf("cycle duration: %d us (%d cycles/sec)\n", sched.CycleDurationUS, 1_000_000/int(sched.CycleDurationUS))
	fmt.Printf("cameras: %d depth, fps %d\n", nDepth, cfg.FPS)
	fmt.Printf("events: %d\n", len(sched.Events))
	fmt.Printf("input pins: %v\n", sched.InputPins)
	fmt.Printf("random-output pins: %v (cycles per flip: %d)\n", sched.RandomOutputPins, sched.CyclesPerRandomBitFlip)

	if *verbose {
		events := append([]schedule.Event(nil), sched.Events...)
		sort.Slice(events, func(i, j int) bool {
			if events[i].TimeUS != events[j].TimeUS {
				return events[i].TimeUS < events[j].TimeUS
			}
			return events[i].Pin < events[j].Pin
		})
		fmt.Println("\ntime_us\tpin\tstate")
		for _, e := range events {
			fmt.Printf("%d\t%d\t%d\n", e.TimeUS, e.Pin, e.State)
		}
	}

	fmt.Println("\nschedule OK")
	return 0
}
